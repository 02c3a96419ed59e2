package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      Log      `yaml:"log"`
	Spotify  Spotify  `yaml:"spotify"`
	SongLink SongLink `yaml:"songlink"`
	Tidal    Tidal    `yaml:"tidal"`
	Qobuz    Qobuz    `yaml:"qobuz"`
	Amazon   Amazon   `yaml:"amazon"`
	Resolve  Resolve  `yaml:"resolve"`
}

func (c *Config) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Dict("log", c.Log.ToDict()).
		Dict("spotify", c.Spotify.ToDict()).
		Dict("songlink", c.SongLink.ToDict()).
		Dict("tidal", c.Tidal.ToDict()).
		Dict("qobuz", c.Qobuz.ToDict()).
		Dict("amazon", c.Amazon.ToDict()).
		Dict("resolve", c.Resolve.ToDict())
}

func (c *Config) setDefaults() {
	c.Log.setDefaults()
	c.Spotify.setDefaults()
	c.SongLink.setDefaults()
	c.Tidal.setDefaults()
	c.Qobuz.setDefaults()
	c.Amazon.setDefaults()
	c.Resolve.setDefaults()
}

func (c *Config) validate() error {
	if err := c.Log.validate(); nil != err {
		return fmt.Errorf("log config validation failed: %v", err)
	}

	if err := c.Spotify.validate(); nil != err {
		return fmt.Errorf("spotify config validation failed: %v", err)
	}

	if err := c.SongLink.validate(); nil != err {
		return fmt.Errorf("songlink config validation failed: %v", err)
	}

	if err := c.Tidal.validate(); nil != err {
		return fmt.Errorf("tidal config validation failed: %v", err)
	}

	if err := c.Qobuz.validate(); nil != err {
		return fmt.Errorf("qobuz config validation failed: %v", err)
	}

	if err := c.Amazon.validate(); nil != err {
		return fmt.Errorf("amazon config validation failed: %v", err)
	}

	if err := c.Resolve.validate(); nil != err {
		return fmt.Errorf("resolve config validation failed: %v", err)
	}

	return nil
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Log) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("level", c.Level).
		Str("format", c.Format)
}

func (c *Log) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}

	if c.Format == "" {
		c.Format = "pretty"
	}
}

func (c *Log) validate() error {
	if !slices.Contains([]string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}, c.Level) {
		return fmt.Errorf(
			"level must be one of: trace, debug, info, warn, error, fatal, panic, got: %s",
			c.Level,
		)
	}

	if !slices.Contains([]string{"json", "pretty"}, c.Format) {
		return fmt.Errorf("format must be 'json' or 'pretty', got: %s", c.Format)
	}

	return nil
}

type Spotify struct {
	// TokenTTLSeconds is an assumption, not a server contract. The bearer
	// token endpoint does not return an expiry, and the observed lifetime
	// is one hour. A 401 from any authenticated call forces a full
	// re-bootstrap regardless of this value.
	TokenTTLSeconds int `yaml:"token_ttl_seconds"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

func (c *Spotify) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int("token_ttl_seconds", c.TokenTTLSeconds).
		Int("timeout_seconds", c.TimeoutSeconds)
}

func (c *Spotify) setDefaults() {
	if c.TokenTTLSeconds == 0 {
		c.TokenTTLSeconds = 3600
	}

	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
}

func (c *Spotify) validate() error {
	if c.TokenTTLSeconds < 0 {
		return errors.New("token_ttl_seconds must be greater than 0")
	}

	if c.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must be greater than 0")
	}

	return nil
}

type SongLink struct {
	MinIntervalSeconds int `yaml:"min_interval_seconds"`
	CooldownSeconds    int `yaml:"cooldown_seconds"`
	MaxRetries         int `yaml:"max_retries"`
	TimeoutSeconds     int `yaml:"timeout_seconds"`
}

func (c *SongLink) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int("min_interval_seconds", c.MinIntervalSeconds).
		Int("cooldown_seconds", c.CooldownSeconds).
		Int("max_retries", c.MaxRetries).
		Int("timeout_seconds", c.TimeoutSeconds)
}

func (c *SongLink) setDefaults() {
	if c.MinIntervalSeconds == 0 {
		c.MinIntervalSeconds = 7
	}

	if c.CooldownSeconds == 0 {
		c.CooldownSeconds = 15
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}

	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
}

func (c *SongLink) validate() error {
	if c.MinIntervalSeconds < 0 {
		return errors.New("min_interval_seconds must be greater than 0")
	}

	if c.CooldownSeconds < 0 {
		return errors.New("cooldown_seconds must be greater than 0")
	}

	if c.MaxRetries < 0 {
		return errors.New("max_retries must be greater than 0")
	}

	if c.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must be greater than 0")
	}

	return nil
}

type Tidal struct {
	Mirrors            []string `yaml:"mirrors"`
	RaceTimeoutSeconds int      `yaml:"race_timeout_seconds"`
}

func (c *Tidal) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Strs("mirrors", c.Mirrors).
		Int("race_timeout_seconds", c.RaceTimeoutSeconds)
}

func (c *Tidal) setDefaults() {
	if len(c.Mirrors) == 0 {
		c.Mirrors = []string{
			"https://vogel.qqdl.site",
			"https://maus.qqdl.site",
			"https://hund.qqdl.site",
			"https://katze.qqdl.site",
			"https://wolf.qqdl.site",
			"https://tidal.kinoplus.online",
			"https://tidal-api.binimum.org",
			"https://triton.squid.wtf",
		}
	}

	if c.RaceTimeoutSeconds == 0 {
		c.RaceTimeoutSeconds = 20
	}
}

func (c *Tidal) validate() error {
	if err := validateMirrors(c.Mirrors); nil != err {
		return err
	}

	if c.RaceTimeoutSeconds < 0 {
		return errors.New("race_timeout_seconds must be greater than 0")
	}

	return nil
}

type Qobuz struct {
	Mirrors            []string `yaml:"mirrors"`
	ObfuscatedMirrors  []string `yaml:"obfuscated_mirrors"`
	RaceTimeoutSeconds int      `yaml:"race_timeout_seconds"`
}

func (c *Qobuz) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Strs("mirrors", c.Mirrors).
		Strs("obfuscated_mirrors", c.ObfuscatedMirrors).
		Int("race_timeout_seconds", c.RaceTimeoutSeconds)
}

func (c *Qobuz) setDefaults() {
	if len(c.Mirrors) == 0 {
		c.Mirrors = []string{
			"https://dab.yeet.su/api/stream?trackId=",
			"https://dabmusic.xyz/api/stream?trackId=",
			"https://qobuz.squid.wtf/api/download-music?track_id=",
		}
	}

	if len(c.ObfuscatedMirrors) == 0 {
		c.ObfuscatedMirrors = []string{
			"https://jumo-dl.pages.dev/file?region=us&track_id=",
			"https://jumo-dl.pages.dev/file?region=eu&track_id=",
		}
	}

	if c.RaceTimeoutSeconds == 0 {
		c.RaceTimeoutSeconds = 20
	}
}

func (c *Qobuz) validate() error {
	if err := validateMirrors(c.Mirrors); nil != err {
		return err
	}

	if err := validateMirrors(c.ObfuscatedMirrors); nil != err {
		return err
	}

	if c.RaceTimeoutSeconds < 0 {
		return errors.New("race_timeout_seconds must be greater than 0")
	}

	return nil
}

type Amazon struct {
	ConverterURL   string `yaml:"converter_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c *Amazon) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("converter_url", c.ConverterURL).
		Int("timeout_seconds", c.TimeoutSeconds)
}

func (c *Amazon) setDefaults() {
	if c.ConverterURL == "" {
		c.ConverterURL = "https://amazon.afkarxyz.fun/convert"
	}

	if c.TimeoutSeconds == 0 {
		// The converter back end is noticeably slower than the others.
		c.TimeoutSeconds = 60
	}
}

func (c *Amazon) validate() error {
	if _, err := url.Parse(c.ConverterURL); nil != err {
		return fmt.Errorf("converter_url is not a valid URL: %v", err)
	}

	if c.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must be greater than 0")
	}

	return nil
}

type Resolve struct {
	MappingTTLHours int `yaml:"mapping_ttl_hours"`
}

func (c *Resolve) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int("mapping_ttl_hours", c.MappingTTLHours)
}

func (c *Resolve) setDefaults() {
	if c.MappingTTLHours == 0 {
		c.MappingTTLHours = 24
	}
}

func (c *Resolve) validate() error {
	if c.MappingTTLHours < 0 {
		return errors.New("mapping_ttl_hours must be greater than 0")
	}

	return nil
}

func validateMirrors(mirrors []string) error {
	for _, m := range mirrors {
		if _, err := url.Parse(m); nil != err {
			return fmt.Errorf("mirror %q is not a valid URL: %v", m, err)
		}
	}

	return nil
}

func Load(filename string) (*Config, error) {
	var conf Config

	data, err := os.ReadFile(lo.Ternary(len(filename) > 0, filename, "config.yaml"))
	if nil != err {
		if !os.IsNotExist(err) || len(filename) > 0 {
			return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
		}
		// Missing default config file is fine. Defaults cover everything.
	} else if err := yaml.Unmarshal(data, &conf); nil != err {
		return nil, fmt.Errorf("failed to parse config file %s: %v", filename, err)
	}

	conf.setDefaults()

	if err := conf.validate(); nil != err {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	return &conf, nil
}
