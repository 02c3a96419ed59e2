// Package stream holds the types shared by every stream provider and the
// helpers they resolve candidates with: the mirror race, the tolerant
// response parser, and the obfuscation codec one mirror family uses.
package stream

import (
	"github.com/rs/zerolog"
)

type Provider string

const (
	ProviderTidal  Provider = "tidal"
	ProviderQobuz  Provider = "qobuz"
	ProviderAmazon Provider = "amazon"

	// ProviderAuto is a preference value only, never a resolved provider.
	ProviderAuto Provider = "auto"
)

// Quality is the caller-facing fidelity preference. Each provider maps it
// to its own native tier names and fallback chain.
type Quality string

const (
	QualityHiRes    Quality = "hires"
	QualityLossless Quality = "lossless"
	QualityHigh     Quality = "high"
)

// Candidate is a freshly resolved, playable stream. URLs are short-lived
// and must never be persisted across sessions.
type Candidate struct {
	URL        string
	Provider   Provider
	Tier       string
	MimeType   string
	BitDepth   int
	SampleRate int
	IsManifest bool
	Track      *TrackInfo
}

func (c *Candidate) ToDict() *zerolog.Event {
	d := zerolog.Dict().
		Str("provider", string(c.Provider)).
		Str("tier", c.Tier).
		Str("mime_type", c.MimeType).
		Int("bit_depth", c.BitDepth).
		Int("sample_rate", c.SampleRate).
		Bool("is_manifest", c.IsManifest)
	if nil != c.Track {
		d.Dict("track", c.Track.ToDict())
	}

	return d
}

// TrackInfo is provider-native metadata. Not every provider exposes it.
type TrackInfo struct {
	ID         string
	Title      string
	Artist     string
	Album      string
	CoverURL   string
	DurationMS int
	ISRC       string
	Explicit   bool
}

func (t *TrackInfo) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("id", t.ID).
		Str("title", t.Title).
		Str("artist", t.Artist).
		Str("album", t.Album).
		Int("duration_ms", t.DurationMS).
		Str("isrc", t.ISRC).
		Bool("explicit", t.Explicit)
}
