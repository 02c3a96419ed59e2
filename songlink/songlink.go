// Package songlink maps a catalog track id onto the equivalent tracks of
// other platforms through the song.link aggregation API. The API is very
// aggressively rate limited for anonymous callers, so the mapper paces
// every request and sits out a cooldown after each rejection.
package songlink

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/xeptore/hifilink/config"
	"github.com/xeptore/hifilink/httputil"
)

const (
	defaultAPIURL       = "https://api.song.link/v1-alpha.1/links"
	defaultDeezerAPIURL = "https://api.deezer.com/track/"
	spotifyTrackURL     = "https://open.spotify.com/track/"
)

// Mapping is the per-platform view of a single track. Zero-valued ids
// mean the platform does not carry the track, or the platform link shape
// was not recognized.
type Mapping struct {
	SpotifyID       string
	TidalID         int64
	TidalURL        string
	QobuzID         int64
	QobuzURL        string
	AmazonASIN      string
	AmazonURL       string
	DeezerURL       string
	AppleMusicURL   string
	YouTubeMusicURL string
	ISRC            string
}

func (m *Mapping) HasTidal() bool  { return m.TidalID != 0 }
func (m *Mapping) HasQobuz() bool  { return m.QobuzID != 0 }
func (m *Mapping) HasAmazon() bool { return m.AmazonASIN != "" }
func (m *Mapping) HasDeezer() bool { return m.DeezerURL != "" }

func (m *Mapping) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("spotify_id", m.SpotifyID).
		Int64("tidal_id", m.TidalID).
		Int64("qobuz_id", m.QobuzID).
		Str("amazon_asin", m.AmazonASIN).
		Str("isrc", m.ISRC)
}

type Mapper struct {
	conf   config.SongLink
	client *http.Client

	// limiter paces requests to one per configured interval regardless of
	// how many tracks are being resolved concurrently.
	limiter  *rate.Limiter
	cooldown time.Duration

	apiURL       string
	deezerAPIURL string
}

func NewMapper(conf config.SongLink) *Mapper {
	return &Mapper{
		conf: conf,
		client: &http.Client{ //nolint:exhaustruct
			Timeout: time.Duration(conf.TimeoutSeconds) * time.Second,
		},
		limiter:      rate.NewLimiter(rate.Every(time.Duration(conf.MinIntervalSeconds)*time.Second), 1),
		cooldown:     time.Duration(conf.CooldownSeconds) * time.Second,
		apiURL:       defaultAPIURL,
		deezerAPIURL: defaultDeezerAPIURL,
	}
}

// MapTrack looks up the platform links of a track. Rate-limit rejections
// are retried after the cooldown up to the configured ceiling; any other
// upstream failure is returned as-is.
func (m *Mapper) MapTrack(ctx context.Context, logger zerolog.Logger, spotifyID string) (*Mapping, error) {
	if err := m.limiter.Wait(ctx); nil != err {
		return nil, fmt.Errorf("songlink: wait for rate limiter: %w", err)
	}

	reqURL := m.apiURL + "?url=" + url.QueryEscape(spotifyTrackURL+spotifyID)

	var mapping *Mapping
	backoff := retry.WithMaxRetries(uint64(m.conf.MaxRetries), retry.NewConstant(m.cooldown))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if nil != err {
			return fmt.Errorf("create request: %v", err)
		}

		resp, err := m.client.Do(req)
		if nil != err {
			return fmt.Errorf("request platform links: %v", err)
		}
		defer resp.Body.Close()

		body, err := httputil.ReadResponseBody(resp)
		if nil != err {
			return fmt.Errorf("read platform links response: %v", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			mapping = parseMapping(body, spotifyID)

			return nil
		case http.StatusTooManyRequests:
			logger.
				Warn().
				Dur("cooldown", httputil.RetryAfter(resp, m.cooldown)).
				Msg("Platform link API rate limited")

			return retry.RetryableError(fmt.Errorf("rate limited with status %d", resp.StatusCode))
		default:
			logger.
				Error().
				Int("status", resp.StatusCode).
				Str("body", httputil.PreviewBody(body, 256)).
				Msg("Unexpected platform links response status")

			return fmt.Errorf("unexpected response status %d", resp.StatusCode)
		}
	})
	if nil != err {
		return nil, fmt.Errorf("songlink: map track %s: %w", spotifyID, err)
	}

	logger.Debug().Dict("mapping", mapping.ToDict()).Msg("Track mapped")

	return mapping, nil
}

func parseMapping(body []byte, spotifyID string) *Mapping {
	links := gjson.GetBytes(body, "linksByPlatform")

	tidalURL := links.Get("tidal.url").String()
	qobuzURL := links.Get("qobuz.url").String()
	amazonURL := links.Get("amazonMusic.url").String()

	//nolint:exhaustruct
	mapping := &Mapping{
		SpotifyID:       spotifyID,
		TidalURL:        tidalURL,
		TidalID:         numericTrackID(tidalURL, "tidal.com/browse/track/", "tidal.com/track/"),
		QobuzURL:        qobuzURL,
		QobuzID:         numericTrackID(qobuzURL, "open.qobuz.com/track/", "play.qobuz.com/track/"),
		AmazonURL:       amazonURL,
		AmazonASIN:      amazonASIN(amazonURL),
		DeezerURL:       links.Get("deezer.url").String(),
		AppleMusicURL:   links.Get("appleMusic.url").String(),
		YouTubeMusicURL: links.Get("youtubeMusic.url").String(),
	}

	// Any entity that reports an ISRC will do; they all describe the same
	// recording.
	gjson.GetBytes(body, "entitiesByUniqueId").ForEach(func(_, entity gjson.Result) bool {
		if isrc := entity.Get("isrc").String(); isrc != "" {
			mapping.ISRC = isrc

			return false
		}

		return true
	})

	return mapping
}

func numericTrackID(rawURL string, markers ...string) int64 {
	for _, marker := range markers {
		_, after, found := strings.Cut(rawURL, marker)
		if !found {
			continue
		}

		after, _, _ = strings.Cut(after, "?")
		after, _, _ = strings.Cut(after, "/")

		id, err := strconv.ParseInt(after, 10, 64)
		if nil != err {
			return 0
		}

		return id
	}

	return 0
}

func amazonASIN(rawURL string) string {
	if _, after, found := strings.Cut(rawURL, "trackAsin="); found {
		asin, _, _ := strings.Cut(after, "&")

		return asin
	}

	if _, after, found := strings.Cut(rawURL, "/tracks/"); found {
		asin, _, _ := strings.Cut(after, "?")

		return asin
	}

	return ""
}

// ISRCFromDeezer resolves a track's ISRC through Deezer's public track
// endpoint, used when the aggregation response itself carries none.
func (m *Mapper) ISRCFromDeezer(ctx context.Context, logger zerolog.Logger, deezerURL string) (string, error) {
	_, after, found := strings.Cut(deezerURL, "/track/")
	if !found {
		return "", fmt.Errorf("songlink: no track id in deezer url %q", deezerURL)
	}
	trackID, _, _ := strings.Cut(after, "?")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.deezerAPIURL+trackID, nil)
	if nil != err {
		return "", fmt.Errorf("songlink: create deezer track request: %v", err)
	}

	resp, err := m.client.Do(req)
	if nil != err {
		return "", fmt.Errorf("songlink: request deezer track: %v", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return "", fmt.Errorf("songlink: read deezer track response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("songlink: unexpected deezer track response status %d", resp.StatusCode)
	}

	isrc := gjson.GetBytes(body, "isrc").String()
	if isrc == "" {
		return "", fmt.Errorf("songlink: deezer track %s reports no isrc", trackID)
	}

	logger.Debug().Str("isrc", isrc).Msg("Resolved track recording code")

	return isrc, nil
}
