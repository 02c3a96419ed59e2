// Package qobuz resolves playable streams through third-party mirrors of
// the Qobuz catalog. One mirror family obfuscates its responses with a
// positional XOR scheme; those are decoded before parsing. Track ids are
// discovered by recording code through the public search API.
package qobuz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/xeptore/hifilink/config"
	"github.com/xeptore/hifilink/httputil"
	"github.com/xeptore/hifilink/stream"
)

const (
	// appID is the public web player application id. It gates nothing but
	// is required on every search call.
	appID         = "798273057"
	defaultAPIURL = "https://www.qobuz.com/api.json/0.2"
)

// Native format ids. The catalog identifies quality tiers numerically.
const (
	FormatHiRes192 = 27 // 24-bit, up to 192kHz
	FormatHiRes96  = 7  // 24-bit, up to 96kHz
	FormatCD       = 6  // 16-bit, 44.1kHz
)

var (
	ErrNoStream      = errors.New("qobuz: no mirror produced a stream")
	ErrTrackNotFound = errors.New("qobuz: no track matches the recording code")
)

type Resolver struct {
	conf   config.Qobuz
	client *http.Client
	apiURL string
}

func NewResolver(conf config.Qobuz) *Resolver {
	return &Resolver{
		conf:   conf,
		client: &http.Client{Timeout: 30 * time.Second}, //nolint:exhaustruct
		apiURL: defaultAPIURL,
	}
}

func formatChain(quality stream.Quality) []int {
	switch quality {
	case stream.QualityHiRes:
		return []int{FormatHiRes192, FormatHiRes96, FormatCD}
	case stream.QualityLossless, stream.QualityHigh:
		return []int{FormatCD}
	default:
		return []int{FormatCD}
	}
}

func formatTier(format int) string {
	switch format {
	case FormatHiRes192:
		return "HI_RES_192"
	case FormatHiRes96:
		return "HI_RES_96"
	case FormatCD:
		return "CD_QUALITY"
	default:
		return "UNKNOWN"
	}
}

func formatShape(format int) (bitDepth, sampleRate int) {
	switch format {
	case FormatHiRes192:
		return 24, 192000
	case FormatHiRes96:
		return 24, 96000
	default:
		return 16, 44100
	}
}

// ResolveStream races every mirror, plain and obfuscated alike, once per
// format in the fallback chain.
func (r *Resolver) ResolveStream(ctx context.Context, logger zerolog.Logger, trackID int64, quality stream.Quality) (*stream.Candidate, error) {
	for _, format := range formatChain(quality) {
		if err := ctx.Err(); nil != err {
			return nil, fmt.Errorf("qobuz: resolve stream: %w", err)
		}

		if c := r.raceMirrors(ctx, logger, trackID, format); nil != c {
			logger.Debug().Int64("track_id", trackID).Str("tier", c.Tier).Msg("Stream resolved")

			return c, nil
		}

		logger.Debug().Int64("track_id", trackID).Int("format", format).Msg("Format unavailable, falling back")
	}

	return nil, fmt.Errorf("%w: track %d", ErrNoStream, trackID)
}

func (r *Resolver) raceMirrors(ctx context.Context, logger zerolog.Logger, trackID int64, format int) *stream.Candidate {
	// Plain mirrors are shuffled for load spreading. The obfuscated pair
	// differs only by region, so its order does not matter.
	mirrors := lo.Shuffle(slices.Clone(r.conf.Mirrors))
	mirrors = append(mirrors, r.conf.ObfuscatedMirrors...)
	timeout := time.Duration(r.conf.RaceTimeoutSeconds) * time.Second

	return stream.Race(ctx, logger, timeout, mirrors, func(ctx context.Context, mirror string) *stream.Candidate {
		obfuscated := slices.Contains(r.conf.ObfuscatedMirrors, mirror)

		// Mirror entries carry their track-id parameter up to the "=";
		// the obfuscated family names the quality parameter differently.
		reqURL := fmt.Sprintf("%s%d&quality=%d", mirror, trackID, format)
		if obfuscated {
			reqURL = fmt.Sprintf("%s%d&format_id=%d", mirror, trackID, format)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if nil != err {
			return nil
		}

		resp, err := r.client.Do(req)
		if nil != err {
			return nil
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil
		}

		body, err := httputil.ReadResponseBody(resp)
		if nil != err {
			return nil
		}

		if obfuscated {
			body = stream.XORCodec(body)
		}

		c := stream.ParseMirrorResponse(body, stream.ProviderQobuz, formatTier(format), "audio/flac")
		if nil == c {
			return nil
		}

		c.BitDepth, c.SampleRate = formatShape(format)

		return c
	})
}

// SearchByISRC finds the catalog's track id for a recording code. When
// several pressings match, the one whose duration is closest to the
// reference wins; a zero reference duration keeps the API's own ranking.
func (r *Resolver) SearchByISRC(ctx context.Context, logger zerolog.Logger, isrc string, referenceDurationMS int) (int64, *stream.TrackInfo, error) {
	reqURL := fmt.Sprintf("%s/track/search?query=%s&limit=10&app_id=%s", r.apiURL, url.QueryEscape(isrc), appID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if nil != err {
		return 0, nil, fmt.Errorf("qobuz: create search request: %v", err)
	}

	resp, err := r.client.Do(req)
	if nil != err {
		return 0, nil, fmt.Errorf("qobuz: request search: %v", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return 0, nil, fmt.Errorf("qobuz: read search response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.
			Error().
			Int("status", resp.StatusCode).
			Str("body", httputil.PreviewBody(body, 256)).
			Msg("Unexpected search response status")

		return 0, nil, fmt.Errorf("qobuz: unexpected search response status %d", resp.StatusCode)
	}

	items := gjson.GetBytes(body, "tracks.items").Array()
	if len(items) == 0 {
		return 0, nil, fmt.Errorf("%w: %s", ErrTrackNotFound, isrc)
	}

	best := items[0]
	if referenceDurationMS > 0 {
		bestDelta := durationDelta(best, referenceDurationMS)
		for _, item := range items[1:] {
			if delta := durationDelta(item, referenceDurationMS); delta < bestDelta {
				best, bestDelta = item, delta
			}
		}
	}

	id := best.Get("id").Int()
	if id == 0 {
		return 0, nil, fmt.Errorf("%w: %s", ErrTrackNotFound, isrc)
	}

	info := parseTrackInfo(best)

	logger.Debug().Str("isrc", isrc).Int64("track_id", id).Msg("Recording code matched")

	return id, info, nil
}

func durationDelta(item gjson.Result, referenceMS int) int {
	delta := int(item.Get("duration").Int())*1000 - referenceMS
	if delta < 0 {
		return -delta
	}

	return delta
}

func parseTrackInfo(item gjson.Result) *stream.TrackInfo {
	cover := item.Get("album.image.large").String()
	if cover == "" {
		cover = item.Get("album.image.small").String()
	}

	return &stream.TrackInfo{
		ID:         strconv.FormatInt(item.Get("id").Int(), 10),
		Title:      strings.TrimSpace(item.Get("title").String() + " " + item.Get("version").String()),
		Artist:     item.Get("performer.name").String(),
		Album:      item.Get("album.title").String(),
		CoverURL:   cover,
		DurationMS: int(item.Get("duration").Int()) * 1000,
		ISRC:       item.Get("isrc").String(),
		Explicit:   item.Get("parental_warning").Bool(),
	}
}
