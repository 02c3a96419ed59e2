// Package amazon resolves playable streams for Amazon Music tracks
// through a converter service that turns a public track page URL into a
// direct download link. There is no metadata API behind it; streams come
// back bare.
package amazon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/xeptore/hifilink/config"
	"github.com/xeptore/hifilink/httputil"
	"github.com/xeptore/hifilink/stream"
)

// ErrNoStream is returned when the converter has no usable result for the
// track, including converter-side failures it reports as unsuccessful.
var ErrNoStream = errors.New("amazon: converter produced no stream")

type Resolver struct {
	conf   config.Amazon
	client *http.Client
}

func NewResolver(conf config.Amazon) *Resolver {
	return &Resolver{
		conf: conf,
		client: &http.Client{ //nolint:exhaustruct
			Timeout: time.Duration(conf.TimeoutSeconds) * time.Second,
		},
	}
}

// ResolveStream converts a track page URL into a direct stream. The
// catalog serves lossless FLAC; there is no tier negotiation.
func (r *Resolver) ResolveStream(ctx context.Context, logger zerolog.Logger, trackURL string) (*stream.Candidate, error) {
	normalized := NormalizeTrackURL(trackURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.conf.ConverterURL+"?url="+url.QueryEscape(normalized), nil)
	if nil != err {
		return nil, fmt.Errorf("amazon: create converter request: %v", err)
	}

	resp, err := r.client.Do(req)
	if nil != err {
		return nil, fmt.Errorf("amazon: request converter: %v", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, fmt.Errorf("amazon: read converter response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.
			Error().
			Int("status", resp.StatusCode).
			Str("body", httputil.PreviewBody(body, 256)).
			Msg("Unexpected converter response status")

		return nil, fmt.Errorf("amazon: unexpected converter response status %d", resp.StatusCode)
	}

	if !gjson.GetBytes(body, "success").Bool() {
		logger.Warn().Str("body", httputil.PreviewBody(body, 256)).Msg("Converter reported failure")

		return nil, fmt.Errorf("%w: %s", ErrNoStream, normalized)
	}

	directLink := gjson.GetBytes(body, "data.direct_link").String()
	if directLink == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoStream, normalized)
	}

	logger.Debug().Str("file_name", gjson.GetBytes(body, "data.file_name").String()).Msg("Stream resolved")

	return &stream.Candidate{
		URL:        directLink,
		Provider:   stream.ProviderAmazon,
		Tier:       "LOSSLESS",
		MimeType:   "audio/flac",
		BitDepth:   16,
		SampleRate: 44100,
		IsManifest: false,
		Track:      nil,
	}, nil
}

// NormalizeTrackURL rewrites the album-with-track link shape the mapping
// service hands out into the converter's expected track page form. URLs
// already in track form, or in no recognized form at all, pass through
// unchanged.
func NormalizeTrackURL(rawURL string) string {
	if _, after, found := strings.Cut(rawURL, "trackAsin="); found {
		if asin, _, _ := strings.Cut(after, "&"); asin != "" {
			return "https://music.amazon.com/tracks/" + asin + "?musicTerritory=US"
		}
	}

	return rawURL
}

// TrackURLFromASIN builds the canonical track page URL for an ASIN.
func TrackURLFromASIN(asin string) string {
	return "https://music.amazon.com/tracks/" + asin + "?musicTerritory=US"
}
