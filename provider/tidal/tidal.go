// Package tidal resolves playable streams through a pool of community
// mirrors fronting the Tidal catalog, and track metadata through the
// official API with an anonymous client-credentials grant.
package tidal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/xeptore/hifilink/config"
	"github.com/xeptore/hifilink/httputil"
	"github.com/xeptore/hifilink/redact"
	"github.com/xeptore/hifilink/stream"
)

// Anonymous client-credentials identity of the official Android TV app.
// It only grants catalog reads, never playback.
const (
	clientID     = "6BDSRDPK9hQEBTgU"
	clientSecret = "xeuPmY7nbpZ9IIbLAcQ93shka1VNheUAqN6IcszjTG8=" //nolint:gosec

	defaultAuthURL = "https://auth.tidal.com/v1/oauth2/token"
	defaultAPIURL  = "https://api.tidal.com/v1"
)

// Native quality tiers, in the vocabulary the mirrors expect.
const (
	TierHiResLossless = "HI_RES_LOSSLESS"
	TierLossless      = "LOSSLESS"
	TierHigh          = "HIGH"
)

// ErrNoStream is returned when every mirror, at every acceptable tier,
// failed to produce a stream for the track.
var ErrNoStream = errors.New("tidal: no mirror produced a stream")

type Resolver struct {
	conf   config.Tidal
	client *http.Client

	authURL string
	apiURL  string
	now     func() time.Time

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

func NewResolver(conf config.Tidal) *Resolver {
	//nolint:exhaustruct
	return &Resolver{
		conf:    conf,
		client:  &http.Client{Timeout: 30 * time.Second}, //nolint:exhaustruct
		authURL: defaultAuthURL,
		apiURL:  defaultAPIURL,
		now:     time.Now,
	}
}

// tierChain maps the caller's fidelity preference onto the ordered list
// of native tiers worth trying. Lower tiers are acceptable substitutes
// for a missing higher tier, never the other way around.
func tierChain(quality stream.Quality) []string {
	switch quality {
	case stream.QualityHiRes:
		return []string{TierHiResLossless, TierLossless, TierHigh}
	case stream.QualityLossless:
		return []string{TierLossless, TierHigh}
	case stream.QualityHigh:
		return []string{TierHigh}
	default:
		return []string{TierHigh}
	}
}

func tierMimeType(tier string) string {
	switch tier {
	case TierHiResLossless, TierLossless:
		return "audio/flac"
	case TierHigh:
		return "audio/mp4"
	default:
		return "audio/mpeg"
	}
}

// ResolveStream races the mirror pool once per tier in the fallback
// chain and returns the first candidate produced.
func (r *Resolver) ResolveStream(ctx context.Context, logger zerolog.Logger, trackID int64, quality stream.Quality) (*stream.Candidate, error) {
	for _, tier := range tierChain(quality) {
		if err := ctx.Err(); nil != err {
			return nil, fmt.Errorf("tidal: resolve stream: %w", err)
		}

		if c := r.raceMirrors(ctx, logger, trackID, tier); nil != c {
			logger.Debug().Int64("track_id", trackID).Str("tier", tier).Msg("Stream resolved")

			return c, nil
		}

		logger.Debug().Int64("track_id", trackID).Str("tier", tier).Msg("Tier unavailable, falling back")
	}

	return nil, fmt.Errorf("%w: track %d", ErrNoStream, trackID)
}

func (r *Resolver) raceMirrors(ctx context.Context, logger zerolog.Logger, trackID int64, tier string) *stream.Candidate {
	// Shuffling spreads load across the pool and keeps a dead first
	// mirror from taxing every lookup.
	mirrors := lo.Shuffle(slices.Clone(r.conf.Mirrors))
	timeout := time.Duration(r.conf.RaceTimeoutSeconds) * time.Second

	return stream.Race(ctx, logger, timeout, mirrors, func(ctx context.Context, mirror string) *stream.Candidate {
		reqURL := fmt.Sprintf("%s/track/?id=%d&quality=%s", strings.TrimSuffix(mirror, "/"), trackID, tier)

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

		return stream.ParseMirrorResponse(body, stream.ProviderTidal, tier, tierMimeType(tier))
	})
}

// TrackInfo fetches a track's metadata from the official catalog API.
func (r *Resolver) TrackInfo(ctx context.Context, logger zerolog.Logger, trackID int64) (*stream.TrackInfo, error) {
	token, err := r.accessToken(ctx, logger)
	if nil != err {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/tracks/%d?countryCode=US", r.apiURL, trackID), nil)
	if nil != err {
		return nil, fmt.Errorf("tidal: create track info request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if nil != err {
		return nil, fmt.Errorf("tidal: request track info: %v", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, fmt.Errorf("tidal: read track info response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.
			Error().
			Int("status", resp.StatusCode).
			Str("body", httputil.PreviewBody(body, 256)).
			Msg("Unexpected track info response status")

		return nil, fmt.Errorf("tidal: unexpected track info response status %d", resp.StatusCode)
	}

	return parseTrackInfo(body), nil
}

func parseTrackInfo(body []byte) *stream.TrackInfo {
	root := gjson.ParseBytes(body)

	names := make([]string, 0, 2)
	root.Get("artists").ForEach(func(_, artist gjson.Result) bool {
		if name := artist.Get("name").String(); name != "" {
			names = append(names, name)
		}

		return true
	})

	var coverURL string
	if cover := root.Get("album.cover").String(); cover != "" {
		coverURL = fmt.Sprintf("https://resources.tidal.com/images/%s/1280x1280.jpg", strings.ReplaceAll(cover, "-", "/"))
	}

	return &stream.TrackInfo{
		ID:         strconv.FormatInt(root.Get("id").Int(), 10),
		Title:      root.Get("title").String(),
		Artist:     strings.Join(names, ", "),
		Album:      root.Get("album.title").String(),
		CoverURL:   coverURL,
		DurationMS: int(root.Get("duration").Int()) * 1000,
		ISRC:       root.Get("isrc").String(),
		Explicit:   root.Get("explicit").Bool(),
	}
}

// accessToken returns the cached client-credentials token, fetching a new
// one when missing or within a minute of expiry.
func (r *Resolver) accessToken(ctx context.Context, logger zerolog.Logger) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && r.now().Before(r.tokenExpiresAt) {
		return r.token, nil
	}

	token, expiresIn, err := r.fetchToken(ctx, logger)
	if nil != err {
		return "", fmt.Errorf("tidal: fetch access token: %w", err)
	}

	r.token = token
	r.tokenExpiresAt = r.now().Add(time.Duration(expiresIn-60) * time.Second)

	logger.Debug().Str("access_token", redact.String(token)).Msg("Access token refreshed")

	return token, nil
}

func (r *Resolver) fetchToken(ctx context.Context, logger zerolog.Logger) (string, int64, error) {
	operation := func() (gjson.Result, error) {
		form := strings.NewReader("client_id=" + clientID + "&grant_type=client_credentials")

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.authURL, form)
		if nil != err {
			return gjson.Result{}, backoff.Permanent(fmt.Errorf("create token request: %v", err))
		}
		req.SetBasicAuth(clientID, clientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := r.client.Do(req)
		if nil != err {
			return gjson.Result{}, fmt.Errorf("request token: %v", err)
		}
		defer resp.Body.Close()

		body, err := httputil.ReadResponseBody(resp)
		if nil != err {
			return gjson.Result{}, fmt.Errorf("read token response: %v", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return gjson.ParseBytes(body), nil
		case resp.StatusCode >= 500:
			logger.Warn().Int("status", resp.StatusCode).Msg("Token endpoint unavailable, retrying")

			return gjson.Result{}, fmt.Errorf("token endpoint responded with status %d", resp.StatusCode)
		default:
			return gjson.Result{}, backoff.Permanent(fmt.Errorf("token request rejected with status %d", resp.StatusCode))
		}
	}

	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	root, err := backoff.RetryWithData(operation, boff)
	if nil != err {
		return "", 0, err
	}

	token := root.Get("access_token").String()
	if token == "" {
		return "", 0, errors.New("token response contains no access token")
	}

	expiresIn := root.Get("expires_in").Int()
	if expiresIn == 0 {
		expiresIn = 3600
	}

	return token, expiresIn, nil
}
