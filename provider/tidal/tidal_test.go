package tidal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/hifilink/config"
	"github.com/xeptore/hifilink/stream"
)

func TestResolveStreamDirectShape(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/track/", r.URL.Path)
		assert.Equal(t, "77646168", r.URL.Query().Get("id"))
		assert.Equal(t, TierLossless, r.URL.Query().Get("quality"))
		fmt.Fprint(w, `{"OriginalTrackUrl":"https://cdn.example/track.flac"}`)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Tidal{Mirrors: []string{srv.URL}, RaceTimeoutSeconds: 5})

	c, err := r.ResolveStream(context.Background(), zerolog.Nop(), 77646168, stream.QualityLossless)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/track.flac", c.URL)
	assert.Equal(t, stream.ProviderTidal, c.Provider)
	assert.Equal(t, TierLossless, c.Tier)
	assert.Equal(t, "audio/flac", c.MimeType)
	assert.False(t, c.IsManifest)
}

func TestResolveStreamManifestShape(t *testing.T) {
	t.Parallel()

	manifest := base64.StdEncoding.EncodeToString([]byte(`{"mimeType":"audio/flac","urls":["https://cdn.example/seg.flac"]}`))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"Manifest":"%s","bitDepth":24,"sampleRate":96000}}`, manifest)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Tidal{Mirrors: []string{srv.URL}, RaceTimeoutSeconds: 5})

	c, err := r.ResolveStream(context.Background(), zerolog.Nop(), 1, stream.QualityHiRes)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/seg.flac", c.URL)
	assert.Equal(t, TierHiResLossless, c.Tier)
	assert.Equal(t, 24, c.BitDepth)
	assert.Equal(t, 96000, c.SampleRate)
}

func TestResolveStreamTierFallback(t *testing.T) {
	t.Parallel()

	var hiResAttempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("quality") == TierHiResLossless {
			hiResAttempts.Add(1)
			w.WriteHeader(http.StatusNotFound)

			return
		}

		fmt.Fprint(w, `{"OriginalTrackUrl":"https://cdn.example/fallback.flac"}`)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Tidal{Mirrors: []string{srv.URL}, RaceTimeoutSeconds: 5})

	c, err := r.ResolveStream(context.Background(), zerolog.Nop(), 1, stream.QualityHiRes)
	require.NoError(t, err)
	assert.Equal(t, TierLossless, c.Tier)
	assert.Equal(t, int32(1), hiResAttempts.Load())
}

func TestResolveStreamAllTiersFail(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Tidal{Mirrors: []string{srv.URL}, RaceTimeoutSeconds: 5})

	_, err := r.ResolveStream(context.Background(), zerolog.Nop(), 1, stream.QualityHiRes)
	require.ErrorIs(t, err, ErrNoStream)
}

func TestResolveStreamRaceWinner(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(dead.Close)

	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"OriginalTrackUrl":"https://cdn.example/winner.flac"}`)
	}))
	t.Cleanup(alive.Close)

	r := NewResolver(config.Tidal{Mirrors: []string{dead.URL, alive.URL}, RaceTimeoutSeconds: 5})

	c, err := r.ResolveStream(context.Background(), zerolog.Nop(), 1, stream.QualityLossless)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/winner.flac", c.URL)
}

func TestTrackInfo(t *testing.T) {
	t.Parallel()

	var tokenFetches atomic.Int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenFetches.Add(1)

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, clientID, user)
		assert.Equal(t, clientSecret, pass)

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		fmt.Fprint(w, `{"access_token":"tidal-token-1","expires_in":86400}`)
	}))
	t.Cleanup(auth.Close)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tidal-token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "/tracks/77646168", r.URL.Path)
		assert.Equal(t, "US", r.URL.Query().Get("countryCode"))

		fmt.Fprint(w, `{
			"id": 77646168,
			"title": "Never Gonna Give You Up",
			"duration": 213,
			"isrc": "GBARL8700749",
			"explicit": false,
			"artists": [{"name": "Rick Astley"}],
			"album": {"title": "Whenever You Need Somebody", "cover": "aaaa-bbbb-cccc"}
		}`)
	}))
	t.Cleanup(api.Close)

	r := NewResolver(config.Tidal{RaceTimeoutSeconds: 5})
	r.authURL = auth.URL
	r.apiURL = api.URL

	info, err := r.TrackInfo(context.Background(), zerolog.Nop(), 77646168)
	require.NoError(t, err)
	assert.Equal(t, "77646168", info.ID)
	assert.Equal(t, "Never Gonna Give You Up", info.Title)
	assert.Equal(t, "Rick Astley", info.Artist)
	assert.Equal(t, "Whenever You Need Somebody", info.Album)
	assert.Equal(t, "https://resources.tidal.com/images/aaaa/bbbb/cccc/1280x1280.jpg", info.CoverURL)
	assert.Equal(t, 213000, info.DurationMS)
	assert.Equal(t, "GBARL8700749", info.ISRC)

	// The token is cached until close to its expiry.
	_, err = r.TrackInfo(context.Background(), zerolog.Nop(), 77646168)
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenFetches.Load())
}

func TestAccessTokenExpiryRefetch(t *testing.T) {
	t.Parallel()

	var tokenFetches atomic.Int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenFetches.Add(1)
		fmt.Fprint(w, `{"access_token":"tok","expires_in":3600}`)
	}))
	t.Cleanup(auth.Close)

	r := NewResolver(config.Tidal{}) //nolint:exhaustruct
	r.authURL = auth.URL

	now := time.Now()
	r.now = func() time.Time { return now }

	_, err := r.accessToken(context.Background(), zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, int32(1), tokenFetches.Load())

	// Within the lifetime minus the safety margin: cached.
	now = now.Add(58 * time.Minute)
	_, err = r.accessToken(context.Background(), zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, int32(1), tokenFetches.Load())

	now = now.Add(2 * time.Minute)
	_, err = r.accessToken(context.Background(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokenFetches.Load())
}

func TestTierChain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{TierHiResLossless, TierLossless, TierHigh}, tierChain(stream.QualityHiRes))
	assert.Equal(t, []string{TierLossless, TierHigh}, tierChain(stream.QualityLossless))
	assert.Equal(t, []string{TierHigh}, tierChain(stream.QualityHigh))
}
