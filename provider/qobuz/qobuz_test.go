package qobuz

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/hifilink/config"
	"github.com/xeptore/hifilink/stream"
)

func TestResolveStreamPlainMirror(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stream", r.URL.Path)
		assert.Equal(t, "52734572", r.URL.Query().Get("trackId"))
		assert.Equal(t, "6", r.URL.Query().Get("quality"))
		fmt.Fprint(w, `{"url":"https://cdn.example/track.flac"}`)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Qobuz{
		Mirrors:            []string{srv.URL + "/api/stream?trackId="},
		RaceTimeoutSeconds: 5,
	})

	c, err := r.ResolveStream(context.Background(), zerolog.Nop(), 52734572, stream.QualityLossless)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/track.flac", c.URL)
	assert.Equal(t, stream.ProviderQobuz, c.Provider)
	assert.Equal(t, "CD_QUALITY", c.Tier)
	assert.Equal(t, "audio/flac", c.MimeType)
	assert.Equal(t, 16, c.BitDepth)
	assert.Equal(t, 44100, c.SampleRate)
}

func TestResolveStreamObfuscatedMirror(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "27", r.URL.Query().Get("format_id"))
		assert.Equal(t, "us", r.URL.Query().Get("region"))
		_, _ = w.Write(stream.XORCodec([]byte(`{"url":"https://cdn.example/hires.flac"}`)))
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Qobuz{
		ObfuscatedMirrors:  []string{srv.URL + "/file?region=us&track_id="},
		RaceTimeoutSeconds: 5,
	})

	c, err := r.ResolveStream(context.Background(), zerolog.Nop(), 1138, stream.QualityHiRes)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/hires.flac", c.URL)
	assert.Equal(t, "HI_RES_192", c.Tier)
	assert.Equal(t, 24, c.BitDepth)
	assert.Equal(t, 192000, c.SampleRate)
}

func TestResolveStreamFormatFallback(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if q := r.URL.Query().Get("quality"); q != "6" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		fmt.Fprint(w, `{"direct_link":"https://cdn.example/cd.flac"}`)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Qobuz{
		Mirrors:            []string{srv.URL + "/api/stream?trackId="},
		RaceTimeoutSeconds: 5,
	})

	c, err := r.ResolveStream(context.Background(), zerolog.Nop(), 1, stream.QualityHiRes)
	require.NoError(t, err)
	assert.Equal(t, "CD_QUALITY", c.Tier)
	// One attempt per format in the chain: 192k, 96k, then CD.
	assert.Equal(t, int32(3), attempts.Load())
}

func TestResolveStreamAllFormatsFail(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Qobuz{
		Mirrors:            []string{srv.URL + "/api/stream?trackId="},
		RaceTimeoutSeconds: 5,
	})

	_, err := r.ResolveStream(context.Background(), zerolog.Nop(), 1, stream.QualityLossless)
	require.ErrorIs(t, err, ErrNoStream)
}

const searchResponse = `{
  "tracks": {
    "items": [
      {
        "id": 52734572,
        "title": "Never Gonna Give You Up",
        "version": "",
        "duration": 213,
        "isrc": "GBARL8700749",
        "parental_warning": false,
        "performer": {"name": "Rick Astley"},
        "album": {"title": "Whenever You Need Somebody", "image": {"large": "https://img.example/large.jpg"}}
      },
      {
        "id": 99000001,
        "title": "Never Gonna Give You Up",
        "version": "Extended Mix",
        "duration": 341,
        "isrc": "GBARL8700749",
        "performer": {"name": "Rick Astley"},
        "album": {"title": "12 Inch Collection"}
      }
    ]
  }
}`

func TestSearchByISRC(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/track/search", r.URL.Path)
		assert.Equal(t, "GBARL8700749", r.URL.Query().Get("query"))
		assert.Equal(t, appID, r.URL.Query().Get("app_id"))
		fmt.Fprint(w, searchResponse)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Qobuz{RaceTimeoutSeconds: 5}) //nolint:exhaustruct
	r.apiURL = srv.URL

	// The reference duration is closer to the extended mix, so it wins
	// over the API's own ranking.
	id, info, err := r.SearchByISRC(context.Background(), zerolog.Nop(), "GBARL8700749", 339000)
	require.NoError(t, err)
	assert.Equal(t, int64(99000001), id)
	assert.Equal(t, "Never Gonna Give You Up Extended Mix", info.Title)

	// Without a reference duration the first result stands.
	id, info, err = r.SearchByISRC(context.Background(), zerolog.Nop(), "GBARL8700749", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(52734572), id)
	assert.Equal(t, "Rick Astley", info.Artist)
	assert.Equal(t, "https://img.example/large.jpg", info.CoverURL)
	assert.Equal(t, 213000, info.DurationMS)
}

func TestSearchByISRCNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tracks":{"items":[]}}`)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(config.Qobuz{RaceTimeoutSeconds: 5}) //nolint:exhaustruct
	r.apiURL = srv.URL

	_, _, err := r.SearchByISRC(context.Background(), zerolog.Nop(), "USNOPE0000000", 0)
	require.ErrorIs(t, err, ErrTrackNotFound)
}
