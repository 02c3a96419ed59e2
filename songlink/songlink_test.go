package songlink

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/xeptore/hifilink/config"
)

const linksResponse = `{
  "entityUniqueId": "SPOTIFY_SONG::abc123",
  "linksByPlatform": {
    "tidal": {"url": "https://tidal.com/browse/track/77646168"},
    "qobuz": {"url": "https://open.qobuz.com/track/52734572"},
    "amazonMusic": {"url": "https://music.amazon.com/albums/B07Q3PZ1DN?trackAsin=B07Q3Q2PZN&do=play"},
    "deezer": {"url": "https://www.deezer.com/track/561856272"},
    "appleMusic": {"url": "https://music.apple.com/us/album/x/1450695723?i=1450695739"},
    "youtubeMusic": {"url": "https://music.youtube.com/watch?v=dQw4w9WgXcQ"}
  },
  "entitiesByUniqueId": {
    "SPOTIFY_SONG::abc123": {"id": "abc123"},
    "DEEZER_SONG::561856272": {"id": "561856272", "isrc": "GBARL9300135"}
  }
}`

func newTestMapper(srvURL string) *Mapper {
	m := NewMapper(config.SongLink{
		MinIntervalSeconds: 7,
		CooldownSeconds:    15,
		MaxRetries:         3,
		TimeoutSeconds:     5,
	})
	m.apiURL = srvURL + "/links"
	m.deezerAPIURL = srvURL + "/deezer/"
	m.limiter = rate.NewLimiter(rate.Inf, 1)
	m.cooldown = 10 * time.Millisecond

	return m
}

func TestMapTrack(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://open.spotify.com/track/abc123", r.URL.Query().Get("url"))
		fmt.Fprint(w, linksResponse)
	}))
	t.Cleanup(srv.Close)

	mapping, err := newTestMapper(srv.URL).MapTrack(context.Background(), zerolog.Nop(), "abc123")
	require.NoError(t, err)

	assert.Equal(t, "abc123", mapping.SpotifyID)
	assert.Equal(t, int64(77646168), mapping.TidalID)
	assert.Equal(t, int64(52734572), mapping.QobuzID)
	assert.Equal(t, "B07Q3Q2PZN", mapping.AmazonASIN)
	assert.Equal(t, "https://www.deezer.com/track/561856272", mapping.DeezerURL)
	assert.Equal(t, "GBARL9300135", mapping.ISRC)
	assert.True(t, mapping.HasTidal())
	assert.True(t, mapping.HasQobuz())
	assert.True(t, mapping.HasAmazon())
	assert.True(t, mapping.HasDeezer())
}

func TestMapTrackPacesRequests(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		arrivals []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()

		fmt.Fprint(w, linksResponse)
	}))
	t.Cleanup(srv.Close)

	const interval = 150 * time.Millisecond
	m := newTestMapper(srv.URL)
	m.limiter = rate.NewLimiter(rate.Every(interval), 1)

	for range 3 {
		_, err := m.MapTrack(context.Background(), zerolog.Nop(), "abc123")
		require.NoError(t, err)
	}

	require.Len(t, arrivals, 3)
	// Arrival times carry a little transport jitter on top of the paced
	// send times, so allow a small tolerance below the interval.
	const slack = 10 * time.Millisecond
	for i := 1; i < len(arrivals); i++ {
		assert.GreaterOrEqual(t, arrivals[i].Sub(arrivals[i-1]), interval-slack)
	}
}

func TestMapTrackRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		fmt.Fprint(w, linksResponse)
	}))
	t.Cleanup(srv.Close)

	mapping, err := newTestMapper(srv.URL).MapTrack(context.Background(), zerolog.Nop(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(77646168), mapping.TidalID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMapTrackRateLimitCeiling(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestMapper(srv.URL).MapTrack(context.Background(), zerolog.Nop(), "abc123")
	require.Error(t, err)
	// Initial attempt plus the configured number of retries.
	assert.Equal(t, int32(4), calls.Load())
}

func TestMapTrackUpstreamFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestMapper(srv.URL).MapTrack(context.Background(), zerolog.Nop(), "abc123")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMapTrackMissingPlatforms(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"linksByPlatform":{"deezer":{"url":"https://www.deezer.com/track/91"}},"entitiesByUniqueId":{}}`)
	}))
	t.Cleanup(srv.Close)

	mapping, err := newTestMapper(srv.URL).MapTrack(context.Background(), zerolog.Nop(), "abc123")
	require.NoError(t, err)
	assert.False(t, mapping.HasTidal())
	assert.False(t, mapping.HasQobuz())
	assert.False(t, mapping.HasAmazon())
	assert.True(t, mapping.HasDeezer())
	assert.Empty(t, mapping.ISRC)
}

func TestNumericTrackID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
		want int64
	}{
		{name: "browse path", url: "https://tidal.com/browse/track/77646168", want: 77646168},
		{name: "plain path", url: "https://listen.tidal.com/track/77646168?play=true", want: 77646168},
		{name: "trailing segment", url: "https://open.qobuz.com/track/52734572/extra", want: 52734572},
		{name: "non numeric id", url: "https://tidal.com/track/abc", want: 0},
		{name: "unrelated url", url: "https://example.com/song/1", want: 0},
		{name: "empty", url: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := numericTrackID(tt.url, "tidal.com/browse/track/", "tidal.com/track/", "open.qobuz.com/track/")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmazonASIN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "B07Q3Q2PZN", amazonASIN("https://music.amazon.com/albums/B07Q3PZ1DN?trackAsin=B07Q3Q2PZN&do=play"))
	assert.Equal(t, "B07Q3Q2PZN", amazonASIN("https://music.amazon.com/tracks/B07Q3Q2PZN?musicTerritory=US"))
	assert.Empty(t, amazonASIN("https://music.amazon.com/albums/B07Q3PZ1DN"))
	assert.Empty(t, amazonASIN(""))
}

func TestISRCFromDeezer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deezer/561856272", r.URL.Path)
		fmt.Fprint(w, `{"id":561856272,"isrc":"GBARL9300135"}`)
	}))
	t.Cleanup(srv.Close)

	isrc, err := newTestMapper(srv.URL).ISRCFromDeezer(context.Background(), zerolog.Nop(), "https://www.deezer.com/track/561856272?utm_source=x")
	require.NoError(t, err)
	assert.Equal(t, "GBARL9300135", isrc)
}

func TestISRCFromDeezerMissing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":1}`)
	}))
	t.Cleanup(srv.Close)

	m := newTestMapper(srv.URL)

	_, err := m.ISRCFromDeezer(context.Background(), zerolog.Nop(), "https://www.deezer.com/track/1")
	require.Error(t, err)

	_, err = m.ISRCFromDeezer(context.Background(), zerolog.Nop(), "https://www.deezer.com/album/1")
	require.Error(t, err)
}
