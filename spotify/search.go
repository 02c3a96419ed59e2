package spotify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Persisted query hashes of the web player's GraphQL operations. These
// change when the web player ships new query shapes; the values below are
// the currently deployed ones.
const (
	searchQueryHash = "fcad5a3e0d5af727fb76966f06971c19cfa2275e6ff7671196753e008611873c"
	trackQueryHash  = "612585ae06ba435ad26369870deaae23b5c8800a256cd8a57e08eddc25a37294"
)

// ErrTrackNotFound is returned by TrackMetadata when the catalog has no
// usable record for the requested track id.
var ErrTrackNotFound = errors.New("spotify: track not found")

type Track struct {
	ID          string
	Title       string
	Artist      string
	Album       string
	CoverURL    string
	DurationMS  int64
	ReleaseDate string
	Explicit    bool
}

func (t Track) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("id", t.ID).
		Str("title", t.Title).
		Str("artist", t.Artist).
		Int64("duration_ms", t.DurationMS)
}

type persistedQuery struct {
	OperationName string `json:"operationName"`
	Variables     any    `json:"variables"`
	Extensions    struct {
		PersistedQuery struct {
			Version    int    `json:"version"`
			SHA256Hash string `json:"sha256Hash"`
		} `json:"persistedQuery"`
	} `json:"extensions"`
}

func newPersistedQuery(operation, hash string, variables any) ([]byte, error) {
	var q persistedQuery
	q.OperationName = operation
	q.Variables = variables
	q.Extensions.PersistedQuery.Version = 1
	q.Extensions.PersistedQuery.SHA256Hash = hash

	payload, err := json.Marshal(q)
	if nil != err {
		return nil, fmt.Errorf("marshal %s query payload: %v", operation, err)
	}

	return payload, nil
}

// queryWithRetry runs a persisted query, retrying exactly once when the
// session is rejected. Query already invalidated the session at that
// point, so the retry bootstraps fresh credentials.
func (s *Session) queryWithRetry(ctx context.Context, logger zerolog.Logger, payload []byte) ([]byte, error) {
	body, err := s.Query(ctx, logger, payload)
	if nil != err {
		if errors.Is(err, ErrUnauthorized) {
			logger.Debug().Msg("Retrying query with a fresh session")

			return s.Query(ctx, logger, payload)
		}

		return nil, err
	}

	return body, nil
}

// Search runs the web player's track search and returns the usable rows.
// Rows the response renders in an unexpected shape are skipped rather
// than failing the whole search.
func (s *Session) Search(ctx context.Context, logger zerolog.Logger, term string, limit int) ([]Track, error) {
	if strings.TrimSpace(term) == "" {
		return nil, errors.New("spotify: empty search term")
	}

	if limit <= 0 {
		limit = 20
	}

	payload, err := newPersistedQuery("searchDesktop", searchQueryHash, map[string]any{
		"searchTerm":                     term,
		"offset":                         0,
		"limit":                          limit,
		"numberOfTopResults":             5,
		"includeAudiobooks":              true,
		"includeArtistHasConcertsField":  false,
		"includePreReleases":             true,
		"includeAuthors":                 false,
	})
	if nil != err {
		return nil, fmt.Errorf("spotify: %v", err)
	}

	// Search is a convenience surface: when the session cannot be
	// established or the query fails, callers get no results rather than
	// an error.
	body, err := s.queryWithRetry(ctx, logger, payload)
	if nil != err {
		logger.Warn().Err(err).Str("term", term).Msg("Search failed")

		return []Track{}, nil
	}

	items := gjson.GetBytes(body, "data.searchV2.tracksV2.items")

	tracks := make([]Track, 0, limit)
	items.ForEach(func(_, item gjson.Result) bool {
		if track, ok := parseSearchTrack(item.Get("item.data")); ok {
			tracks = append(tracks, track)
		}

		return true
	})

	logger.Debug().Str("term", term).Int("results", len(tracks)).Msg("Search completed")

	return tracks, nil
}

func parseSearchTrack(data gjson.Result) (Track, bool) {
	uri := data.Get("uri").String()
	id := strings.TrimPrefix(uri, "spotify:track:")
	if id == "" || id == uri {
		return Track{}, false //nolint:exhaustruct
	}

	title := data.Get("name").String()
	if title == "" {
		return Track{}, false //nolint:exhaustruct
	}

	album := data.Get("albumOfTrack")

	return Track{
		ID:          id,
		Title:       title,
		Artist:      artistNames(data.Get("artists")),
		Album:       album.Get("name").String(),
		CoverURL:    largestCover(album.Get("coverArt.sources")),
		DurationMS:  trackDuration(data),
		ReleaseDate: releaseDate(album.Get("date")),
		Explicit:    data.Get("contentRating.label").String() == "EXPLICIT",
	}, true
}

// TrackMetadata fetches the full metadata record of a single track.
func (s *Session) TrackMetadata(ctx context.Context, logger zerolog.Logger, id string) (*Track, error) {
	payload, err := newPersistedQuery("getTrack", trackQueryHash, map[string]any{
		"uri": "spotify:track:" + id,
	})
	if nil != err {
		return nil, fmt.Errorf("spotify: %v", err)
	}

	body, err := s.queryWithRetry(ctx, logger, payload)
	if nil != err {
		return nil, err
	}

	union := gjson.GetBytes(body, "data.trackUnion")
	title := union.Get("name").String()
	if !union.Exists() || title == "" {
		return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, id)
	}

	artist := artistNames(union.Get("artists"))
	if artist == "" {
		// Some responses split the credits instead of listing them.
		names := collectArtists(union.Get("firstArtist.items"))
		names = append(names, collectArtists(union.Get("otherArtists.items"))...)
		artist = strings.Join(names, ", ")
	}

	album := union.Get("albumOfTrack")

	return &Track{
		ID:          id,
		Title:       title,
		Artist:      artist,
		Album:       album.Get("name").String(),
		CoverURL:    largestCover(album.Get("coverArt.sources")),
		DurationMS:  trackDuration(union),
		ReleaseDate: releaseDate(album.Get("date")),
		Explicit:    union.Get("contentRating.label").String() == "EXPLICIT",
	}, nil
}

func trackDuration(data gjson.Result) int64 {
	if ms := data.Get("duration.totalMilliseconds"); ms.Exists() {
		return ms.Int()
	}

	return data.Get("duration_ms").Int()
}

func artistNames(artists gjson.Result) string {
	return strings.Join(collectArtists(artists.Get("items")), ", ")
}

func collectArtists(items gjson.Result) []string {
	var names []string
	items.ForEach(func(_, item gjson.Result) bool {
		name := item.Get("profile.name").String()
		if name == "" {
			name = item.Get("name").String()
		}

		if name != "" {
			names = append(names, name)
		}

		return true
	})

	return names
}

func largestCover(sources gjson.Result) string {
	var (
		best     string
		maxWidth int64
	)
	sources.ForEach(func(_, source gjson.Result) bool {
		if w, u := source.Get("width").Int(), source.Get("url").String(); w >= maxWidth && u != "" {
			maxWidth = w
			best = u
		}

		return true
	})

	return best
}

func releaseDate(date gjson.Result) string {
	year := date.Get("year").Int()
	if year == 0 {
		return ""
	}

	month := max(date.Get("month").Int(), 1)
	day := max(date.Get("day").Int(), 1)

	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}
