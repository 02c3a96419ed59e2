// Package resolve orchestrates the full pipeline from a catalog track id
// to a playable stream: platform mapping, provider selection, and the
// per-provider stream lookups, with caching for the mapping layer.
//
// Platform mappings are stable for a track and safe to cache for hours.
// Stream URLs are not: they are short-lived grants and are resolved fresh
// on every call.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xeptore/hifilink/config"
	"github.com/xeptore/hifilink/provider/amazon"
	"github.com/xeptore/hifilink/songlink"
	"github.com/xeptore/hifilink/stream"
)

// ErrNoCandidate is returned when no acceptable provider could produce a
// stream for the track.
var ErrNoCandidate = errors.New("resolve: no provider produced a stream")

type Mapper interface {
	MapTrack(ctx context.Context, logger zerolog.Logger, spotifyID string) (*songlink.Mapping, error)
	ISRCFromDeezer(ctx context.Context, logger zerolog.Logger, deezerURL string) (string, error)
}

type TidalResolver interface {
	ResolveStream(ctx context.Context, logger zerolog.Logger, trackID int64, quality stream.Quality) (*stream.Candidate, error)
	TrackInfo(ctx context.Context, logger zerolog.Logger, trackID int64) (*stream.TrackInfo, error)
}

type QobuzResolver interface {
	ResolveStream(ctx context.Context, logger zerolog.Logger, trackID int64, quality stream.Quality) (*stream.Candidate, error)
	SearchByISRC(ctx context.Context, logger zerolog.Logger, isrc string, referenceDurationMS int) (int64, *stream.TrackInfo, error)
}

type AmazonResolver interface {
	ResolveStream(ctx context.Context, logger zerolog.Logger, trackURL string) (*stream.Candidate, error)
}

// Request identifies one track resolution. ReferenceDurationMS is
// optional; when set it disambiguates recording-code matches that span
// several pressings.
type Request struct {
	SpotifyID           string
	Provider            stream.Provider
	Quality             stream.Quality
	ReferenceDurationMS int
}

// Availability reports which platforms carry a track, derived from the
// mapping alone without touching any stream mirror.
type Availability struct {
	Tidal     bool
	Qobuz     bool
	Amazon    bool
	Deezer    bool
	TidalURL  string
	QobuzURL  string
	AmazonURL string
	DeezerURL string
	ISRC      string
}

func (a Availability) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Bool("tidal", a.Tidal).
		Bool("qobuz", a.Qobuz).
		Bool("amazon", a.Amazon).
		Bool("deezer", a.Deezer).
		Str("tidal_url", a.TidalURL).
		Str("qobuz_url", a.QobuzURL).
		Str("amazon_url", a.AmazonURL).
		Str("deezer_url", a.DeezerURL).
		Str("isrc", a.ISRC)
}

type Resolver struct {
	mapper Mapper
	tidal  TidalResolver
	qobuz  QobuzResolver
	amazon AmazonResolver

	// mappings caches successful platform lookups only. A failed lookup
	// must stay retryable; a track absent everywhere today may simply be
	// a mapping service hiccup.
	mappings   *ccache.Cache[*songlink.Mapping]
	mappingTTL time.Duration
}

func New(conf config.Resolve, mapper Mapper, tidal TidalResolver, qobuz QobuzResolver, amazon AmazonResolver) *Resolver {
	return &Resolver{
		mapper:     mapper,
		tidal:      tidal,
		qobuz:      qobuz,
		amazon:     amazon,
		mappings:   ccache.New(ccache.Configure[*songlink.Mapping]().MaxSize(4096)),
		mappingTTL: time.Duration(conf.MappingTTLHours) * time.Hour,
	}
}

func (r *Resolver) mapping(ctx context.Context, logger zerolog.Logger, spotifyID string) (*songlink.Mapping, error) {
	if item := r.mappings.Get(spotifyID); nil != item && !item.Expired() {
		return item.Value(), nil
	}

	mapping, err := r.mapper.MapTrack(ctx, logger, spotifyID)
	if nil != err {
		return nil, err
	}

	if mapping.ISRC == "" && mapping.HasDeezer() {
		isrc, err := r.mapper.ISRCFromDeezer(ctx, logger, mapping.DeezerURL)
		if nil != err {
			logger.Warn().Err(err).Msg("Failed to backfill recording code from secondary source")
		} else {
			mapping.ISRC = isrc
		}
	}

	r.mappings.Set(spotifyID, mapping, r.mappingTTL)

	return mapping, nil
}

// providerOrder expands the caller's preference into the attempt order.
// The automatic order reflects observed reliability: the tidal mirror
// pool answers most consistently, the amazon converter is slow but
// rarely wrong, and the qobuz path needs an extra id lookup.
// Preferring a provider puts it first; the other two still follow as
// fallbacks.
func providerOrder(pref stream.Provider) []stream.Provider {
	switch pref {
	case stream.ProviderTidal:
		return []stream.Provider{stream.ProviderTidal, stream.ProviderQobuz, stream.ProviderAmazon}
	case stream.ProviderQobuz:
		return []stream.Provider{stream.ProviderQobuz, stream.ProviderTidal, stream.ProviderAmazon}
	case stream.ProviderAmazon:
		return []stream.Provider{stream.ProviderAmazon, stream.ProviderTidal, stream.ProviderQobuz}
	default:
		return []stream.Provider{stream.ProviderTidal, stream.ProviderAmazon, stream.ProviderQobuz}
	}
}

// Resolve walks the provider order and returns the first stream produced.
// Providers the mapping rules out are skipped without a network call; a
// provider that fails mid-attempt is logged and the walk continues.
func (r *Resolver) Resolve(ctx context.Context, logger zerolog.Logger, req Request) (*stream.Candidate, error) {
	mapping, err := r.mapping(ctx, logger, req.SpotifyID)
	if nil != err {
		return nil, err
	}

	for _, provider := range providerOrder(req.Provider) {
		if err := ctx.Err(); nil != err {
			return nil, fmt.Errorf("resolve: %w", err)
		}

		c, err := r.attempt(ctx, logger, provider, mapping, req)
		if nil != err {
			logger.Warn().Err(err).Str("provider", string(provider)).Msg("Provider attempt failed")

			continue
		}

		if nil != c {
			logger.Info().Dict("candidate", c.ToDict()).Msg("Stream resolved")

			return c, nil
		}
	}

	return nil, fmt.Errorf("%w: track %s", ErrNoCandidate, req.SpotifyID)
}

// attempt returns (nil, nil) when the mapping rules the provider out.
func (r *Resolver) attempt(
	ctx context.Context,
	logger zerolog.Logger,
	provider stream.Provider,
	mapping *songlink.Mapping,
	req Request,
) (*stream.Candidate, error) {
	switch provider {
	case stream.ProviderTidal:
		if !mapping.HasTidal() {
			return nil, nil
		}

		c, err := r.tidal.ResolveStream(ctx, logger, mapping.TidalID, req.Quality)
		if nil != err {
			return nil, err
		}

		// Metadata enrichment is best effort; the stream stands alone.
		if info, err := r.tidal.TrackInfo(ctx, logger, mapping.TidalID); nil == err {
			c.Track = info
		}

		return c, nil
	case stream.ProviderQobuz:
		id := mapping.QobuzID
		var info *stream.TrackInfo
		if id == 0 {
			if mapping.ISRC == "" {
				return nil, nil
			}

			var err error
			if id, info, err = r.qobuz.SearchByISRC(ctx, logger, mapping.ISRC, req.ReferenceDurationMS); nil != err {
				return nil, err
			}
		}

		c, err := r.qobuz.ResolveStream(ctx, logger, id, req.Quality)
		if nil != err {
			return nil, err
		}

		if nil == c.Track {
			c.Track = info
		}

		return c, nil
	case stream.ProviderAmazon:
		if !mapping.HasAmazon() {
			return nil, nil
		}

		return r.amazon.ResolveStream(ctx, logger, amazon.TrackURLFromASIN(mapping.AmazonASIN))
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", provider)
	}
}

// ResolveAll attempts every provider the mapping allows, in parallel, and
// returns whatever succeeded. It only errors when the mapping itself
// cannot be obtained; individual provider failures just leave gaps.
func (r *Resolver) ResolveAll(ctx context.Context, logger zerolog.Logger, req Request) (map[stream.Provider]*stream.Candidate, error) {
	mapping, err := r.mapping(ctx, logger, req.SpotifyID)
	if nil != err {
		return nil, err
	}

	var (
		mu         sync.Mutex
		candidates = make(map[stream.Provider]*stream.Candidate, 3)
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, provider := range []stream.Provider{stream.ProviderTidal, stream.ProviderQobuz, stream.ProviderAmazon} {
		g.Go(func() error {
			c, err := r.attempt(ctx, logger, provider, mapping, req)
			if nil != err {
				logger.Warn().Err(err).Str("provider", string(provider)).Msg("Provider attempt failed")

				return nil
			}

			if nil != c {
				mu.Lock()
				candidates[provider] = c
				mu.Unlock()
			}

			return nil
		})
	}

	// Attempts swallow their own errors, so this only propagates context
	// cancellation.
	if err := g.Wait(); nil != err {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	logger.Info().Int("candidates", len(candidates)).Msg("Parallel resolution completed")

	return candidates, nil
}

// CheckAvailability reports which platforms carry the track. It shares
// the mapping cache with Resolve, so a check right before a resolution
// costs one upstream call, not two.
func (r *Resolver) CheckAvailability(ctx context.Context, logger zerolog.Logger, spotifyID string) (Availability, error) {
	mapping, err := r.mapping(ctx, logger, spotifyID)
	if nil != err {
		return Availability{}, err //nolint:exhaustruct
	}

	a := Availability{
		Tidal:     mapping.HasTidal(),
		Qobuz:     mapping.HasQobuz() || mapping.ISRC != "",
		Amazon:    mapping.HasAmazon(),
		Deezer:    mapping.HasDeezer(),
		TidalURL:  mapping.TidalURL,
		QobuzURL:  mapping.QobuzURL,
		AmazonURL: mapping.AmazonURL,
		DeezerURL: mapping.DeezerURL,
		ISRC:      mapping.ISRC,
	}

	logger.Debug().Dict("availability", a.ToDict()).Msg("Availability checked")

	return a, nil
}
