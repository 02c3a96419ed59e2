package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Race fans out one attempt per mirror and returns the first candidate any
// of them produces, cancelling the shared context so stragglers give up on
// their in-flight requests. The whole race shares a single deadline; if it
// expires, or every attempt comes back empty, Race returns nil.
//
// This is a best-effort race, not a priority race: attempt order carries
// no weight, and later answers are discarded once a winner is picked.
func Race(
	ctx context.Context,
	logger zerolog.Logger,
	timeout time.Duration,
	mirrors []string,
	attempt func(ctx context.Context, mirror string) *Candidate,
) *Candidate {
	if len(mirrors) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan *Candidate, len(mirrors))

	var wg sync.WaitGroup
	for _, mirror := range mirrors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- attempt(ctx, mirror)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var tried int
	for c := range results {
		tried++
		if nil != c {
			logger.Debug().Int("answered", tried).Int("mirrors", len(mirrors)).Msg("Mirror race won")
			return c
		}
	}

	logger.Debug().Int("mirrors", len(mirrors)).Msg("All mirrors failed or timed out")

	return nil
}
