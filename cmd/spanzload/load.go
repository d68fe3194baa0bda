package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bangush/spanz"
)

var operations = []spanz.Key{
	"db.query",
	"cache.get",
	"http.request",
	"queue.publish",
}

var errSynthetic = errors.New("synthetic failure")

// generateLoad finishes cfg.ops spans on each of cfg.workers goroutines.
// Costs are drawn uniformly from [0, cfg.maxCost) and set directly, so
// no worker sleeps.
func generateLoad(ctx context.Context, tracer *spanz.Tracer, cfg loadConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.workers; w++ {
		seed := uint64(w) + 1
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
			for i := 0; i < cfg.ops; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				op := operations[rng.IntN(len(operations))]
				_, span := tracer.StartSpan(ctx, op)
				span.SetTag("worker", fmt.Sprint(seed))
				span.SetCost(time.Duration(rng.Int64N(int64(cfg.maxCost))))
				if rng.Float64() < cfg.errorRate {
					span.SetError(fmt.Errorf("%s: %w", op, errSynthetic))
				}
				span.Finish()
			}
			return nil
		})
	}
	return g.Wait()
}
