package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warmlock/v1/core"
	"github.com/mirkobrombin/go-warmlock/v1/lock"
)

type stressStats struct {
	served    atomic.Int64
	empty     atomic.Int64
	contended atomic.Int64
	produced  atomic.Int64
}

func newStressCommand(v *viper.Viper) *cobra.Command {
	var (
		workers  int
		keys     int
		duration time.Duration
		ttl      time.Duration
		work     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Hammer the store with concurrent resolves and report producer counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers <= 0 || keys <= 0 {
				return errors.New("--workers and --keys must be positive")
			}
			stack, logger, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer stack.Close()

			var stats stressStats
			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()

			start := time.Now()
			g, gctx := errgroup.WithContext(ctx)
			for w := 0; w < workers; w++ {
				seed := int64(w)
				g.Go(func() error {
					rng := rand.New(rand.NewSource(seed))
					for gctx.Err() == nil {
						key := "stress-" + strconv.Itoa(rng.Intn(keys))
						now := lock.Now()
						produce := func(context.Context) (string, int64, error) {
							stats.produced.Add(1)
							if work > 0 {
								time.Sleep(work)
							}
							return strconv.FormatInt(now, 10), lock.Add(now, ttl), nil
						}
						_, ok, err := stack.Resolve(gctx, key, now, produce)
						switch {
						case errors.Is(err, core.ErrContention):
							stats.contended.Add(1)
						case err != nil:
							if gctx.Err() != nil {
								return nil
							}
							return err
						case ok:
							stats.served.Add(1)
						default:
							stats.empty.Add(1)
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			elapsed := time.Since(start)
			total := stats.served.Load() + stats.empty.Load() + stats.contended.Load()
			logger.Info("stress finished", "elapsed", elapsed, "resolves", total)
			fmt.Fprintf(cmd.OutOrStdout(),
				"workers=%d keys=%d policy=%s resolves=%d served=%d empty=%d contended=%d produced=%d rate=%.0f/s\n",
				workers, keys, policyName(v), total, stats.served.Load(), stats.empty.Load(),
				stats.contended.Load(), stats.produced.Load(), float64(total)/elapsed.Seconds())
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 50, "concurrent workers")
	cmd.Flags().IntVar(&keys, "keys", 10, "distinct keys")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to run")
	cmd.Flags().DurationVar(&ttl, "ttl", 5*time.Minute, "validity of produced values")
	cmd.Flags().DurationVar(&work, "work", 10*time.Millisecond, "simulated producer latency")
	return cmd
}
