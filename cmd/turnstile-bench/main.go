package main

import (
	"context"
	"flag"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-turnstile/turnstile/v1/lock"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent workers")
	operations  = flag.Int("n", 100000, "Total number of critical sections")
	hold        = flag.Duration("hold", 0, "Time to hold the lock per operation")
	timeout     = flag.Duration("t", 0, "Acquisition timeout (0 means wait forever)")
)

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d operations, %d workers, hold %v, timeout %v",
		*operations, *concurrency, *hold, *timeout)

	l := lock.New(lock.WithName("bench"))

	var counter int64
	var timeouts int64

	perWorker := *operations / *concurrency
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				fn := func(ctx context.Context) error {
					atomic.AddInt64(&counter, 1)
					if *hold > 0 {
						time.Sleep(*hold)
					}
					return nil
				}
				var err error
				if *timeout > 0 {
					err = l.DoTimeout(ctx, *timeout, fn)
				} else {
					err = l.Do(ctx, fn)
				}
				if err != nil {
					atomic.AddInt64(&timeouts, 1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	ops := atomic.LoadInt64(&counter)
	stats := l.Metrics()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f ops/s", float64(ops)/elapsed.Seconds())
	log.Printf("Acquired: %d, timed out: %d", stats.Acquired, stats.Timeouts)
	if timeouts > 0 {
		log.Printf("Failed acquisitions: %d", timeouts)
	}
}
