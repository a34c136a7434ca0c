// cmd/loadtest/main.go
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/logging"
	"github.com/cmatc13/svckit/pkg/service"
)

// Command line flags
var (
	duration    = pflag.Duration("duration", 30*time.Second, "Test duration")
	numServices = pflag.Int("services", 8, "Number of services under test")
	concurrency = pflag.Int("concurrency", 64, "Number of concurrent clients")
	opRate      = pflag.Float64("rate", 2000, "Target operations per second")
	maxWork     = pflag.Duration("max-work", 5*time.Millisecond, "Longest unit of simulated work")
	stopGrace   = pflag.Duration("grace", 2*time.Millisecond, "Grace period passed to Stop")
	logLevel    = pflag.String("log-level", "error", "Log level of the services under test")
)

// Stats
type Stats struct {
	accepted    uint64
	refused     uint64
	interrupted uint64
	starts      uint64
	stops       uint64
	startErrors uint64
	stopErrors  uint64
	latencySum  uint64
	latencyCnt  uint64
}

// target is one service under test plus the starts the load test still owes it.
type target struct {
	svc         *service.Base
	outstanding atomic.Int64
}

func main() {
	pflag.Parse()

	fmt.Printf("Lifecycle Load Test Configuration:\n")
	fmt.Printf("  Duration: %s\n", *duration)
	fmt.Printf("  Services: %d\n", *numServices)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Target OPS: %.0f\n", *opRate)
	fmt.Printf("  Max Work: %s\n", *maxWork)
	fmt.Printf("  Stop Grace: %s\n", *stopGrace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("\nShutting down...")
		cancel()
	}()

	logger := logging.New(logging.Config{
		Level:       logging.ParseLevel(*logLevel),
		Output:      os.Stderr,
		ServiceName: "loadtest",
	})
	targets := newTargets(*numServices, logger)

	stats := &Stats{}
	fmt.Printf("Starting load test for %s...\n", *duration)

	testCtx, testCancel := context.WithTimeout(ctx, *duration)
	defer testCancel()

	var wg sync.WaitGroup
	rateLimiter := make(chan struct{}, *concurrency*2)

	go func() {
		interval := time.Duration(float64(time.Second) / *opRate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-testCtx.Done():
				return
			case <-ticker.C:
				select {
				case rateLimiter <- struct{}{}:
				default:
					// Channel is full, skip
				}
			}
		}
	}()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go worker(testCtx, i, targets, rateLimiter, stats, &wg)
	}

	startTime := time.Now()
	go report(testCtx, stats, startTime)

	<-testCtx.Done()
	wg.Wait()

	violations := drain(targets)
	printResults(stats, time.Since(startTime), violations)
	if len(violations) > 0 {
		os.Exit(1)
	}
}

// newTargets builds services with small start and stop delays. Every third
// service owns the next one as a sub-service so nested start and stop is
// exercised too.
func newTargets(n int, logger *logging.Logger) []*target {
	targets := make([]*target, n)
	for i := n - 1; i >= 0; i-- {
		opts := []service.Option{
			service.WithLogger(logger),
			service.WithOnStart(func(context.Context) error {
				time.Sleep(100 * time.Microsecond)
				return nil
			}),
			service.WithOnStop(func(context.Context) error {
				time.Sleep(100 * time.Microsecond)
				return nil
			}),
		}
		if i%3 == 0 && i+1 < n {
			opts = append(opts, service.WithSubServices(targets[i+1].svc))
		}
		targets[i] = &target{svc: service.New(fmt.Sprintf("svc-%02d", i), opts...)}
	}
	return targets
}

// worker performs a random lifecycle or work operation for every token it receives
func worker(ctx context.Context, id int, targets []*target, rateLimiter <-chan struct{}, stats *Stats, wg *sync.WaitGroup) {
	defer wg.Done()

	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-rateLimiter:
		}

		t := targets[r.Intn(len(targets))]
		switch n := r.Intn(100); {
		case n < 15:
			atomic.AddUint64(&stats.starts, 1)
			if err := t.svc.Start(ctx); err != nil {
				atomic.AddUint64(&stats.startErrors, 1)
				continue
			}
			t.outstanding.Add(1)

		case n < 30:
			if !release(t) {
				continue
			}
			atomic.AddUint64(&stats.stops, 1)
			if err := t.svc.Stop(context.Background(), *stopGrace); err != nil {
				atomic.AddUint64(&stats.stopErrors, 1)
			}

		default:
			startTime := time.Now()
			work := time.Duration(r.Int63n(int64(*maxWork) + 1))
			err := t.svc.Execute(ctx, func(ctx context.Context) error {
				select {
				case <-time.After(work):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			switch {
			case err == nil:
				atomic.AddUint64(&stats.accepted, 1)
				atomic.AddUint64(&stats.latencySum, uint64(time.Since(startTime).Microseconds()))
				atomic.AddUint64(&stats.latencyCnt, 1)
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				atomic.AddUint64(&stats.interrupted, 1)
			default:
				atomic.AddUint64(&stats.refused, 1)
			}
		}
	}
}

// release takes one outstanding start of t, if there is one.
func release(t *target) bool {
	for {
		n := t.outstanding.Load()
		if n <= 0 {
			return false
		}
		if t.outstanding.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// drain releases every start the test still holds and checks that each
// service ends up stopped with no references left.
func drain(targets []*target) []string {
	ctx := context.Background()
	for _, t := range targets {
		for release(t) {
			_ = t.svc.Stop(ctx, -1)
		}
	}

	var violations []string
	for _, t := range targets {
		state, refs := t.svc.State(), t.svc.RefCount()
		if state == service.StateStopFailed {
			violations = append(violations, fmt.Sprintf("%s: stop failed: %v", t.svc.Name(), t.svc.StopFailure()))
			continue
		}
		// A sub-service may still be held by a running parent; parents were
		// released above, so everything should be down by now.
		if state != service.StateStopped || refs != 0 {
			violations = append(violations, fmt.Sprintf("%s: %s with %d references", t.svc.Name(), state, refs))
		}
	}
	return violations
}

func report(ctx context.Context, stats *Stats, startTime time.Time) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accepted := atomic.LoadUint64(&stats.accepted)
			refused := atomic.LoadUint64(&stats.refused)
			starts := atomic.LoadUint64(&stats.starts)
			stops := atomic.LoadUint64(&stats.stops)

			fmt.Printf("\rWork OPS: %.2f, Accepted: %d, Refused: %d, Starts: %d, Stops: %d",
				float64(accepted)/time.Since(startTime).Seconds(), accepted, refused, starts, stops)
		}
	}
}

func printResults(stats *Stats, elapsed time.Duration, violations []string) {
	accepted := atomic.LoadUint64(&stats.accepted)
	refused := atomic.LoadUint64(&stats.refused)
	interrupted := atomic.LoadUint64(&stats.interrupted)
	latencySum := atomic.LoadUint64(&stats.latencySum)
	latencyCnt := atomic.LoadUint64(&stats.latencyCnt)

	var avgLatency uint64
	if latencyCnt > 0 {
		avgLatency = latencySum / latencyCnt
	}

	fmt.Printf("\n\nLoad Test Results:\n")
	fmt.Printf("  Test Duration: %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("  Work Accepted: %d\n", accepted)
	fmt.Printf("  Work Refused: %d\n", refused)
	fmt.Printf("  Work Interrupted: %d\n", interrupted)
	fmt.Printf("  Starts: %d (%d failed)\n", atomic.LoadUint64(&stats.starts), atomic.LoadUint64(&stats.startErrors))
	fmt.Printf("  Stops: %d (%d failed)\n", atomic.LoadUint64(&stats.stops), atomic.LoadUint64(&stats.stopErrors))
	fmt.Printf("  Average Work Latency: %d µs\n", avgLatency)

	if len(violations) == 0 {
		fmt.Println("  Final State: all services stopped")
		return
	}
	fmt.Printf("  Final State: %d violations\n", len(violations))
	for _, v := range violations {
		fmt.Printf("    %s\n", v)
	}
}
