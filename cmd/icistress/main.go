// Command icistress hammers the inter-CPU messaging layer on a virtual
// machine and checks that every request ran exactly once on its target.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"smpsim/internal/buildinfo"
)

func main() {
	var cfg config
	flag.IntVar(&cfg.CPUs, "cpus", 8, "Number of virtual CPUs.")
	flag.DurationVar(&cfg.Duration, "duration", 2*time.Second, "How long to send traffic.")
	flag.Int64Var(&cfg.Seed, "seed", 1, "Random seed.")
	flag.IntVar(&cfg.Batch, "batch", 16, "Requests per CPU job.")
	flag.IntVar(&cfg.PoolSize, "pool", 0, "Message pool size (0 = default).")
	flag.BoolVar(&cfg.TrackSpinlocks, "track-spinlocks", false, "Record spinlock history.")
	flag.Parse()

	if cfg.Duration <= 0 {
		fatalf("duration must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("icistress %s\n", buildinfo.String())
	r, err := run(ctx, cfg)
	if r != nil {
		r.write(os.Stdout)
	}
	if err != nil {
		fatalf("icistress: %v", err)
	}
	fmt.Println("ok")
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
