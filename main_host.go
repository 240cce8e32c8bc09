package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"smpsim/app"
	"smpsim/hal"
)

func main() {
	var hcfg hal.HeadlessConfig
	var cfg app.Config
	var workload string
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 60, "Tick rate in headless mode.")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N ticks in headless mode (0 = run forever).")
	flag.IntVar(&cfg.CPUs, "cpus", envInt("SMPSIM_CPUS", app.DefaultCPUs), "Number of virtual CPUs.")
	flag.StringVar(&workload, "workload", envString("SMPSIM_WORKLOAD", app.WorkloadMixed.String()), "Workload: shootdown, callall, resched or mixed.")
	flag.BoolVar(&cfg.TrackSpinlocks, "track-spinlocks", false, "Record spinlock history for double-acquire reports.")
	flag.Int64Var(&cfg.Seed, "seed", 1, "Workload random seed.")
	flag.BoolVar(&cfg.ExitOnFault, "exit-on-fault", false, "Exit instead of showing the panic screen.")
	flag.Parse()

	w, err := app.ParseWorkload(workload)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg.Workload = w
	// Headless runs have nobody to read the panic screen.
	if hcfg.Enabled {
		cfg.ExitOnFault = true
	}

	newApp := func(h hal.HAL) (func() error, error) {
		return app.NewWithConfig(h, cfg)
	}

	if hcfg.Enabled {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err = hal.RunHeadless(ctx, newApp, hcfg)
	} else {
		err = hal.RunWindow(newApp)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, app.ErrQuit) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", key, err)
		return def
	}
	return n
}
