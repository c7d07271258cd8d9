package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/noah-isme/parcel-tracker/internal/app"
	"github.com/noah-isme/parcel-tracker/internal/config"
	"github.com/noah-isme/parcel-tracker/internal/obs"
	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

func main() {
	var (
		carrierHint  = flag.String("carrier", "", "carrier hint, e.g. ups or singpost")
		providerHint = flag.String("provider", "", "force a provider: singpost or ship24")
		method       = flag.String("method", "", "api, scrape or browser")
		linksOnly    = flag.Bool("links", false, "print manual tracking links instead of tracking")
		verbose      = flag.Bool("v", false, "log to stderr")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] NUMBER [NUMBER...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	// the CLI never needs the cache or the queue
	cfg.RedisURL = ""

	logger := zerolog.Nop()
	if *verbose {
		logger = obs.NewLogger("console", cfg.Obs.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger, app.Options{SkipTaskClient: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *linksOnly {
		out := make(map[string]map[string]string, flag.NArg())
		for _, number := range flag.Args() {
			out[number] = deps.Orchestrator.ManualLinks(number)
		}
		_ = enc.Encode(out)
		return
	}

	hints := tracking.Hints{Carrier: *carrierHint, Provider: *providerHint, Method: *method}
	if code := track(ctx, deps.Orchestrator, enc, flag.Args(), hints); code != 0 {
		_ = deps.Close()
		os.Exit(code)
	}
}

// track prints one response per number and returns 3 when any failed.
func track(ctx context.Context, o *tracking.Orchestrator, enc *json.Encoder, numbers []string, hints tracking.Hints) int {
	responses := o.TrackMany(ctx, numbers, hints)
	if err := enc.Encode(responses); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	for _, resp := range responses {
		if !resp.Success {
			return 3
		}
	}
	return 0
}
