package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paul/nostr-activity/pkg/config"
	"github.com/paul/nostr-activity/pkg/event"
	"github.com/paul/nostr-activity/pkg/fetch"
	"github.com/paul/nostr-activity/pkg/ratelimit"
	"github.com/paul/nostr-activity/pkg/relay"
	"github.com/paul/nostr-activity/pkg/subscriber"
)

type fetchOptions struct {
	relays      []string
	since       string
	until       string
	window      time.Duration
	kinds       []int
	format      string
	stopOnEmpty bool
	metricsFile string
}

func newFetchCmd(root *rootOptions) *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch <npub|hex>",
		Short: "Fetch every event an author published in a time range",
		Long: `Fetches the author's events window by window and writes them to stdout.
Progress is logged to stderr.

A single --relay queries only that relay. Without --relay the configured
pool is queried in parallel and results are merged by event id.

The scan stops at the first window that returns no events unless
--stop-on-empty=false is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, root, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.relays, "relay", "r", nil, "relay url (repeatable, overrides the configured pool)")
	f.StringVar(&opts.since, "since", "", "range start: unix seconds, YYYY-MM-DD or RFC 3339 (default one year before --until)")
	f.StringVar(&opts.until, "until", "", "range end (default now)")
	f.DurationVar(&opts.window, "window", 0, "window size (default from config, 24h)")
	f.IntSliceVar(&opts.kinds, "kinds", nil, "event kinds to fetch, e.g. 1,6,7 (default all)")
	f.StringVar(&opts.format, "format", "json", "output format: json or jsonl")
	f.BoolVar(&opts.stopOnEmpty, "stop-on-empty", true, "stop at the first empty window")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file when done")
	return cmd
}

func runFetch(cmd *cobra.Command, root *rootOptions, opts *fetchOptions, identifier string) error {
	if opts.format != "json" && opts.format != "jsonl" {
		return fmt.Errorf("unknown format %q", opts.format)
	}

	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if len(opts.relays) > 0 {
		cfg.Relays.URLs = opts.relays
	}
	flags := cmd.Flags()
	if flags.Changed("stop-on-empty") {
		cfg.Fetch.StopOnEmptyWindow = opts.stopOnEmpty
	}
	if opts.window > 0 {
		cfg.Fetch.WindowSize = config.Duration(opts.window)
	}
	if len(opts.kinds) > 0 {
		cfg.Fetch.Kinds = opts.kinds
	}
	// Flag values get the same checks as the file and the environment.
	if err := cfg.Validate(); err != nil {
		return err
	}

	until, err := parseTime(opts.until)
	if err != nil {
		return fmt.Errorf("--until: %w", err)
	}
	if until == 0 {
		until = time.Now().Unix()
	}
	since, err := parseTime(opts.since)
	if err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	if opts.since == "" {
		since = until - int64(defaultLookback/time.Second)
	}
	if since >= until {
		return fmt.Errorf("--since must be before --until")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := relay.NewManager(relay.Options{
		ConnectTimeout: cfg.Relays.ConnectTimeout.Std(),
		WriteTimeout:   cfg.Relays.WriteTimeout.Std(),
		Logger:         logger.Named("relay"),
	})
	defer manager.Close()

	registry := prometheus.NewRegistry()
	coordinator, err := fetch.NewCoordinator(manager, subscriber.New(subscriber.Options{
		SilenceTimeout: cfg.Fetch.SilenceTimeout.Std(),
		Logger:         logger.Named("subscriber"),
	}), fetch.Options{
		Relays:            cfg.Relays.URLs,
		WindowSize:        cfg.Fetch.WindowSize.Std(),
		Kinds:             cfg.Fetch.Kinds,
		StopOnEmptyWindow: cfg.Fetch.StopOnEmptyWindow,
		Limiter:           ratelimit.New(cfg.Fetch.RequestsPerSec, 1),
		Metrics:           fetch.NewMetrics(registry),
		Logger:            logger.Named("fetch"),
	})
	if err != nil {
		return err
	}

	events, err := coordinator.GetEvents(ctx, identifier, since, until, func(p fetch.Progress, _ []*event.Event) {
		logger.Info("progress",
			zap.Int("window", p.WindowIndex+1),
			zap.Int("of", p.TotalWindows),
			zap.Int("events", p.CumulativeEventCount),
			zap.Time("through", time.Unix(p.WindowEnd, 0).UTC()))
	})
	if err != nil && len(events) == 0 {
		return err
	}
	// Partial results of an aborted run are still written.
	if writeErr := writeEvents(cmd.OutOrStdout(), opts.format, events); writeErr != nil {
		return writeErr
	}
	if opts.metricsFile != "" {
		if mErr := prometheus.WriteToTextfile(opts.metricsFile, registry); mErr != nil {
			logger.Warn("write metrics", zap.String("file", opts.metricsFile), zap.Error(mErr))
		}
	}
	return err
}

func writeEvents(w io.Writer, format string, events []*event.Event) error {
	if events == nil {
		events = []*event.Event{}
	}
	enc := json.NewEncoder(w)
	if format == "jsonl" {
		for _, evt := range events {
			if err := enc.Encode(evt); err != nil {
				return err
			}
		}
		return nil
	}
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}
