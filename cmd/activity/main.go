package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paul/nostr-activity/pkg/config"
	"github.com/paul/nostr-activity/pkg/logging"
)

const Version = "0.3.0"

// defaultLookback is the fetched range when --since is not given.
const defaultLookback = 365 * 24 * time.Hour

type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Fetch a Nostr author's history from relays",
		Long: `activity reconstructs an author's published events by querying relays one
time window at a time, oldest first, and writes them as JSON.

Example:
  activity fetch npub1... --since 2024-01-01 --format jsonl`,
		Version:      Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newFetchCmd(opts), newDecodeCmd())
	return cmd
}

// load reads the configuration and builds the logger it selects.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.NewLoader(o.configPath).Load()
	if err != nil {
		return nil, nil, err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// parseTime accepts unix seconds, a YYYY-MM-DD date (UTC) or RFC 3339.
// An empty string yields 0.
func parseTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative timestamp %d", n)
		}
		return n, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Unix(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("unrecognized time %q: want unix seconds, YYYY-MM-DD or RFC 3339", s)
	}
	return t.Unix(), nil
}
