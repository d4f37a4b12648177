// Package fetch reconstructs an author's history by querying relays one time
// window at a time, oldest first.
package fetch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paul/nostr-activity/pkg/event"
	"github.com/paul/nostr-activity/pkg/identity"
	"github.com/paul/nostr-activity/pkg/ratelimit"
	"github.com/paul/nostr-activity/pkg/relay"
	"github.com/paul/nostr-activity/pkg/subscriber"
	"github.com/paul/nostr-activity/pkg/window"
)

// ErrNoRelays is returned by NewCoordinator without relay urls.
var ErrNoRelays = errors.New("no relays configured")

// Progress is reported after every window that completed.
type Progress struct {
	WindowIndex          int
	TotalWindows         int
	CumulativeEventCount int
	WindowStart          int64
	WindowEnd            int64
}

// ProgressFunc receives a Progress and the events accumulated so far. The
// slice must not be modified.
type ProgressFunc func(p Progress, events []*event.Event)

// Options configures a Coordinator.
type Options struct {
	// Relays is the pool queried for every window. With more than one url
	// the windows fan out to all of them and results are merged by id.
	Relays     []string
	WindowSize time.Duration
	// Kinds restricts the fetched event kinds. Empty means all kinds.
	Kinds []int
	// StopOnEmptyWindow ends the scan at the first completed window that
	// returned no events.
	StopOnEmptyWindow bool
	Limiter           *ratelimit.Limiter
	Metrics           *Metrics
	Logger            *zap.Logger
	Now               func() time.Time
}

// Coordinator drives the planner, the manager and the subscriber across a
// time range. GetEvents holds the manager's reservation for the whole run, so
// calls are serialized across every Coordinator sharing a Manager.
type Coordinator struct {
	manager     *relay.Manager
	subscriber  *subscriber.Subscriber
	planner     *window.Planner
	relays      []string
	kinds       []int
	stopOnEmpty bool
	limiter     *ratelimit.Limiter
	metrics     *Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewCoordinator creates a Coordinator using manager for connections and sub
// for the per-window subscriptions.
func NewCoordinator(manager *relay.Manager, sub *subscriber.Subscriber, opts Options) (*Coordinator, error) {
	if len(opts.Relays) == 0 {
		return nil, ErrNoRelays
	}
	size := opts.WindowSize
	if size == 0 {
		size = window.DefaultSize
	}
	planner, err := window.NewPlanner(size)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		manager:     manager,
		subscriber:  sub,
		planner:     planner,
		relays:      append([]string(nil), opts.Relays...),
		kinds:       append([]int(nil), opts.Kinds...),
		stopOnEmpty: opts.StopOnEmptyWindow,
		limiter:     opts.Limiter,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// GetEvents fetches every event authored by identifier between since and
// until (unix seconds, until 0 meaning now). Failed windows are logged and
// skipped. Identifier and connection errors abort the fetch; connection
// errors and cancellation return the events gathered so far.
func (c *Coordinator) GetEvents(ctx context.Context, identifier string, since, until int64, onProgress ProgressFunc) ([]*event.Event, error) {
	pubkey, err := identity.Normalize(identifier)
	if err != nil {
		return nil, err
	}
	if until == 0 {
		until = c.now().Unix()
	}

	release, err := c.manager.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	total := c.planner.Count(since, until)
	log := c.logger.With(zap.String("author", pubkey))
	log.Info("fetch started",
		zap.Int64("since", since),
		zap.Int64("until", until),
		zap.Int("windows", total),
		zap.Duration("window_size", c.planner.Size()),
		zap.Float64("requests_per_sec", c.limiter.Rate()),
		zap.Strings("relays", c.relays))

	var (
		all  []*event.Event
		seen map[string]bool
	)
	if len(c.relays) > 1 {
		seen = make(map[string]bool)
	}

	for i, w := range c.planner.Windows(since, until) {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		if err := c.connect(ctx); err != nil {
			log.Error("relay connection failed", zap.Int("window", i), zap.Error(err))
			return all, err
		}

		started := time.Now()
		events, err := c.fetchWindow(ctx, c.filter(pubkey, w))
		took := time.Since(started)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return all, ctxErr
			}
			c.metrics.observeWindow(resultFailed, 0, took)
			log.Warn("window failed",
				zap.Int("window", i),
				zap.Stringer("range", w),
				zap.Error(err))
			continue
		}

		received := len(events)
		if seen != nil {
			events = dedupe(seen, events)
		}
		all = append(all, events...)

		result := resultOK
		if received == 0 {
			result = resultEmpty
		}
		c.metrics.observeWindow(result, len(events), took)
		log.Debug("window done",
			zap.Int("window", i),
			zap.Stringer("range", w),
			zap.Int("events", len(events)),
			zap.Int("total", len(all)),
			zap.Duration("took", took))

		if onProgress != nil {
			onProgress(Progress{
				WindowIndex:          i,
				TotalWindows:         total,
				CumulativeEventCount: len(all),
				WindowStart:          w.Start,
				WindowEnd:            w.End,
			}, all[:len(all):len(all)])
		}

		if received == 0 && c.stopOnEmpty {
			log.Info("empty window, stopping scan", zap.Int("window", i), zap.Stringer("range", w))
			break
		}
	}

	log.Info("fetch finished", zap.Int("events", len(all)))
	return all, nil
}

func (c *Coordinator) connect(ctx context.Context) error {
	if len(c.relays) == 1 {
		return c.manager.Connect(ctx, c.relays[0])
	}
	return c.manager.ConnectAll(ctx, c.relays)
}

func (c *Coordinator) filter(pubkey string, w window.Window) *event.Filter {
	since, until := w.Start, w.End
	f := &event.Filter{
		Authors: []string{pubkey},
		Since:   &since,
		Until:   &until,
	}
	if len(c.kinds) > 0 {
		f.Kinds = c.kinds
	}
	return f
}

// fetchWindow runs one subscription per connection. The window fails only
// when every relay failed.
func (c *Coordinator) fetchWindow(ctx context.Context, filter *event.Filter) ([]*event.Event, error) {
	conns := c.manager.Connections()
	if len(conns) == 0 {
		return nil, relay.ErrNoConnection
	}
	if len(conns) == 1 {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.subscriber.FetchWindow(ctx, conns[0], filter)
	}

	results := make([][]*event.Event, len(conns))
	errs := make([]error, len(conns))

	var g errgroup.Group
	for i, conn := range conns {
		g.Go(func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				errs[i] = err
				return nil
			}
			// Failures stay per relay so every branch runs to completion.
			results[i], errs[i] = c.subscriber.FetchWindow(ctx, conn, filter)
			return nil
		})
	}
	_ = g.Wait()

	var merged []*event.Event
	failed := 0
	for i, conn := range conns {
		if errs[i] != nil {
			failed++
			c.logger.Debug("relay window failed", zap.String("relay", conn.URL()), zap.Error(errs[i]))
			continue
		}
		merged = append(merged, results[i]...)
	}
	if failed == len(conns) {
		return nil, errors.Join(errs...)
	}
	return merged, nil
}

// dedupe drops events whose id is already in seen and records the rest.
func dedupe(seen map[string]bool, events []*event.Event) []*event.Event {
	out := events[:0:0]
	for _, evt := range events {
		if seen[evt.ID] {
			continue
		}
		seen[evt.ID] = true
		out = append(out, evt)
	}
	return out
}
