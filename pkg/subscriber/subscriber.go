// Package subscriber runs one REQ/EOSE/CLOSE cycle for a single time window.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paul/nostr-activity/pkg/event"
	"github.com/paul/nostr-activity/pkg/protocol"
	"github.com/paul/nostr-activity/pkg/relay"
)

// DefaultSilenceTimeout is how long a subscription may go without a frame
// before it is considered complete.
const DefaultSilenceTimeout = 8 * time.Second

// ErrTransport marks a window that failed because of the relay or the wire.
var ErrTransport = errors.New("transport error")

// Resolution says how a subscription ended.
type Resolution int

const (
	ResolvedEOSE Resolution = iota
	ResolvedTimeout
	ResolvedFailed
	ResolvedCanceled
)

func (r Resolution) String() string {
	switch r {
	case ResolvedEOSE:
		return "eose"
	case ResolvedTimeout:
		return "timeout"
	case ResolvedFailed:
		return "failed"
	case ResolvedCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("resolution(%d)", int(r))
	}
}

// Result is the outcome of one window on one connection.
type Result struct {
	Events     []*event.Event
	Resolution Resolution
}

// Options configures a Subscriber. Zero values select the defaults.
type Options struct {
	SilenceTimeout time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
	// NewID overrides subscription id generation.
	NewID func() string
}

// Subscriber fetches the stored events matching one filter.
type Subscriber struct {
	silence time.Duration
	clock   clock.Clock
	logger  *zap.Logger
	newID   func() string
}

// New creates a Subscriber.
func New(opts Options) *Subscriber {
	s := &Subscriber{
		silence: opts.SilenceTimeout,
		clock:   opts.Clock,
		logger:  opts.Logger,
		newID:   opts.NewID,
	}
	if s.silence <= 0 {
		s.silence = DefaultSilenceTimeout
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.newID == nil {
		s.newID = NewSubscriptionID
	}
	return s
}

// NewSubscriptionID returns a short random token.
func NewSubscriptionID() string {
	return "hist-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// FetchWindow sends the filter to conn and collects events until the relay
// sends EOSE or stays silent for the silence timeout. Timeout is a normal
// completion. The subscription is always closed before returning.
func (s *Subscriber) FetchWindow(ctx context.Context, conn *relay.Conn, filter *event.Filter) ([]*event.Event, error) {
	res, err := s.Fetch(ctx, conn, filter)
	return res.Events, err
}

// Fetch is FetchWindow that also reports how the subscription ended.
func (s *Subscriber) Fetch(ctx context.Context, conn *relay.Conn, filter *event.Filter) (Result, error) {
	if conn == nil {
		return Result{Resolution: ResolvedFailed}, relay.ErrNoConnection
	}
	if conn.State() != relay.StateOpen {
		return Result{Resolution: ResolvedFailed}, relay.ErrNotOpen
	}

	id := s.newID()
	log := s.logger.With(zap.String("relay", conn.URL()), zap.String("sub", id))

	// The timer exists before the REQ is written so a relay answering
	// immediately cannot race it.
	timer := s.clock.Timer(s.silence)
	defer timer.Stop()

	sub, err := conn.Subscribe(id, filter)
	if err != nil {
		if errors.Is(err, relay.ErrNotOpen) || errors.Is(err, relay.ErrSubscriptionActive) {
			return Result{Resolution: ResolvedFailed}, err
		}
		return Result{Resolution: ResolvedFailed}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var events []*event.Event
	finish := func(r Resolution, cause error) (Result, error) {
		if err := sub.Close(); err != nil {
			log.Debug("close subscription", zap.Error(err))
		}
		log.Debug("subscription resolved",
			zap.Stringer("resolution", r),
			zap.Int("events", len(events)))
		return Result{Events: events, Resolution: r}, cause
	}

	// handle applies one frame and reports whether it resolved the
	// subscription.
	handle := func(d relay.Delivery) (bool, Resolution, error) {
		if d.Err != nil {
			return true, ResolvedFailed, fmt.Errorf("%w: %v", ErrTransport, d.Err)
		}
		switch d.Msg.Type {
		case protocol.MessageTypeEvent:
			events = append(events, d.Msg.Event)
			resetTimer(timer, s.silence)
		case protocol.MessageTypeEOSE:
			timer.Stop()
			return true, ResolvedEOSE, nil
		case protocol.MessageTypeClosed:
			return true, ResolvedFailed, fmt.Errorf("%w: closed by relay: %s", ErrTransport, d.Msg.Reason)
		}
		return false, 0, nil
	}

	// pending applies the frames already queued in the inbox. The read loop
	// queues every frame before it closes the connection.
	pending := func() (drained int, resolved bool, r Resolution, cause error) {
		for {
			select {
			case d := <-sub.Messages():
				drained++
				if resolved, r, cause = handle(d); resolved {
					return drained, resolved, r, cause
				}
			default:
				return drained, false, 0, nil
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			if _, ok, r, cause := pending(); ok && r == ResolvedEOSE {
				return finish(r, cause)
			}
			return finish(ResolvedCanceled, ctx.Err())

		case <-timer.C:
			n, ok, r, cause := pending()
			if ok {
				return finish(r, cause)
			}
			if n == 0 {
				return finish(ResolvedTimeout, nil)
			}
			resetTimer(timer, s.silence)

		case <-conn.Done():
			if _, ok, r, cause := pending(); ok {
				return finish(r, cause)
			}
			cause := conn.Err()
			if cause == nil {
				cause = relay.ErrNotOpen
			}
			return finish(ResolvedFailed, fmt.Errorf("%w: connection lost: %v", ErrTransport, cause))

		case d := <-sub.Messages():
			if ok, r, cause := handle(d); ok {
				return finish(r, cause)
			}
		}
	}
}

// resetTimer restarts t, discarding a tick that fired but was not received.
func resetTimer(t *clock.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
