package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/paul/nostr-activity/internal/testrelay"
	"github.com/paul/nostr-activity/internal/testutil"
	"github.com/paul/nostr-activity/pkg/event"
	"github.com/paul/nostr-activity/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(opts)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_ConnectReusesOpenConnection(t *testing.T) {
	r := testrelay.New(t)
	m := newManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, r.URL()))
	first := m.Connections()
	require.Len(t, first, 1)
	assert.Equal(t, StateOpen, first[0].State())
	assert.Equal(t, r.URL(), first[0].URL())

	require.NoError(t, m.Connect(ctx, r.URL()))
	second := m.Connections()
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0])
}

func TestManager_ConnectReplacesOtherRelay(t *testing.T) {
	r1 := testrelay.New(t)
	r2 := testrelay.New(t)
	m := newManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, r1.URL()))
	old := m.Connections()[0]

	require.NoError(t, m.Connect(ctx, r2.URL()))
	conns := m.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, r2.URL(), conns[0].URL())
	assert.Equal(t, StateClosed, old.State())
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	r := testrelay.New(t)
	m := newManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, r.URL()))
	old := m.Connections()[0]

	r.DropConnections()
	select {
	case <-old.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after relay dropped it")
	}
	assert.Error(t, old.Err())

	require.NoError(t, m.Connect(ctx, r.URL()))
	fresh := m.Connections()[0]
	assert.NotSame(t, old, fresh)
	assert.Equal(t, StateOpen, fresh.State())
}

func TestManager_ConnectTimeout(t *testing.T) {
	// Accepts TCP connections but never answers the websocket handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				close(accepted)
				return
			}
			accepted <- c
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for c := range accepted {
			c.Close()
		}
	})

	m := newManager(t, Options{ConnectTimeout: 150 * time.Millisecond})
	start := time.Now()
	err = m.Connect(context.Background(), "ws://"+ln.Addr().String())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, m.Connections())
}

func TestManager_ConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	m := newManager(t, Options{ConnectTimeout: time.Second})
	ctx := context.Background()

	err = m.Connect(ctx, "ws://"+addr)
	assert.ErrorIs(t, err, ErrConnectError)

	err = m.Connect(ctx, "https://relay.example.com")
	assert.ErrorIs(t, err, ErrConnectError)

	err = m.Connect(ctx, "ws://")
	assert.ErrorIs(t, err, ErrConnectError)
}

func TestManager_ConnectAll(t *testing.T) {
	r1 := testrelay.New(t)
	r2 := testrelay.New(t)
	r3 := testrelay.New(t)
	m := newManager(t, Options{ConnectTimeout: time.Second})
	ctx := context.Background()

	require.NoError(t, m.ConnectAll(ctx, []string{r1.URL(), "ws://127.0.0.1:1", r2.URL()}))
	conns := m.Connections()
	require.Len(t, conns, 2)
	assert.Equal(t, r1.URL(), conns[0].URL())
	assert.Equal(t, r2.URL(), conns[1].URL())

	kept := conns[1]
	dropped := conns[0]
	require.NoError(t, m.ConnectAll(ctx, []string{r2.URL(), r3.URL(), r2.URL()}))
	conns = m.Connections()
	require.Len(t, conns, 2)
	assert.Same(t, kept, conns[0])
	assert.Equal(t, r3.URL(), conns[1].URL())
	assert.Equal(t, StateClosed, dropped.State())

	err := m.ConnectAll(ctx, []string{"ws://127.0.0.1:1", "http://nope"})
	assert.ErrorIs(t, err, ErrConnectError)
	assert.Empty(t, m.Connections())

	assert.ErrorIs(t, m.ConnectAll(ctx, nil), ErrConnectError)
}

func TestManager_Reserve(t *testing.T) {
	m := newManager(t, Options{})

	release, err := m.Reserve(context.Background())
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		next, err := m.Reserve(context.Background())
		if err == nil {
			acquired <- next
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second reservation granted while the first is held")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Reserve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	select {
	case next := <-acquired:
		next()
	case <-time.After(time.Second):
		t.Fatal("reservation not handed over after release")
	}
}

func TestConn_SubscribeRoutesFrames(t *testing.T) {
	kp := testutil.MustGenerateKeyPair()
	r := testrelay.New(t)
	r.Publish(testutil.EventsAt(kp, 100, 200, 300)...)

	m := newManager(t, Options{})
	require.NoError(t, m.Connect(context.Background(), r.URL()))
	conn := m.Connections()[0]

	since, until := int64(150), int64(400)
	sub, err := conn.Subscribe("s1", &event.Filter{Authors: []string{kp.PubKeyHex}, Since: &since, Until: &until})
	require.NoError(t, err)

	var got []*event.Event
	for done := false; !done; {
		select {
		case d := <-sub.Messages():
			require.NoError(t, d.Err)
			switch d.Msg.Type {
			case protocol.MessageTypeEvent:
				got = append(got, d.Msg.Event)
			case protocol.MessageTypeEOSE:
				done = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for EOSE")
		}
	}
	assert.Len(t, got, 2)

	req, ok := r.NextRequest(time.Second)
	require.True(t, ok)
	assert.Equal(t, "s1", req.SubID)
	require.Len(t, req.Filters, 1)
	assert.Equal(t, []string{kp.PubKeyHex}, req.Filters[0].Authors)
	assert.Equal(t, since, *req.Filters[0].Since)
	assert.Equal(t, until, *req.Filters[0].Until)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	id, ok := r.NextClose(time.Second)
	require.True(t, ok)
	assert.Equal(t, "s1", id)

	_, ok = r.NextClose(100 * time.Millisecond)
	assert.False(t, ok, "CLOSE must be sent once")
}

func TestConn_OneSubscriptionAtATime(t *testing.T) {
	r := testrelay.New(t, testrelay.WithBehavior(func(int, testrelay.Request) testrelay.Behavior {
		return testrelay.Ignore
	}))
	m := newManager(t, Options{})
	require.NoError(t, m.Connect(context.Background(), r.URL()))
	conn := m.Connections()[0]

	sub, err := conn.Subscribe("a", &event.Filter{})
	require.NoError(t, err)

	_, err = conn.Subscribe("b", &event.Filter{})
	assert.ErrorIs(t, err, ErrSubscriptionActive)

	require.NoError(t, sub.Close())
	next, err := conn.Subscribe("b", &event.Filter{})
	require.NoError(t, err)
	require.NoError(t, next.Close())
}

func TestConn_MalformedFrames(t *testing.T) {
	tests := []struct {
		name     string
		behavior testrelay.Behavior
	}{
		{name: "bad event payload", behavior: testrelay.Malformed},
		{name: "unroutable frame", behavior: testrelay.Garbage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testrelay.New(t, testrelay.WithBehavior(func(int, testrelay.Request) testrelay.Behavior {
				return tt.behavior
			}))
			m := newManager(t, Options{})
			require.NoError(t, m.Connect(context.Background(), r.URL()))

			sub, err := m.Connections()[0].Subscribe("bad", &event.Filter{})
			require.NoError(t, err)
			defer sub.Close()

			select {
			case d := <-sub.Messages():
				assert.ErrorIs(t, d.Err, protocol.ErrMalformed)
			case <-time.After(2 * time.Second):
				t.Fatal("malformed frame was not delivered")
			}
		})
	}
}

func TestConn_SubscribeAfterClose(t *testing.T) {
	r := testrelay.New(t)
	m := newManager(t, Options{})
	require.NoError(t, m.Connect(context.Background(), r.URL()))
	conn := m.Connections()[0]

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())

	_, err := conn.Subscribe("late", &event.Filter{})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
}
