package memnet_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chaz8081/btlink/internal/link"
	"github.com/chaz8081/btlink/internal/memnet"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestDialAndExchange(t *testing.T) {
	n := memnet.NewNetwork()
	a, b := n.Node("alpha"), n.Node("bravo")

	ln, err := b.Listen(context.Background(), link.SPPUUID)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan link.Socket, 1)
	go func() {
		s, err := ln.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	cli, err := a.Dial(context.Background(), "bravo", link.SPPUUID)
	require.NoError(t, err)
	defer cli.Close()
	srv := <-accepted
	defer srv.Close()

	require.Equal(t, link.Endpoint("bravo"), cli.Remote())
	require.Equal(t, link.Endpoint("alpha"), srv.Remote())

	go func() { _, _ = cli.Write([]byte("hello")) }()
	buf := make([]byte, 16)
	nr, err := srv.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:nr]))
}

func TestDialRefusedWithoutListener(t *testing.T) {
	n := memnet.NewNetwork()
	a := n.Node("alpha")

	_, err := a.Dial(context.Background(), "nobody", link.SPPUUID)
	require.ErrorIs(t, err, memnet.ErrRefused)
}

func TestListenTwiceOnSameService(t *testing.T) {
	n := memnet.NewNetwork()
	a := n.Node("alpha")

	ln, err := a.Listen(context.Background(), link.SPPUUID)
	require.NoError(t, err)
	_, err = a.Listen(context.Background(), link.SPPUUID)
	require.ErrorIs(t, err, memnet.ErrServiceInUse)

	require.NoError(t, ln.Close())
	ln, err = a.Listen(context.Background(), link.SPPUUID)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestCloseUnblocksAcceptAndRead(t *testing.T) {
	n := memnet.NewNetwork()
	a, b := n.Node("alpha"), n.Node("bravo")
	ln, err := b.Listen(context.Background(), link.SPPUUID)
	require.NoError(t, err)

	acceptErr := make(chan error, 1)
	go func() {
		s, err := ln.Accept()
		if err == nil {
			// Hold the socket; the dialer closes its end below.
			_, err = s.Read(make([]byte, 1))
		}
		acceptErr <- err
	}()

	cli, err := a.Dial(context.Background(), "bravo", link.SPPUUID)
	require.NoError(t, err)
	require.NoError(t, cli.Close())

	select {
	case err := <-acceptErr:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(waitFor):
		t.Fatal("read did not unblock")
	}

	go func() { acceptErr <- func() error { _, err := ln.Accept(); return err }() }()
	require.NoError(t, ln.Close())
	select {
	case err := <-acceptErr:
		require.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("accept did not unblock")
	}
}

func TestDisableRadio(t *testing.T) {
	n := memnet.NewNetwork()
	a := n.Node("alpha")
	require.True(t, a.IsEnabled())

	require.NoError(t, a.Disable())
	require.False(t, a.IsEnabled())
	_, err := a.Listen(context.Background(), link.SPPUUID)
	require.ErrorIs(t, err, link.ErrRadioOff)
	_, err = a.Dial(context.Background(), "bravo", link.SPPUUID)
	require.ErrorIs(t, err, link.ErrRadioOff)

	require.NoError(t, a.Enable())
	require.True(t, a.IsEnabled())
}

func TestFailDials(t *testing.T) {
	n := memnet.NewNetwork()
	a, b := n.Node("alpha"), n.Node("bravo")
	ln, err := b.Listen(context.Background(), link.SPPUUID)
	require.NoError(t, err)
	defer ln.Close()

	boom := errors.New("page timeout")
	a.FailDials(boom)
	_, err = a.Dial(context.Background(), "bravo", link.SPPUUID)
	require.ErrorIs(t, err, boom)

	a.FailDials(nil)
	go func() {
		if s, err := ln.Accept(); err == nil {
			_ = s.Close()
		}
	}()
	s, err := a.Dial(context.Background(), "bravo", link.SPPUUID)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestDialHonoursContext(t *testing.T) {
	n := memnet.NewNetwork()
	a, b := n.Node("alpha"), n.Node("bravo")
	ln, err := b.Listen(context.Background(), link.SPPUUID)
	require.NoError(t, err)
	defer ln.Close()

	// Nobody accepts, so the dial waits for ctx.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Dial(ctx, "bravo", link.SPPUUID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func newManager(t *testing.T, tr link.Transport) (*link.Manager, *link.EventQueue) {
	t.Helper()
	q := link.NewEventQueue()
	opts := link.DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := link.NewManager(tr, q, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		q.Close()
	})
	return m, q
}

// nextEvent waits for the next event of kind k, skipping others.
func nextEvent(t *testing.T, q *link.EventQueue, k link.EventKind) link.Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-q.Events():
			if ev.Kind == k {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", k)
		}
	}
}

func TestManagersOverMemnet(t *testing.T) {
	n := memnet.NewNetwork()
	ta, tb := n.Node("alpha"), n.Node("bravo")
	ma, qa := newManager(t, ta)
	mb, qb := newManager(t, tb)

	ma.Start()
	mb.Start()
	connect(t, ma, mb, "bravo")
	require.GreaterOrEqual(t, ta.DiscoveryCancels(), 1)

	require.NoError(t, ma.Write([]byte("hello bravo")))
	ev := nextEvent(t, qb, link.EventDataReceived)
	require.Equal(t, "hello bravo", string(ev.Data))
	require.Equal(t, link.Endpoint("alpha"), ev.Remote)

	require.NoError(t, mb.Write([]byte("hello alpha")))
	ev = nextEvent(t, qa, link.EventDataReceived)
	require.Equal(t, "hello alpha", string(ev.Data))

	// Alpha hangs up; bravo notices on its read side and listens again.
	ma.Stop()
	require.Eventually(t, func() bool { return mb.State() == link.StateListen }, waitFor, tick)

	// Alpha can reach bravo again once bravo's listener is back.
	ma.Start()
	connect(t, ma, mb, "bravo")
}

// connect dials from a to b until both are connected. A dial that races b's
// listener setup is refused, and a falls back to listening; dial again then.
func connect(t *testing.T, a, b *link.Manager, ep link.Endpoint) {
	t.Helper()
	require.Eventually(t, func() bool {
		if a.State() == link.StateConnected && b.State() == link.StateConnected {
			return true
		}
		if a.State() == link.StateListen {
			_ = a.Dial(ep)
		}
		return false
	}, waitFor, 20*time.Millisecond)
}

func TestManagerDialFailsOverMemnet(t *testing.T) {
	n := memnet.NewNetwork()
	m, q := newManager(t, n.Node("alpha"))

	require.NoError(t, m.Dial("ghost"))

	ev := nextEvent(t, q, link.EventConnectionFailed)
	require.ErrorIs(t, ev.Err, memnet.ErrRefused)
	require.Eventually(t, func() bool { return m.State() == link.StateListen }, waitFor, tick)
}
