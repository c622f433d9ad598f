package link

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventQueuePreservesOrder(t *testing.T) {
	q := NewEventQueue()

	for i := 0; i < 100; i++ {
		q.Notify(Event{Kind: EventDataReceived, Data: []byte{byte(i)}})
	}
	q.Close()

	var got []byte
	for ev := range q.Events() {
		got = append(got, ev.Data[0])
	}
	require.Len(t, got, 100)
	for i, b := range got {
		require.Equal(t, byte(i), b)
	}
}

func TestEventQueueNotifyDoesNotBlock(t *testing.T) {
	q := NewEventQueue()
	defer q.Close()

	done := make(chan struct{})
	go func() {
		// Nobody reads Events yet.
		for i := 0; i < 10000; i++ {
			q.Notify(Event{Kind: EventStateChanged, State: StateListen})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked without a reader")
	}
}

func TestEventQueueConcurrentProducers(t *testing.T) {
	q := NewEventQueue()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Notify(Event{Kind: EventDataReceived, Data: []byte{byte(p), byte(i)}})
			}
		}(p)
	}
	wg.Wait()
	q.Close()

	last := map[byte]int{0: -1, 1: -1, 2: -1, 3: -1}
	n := 0
	for ev := range q.Events() {
		p, i := ev.Data[0], int(ev.Data[1])
		require.Greater(t, i, last[p], "producer %d out of order", p)
		last[p] = i
		n++
	}
	require.Equal(t, 200, n)
}

func TestEventQueueDropsAfterClose(t *testing.T) {
	q := NewEventQueue()
	q.Close()
	q.Close()
	q.Notify(Event{Kind: EventStateChanged})

	_, ok := <-q.Events()
	require.False(t, ok)
}

func TestSinkFunc(t *testing.T) {
	var got Event
	var s Sink = SinkFunc(func(ev Event) { got = ev })
	s.Notify(Event{Kind: EventWriteAcknowledged, Data: []byte("x")})
	require.Equal(t, EventWriteAcknowledged, got.Kind)
	require.Equal(t, "write_acknowledged", got.Kind.String())
}

func TestOwnedSocketClosesOnce(t *testing.T) {
	s := newMockSocket("peer")
	o := own(s)
	require.Same(t, o, own(o))

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	require.Equal(t, int32(1), s.closes.Load())
}
