// Command test-loopback is a manual test for the connection manager.
// It runs two managers on an in-memory network, connects them, exchanges
// a message each way, then hangs up one side and waits for the other to
// go back to listening.
//
// Usage:
//
//	go run ./cmd/test-loopback [--msg text] [--debug]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/btlink/internal/link"
	"github.com/chaz8081/btlink/internal/memnet"
)

const waitFor = 3 * time.Second

func main() {
	msg := flag.String("msg", "Hello from btlink!", "message to send")
	debug := flag.Bool("debug", false, "log manager internals")
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := loopback(logger, *msg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nDone!")
}

func loopback(logger *slog.Logger, msg string) error {
	n := memnet.NewNetwork()
	server, sq, err := newManager(n.Node("server"), logger.With("node", "server"))
	if err != nil {
		return err
	}
	defer server.Close()
	client, cq, err := newManager(n.Node("client"), logger.With("node", "client"))
	if err != nil {
		return err
	}
	defer client.Close()

	server.Start()
	if err := waitState(server, link.StateListen); err != nil {
		return err
	}
	fmt.Println("server listening")

	if err := client.Dial("server"); err != nil {
		return err
	}
	if err := waitState(client, link.StateConnected); err != nil {
		return err
	}
	if err := waitState(server, link.StateConnected); err != nil {
		return err
	}
	fmt.Println("connected")

	if err := client.Write([]byte(msg)); err != nil {
		return err
	}
	ev, err := waitEvent(sq, link.EventDataReceived)
	if err != nil {
		return err
	}
	fmt.Printf("server got %q from %s\n", ev.Data, ev.Remote)

	if err := server.Write(ev.Data); err != nil {
		return err
	}
	if ev, err = waitEvent(cq, link.EventDataReceived); err != nil {
		return err
	}
	fmt.Printf("client got %q back from %s\n", ev.Data, ev.Remote)

	client.Stop()
	if err := waitState(server, link.StateListen); err != nil {
		return err
	}
	fmt.Println("client hung up, server listening again")
	return nil
}

func newManager(t link.Transport, logger *slog.Logger) (*link.Manager, *link.EventQueue, error) {
	q := link.NewEventQueue()
	opts := link.DefaultOptions()
	opts.Logger = logger
	m, err := link.NewManager(t, q, opts)
	if err != nil {
		q.Close()
		return nil, nil, err
	}
	return m, q, nil
}

func waitState(m *link.Manager, want link.State) error {
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("state is %s, want %s", m.State(), want)
}

func waitEvent(q *link.EventQueue, k link.EventKind) (link.Event, error) {
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-q.Events():
			if ev.Kind == k {
				return ev, nil
			}
		case <-timeout:
			return link.Event{}, fmt.Errorf("no %s event", k)
		}
	}
}
