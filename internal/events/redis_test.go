package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// fakeRedis speaks just enough RESP for PUBLISH and SUBSCRIBE. Every
// subscriber is sent push right after its subscription is confirmed.
type fakeRedis struct {
	lis       net.Listener
	push      string
	published chan string

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeRedis(t *testing.T, push string) *fakeRedis {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeRedis{lis: lis, push: push, published: make(chan string, 16)}
	go f.serve()
	t.Cleanup(f.close)
	return f
}

func (f *fakeRedis) addr() string { return f.lis.Addr().String() }

func (f *fakeRedis) serve() {
	for {
		conn, err := f.lis.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeRedis) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		switch strings.ToLower(args[0]) {
		case "publish":
			f.published <- args[2]
			fmt.Fprint(conn, ":1\r\n")
		case "subscribe":
			for i, ch := range args[1:] {
				fmt.Fprintf(conn, "*3\r\n%s%s:%d\r\n", bulk("subscribe"), bulk(ch), i+1)
			}
			if f.push != "" {
				fmt.Fprintf(conn, "*3\r\n%s%s%s", bulk("message"), bulk(args[1]), bulk(f.push))
			}
		case "ping":
			fmt.Fprintf(conn, "*2\r\n%s%s", bulk("pong"), bulk(""))
		default:
			fmt.Fprint(conn, "+OK\r\n")
		}
	}
}

func (f *fakeRedis) close() {
	_ = f.lis.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func bulk(s string) string {
	return "$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n"
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected line %q", line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, n)
	for i := range args {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args[i] = string(buf[:size])
	}
	return args, nil
}

func TestRedisBridgeRunMirrorsAndRelays(t *testing.T) {
	remote := core.NewCampaignCompletedEvent("b@example.com", "run-b")
	remote.Origin = "node-b"
	payload, _ := json.Marshal(remote)
	srv := newFakeRedis(t, string(payload))

	local := NewBroker()
	defer local.Close()
	ch, unsubscribe, _ := local.SubscribeAll()
	defer unsubscribe()

	bridge := NewRedisBridge(redis.NewClient(&redis.Options{Addr: srv.addr()}), "", "node-a", local)
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	if e := receive(t, ch); e.Key != "b@example.com" || e.Origin != "node-b" {
		t.Fatalf("relayed event = %+v", e)
	}

	if err := bridge.Publish(ctx, core.NewCampaignStartedEvent("a@example.com", "run-a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if e := receive(t, ch); e.Key != "a@example.com" {
		t.Errorf("local event = %+v", e)
	}
	select {
	case raw := <-srv.published:
		var mirrored core.Event
		if err := json.Unmarshal([]byte(raw), &mirrored); err != nil {
			t.Fatalf("mirrored payload: %v", err)
		}
		if mirrored.Key != "a@example.com" || mirrored.Origin != "node-a" {
			t.Errorf("mirrored = %+v", mirrored)
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached redis")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRedisBridgePublishDoesNotWaitForRedis(t *testing.T) {
	// Accepts connections and never answers.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var held []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, conn)
			mu.Unlock()
		}
	}()
	defer func() {
		_ = lis.Close()
		mu.Lock()
		for _, c := range held {
			_ = c.Close()
		}
		mu.Unlock()
	}()

	local := NewBroker()
	defer local.Close()
	ch, unsubscribe, _ := local.SubscribeAll()
	defer unsubscribe()

	bridge := NewRedisBridge(redis.NewClient(&redis.Options{Addr: lis.Addr().String()}), "", "node-a", local)
	defer bridge.Close()
	var drops int
	bridge.OnDrop(func(string) { drops++ })

	ctx, cancel := context.WithCancel(context.Background())
	mirrored := make(chan struct{})
	go func() {
		defer close(mirrored)
		bridge.mirror(ctx)
	}()

	start := time.Now()
	for i := 0; i < outboxBuffer+2; i++ {
		_ = bridge.Publish(context.Background(), core.NewCampaignStartedEvent("a@example.com", "run-a"))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Publish took %v with redis stalled", elapsed)
	}
	if e := receive(t, ch); e.Key != "a@example.com" {
		t.Errorf("local event = %+v", e)
	}
	if drops == 0 {
		t.Error("expected events beyond the outbox to be dropped")
	}

	cancel()
	select {
	case <-mirrored:
	case <-time.After(2 * mirrorTimeout):
		t.Fatal("mirror did not stop after cancel")
	}
}

func TestRedisBridgeRelaySkipsOwnEvents(t *testing.T) {
	local := NewBroker()
	defer local.Close()
	bridge := NewRedisBridge(nil, "", "node-a", local)

	ch, unsubscribe, _ := local.SubscribeAll()
	defer unsubscribe()

	own, err := bridge.encode(core.NewCampaignStartedEvent("k", "r"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bridge.relay(context.Background(), string(own))

	remote := NewRedisBridge(nil, "", "node-b", NewBroker())
	foreign, _ := remote.encode(core.NewCampaignCompletedEvent("k", "r"))
	bridge.relay(context.Background(), string(foreign))
	bridge.relay(context.Background(), "{not json")

	e := receive(t, ch)
	if e.Type != core.EventCampaignCompleted || e.Origin != "node-b" {
		t.Errorf("unexpected relayed event: %+v", e)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra event: %+v", extra)
	default:
	}
	_ = remote.local.Close()
}
