package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/bus"
	"github.com/stellarlinkco/mnemos/internal/config"
)

func newTestServer(t *testing.T, allow []string) (*WebSocketChannel, *bus.MessageBus, string) {
	t.Helper()
	b := bus.NewMessageBus(10)
	ch := NewWebSocketChannel(config.ServerConfig{Host: "127.0.0.1", AllowFrom: allow}, b, zerolog.Nop())
	srv := httptest.NewServer(ch.Handler())
	t.Cleanup(srv.Close)
	return ch, b, srv.URL
}

func dial(t *testing.T, ctx context.Context, base, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws"+query, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, _ := json.Marshal(f)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Frame {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return f
}

func TestWebSocketChannel_RoundTrip(t *testing.T) {
	ch, b, base := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dial(t, ctx, base, "?user=alice")
	writeFrame(t, ctx, conn, Frame{Type: FrameMessage, Content: "hello", Session: "s1", Context: "coding"})

	select {
	case in := <-b.Inbound:
		if in.Channel != WebSocketChannelName || in.Content != "hello" {
			t.Fatalf("inbound = %+v", in)
		}
		if in.SenderID != "alice" || in.SessionID != "s1" || in.Context != "coding" {
			t.Fatalf("identity not carried: %+v", in)
		}
		if !strings.HasPrefix(in.ChatID, "ws-") {
			t.Errorf("chatID = %q, want ws- prefix", in.ChatID)
		}

		if err := ch.Send(bus.OutboundMessage{Channel: WebSocketChannelName, ChatID: in.ChatID, SessionID: "s1", Content: "reply"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got := readFrame(t, ctx, conn)
		if got.Type != FrameMessage || got.Content != "reply" || got.Session != "s1" {
			t.Fatalf("reply frame = %+v", got)
		}

		if err := ch.Send(bus.OutboundMessage{ChatID: in.ChatID, Content: "failed", Error: "boom"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if got := readFrame(t, ctx, conn); got.Type != FrameError {
			t.Fatalf("error frame = %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for inbound message")
	}

	if err := ch.Send(bus.OutboundMessage{ChatID: "ws-gone", Content: "x"}); err != nil {
		t.Fatalf("send to missing client should be dropped, got %v", err)
	}
}

func TestWebSocketChannel_RejectsDisallowedAndMalformed(t *testing.T) {
	_, b, base := newTestServer(t, []string{"alice"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dial(t, ctx, base, "")
	writeFrame(t, ctx, conn, Frame{Type: FrameMessage, Content: "hi", User: "mallory"})
	if got := readFrame(t, ctx, conn); got.Type != FrameError || got.Content != "sender not allowed" {
		t.Fatalf("frame = %+v", got)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	if got := readFrame(t, ctx, conn); got.Type != FrameError || got.Content != "malformed frame" {
		t.Fatalf("frame = %+v", got)
	}

	select {
	case in := <-b.Inbound:
		t.Fatalf("unexpected inbound: %+v", in)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketChannel_Healthz(t *testing.T) {
	_, _, base := newTestServer(t, nil)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Errorf("plain GET on /ws should not succeed")
	}
}

func TestWebSocketChannel_StartStop(t *testing.T) {
	b := bus.NewMessageBus(1)
	ch := NewWebSocketChannel(config.ServerConfig{Host: "127.0.0.1", Port: 0}, b, zerolog.Nop())
	ch.addr = "127.0.0.1:0"

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + ch.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if err := ch.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestWebSocketChannel_RateLimitsClient(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewWebSocketChannel(config.ServerConfig{Host: "127.0.0.1", RateLimit: 0.001, RateBurst: 1}, b, zerolog.Nop())
	srv := httptest.NewServer(ch.Handler())
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dial(t, ctx, srv.URL, "?user=alice")
	writeFrame(t, ctx, conn, Frame{Type: FrameMessage, Content: "first", Session: "s1"})
	writeFrame(t, ctx, conn, Frame{Type: FrameMessage, Content: "second", Session: "s1"})

	if f := readFrame(t, ctx, conn); f.Type != FrameError || f.Content != "rate limited" || f.Session != "s1" {
		t.Fatalf("frame = %+v", f)
	}
	select {
	case in := <-b.Inbound:
		if in.Content != "first" {
			t.Fatalf("inbound = %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first message not published")
	}
	if len(b.Inbound) != 0 {
		t.Fatalf("limited message reached the bus")
	}
}
