package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stellarlinkco/mnemos/internal/bus"
	"github.com/stellarlinkco/mnemos/internal/config"
)

const WebSocketChannelName = "ws"

// Frame types.
const (
	FrameMessage = "message"
	FrameError   = "error"
)

// Frame is the JSON shape exchanged with websocket clients. Clients send message
// frames; the gateway answers with message or error frames.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Session string `json:"session,omitempty"`
	User    string `json:"user,omitempty"`
	Context string `json:"context,omitempty"`
}

type wsClient struct {
	conn    *websocket.Conn
	id      string
	user    string
	limiter *rate.Limiter
}

// WebSocketChannel serves /ws and /healthz on the configured address.
type WebSocketChannel struct {
	BaseChannel
	addr   string
	log    zerolog.Logger
	server *http.Server
	ln     net.Listener

	rateLimit rate.Limit
	rateBurst int

	clients sync.Map
	nextID  atomic.Int64
}

func NewWebSocketChannel(cfg config.ServerConfig, b *bus.MessageBus, log zerolog.Logger) *WebSocketChannel {
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	limit, burst := cfg.RateLimit, cfg.RateBurst
	if limit <= 0 {
		limit = config.DefaultRateLimit
	}
	if burst <= 0 {
		burst = config.DefaultRateBurst
	}
	return &WebSocketChannel{
		BaseChannel: NewBaseChannel(WebSocketChannelName, b, cfg.AllowFrom),
		addr:        fmt.Sprintf("%s:%d", cfg.Host, port),
		log:         log,
		rateLimit:   rate.Limit(limit),
		rateBurst:   burst,
	}
}

func (w *WebSocketChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)
	mux.HandleFunc("/healthz", func(wr http.ResponseWriter, _ *http.Request) {
		wr.Header().Set("Content-Type", "application/json")
		_, _ = wr.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func (w *WebSocketChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.addr, err)
	}
	w.ln = ln
	w.server = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		w.log.Info().Str("addr", ln.Addr().String()).Msg("websocket channel listening")
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error().Err(err).Msg("websocket server error")
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (w *WebSocketChannel) Addr() string {
	if w.ln == nil {
		return w.addr
	}
	return w.ln.Addr().String()
}

func (w *WebSocketChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, nil)
	if err != nil {
		w.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	clientID := fmt.Sprintf("ws-%d", w.nextID.Add(1))
	client := &wsClient{
		conn:    conn,
		id:      clientID,
		user:    r.URL.Query().Get("user"),
		limiter: rate.NewLimiter(w.rateLimit, w.rateBurst),
	}
	w.clients.Store(clientID, client)
	w.log.Debug().Str("client", clientID).Msg("client connected")

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		w.log.Debug().Str("client", clientID).Msg("client disconnected")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			w.reply(ctx, client, Frame{Type: FrameError, Content: "malformed frame"})
			continue
		}
		if in.Type != FrameMessage || in.Content == "" {
			continue
		}

		user := in.User
		if user == "" {
			user = client.user
		}
		if !w.IsAllowed(user) {
			w.log.Warn().Str("client", clientID).Str("user", user).Msg("rejected message")
			w.reply(ctx, client, Frame{Type: FrameError, Content: "sender not allowed"})
			continue
		}
		if !client.limiter.Allow() {
			w.reply(ctx, client, Frame{Type: FrameError, Content: "rate limited", Session: in.Session})
			continue
		}

		if err := w.bus.PublishInbound(ctx, bus.InboundMessage{
			Channel:   WebSocketChannelName,
			SenderID:  user,
			ChatID:    clientID,
			SessionID: in.Session,
			Context:   in.Context,
			Content:   in.Content,
			Timestamp: time.Now(),
		}); err != nil {
			return
		}
	}
}

func (w *WebSocketChannel) reply(ctx context.Context, c *wsClient, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = c.conn.Write(wctx, websocket.MessageText, data)
}

// Send delivers msg to the client named by ChatID. Replies for clients that have gone
// away are dropped.
func (w *WebSocketChannel) Send(msg bus.OutboundMessage) error {
	v, ok := w.clients.Load(msg.ChatID)
	if !ok {
		w.log.Debug().Str("client", msg.ChatID).Msg("reply for disconnected client dropped")
		return nil
	}
	f := Frame{Type: FrameMessage, Content: msg.Content, Session: msg.SessionID}
	if msg.Error != "" {
		f.Type = FrameError
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return v.(*wsClient).conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebSocketChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.log.Warn().Err(err).Msg("websocket shutdown error")
		}
	}
	w.clients.Range(func(_, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	w.log.Info().Msg("websocket channel stopped")
	return nil
}
