package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/bus"
)

const StdioChannelName = "stdio"

// StdioChannel reads one JSON Frame per line from r and writes replies as JSON lines
// to w. Lines that do not parse are answered with an error frame.
type StdioChannel struct {
	BaseChannel
	r    io.Reader
	log  zerolog.Logger
	user string

	mu sync.Mutex
	w  io.Writer

	done chan struct{}

	pendingMu sync.Mutex
	pending   int
	eof       bool
	drained   chan struct{}
	drainOnce sync.Once
}

// NewStdioChannel uses user as the sender of frames that do not name one.
func NewStdioChannel(r io.Reader, w io.Writer, user string, b *bus.MessageBus, log zerolog.Logger) *StdioChannel {
	return &StdioChannel{
		BaseChannel: NewBaseChannel(StdioChannelName, b, nil),
		r:           r,
		w:           w,
		user:        user,
		log:         log,
		done:        make(chan struct{}),
		drained:     make(chan struct{}),
	}
}

func (s *StdioChannel) Start(ctx context.Context) error {
	go s.readLoop(ctx)
	return nil
}

// Done is closed when the input reaches EOF.
func (s *StdioChannel) Done() <-chan struct{} { return s.done }

// Drained is closed once the input reached EOF and every forwarded message was answered.
func (s *StdioChannel) Drained() <-chan struct{} { return s.drained }

func (s *StdioChannel) settle(delta int, eof bool) {
	s.pendingMu.Lock()
	s.pending += delta
	if eof {
		s.eof = true
	}
	done := s.eof && s.pending <= 0
	s.pendingMu.Unlock()
	if done {
		s.drainOnce.Do(func() { close(s.drained) })
	}
}

func (s *StdioChannel) readLoop(ctx context.Context) {
	defer close(s.done)
	defer s.settle(0, true)
	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var in Frame
		if err := json.Unmarshal(line, &in); err != nil {
			s.write(Frame{Type: FrameError, Content: "malformed frame"})
			continue
		}
		if in.Type == "" {
			in.Type = FrameMessage
		}
		if in.Type != FrameMessage || in.Content == "" {
			continue
		}
		user := in.User
		if user == "" {
			user = s.user
		}
		s.settle(1, false)
		if err := s.bus.PublishInbound(ctx, bus.InboundMessage{
			Channel:   StdioChannelName,
			SenderID:  user,
			ChatID:    StdioChannelName,
			SessionID: in.Session,
			Context:   in.Context,
			Content:   in.Content,
			Timestamp: time.Now(),
		}); err != nil {
			s.settle(-1, false)
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.log.Warn().Err(err).Msg("stdin read failed")
	}
}

func (s *StdioChannel) Send(msg bus.OutboundMessage) error {
	f := Frame{Type: FrameMessage, Content: msg.Content, Session: msg.SessionID}
	if msg.Error != "" {
		f.Type = FrameError
	}
	defer s.settle(-1, false)
	return s.write(f)
}

func (s *StdioChannel) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}

func (s *StdioChannel) Stop() error { return nil }
