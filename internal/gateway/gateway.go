// Package gateway assembles the memory engine, audit log and pipeline into one service
// and exposes the session operations used by the CLI and the websocket channel.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/audit"
	"github.com/stellarlinkco/mnemos/internal/bus"
	"github.com/stellarlinkco/mnemos/internal/channel"
	"github.com/stellarlinkco/mnemos/internal/config"
	"github.com/stellarlinkco/mnemos/internal/cron"
	"github.com/stellarlinkco/mnemos/internal/embedding"
	"github.com/stellarlinkco/mnemos/internal/errs"
	"github.com/stellarlinkco/mnemos/internal/index"
	"github.com/stellarlinkco/mnemos/internal/llm"
	"github.com/stellarlinkco/mnemos/internal/logging"
	"github.com/stellarlinkco/mnemos/internal/memory"
	"github.com/stellarlinkco/mnemos/internal/pipeline"
	"github.com/stellarlinkco/mnemos/internal/retention"
	"github.com/stellarlinkco/mnemos/internal/rules"
)

// Options overrides collaborators, mostly for tests. Zero values build everything from
// the config.
type Options struct {
	Embedder   embedding.Embedder
	Completer  llm.Completer
	Logger     *zerolog.Logger
	Now        func() time.Time
	SignalChan chan os.Signal
	// IdleWorker is how long a session worker waits for input before exiting.
	IdleWorker time.Duration
}

type Gateway struct {
	cfg    *config.Config
	log    zerolog.Logger
	now    func() time.Time
	policy retention.Policy

	store      *memory.Store
	engine     *memory.Engine
	embedder   embedding.Embedder
	completer  llm.Completer
	classifier *memory.KeywordClassifier
	audit      *audit.Log
	exec       *pipeline.Executor

	bus        *bus.MessageBus
	channels   *channel.Manager
	cron       *cron.Service
	signalChan chan os.Signal
	idleWorker time.Duration

	workersMu sync.Mutex
	workers   map[string]*worker

	locks     sync.Map // session id -> *sync.Mutex
	checked   sync.Map // session ids whose chain was verified in this process
	untrusted sync.Map // session id -> reason

	closeOnce sync.Once
}

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:        cfg,
		now:        opts.Now,
		signalChan: opts.SignalChan,
		idleWorker: opts.IdleWorker,
		workers:    make(map[string]*worker),
		policy:     retention.PolicyFromConfig(cfg.Retention),
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.idleWorker <= 0 {
		g.idleWorker = 5 * time.Minute
	}
	if opts.Logger != nil {
		g.log = *opts.Logger
	} else {
		g.log = logging.New(cfg.Log, nil)
	}
	if err := g.policy.Validate(); err != nil {
		return nil, err
	}

	if err := g.openStorage(opts); err != nil {
		g.Close()
		return nil, err
	}
	if err := g.buildPipeline(opts); err != nil {
		g.Close()
		return nil, err
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)
	g.channels = channel.NewManager(g.bus, logging.Component(g.log, "channel"))
	g.cron = cron.NewService(filepath.Join(filepath.Dir(cfg.Audit.DBPath), "cron", "jobs.json"), logging.Component(g.log, "cron"))
	if err := g.registerJobs(); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) openStorage(opts Options) error {
	cfg := g.cfg
	store, err := memory.OpenStore(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	g.store = store

	idx, err := index.NewChromem(cfg.Index.PersistDir, cfg.Index.Collection)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}

	g.embedder = opts.Embedder
	if g.embedder == nil {
		if g.embedder, err = embedding.New(cfg, logging.Component(g.log, "embedding")); err != nil {
			return fmt.Errorf("create embedder: %w", err)
		}
	}

	g.engine, err = memory.NewEngine(store, idx, g.embedder, memory.Options{
		Weights:   memory.WeightsFromConfig(cfg.Memory),
		OverFetch: cfg.Memory.OverFetch,
		BatchSize: cfg.Embedding.BatchSize,
		Logger:    logging.Component(g.log, "memory"),
		Now:       g.now,
	})
	if err != nil {
		return err
	}

	g.audit, err = audit.Open(cfg.Audit.DBPath,
		audit.WithLogger(logging.Component(g.log, "audit")),
		audit.WithClock(g.now))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	return nil
}

func (g *Gateway) buildPipeline(opts Options) error {
	cfg := g.cfg
	g.completer = opts.Completer
	if g.completer == nil {
		c, err := llm.New(cfg, logging.Component(g.log, "llm"))
		if err != nil {
			return fmt.Errorf("create completer: %w", err)
		}
		g.completer = c
	}
	g.classifier = memory.NewKeywordClassifier(cfg.Classifier)

	graph, err := pipeline.DefaultGraph(pipeline.Deps{
		Memory:         g.engine,
		Classifier:     g.classifier,
		Filter:         g.classifier,
		Completer:      g.completer,
		Summarizer:     retention.NewSummarizer(cfg.Retention.UseLLM, g.completer, logging.Component(g.log, "retention")),
		Events:         g.audit,
		Policy:         g.policy,
		RecallLimit:    cfg.Memory.RecallLimit,
		EpisodicMaxAge: hours(cfg.Memory.EpisodicMaxAgeHours),
		SystemPrompt:   cfg.Agent.SystemPrompt,
		MaxTokens:      cfg.Agent.MaxTokens,
		Now:            g.now,
		Logger:         logging.Component(g.log, "pipeline"),
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	g.exec, err = pipeline.NewExecutor(graph, g.audit, pipeline.Options{
		MaxSteps: cfg.Pipeline.MaxSteps,
		Logger:   logging.Component(g.log, "executor"),
		Now:      g.now,
	})
	return err
}

func (g *Gateway) registerJobs() error {
	maxAge := time.Duration(g.cfg.Memory.RetentionDays) * 24 * time.Hour
	if err := g.cron.Register(cron.ExpireJob(g.cfg.Schedule.Expire, g.engine, maxAge,
		g.cfg.Memory.ExpireBelowImportance, g.log)); err != nil {
		return err
	}
	return g.cron.Register(cron.VerifyJob(g.cfg.Schedule.Verify, g.audit, func(rep audit.Report) {
		g.markUntrusted(rep.SessionID, rep.Reason)
	}, g.log))
}

// Init seeds rules and makes sure the vector index covers the store. It is safe to
// call on every start.
func (g *Gateway) Init(ctx context.Context) error {
	if err := g.engine.EnsureIndexed(ctx); err != nil {
		return fmt.Errorf("index memories: %w", err)
	}
	loaded, err := rules.Load(g.cfg.Rules.Dir, logging.Component(g.log, "rules"))
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	n, err := rules.Seed(ctx, g.engine, loaded)
	if err != nil {
		return err
	}
	if n > 0 {
		g.log.Info().Int("rules", n).Str("dir", g.cfg.Rules.Dir).Msg("rules seeded")
	}
	return nil
}

// Run serves bus traffic, the websocket channel and scheduled jobs until ctx ends or a
// shutdown signal arrives.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Init(ctx); err != nil {
		_ = g.Shutdown()
		return err
	}

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if g.cfg.Schedule.Enabled {
		if err := g.cron.Start(ctx); err != nil {
			g.log.Warn().Err(err).Msg("cron start failed")
		}
	}

	go g.processLoop(ctx)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.log.Info().Msg("shutting down")
	return g.Shutdown()
}

// Bus is the queue channels publish to.
func (g *Gateway) Bus() *bus.MessageBus { return g.bus }

// AddChannel registers a transport started by Run.
func (g *Gateway) AddChannel(ch channel.Channel) error { return g.channels.Add(ch) }

// Config returns the configuration the gateway was built from.
func (g *Gateway) Config() *config.Config { return g.cfg }

// processLoop hands each inbound message to its session's worker, so one session's
// turns run in arrival order while sessions proceed in parallel.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.dispatch(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, msg bus.InboundMessage) {
	sid := msg.SessionKey()
	g.workersMu.Lock()
	w, ok := g.workers[sid]
	if !ok {
		w = &worker{queue: make(chan bus.InboundMessage, config.DefaultBufSize)}
		g.workers[sid] = w
		go g.sessionWorker(ctx, sid, w)
	}
	w.pending++
	g.workersMu.Unlock()

	select {
	case w.queue <- msg:
	case <-ctx.Done():
		g.workersMu.Lock()
		w.pending--
		g.workersMu.Unlock()
	}
}

// worker serializes one session's turns. pending counts messages promised to the
// queue; the worker only exits when it is zero.
type worker struct {
	queue   chan bus.InboundMessage
	pending int
}

func (g *Gateway) sessionWorker(ctx context.Context, sid string, w *worker) {
	idle := time.NewTimer(g.idleWorker)
	defer idle.Stop()
	for {
		select {
		case msg := <-w.queue:
			g.workersMu.Lock()
			w.pending--
			g.workersMu.Unlock()
			g.handleInbound(ctx, msg)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(g.idleWorker)
		case <-idle.C:
			g.workersMu.Lock()
			if w.pending > 0 {
				g.workersMu.Unlock()
				idle.Reset(g.idleWorker)
				continue
			}
			delete(g.workers, sid)
			g.workersMu.Unlock()
			return
		case <-ctx.Done():
			return
		}
	}
}

// activeWorkers is the number of live session workers.
func (g *Gateway) activeWorkers() int {
	g.workersMu.Lock()
	defer g.workersMu.Unlock()
	return len(g.workers)
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	sid := msg.SessionKey()
	g.log.Debug().Str("channel", msg.Channel).Str("session", sid).Str("text", truncate(msg.Content, 80)).Msg("inbound")

	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, SessionID: sid}
	if _, err := g.OpenSession(ctx, sid, msg.SenderID, msg.Context); err != nil {
		out.Error, out.Content = err.Error(), "Sorry, this session cannot be opened."
	} else if reply, err := g.HandleMessage(ctx, sid, msg.Content); err != nil {
		g.log.Error().Err(err).Str("session", sid).Msg("turn failed")
		out.Error, out.Content = err.Error(), "Sorry, I could not process that message."
		if errs.IsIntegrity(err) {
			out.Content = "This session failed its integrity check and is read-only."
		}
	} else {
		out.Content = reply.Content
	}
	if err := g.bus.PublishOutbound(ctx, out); err != nil {
		g.log.Warn().Err(err).Str("session", sid).Msg("reply dropped")
	}
}

// Shutdown stops background work and closes storage. It is idempotent.
func (g *Gateway) Shutdown() error {
	if g.cron != nil {
		g.cron.Stop()
	}
	if g.channels != nil {
		if err := g.channels.StopAll(); err != nil {
			g.log.Warn().Err(err).Msg("stop channels")
		}
	}
	return g.Close()
}

// Close releases the databases and caches.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if c, ok := g.embedder.(*embedding.Cached); ok {
			c.Close()
		}
		if g.audit != nil {
			err = errors.Join(err, g.audit.Close())
		}
		if g.store != nil {
			err = errors.Join(err, g.store.Close())
		}
		g.log.Info().Msg("gateway closed")
	})
	return err
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
