package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellarlinkco/mnemos/internal/audit"
	"github.com/stellarlinkco/mnemos/internal/config"
	"github.com/stellarlinkco/mnemos/internal/errs"
	"github.com/stellarlinkco/mnemos/internal/session"
)

// Auditor is the part of the audit log the executor writes to.
type Auditor interface {
	Append(ctx context.Context, sessionID string, step int, action string, snapshot any, opts ...audit.AppendOption) (audit.Record, error)
	Latest(ctx context.Context, sessionID string) (audit.Record, bool, error)
}

type Options struct {
	MaxSteps int
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Executor runs a compiled graph over one session state at a time. It holds no
// per-session data, so one Executor serves every session.
type Executor struct {
	graph    *Graph
	audit    Auditor
	maxSteps int
	log      zerolog.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

func NewExecutor(g *Graph, a Auditor, opts Options) (*Executor, error) {
	if g == nil || a == nil {
		return nil, fmt.Errorf("pipeline executor: graph and auditor are required")
	}
	if opts.MaxSteps < 0 {
		return nil, errs.Validation("maxSteps", "must be positive, got %d", opts.MaxSteps)
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = config.DefaultMaxSteps
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		graph:    g,
		audit:    a,
		maxSteps: opts.MaxSteps,
		log:      opts.Logger,
		now:      opts.Now,
		tracer:   otel.Tracer("github.com/stellarlinkco/mnemos/internal/pipeline"),
	}, nil
}

// Result describes one Invoke.
type Result struct {
	State   *session.State
	Path    []string
	Records []audit.Record
	// Exhausted is set when the step budget ended the run.
	Exhausted bool
}

// Invoke runs the graph from its entry point until END, a complete status or the step
// budget. Every step's output is audited before the next step starts, and writes a
// step staged with Defer are applied only after its record is appended.
//
// On cancellation or failure the returned state is the last audited one; for failures
// its status is error. The input state is never modified.
func (e *Executor) Invoke(ctx context.Context, state *session.State) (Result, error) {
	if state == nil || state.SessionID == "" {
		return Result{}, errs.Validation("state", "missing session state")
	}

	head := ""
	if latest, ok, err := e.audit.Latest(ctx, state.SessionID); err != nil {
		return Result{State: state}, fmt.Errorf("load chain head: %w", err)
	} else if ok {
		if latest.Step != state.Step {
			return Result{State: failed(state)}, errs.Integrity(state.SessionID, state.Step, "state is at step %d but the log is at step %d", state.Step, latest.Step)
		}
		head = latest.StateHash
	}

	res := Result{State: state}
	node := e.graph.entry
	for steps := 0; ; {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		next, fx, err := e.runStep(ctx, node, res.State)
		if err != nil {
			res.State = failed(res.State)
			return res, err
		}
		next.Step = res.State.Step + 1
		next.LastUpdated = e.now().UTC()
		steps++

		target := e.graph.next(node, next)
		if target != END && steps >= e.maxSteps {
			next.Status = session.StatusComplete
			res.Exhausted = true
		}

		// A finished step is recorded even if the caller has given up meanwhile.
		rec, err := e.audit.Append(context.WithoutCancel(ctx), next.SessionID, next.Step, node, next, audit.WithExpectedParent(head))
		if err != nil {
			res.State = failed(res.State)
			return res, fmt.Errorf("audit step %s: %w", node, err)
		}
		head = rec.StateHash
		res.State = next
		res.Path = append(res.Path, node)
		res.Records = append(res.Records, rec)

		if err := fx.apply(context.WithoutCancel(ctx)); err != nil {
			res.State = failed(next)
			return res, fmt.Errorf("step %s: %w", node, err)
		}

		if res.Exhausted {
			e.log.Warn().Str("session", next.SessionID).Int("steps", steps).Msg("step budget exhausted")
			return res, nil
		}
		if target == END || next.Status == session.StatusComplete {
			return res, nil
		}
		node = target
	}
}

func (e *Executor) runStep(ctx context.Context, node string, in *session.State) (out *session.State, fx *effects, err error) {
	ctx, fx = withEffects(ctx)
	ctx, span := e.tracer.Start(ctx, "pipeline."+node, trace.WithAttributes(
		attribute.String("session.id", in.SessionID),
		attribute.Int("pipeline.step", in.Step+1),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	out, err = e.graph.nodes[node](ctx, in)
	if err != nil {
		return nil, nil, fmt.Errorf("step %s: %w", node, err)
	}
	if out == nil {
		return nil, nil, fmt.Errorf("step %s: returned no state", node)
	}
	if out == in {
		out = in.Clone()
	}
	e.log.Debug().Str("session", in.SessionID).Str("node", node).Str("status", string(out.Status)).
		Int("staged", len(fx.commits)).Msg("step done")
	return out, fx, nil
}

func failed(s *session.State) *session.State {
	out := s.Clone()
	out.Status = session.StatusError
	return out
}
