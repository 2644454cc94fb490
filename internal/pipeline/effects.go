package pipeline

import (
	"context"
	"fmt"
)

// Commit is a store mutation a step wants applied once its snapshot is audited.
type Commit func(ctx context.Context) error

type effectsKey struct{}

type effects struct {
	commits []Commit
}

// Defer stages fn until the running step's output has been appended to the audit log.
// The executor drops staged commits when the append fails, so retrieval never sees a
// write the log does not cover. Outside an executor run fn is applied immediately.
func Defer(ctx context.Context, fn Commit) error {
	if fx, ok := ctx.Value(effectsKey{}).(*effects); ok {
		fx.commits = append(fx.commits, fn)
		return nil
	}
	return fn(ctx)
}

func withEffects(ctx context.Context) (context.Context, *effects) {
	fx := &effects{}
	return context.WithValue(ctx, effectsKey{}, fx), fx
}

// apply runs the staged commits in order and stops at the first failure.
func (fx *effects) apply(ctx context.Context) error {
	for i, fn := range fx.commits {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("commit %d of %d: %w", i+1, len(fx.commits), err)
		}
	}
	return nil
}
