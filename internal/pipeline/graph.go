// Package pipeline runs a session's working memory through a fixed graph of named
// steps, auditing every transition.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/mnemos/internal/session"
)

// END is the terminal node name.
const END = "__end__"

// Step transforms a state. It must not modify its argument; return a copy instead.
type Step func(ctx context.Context, s *session.State) (*session.State, error)

// Route is a routing policy verdict.
type Route string

const (
	RouteContinue Route = "continue"
	RouteEnd      Route = "end"
	RouteError    Route = "error"
)

// RoutingPolicy picks a route from a post-step state.
type RoutingPolicy func(s *session.State) Route

type conditional struct {
	policy  RoutingPolicy
	targets map[Route]string
}

// Builder accumulates a graph definition. Errors are collected and reported by Compile.
type Builder struct {
	nodes map[string]Step
	order []string
	edges map[string]string
	conds map[string]conditional
	entry string
	errs  []error
}

func NewBuilder() *Builder {
	return &Builder{
		nodes: map[string]Step{},
		edges: map[string]string{},
		conds: map[string]conditional{},
	}
}

func (b *Builder) AddNode(name string, step Step) *Builder {
	switch {
	case name == "" || name == END:
		b.errs = append(b.errs, fmt.Errorf("invalid node name %q", name))
	case step == nil:
		b.errs = append(b.errs, fmt.Errorf("node %q has no step", name))
	default:
		if _, dup := b.nodes[name]; dup {
			b.errs = append(b.errs, fmt.Errorf("node %q already exists", name))
			return b
		}
		b.nodes[name] = step
		b.order = append(b.order, name)
	}
	return b
}

// AddEdge adds the fixed transition from -> to. to may be END.
func (b *Builder) AddEdge(from, to string) *Builder {
	if _, dup := b.edges[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an edge", from))
		return b
	}
	b.edges[from] = to
	return b
}

// AddConditionalEdge routes out of from by policy. Routes missing from targets go to END.
func (b *Builder) AddConditionalEdge(from string, policy RoutingPolicy, targets map[Route]string) *Builder {
	if policy == nil {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %q has no policy", from))
		return b
	}
	if _, dup := b.conds[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("node %q already has a conditional edge", from))
		return b
	}
	copied := make(map[Route]string, len(targets))
	for r, to := range targets {
		copied[r] = to
	}
	b.conds[from] = conditional{policy: policy, targets: copied}
	return b
}

func (b *Builder) SetEntryPoint(name string) *Builder {
	b.entry = name
	return b
}

// Compile validates the definition and returns an immutable graph.
func (b *Builder) Compile() (*Graph, error) {
	problems := append([]error(nil), b.errs...)
	known := func(name string) bool {
		_, ok := b.nodes[name]
		return ok || name == END
	}

	if len(b.nodes) == 0 {
		problems = append(problems, errors.New("graph has no nodes"))
	}
	if _, ok := b.nodes[b.entry]; !ok {
		problems = append(problems, fmt.Errorf("entry point %q is not a node", b.entry))
	}
	for from, to := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			problems = append(problems, fmt.Errorf("edge from unknown node %q", from))
		}
		if !known(to) {
			problems = append(problems, fmt.Errorf("edge %q -> unknown node %q", from, to))
		}
		if _, both := b.conds[from]; both {
			problems = append(problems, fmt.Errorf("node %q has both a fixed and a conditional edge", from))
		}
	}
	for from, c := range b.conds {
		if _, ok := b.nodes[from]; !ok {
			problems = append(problems, fmt.Errorf("conditional edge from unknown node %q", from))
		}
		for r, to := range c.targets {
			if !known(to) {
				problems = append(problems, fmt.Errorf("route %q from %q -> unknown node %q", r, from, to))
			}
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("compile graph: %w", errors.Join(problems...))
	}

	g := &Graph{
		nodes: make(map[string]Step, len(b.nodes)),
		edges: make(map[string]string, len(b.edges)),
		conds: make(map[string]conditional, len(b.conds)),
		order: append([]string(nil), b.order...),
		entry: b.entry,
	}
	for k, v := range b.nodes {
		g.nodes[k] = v
	}
	for k, v := range b.edges {
		g.edges[k] = v
	}
	for k, v := range b.conds {
		g.conds[k] = v
	}
	return g, nil
}

// Graph is a compiled, read-only step graph.
type Graph struct {
	nodes map[string]Step
	edges map[string]string
	conds map[string]conditional
	order []string
	entry string
}

func (g *Graph) Entry() string { return g.entry }

// Nodes lists node names in insertion order.
func (g *Graph) Nodes() []string { return append([]string(nil), g.order...) }

// next resolves the node after from given the post-step state.
func (g *Graph) next(from string, s *session.State) string {
	if c, ok := g.conds[from]; ok {
		if to, ok := c.targets[c.policy(s)]; ok {
			return to
		}
		return END
	}
	if to, ok := g.edges[from]; ok {
		return to
	}
	return END
}
