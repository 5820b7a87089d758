// SPDX-License-Identifier: Apache-2.0

// Package projection defines read-model projectors and the static dispatch
// index the catch-up engine uses to route events to them.
package projection

import (
	"context"
	"errors"

	"github.com/adiadia/readmodel-runtime/internal/domain"
)

// Projector applies events to one read model. Name is the checkpoint key and
// must stay stable across deployments.
type Projector interface {
	Name() string
	Matches(ev domain.Event) bool
	Apply(ctx context.Context, ev domain.Event) error
}

// TypedProjector exposes the declared type tags of a projector. An empty set
// means the projector wants every event.
type TypedProjector interface {
	Projector
	EventTypes() []string
}

// Filter matches events by type tag plus an optional residual predicate.
type Filter struct {
	Types     []string
	Predicate func(domain.Event) bool
}

func (f Filter) Matches(ev domain.Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Predicate != nil {
		return f.Predicate(ev)
	}
	return true
}

// ApplyFunc applies one event.
type ApplyFunc func(ctx context.Context, ev domain.Event) error

// Func is a function-backed projector.
type Func struct {
	name   string
	filter Filter
	apply  ApplyFunc
}

// New builds a projector that calls apply for events whose type is one of
// types, or for every event when no types are given.
func New(name string, apply ApplyFunc, types ...string) *Func {
	return &Func{
		name:   name,
		filter: Filter{Types: append([]string(nil), types...)},
		apply:  apply,
	}
}

// Where narrows the projector with a predicate evaluated after the type check.
func (p *Func) Where(pred func(domain.Event) bool) *Func {
	p.filter.Predicate = pred
	return p
}

func (p *Func) Name() string { return p.name }

func (p *Func) EventTypes() []string { return p.filter.Types }

func (p *Func) Matches(ev domain.Event) bool { return p.filter.Matches(ev) }

func (p *Func) Apply(ctx context.Context, ev domain.Event) error {
	if p.apply == nil {
		return errors.New("projector " + p.name + " has no apply function")
	}
	return p.apply(ctx, ev)
}
