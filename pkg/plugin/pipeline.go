// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package plugin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Hook phases used in HookError.
const (
	PhaseRequest  = "request"
	PhaseResponse = "response"
	PhaseChunk    = "chunk"
	PhaseError    = "error"
	PhaseComplete = "complete"
)

// HookError reports a plugin failure, including recovered panics.
type HookError struct {
	Plugin string
	Phase  string
	Err    error
}

// Error implements the error interface for HookError.
func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %s: %s hook: %v", e.Plugin, e.Phase, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *HookError) Unwrap() error {
	return e.Err
}

// Pipeline is an immutable, ordered list of plugins.
type Pipeline struct {
	plugins []Plugin
}

// NewPipeline builds a pipeline invoking plugins in the given order. Nil
// entries are skipped.
func NewPipeline(plugins ...Plugin) *Pipeline {
	list := make([]Plugin, 0, len(plugins))
	for _, p := range plugins {
		if p != nil {
			list = append(list, p)
		}
	}
	return &Pipeline{plugins: list}
}

// Plugins returns a copy of the plugin list.
func (p *Pipeline) Plugins() []Plugin {
	if p == nil {
		return nil
	}
	return append([]Plugin(nil), p.plugins...)
}

// Names returns the plugin names in order.
func (p *Pipeline) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.plugins))
	for _, pl := range p.plugins {
		names = append(names, pl.Name())
	}
	return names
}

// RunRequest invokes request hooks in order. The first Reply short-circuits
// the remaining hooks.
func (p *Pipeline) RunRequest(ctx context.Context, ex *Exchange) (*Reply, error) {
	if p == nil {
		return nil, nil
	}
	for _, pl := range p.plugins {
		h, ok := pl.(RequestHook)
		if !ok {
			continue
		}
		var reply *Reply
		err := guard(pl, PhaseRequest, func() (err error) {
			reply, err = h.OnRequest(ctx, ex)
			return err
		})
		if err != nil {
			return nil, err
		}
		if reply != nil {
			return reply, nil
		}
	}
	return nil, nil
}

// WantsBody reports whether any body inspector needs the full response.
// A panicking inspector is treated as wanting the body so that its response
// hook gets the chance to fail the exchange.
func (p *Pipeline) WantsBody(ex *Exchange) bool {
	if p == nil {
		return false
	}
	for _, pl := range p.plugins {
		bi, ok := pl.(BodyInspector)
		if !ok {
			continue
		}
		want := true
		_ = guard(pl, PhaseResponse, func() error {
			want = bi.WantsBody(ex)
			return nil
		})
		if want {
			return true
		}
	}
	return false
}

// RunResponse invokes response hooks in order. The first Reply replaces the
// upstream response and short-circuits the remaining hooks.
func (p *Pipeline) RunResponse(ctx context.Context, ex *Exchange) (*Reply, error) {
	if p == nil {
		return nil, nil
	}
	for _, pl := range p.plugins {
		h, ok := pl.(ResponseHook)
		if !ok {
			continue
		}
		var reply *Reply
		err := guard(pl, PhaseResponse, func() (err error) {
			reply, err = h.OnResponse(ctx, ex)
			return err
		})
		if err != nil {
			return nil, err
		}
		if reply != nil {
			return reply, nil
		}
	}
	return nil, nil
}

// RunChunk passes a streamed chunk to every chunk hook.
func (p *Pipeline) RunChunk(ctx context.Context, ex *Exchange, chunk []byte) error {
	if p == nil {
		return nil
	}
	for _, pl := range p.plugins {
		h, ok := pl.(ChunkHook)
		if !ok {
			continue
		}
		if err := guard(pl, PhaseChunk, func() error {
			return h.OnChunk(ctx, ex, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

// RunError notifies every error hook. Failures inside error hooks are logged
// and otherwise ignored.
func (p *Pipeline) RunError(ctx context.Context, ex *Exchange, cause error) {
	if p == nil {
		return
	}
	for _, pl := range p.plugins {
		h, ok := pl.(ErrorHook)
		if !ok {
			continue
		}
		if err := guard(pl, PhaseError, func() error {
			h.OnError(ctx, ex, cause)
			return nil
		}); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("error hook failed")
		}
	}
}

// RunComplete notifies every completion hook. Failures are logged.
func (p *Pipeline) RunComplete(ctx context.Context, ex *Exchange) {
	if p == nil {
		return
	}
	for _, pl := range p.plugins {
		h, ok := pl.(CompleteHook)
		if !ok {
			continue
		}
		if err := guard(pl, PhaseComplete, func() error {
			h.OnComplete(ctx, ex)
			return nil
		}); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("complete hook failed")
		}
	}
}

// guard runs fn, converting both returned errors and panics into HookError.
func guard(pl Plugin, phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Plugin: pl.Name(), Phase: phase, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(); err != nil {
		return &HookError{Plugin: pl.Name(), Phase: phase, Err: err}
	}
	return nil
}
