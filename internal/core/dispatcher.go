package core

import (
	"context"
	"errors"
	"io"
	"sync"

	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/provider"
)

// Builder constructs adapters and staging clients for a tool.
type Builder interface {
	Build(ctx context.Context, tool catalog.ToolConfig, c provider.Capability) (provider.Adapter, error)
	Policy(tool catalog.ToolConfig, kind media.Kind) media.Policy
	Stager(ctx context.Context, tool catalog.ToolConfig) (media.Stager, error)
}

// Dispatcher holds the adapters of one session. The tool is resolved once
// when the session starts and never changes; each adapter is built on first
// use and reused by later turns.
type Dispatcher struct {
	builder Builder
	tool    catalog.ToolConfig

	mu       sync.Mutex
	adapters map[provider.Capability]provider.Adapter
	stager   media.Stager
}

func NewDispatcher(b Builder, tool catalog.ToolConfig) *Dispatcher {
	return &Dispatcher{builder: b, tool: tool, adapters: make(map[provider.Capability]provider.Adapter)}
}

func (d *Dispatcher) Tool() catalog.ToolConfig { return d.tool }

// Adapter returns the adapter for c, building it if needed.
func (d *Dispatcher) Adapter(ctx context.Context, c provider.Capability) (provider.Adapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.adapters[c]; ok {
		return a, nil
	}
	a, err := d.builder.Build(ctx, d.tool, c)
	if err != nil {
		return nil, err
	}
	d.adapters[c] = a
	return a, nil
}

func (d *Dispatcher) Policy(kind media.Kind) media.Policy {
	return d.builder.Policy(d.tool, kind)
}

// Stager returns the tool's staging client, or nil when the provider has none.
func (d *Dispatcher) Stager(ctx context.Context) (media.Stager, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stager != nil {
		return d.stager, nil
	}
	s, err := d.builder.Stager(ctx, d.tool)
	if err != nil {
		return nil, err
	}
	d.stager = s
	return s, nil
}

// Close releases every client the session built.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for c, a := range d.adapters {
		if cl, ok := a.(io.Closer); ok {
			errs = append(errs, cl.Close())
		}
		delete(d.adapters, c)
	}
	if cl, ok := d.stager.(io.Closer); ok {
		errs = append(errs, cl.Close())
	}
	d.stager = nil
	return errors.Join(errs...)
}
