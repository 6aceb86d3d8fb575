// Package trigger implements the write-path hook pipeline of bleepfs. A
// PutTrigger observes every file write in five phases and may veto it,
// mutate its metadata, or issue writes of its own under suppression.
package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/bleepstore/bleepfs/internal/metadata"
)

// Veto is the outcome of an AllowPut check.
type Veto struct {
	Denied bool
	Reason string
}

// Allowed is the Veto that lets a write proceed.
func Allowed() Veto {
	return Veto{}
}

// Deny returns a Veto rejecting the write with reason.
func Deny(reason string) Veto {
	return Veto{Denied: true, Reason: reason}
}

// PutTrigger is implemented by components that participate in the file write
// path. Hooks are called in order: AllowPut, OnPut, AfterPut, then OnUpload
// once per page, then AfterUpload. Every hook receives the Operation that
// identifies the logical write.
type PutTrigger interface {
	// AllowPut decides whether the write may proceed. md is the incoming
	// metadata and must not be modified.
	AllowPut(ctx context.Context, op *Operation, name string, md metadata.Metadata) Veto

	// OnPut runs before the file record is stored and may modify md.
	OnPut(ctx context.Context, op *Operation, name string, md metadata.Metadata) error

	// AfterPut runs once the file record exists. size is -1 when the final
	// size is not known yet.
	AfterPut(ctx context.Context, op *Operation, name string, size int64, md metadata.Metadata) error

	// OnUpload runs after each page has been stored and associated.
	OnUpload(ctx context.Context, op *Operation, name string, md metadata.Metadata, page metadata.PageRef) error

	// AfterUpload runs once all content has been received.
	AfterUpload(ctx context.Context, op *Operation, name string, md metadata.Metadata) error
}

// Pipeline is the ordered set of registered triggers. Registration happens at
// startup; dispatch is safe for concurrent use.
type Pipeline struct {
	mu       sync.RWMutex
	triggers []PutTrigger
}

// NewPipeline returns an empty Pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Register appends t to the pipeline.
func (p *Pipeline) Register(t PutTrigger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers = append(p.triggers, t)
}

// Len returns the number of registered triggers.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.triggers)
}

func (p *Pipeline) snapshot() []PutTrigger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.triggers
}

// AllowPut returns the first denial, or Allowed if every trigger allows it.
func (p *Pipeline) AllowPut(ctx context.Context, op *Operation, name string, md metadata.Metadata) Veto {
	for _, t := range p.snapshot() {
		if v := t.AllowPut(ctx, op, name, md); v.Denied {
			return v
		}
	}
	return Allowed()
}

// OnPut runs every trigger's OnPut, stopping at the first error.
func (p *Pipeline) OnPut(ctx context.Context, op *Operation, name string, md metadata.Metadata) error {
	for _, t := range p.snapshot() {
		if err := t.OnPut(ctx, op, name, md); err != nil {
			return fmt.Errorf("on-put trigger for %q: %w", name, err)
		}
	}
	return nil
}

// AfterPut runs every trigger's AfterPut, stopping at the first error.
func (p *Pipeline) AfterPut(ctx context.Context, op *Operation, name string, size int64, md metadata.Metadata) error {
	for _, t := range p.snapshot() {
		if err := t.AfterPut(ctx, op, name, size, md); err != nil {
			return fmt.Errorf("after-put trigger for %q: %w", name, err)
		}
	}
	return nil
}

// OnUpload runs every trigger's OnUpload, stopping at the first error.
func (p *Pipeline) OnUpload(ctx context.Context, op *Operation, name string, md metadata.Metadata, page metadata.PageRef) error {
	for _, t := range p.snapshot() {
		if err := t.OnUpload(ctx, op, name, md, page); err != nil {
			return fmt.Errorf("on-upload trigger for %q: %w", name, err)
		}
	}
	return nil
}

// AfterUpload runs every trigger's AfterUpload, stopping at the first error.
func (p *Pipeline) AfterUpload(ctx context.Context, op *Operation, name string, md metadata.Metadata) error {
	for _, t := range p.snapshot() {
		if err := t.AfterUpload(ctx, op, name, md); err != nil {
			return fmt.Errorf("after-upload trigger for %q: %w", name, err)
		}
	}
	return nil
}
