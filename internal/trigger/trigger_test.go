package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/bleepstore/bleepfs/internal/metadata"
)

// recorder is a PutTrigger that records the hooks it sees.
type recorder struct {
	name  string
	calls *[]string
	veto  Veto
	fail  string
}

func (r *recorder) record(hook string) error {
	*r.calls = append(*r.calls, r.name+"."+hook)
	if r.fail == hook {
		return errors.New(r.name + " failed")
	}
	return nil
}

func (r *recorder) AllowPut(ctx context.Context, op *Operation, name string, md metadata.Metadata) Veto {
	r.record("AllowPut")
	return r.veto
}

func (r *recorder) OnPut(ctx context.Context, op *Operation, name string, md metadata.Metadata) error {
	return r.record("OnPut")
}

func (r *recorder) AfterPut(ctx context.Context, op *Operation, name string, size int64, md metadata.Metadata) error {
	return r.record("AfterPut")
}

func (r *recorder) OnUpload(ctx context.Context, op *Operation, name string, md metadata.Metadata, page metadata.PageRef) error {
	return r.record("OnUpload")
}

func (r *recorder) AfterUpload(ctx context.Context, op *Operation, name string, md metadata.Metadata) error {
	return r.record("AfterUpload")
}

func TestPipelineAllowPutFirstDenialWins(t *testing.T) {
	var calls []string
	p := NewPipeline()
	p.Register(&recorder{name: "a", calls: &calls})
	p.Register(&recorder{name: "b", calls: &calls, veto: Deny("no")})
	p.Register(&recorder{name: "c", calls: &calls, veto: Deny("never reached")})

	v := p.AllowPut(context.Background(), NewOperation("f"), "f", metadata.Metadata{})
	if !v.Denied || v.Reason != "no" {
		t.Errorf("AllowPut = %+v, want denial with reason %q", v, "no")
	}
	want := []string{"a.AllowPut", "b.AllowPut"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestPipelineEmptyAllows(t *testing.T) {
	p := NewPipeline()
	if v := p.AllowPut(context.Background(), NewOperation("f"), "f", nil); v.Denied {
		t.Errorf("empty pipeline denied: %+v", v)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}

func TestPipelineStopsAtFirstError(t *testing.T) {
	var calls []string
	p := NewPipeline()
	p.Register(&recorder{name: "a", calls: &calls, fail: "AfterPut"})
	p.Register(&recorder{name: "b", calls: &calls})

	ctx := context.Background()
	op := NewOperation("f")
	if err := p.OnPut(ctx, op, "f", metadata.Metadata{}); err != nil {
		t.Fatalf("OnPut: %v", err)
	}
	if err := p.AfterPut(ctx, op, "f", -1, metadata.Metadata{}); err == nil {
		t.Fatal("AfterPut should fail")
	}
	want := []string{"a.OnPut", "b.OnPut", "a.AfterPut"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestOperationState(t *testing.T) {
	op := NewOperation("docs/1")
	if op.ID == "" {
		t.Error("operation ID is empty")
	}

	op.Set("n", int64(7))
	if n, ok := op.Int64("n"); !ok || n != 7 {
		t.Errorf("Int64(n) = %d, %v; want 7, true", n, ok)
	}

	op.Set("s", "not a number")
	if _, ok := op.Int64("s"); ok {
		t.Error("Int64 on a string value should report false")
	}

	if v, ok := op.Delete("n"); !ok || v.(int64) != 7 {
		t.Errorf("Delete(n) = %v, %v", v, ok)
	}
	if _, ok := op.Get("n"); ok {
		t.Error("value still present after Delete")
	}

	op.Finish()
	if _, ok := op.Get("s"); ok {
		t.Error("Finish did not clear state")
	}
}

func TestOperationStateIsolated(t *testing.T) {
	a := NewOperation("x")
	b := NewOperation("x")
	a.Set("k", true)
	if _, ok := b.Get("k"); ok {
		t.Error("state leaked between operations on the same name")
	}
}

func TestSuppressionGuard(t *testing.T) {
	op := NewOperation("f")

	if op.Suppressed() {
		t.Fatal("new operation is suppressed")
	}

	outer := op.SuppressTriggers()
	inner := op.SuppressTriggers()
	if !op.Suppressed() {
		t.Fatal("suppression not active after SuppressTriggers")
	}

	inner.Release()
	inner.Release() // idempotent
	if !op.Suppressed() {
		t.Error("double release of inner guard ended the outer scope")
	}

	outer.Release()
	if op.Suppressed() {
		t.Error("suppression still active after all guards released")
	}

	other := NewOperation("f")
	g := op.SuppressTriggers()
	defer g.Release()
	if other.Suppressed() {
		t.Error("suppression leaked to an unrelated operation")
	}
}

func TestSuppressionReleasedOnPanic(t *testing.T) {
	op := NewOperation("f")
	func() {
		defer func() { recover() }()
		guard := op.SuppressTriggers()
		defer guard.Release()
		panic("boom")
	}()
	if op.Suppressed() {
		t.Error("suppression not released after panic")
	}
}
