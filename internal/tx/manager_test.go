package tx

import (
	"context"
	"testing"
)

func TestOnCommit_RunsImmediatelyOutsideTransaction(t *testing.T) {
	ran := false
	OnCommit(context.Background(), func() { ran = true })
	if !ran {
		t.Fatal("hook outside a transaction must run at once")
	}
}

func TestOnCommit_DeferredUntilCommit(t *testing.T) {
	var hooks []func()
	ctx := context.WithValue(context.Background(), commitHooksKey{}, &hooks)

	ran := false
	OnCommit(ctx, func() { ran = true })
	if ran {
		t.Fatal("hook ran before commit")
	}
	if len(hooks) != 1 {
		t.Fatalf("expected 1 registered hook, got %d", len(hooks))
	}

	for _, h := range hooks {
		h()
	}
	if !ran {
		t.Fatal("registered hook did not run on commit")
	}
}
