package repository

import (
	"context"
	"testing"
	"time"
)

func TestWithQueryTimeoutAddsDeadline(t *testing.T) {
	ctx, cancel := WithQueryTimeout(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline to be set")
	}
	if until := time.Until(deadline); until > DefaultQueryTimeout {
		t.Errorf("deadline too far out: %s", until)
	}
}

func TestWithQueryTimeoutRespectsShorterParent(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ctx, cancel2 := WithQueryTimeout(parent)
	defer cancel2()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline to be set")
	}
	if until := time.Until(deadline); until > time.Second {
		t.Errorf("parent deadline should win, got %s", until)
	}
}
