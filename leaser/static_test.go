package leaser

import (
	"context"
	"testing"
)

func TestStaticLeaser_AcquireWhenPrimary(t *testing.T) {
	l := NewStaticLeaser(true)
	lease, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := lease.Renew(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := lease.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStaticLeaser_AcquireWhenNotPrimary(t *testing.T) {
	l := NewStaticLeaser(false)
	if _, err := l.Acquire(context.Background()); err != ErrLeaseHeld {
		t.Fatalf("got %v, want ErrLeaseHeld", err)
	}
}
