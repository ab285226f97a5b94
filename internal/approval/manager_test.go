package approval

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApproved(t *testing.T) {
	m := NewManager()
	m.Register("exec-1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := m.Resolve("exec-1", true); err != nil {
			t.Errorf("resolve failed: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	approved, err := m.Wait(ctx, "exec-1")
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !approved {
		t.Fatal("expected approved=true")
	}
	if len(m.Pending()) != 0 {
		t.Fatalf("expected no pending waiters, got %v", m.Pending())
	}
}

func TestRejected(t *testing.T) {
	m := NewManager()
	m.Register("exec-2")

	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := m.Resolve("exec-2", false); err != nil {
			t.Errorf("resolve failed: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	approved, err := m.Wait(ctx, "exec-2")
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if approved {
		t.Fatal("expected approved=false")
	}
}

func TestResolveBeforeWait(t *testing.T) {
	m := NewManager()
	m.Register("exec-3")
	if err := m.Resolve("exec-3", true); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	approved, err := m.Wait(context.Background(), "exec-3")
	if err != nil || !approved {
		t.Fatalf("expected buffered approval, got %v %v", approved, err)
	}
}

func TestTimeoutKeepsWaiter(t *testing.T) {
	m := NewManager()
	m.Register("exec-4")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	approved, err := m.Wait(ctx, "exec-4")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if approved {
		t.Fatal("expected approved=false on timeout")
	}
	// The execution is still pending; a later caller can wait again.
	if got := m.Pending(); len(got) != 1 || got[0] != "exec-4" {
		t.Fatalf("expected exec-4 still pending, got %v", got)
	}
	m.Forget("exec-4")
	if len(m.Pending()) != 0 {
		t.Fatal("expected waiter removed")
	}
}

func TestResolveNonexistent(t *testing.T) {
	m := NewManager()
	if err := m.Resolve("nonexistent", true); !errors.Is(err, ErrNoPending) {
		t.Fatalf("expected ErrNoPending, got %v", err)
	}
	if _, err := m.Wait(context.Background(), "nonexistent"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("expected ErrNoPending, got %v", err)
	}
}
