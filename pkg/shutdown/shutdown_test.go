package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShutdownRunsHooksInReverseOrder(t *testing.T) {
	m := New(time.Second, nil)

	var order []string
	m.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	m.Register("second", func(context.Context) error { order = append(order, "second"); return errors.New("ignored") })
	m.Register("third", func(context.Context) error { order = append(order, "third"); return nil })

	m.Shutdown()
	m.Shutdown()

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("hooks ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("hook %d = %s, want %s", i, order[i], want[i])
		}
	}

	select {
	case <-m.Done():
	default:
		t.Error("Done channel not closed after Shutdown")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	fn := WaitFor(func() bool { return false }, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := fn(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
