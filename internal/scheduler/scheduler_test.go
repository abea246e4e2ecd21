package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoop_FIFO(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	const n = 100
	got := make([]int, 0, n)
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		i := i
		l.Schedule(func() {
			got = append(got, i)
			if i == n-1 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain within 2s")
	}

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
}

func TestLoop_NestedScheduleRunsAfter(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var order []string
	done := make(chan struct{})
	l.Schedule(func() {
		order = append(order, "outer")
		l.Schedule(func() {
			order = append(order, "inner")
			close(done)
		})
		order = append(order, "outer-end")
	})
	<-done

	if diff := cmp.Diff([]string{"outer", "outer-end", "inner"}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestLoop_CloseDrainsAndDropsLate(t *testing.T) {
	l := NewLoop()
	count := 0
	for i := 0; i < 10; i++ {
		l.Schedule(func() { count++ })
	}
	l.Close()

	if count != 10 {
		t.Errorf("count = %d after Close, want 10", count)
	}
	l.Schedule(func() { count++ })
	if count != 10 {
		t.Errorf("count = %d after late Schedule, want 10", count)
	}
}

func TestLoop_WaitRefs(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() with no refs error = %v, want nil", err)
	}

	l.Ref()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("Wait() with one ref error = nil, want deadline")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Unref()
	}()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() after Unref error = %v, want nil", err)
	}

	// Extra Unref must not underflow.
	l.Unref()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() after extra Unref error = %v, want nil", err)
	}
}

func TestManual(t *testing.T) {
	m := NewManual()
	var order []int

	m.Schedule(func() {
		order = append(order, 1)
		m.Schedule(func() { order = append(order, 3) })
	})
	m.Schedule(func() { order = append(order, 2) })

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if n := m.RunPending(); n != 2 {
		t.Errorf("RunPending() = %d, want 2", n)
	}
	if m.Len() != 1 {
		t.Errorf("Len() after RunPending = %d, want 1", m.Len())
	}
	m.RunUntilIdle()

	if diff := cmp.Diff([]int{1, 2, 3}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestDefault_Singleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different loops")
	}
}
