package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyCeiling(t *testing.T) {
	l := New(map[Category]CategoryConfig{
		CategoryData: {MaxConcurrent: 2},
	})

	var inFlight, peak int64
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Execute(context.Background(), CategoryData, func(ctx context.Context) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Execute() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestMinSpacing(t *testing.T) {
	l := New(map[Category]CategoryConfig{
		CategoryBook: {MaxConcurrent: 10, MinSpacing: 30 * time.Millisecond},
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Execute(context.Background(), CategoryBook, func(ctx context.Context) error {
			return nil
		}); err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
	}

	// First call is admitted immediately, the next two wait one gap each.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("3 calls completed in %v, want >= 60ms of spacing", elapsed)
	}
}

func TestCategoriesIndependent(t *testing.T) {
	l := New(map[Category]CategoryConfig{
		CategoryData:  {MaxConcurrent: 1},
		CategoryGamma: {MaxConcurrent: 1},
	})

	block := make(chan struct{})
	started := make(chan struct{})

	go l.Execute(context.Background(), CategoryData, func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	// A saturated data category must not delay the gamma category.
	done := make(chan error, 1)
	go func() {
		done <- l.Execute(context.Background(), CategoryGamma, func(ctx context.Context) error {
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("gamma call blocked behind saturated data category")
	}
	close(block)
}

func TestErrorPassthrough(t *testing.T) {
	l := New(DefaultConfigs())

	opErr := errors.New("upstream said no")
	err := l.Execute(context.Background(), CategoryData, func(ctx context.Context) error {
		return opErr
	})
	if !errors.Is(err, opErr) {
		t.Errorf("Execute() = %v, want operation error passed through", err)
	}
}

func TestUnknownCategory(t *testing.T) {
	l := New(DefaultConfigs())

	err := l.Execute(context.Background(), Category("bogus"), func(ctx context.Context) error {
		t.Error("operation must not run for an unknown category")
		return nil
	})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown category")
	}
}

func TestContextCancelWhileQueued(t *testing.T) {
	l := New(map[Category]CategoryConfig{
		CategoryData: {MaxConcurrent: 1},
	})

	block := make(chan struct{})
	started := make(chan struct{})
	go l.Execute(context.Background(), CategoryData, func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Execute(ctx, CategoryData, func(ctx context.Context) error {
		t.Error("operation must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() = %v, want context deadline error", err)
	}
}

func TestExecuteValue(t *testing.T) {
	l := New(DefaultConfigs())

	v, err := ExecuteValue(context.Background(), l, CategoryGamma, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("ExecuteValue() error: %v", err)
	}
	if v != 42 {
		t.Errorf("ExecuteValue() = %d, want 42", v)
	}
}
