package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRefreshingCachesUntilExpiry(t *testing.T) {
	var calls int32
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRefreshing(func(ctx context.Context) (string, time.Time, error) {
		n := atomic.AddInt32(&calls, 1)
		return fmt.Sprintf("tok-%d", n), now.Add(10 * time.Minute), nil
	})
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tok, err := r.Token(context.Background())
		if err != nil || tok != "tok-1" {
			t.Fatalf("expected cached tok-1, got %q %v", tok, err)
		}
	}

	now = now.Add(9*time.Minute + 45*time.Second)
	tok, _ := r.Token(context.Background())
	if tok != "tok-2" {
		t.Fatalf("expected refresh inside skew window, got %q", tok)
	}

	r.Invalidate()
	tok, _ = r.Token(context.Background())
	if tok != "tok-3" {
		t.Fatalf("expected refresh after invalidate, got %q", tok)
	}
}

func TestRefreshingSharesConcurrentRefresh(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	r := NewRefreshing(func(ctx context.Context) (string, time.Time, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", time.Time{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := r.Token(context.Background()); err != nil || tok != "shared" {
				t.Errorf("unexpected token %q %v", tok, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	if calls > 2 {
		t.Fatalf("expected refreshes to be shared, got %d calls", calls)
	}
}

func TestRefreshErrorsPropagate(t *testing.T) {
	boom := errors.New("idp down")
	r := NewRefreshing(func(ctx context.Context) (string, time.Time, error) { return "", time.Time{}, boom })
	if _, err := r.Token(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected refresh error, got %v", err)
	}
	if _, err := Static("").Token(context.Background()); err == nil {
		t.Fatalf("expected empty static token to fail")
	}
}
