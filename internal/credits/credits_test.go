package credits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeSource struct {
	credits int
	err     error
	calls   int
}

func (f *fakeSource) Credits(context.Context, string) (int, error) {
	f.calls++
	return f.credits, f.err
}

func TestTrackerStartsLoading(t *testing.T) {
	tr := NewTracker(&fakeSource{credits: 40}, "u1")
	if b := tr.Current(); b.State != Loading {
		t.Fatalf("initial state = %s; want loading", b.State)
	}
	if tr.CanAfford(0) {
		t.Fatalf("CanAfford must be false while loading")
	}
}

func TestTrackerRefresh(t *testing.T) {
	src := &fakeSource{credits: 40}
	tr := NewTracker(src, "u1")

	b := tr.Refresh(context.Background())
	if b.State != Ready || b.Credits != 40 {
		t.Fatalf("after refresh = %+v", b)
	}
	if !tr.CanAfford(40) || tr.CanAfford(41) {
		t.Fatalf("CanAfford disagrees with balance 40")
	}

	src.err = errors.New("backend down")
	b = tr.Refresh(context.Background())
	if b.State != Failed || b.Err == nil || b.Credits != 0 {
		t.Fatalf("after failed refresh = %+v", b)
	}
	if tr.CanAfford(0) {
		t.Fatalf("CanAfford must be false after a failure")
	}
}

func TestOptimisticDeduct(t *testing.T) {
	cases := []struct {
		name          string
		start, deduct int
		want          int
	}{
		{"normal", 40, 15, 25},
		{"exact", 20, 20, 0},
		{"floors at zero", 10, 25, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr := NewTracker(&fakeSource{credits: c.start}, "u1")
			tr.Refresh(context.Background())
			if got := tr.OptimisticDeduct(c.deduct); got.Credits != c.want || got.State != Ready {
				t.Fatalf("OptimisticDeduct = %+v; want %d", got, c.want)
			}
		})
	}

	t.Run("ignored while loading", func(t *testing.T) {
		tr := NewTracker(&fakeSource{credits: 40}, "u1")
		if got := tr.OptimisticDeduct(5); got.State != Loading || got.Credits != 0 {
			t.Fatalf("OptimisticDeduct while loading = %+v", got)
		}
	})
}

func TestRedisCacheFallsBackToSource(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	src := &fakeSource{credits: 75}
	cache := NewRedisCache(client, src, time.Minute)
	got, err := cache.Credits(context.Background(), "u1")
	if err != nil || got != 75 {
		t.Fatalf("Credits = %d, %v; want 75 from the source", got, err)
	}
	cache.Invalidate(context.Background(), "u1")

	src.err = errors.New("db down")
	if _, err := cache.Credits(context.Background(), "u1"); err == nil {
		t.Fatalf("expected source error to surface")
	}
}
