package serve

import (
	"context"
	"testing"
	"time"

	"github.com/foresight/foresight/pkg/types"
)

func TestMemoryCache_TTLWindow(t *testing.T) {
	cache := NewMemoryCache(3600*time.Second, time.Hour)
	defer cache.Stop()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	cache.nowFn = func() time.Time { return now }

	ctx := context.Background()
	result := &types.PredictionResult{Prediction: 42, ModelVersion: 1}
	cache.Set(ctx, "sales:abc", result)

	// Inside the TTL the entry is served
	now = t0.Add(3000 * time.Second)
	got, ok := cache.Get(ctx, "sales:abc")
	if !ok {
		t.Fatal("expected hit at t=3000s")
	}
	if got.Prediction != 42 || got.ModelVersion != 1 {
		t.Errorf("got %+v", got)
	}

	// Past the TTL it counts as a miss
	now = t0.Add(3700 * time.Second)
	if _, ok := cache.Get(ctx, "sales:abc"); ok {
		t.Fatal("expected miss at t=3700s")
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Evictions != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryCache_MissUnknownKey(t *testing.T) {
	cache := NewMemoryCache(time.Hour, time.Hour)
	defer cache.Stop()

	if _, ok := cache.Get(context.Background(), "nope"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestMemoryCache_LastWriteWins(t *testing.T) {
	cache := NewMemoryCache(time.Hour, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	cache.Set(ctx, "k", &types.PredictionResult{Prediction: 1})
	cache.Set(ctx, "k", &types.PredictionResult{Prediction: 2})

	got, ok := cache.Get(ctx, "k")
	if !ok || got.Prediction != 2 {
		t.Errorf("expected last write, got %+v (ok=%v)", got, ok)
	}
}

func TestMemoryCache_SweepRemovesExpired(t *testing.T) {
	cache := NewMemoryCache(time.Second, time.Hour)
	defer cache.Stop()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	cache.nowFn = func() time.Time { return now }

	ctx := context.Background()
	cache.Set(ctx, "a", &types.PredictionResult{Prediction: 1})
	cache.Set(ctx, "b", &types.PredictionResult{Prediction: 2})

	now = t0.Add(time.Minute)
	cache.sweep()

	stats := cache.Stats()
	if stats.Entries != 0 {
		t.Errorf("entries = %d, want 0 after sweep", stats.Entries)
	}
	if stats.Evictions != 2 {
		t.Errorf("evictions = %d, want 2", stats.Evictions)
	}
}

func TestMemoryCache_GetReturnsCopy(t *testing.T) {
	cache := NewMemoryCache(time.Hour, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	cache.Set(ctx, "k", &types.PredictionResult{Prediction: 1})

	first, _ := cache.Get(ctx, "k")
	first.Prediction = 99

	second, _ := cache.Get(ctx, "k")
	if second.Prediction != 1 {
		t.Error("cached entry must not be mutable through returned pointers")
	}
}
