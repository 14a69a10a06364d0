package alerts

import (
	"context"
	"testing"
	"time"

	"xrplalerts/internal/models"
)

func TestCachedConfigSourceMemoizes(t *testing.T) {
	src := &staticSource{configs: []models.AlertConfig{saleConfig(nil)}}
	cached := NewCachedConfigSource(src, time.Minute)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		configs, err := cached.ListCandidateAlertConfigs(ctx, models.ActivitySale, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(configs) != 1 {
			t.Fatalf("got %d configs, want 1", len(configs))
		}
	}
	if src.calls != 1 {
		t.Errorf("source queried %d times, want 1", src.calls)
	}
}

func TestCachedConfigSourceKeysByCollection(t *testing.T) {
	src := &staticSource{}
	cached := NewCachedConfigSource(src, time.Minute)

	ctx := context.Background()
	cached.ListCandidateAlertConfigs(ctx, models.ActivitySale, nil)
	cached.ListCandidateAlertConfigs(ctx, models.ActivitySale, i64(1))
	cached.ListCandidateAlertConfigs(ctx, models.ActivityMint, i64(1))

	if src.calls != 3 {
		t.Errorf("source queried %d times, want 3 distinct keys", src.calls)
	}
}

func TestCachedConfigSourceInvalidate(t *testing.T) {
	src := &staticSource{}
	cached := NewCachedConfigSource(src, time.Minute)

	ctx := context.Background()
	cached.ListCandidateAlertConfigs(ctx, models.ActivitySale, nil)
	cached.Invalidate()
	cached.ListCandidateAlertConfigs(ctx, models.ActivitySale, nil)

	if src.calls != 2 {
		t.Errorf("source queried %d times, want requery after Invalidate", src.calls)
	}
}
