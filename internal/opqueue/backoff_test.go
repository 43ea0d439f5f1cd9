package opqueue

import (
	"strings"
	"testing"
	"time"

	"ledger-opqueue/internal/models"
)

func TestBackoff_Delay(t *testing.T) {
	b := NewBackoff(Config{InitialDelay: time.Second, MaxDelay: 300 * time.Second, BackoffMultiplier: 2})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second}, // clamped to attempt 1
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{8, 128 * time.Second},
		{9, 256 * time.Second},
		{10, 300 * time.Second},
		{5000, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_CustomMultiplier(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Minute, Multiplier: 3}
	if got := b.Delay(3); got != 900*time.Millisecond {
		t.Fatalf("Delay(3) = %v, want 900ms", got)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg != DefaultConfig() {
		t.Fatalf("zero config = %+v, want %+v", cfg, DefaultConfig())
	}
	def := DefaultConfig()
	if def.MaxAttempts != 5 || def.InitialDelay != time.Second || def.MaxDelay != 5*time.Minute ||
		def.BackoffMultiplier != 2 || def.ProcessingTimeout != 60*time.Second {
		t.Fatalf("unexpected defaults %+v", def)
	}
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey(models.KindMint, map[string]any{
		"batchId": "B1",
		"meta":    map[string]any{"x": 1, "y": []any{"a", "b"}},
	})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKey(models.KindMint, map[string]any{
		"meta":    map[string]any{"y": []any{"a", "b"}, "x": 1.0},
		"batchId": "B1",
	})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a != b {
		t.Fatalf("same content derived different keys: %s vs %s", a, b)
	}

	c, _ := DeriveKey(models.KindUpdateBatch, map[string]any{"batchId": "B1", "meta": map[string]any{"x": 1, "y": []any{"a", "b"}}})
	d, _ := DeriveKey(models.KindMint, map[string]any{"batchId": "B2", "meta": map[string]any{"x": 1, "y": []any{"a", "b"}}})
	if a == c || a == d {
		t.Fatalf("different kind or payload must derive different keys")
	}
	if !strings.HasPrefix(a, "MINT:") || len(a) != len("MINT:")+64 {
		t.Fatalf("unexpected key format %q", a)
	}
}
