package clock_test

import (
	"testing"
	"time"

	"github.com/bugzero/auctiond/internal/clock"
)

func TestReal_Now(t *testing.T) {
	before := time.Now()
	got := clock.Real{}.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMock_SetAndAdvance(t *testing.T) {
	base := time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewMock(base)

	if got := clk.Now(); !got.Equal(base) {
		t.Errorf("Now() = %v, want %v", got, base)
	}

	clk.Advance(72 * time.Hour)
	if got := clk.Now(); !got.Equal(base.Add(72 * time.Hour)) {
		t.Errorf("Now() after Advance = %v, want %v", got, base.Add(72*time.Hour))
	}

	clk.Set(base)
	if got := clk.Now(); !got.Equal(base) {
		t.Errorf("Now() after Set = %v, want %v", got, base)
	}
}
