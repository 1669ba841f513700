package services

import (
	"context"
	"testing"
	"time"

	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/internal/store"
)

func newTestTracker(t *testing.T) (*QuotaTracker, *store.Memory, *time.Time) {
	t.Helper()
	mem := store.NewMemory()
	tracker := NewQuotaTracker(mem)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return current }
	return tracker, mem, &current
}

func TestQuotaFirstUseCreatesRecord(t *testing.T) {
	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()

	d, err := tracker.CheckAndDecrement(ctx, "key-1", models.RoleStandard)
	if err != nil {
		t.Fatalf("CheckAndDecrement: %v", err)
	}
	if !d.Allowed {
		t.Error("first request should be allowed")
	}
	if d.Remaining != 999 {
		t.Errorf("Remaining = %d, want 999", d.Remaining)
	}
	if want := clock.Add(time.Hour); !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestQuotaAdminTier(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	d, err := tracker.CheckAndDecrement(context.Background(), "key-adm", models.RoleAdmin)
	if err != nil {
		t.Fatalf("CheckAndDecrement: %v", err)
	}
	if d.Remaining != 4999 {
		t.Errorf("Remaining = %d, want 4999", d.Remaining)
	}
}

func TestQuotaHourlyRefill(t *testing.T) {
	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.CheckAndDecrement(ctx, "key-1", models.RoleStandard); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.CheckAndDecrement(ctx, "key-1", models.RoleStandard); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(61 * time.Minute)
	d, err := tracker.CheckAndDecrement(ctx, "key-1", models.RoleStandard)
	if err != nil {
		t.Fatal(err)
	}
	if d.Remaining != 999 {
		t.Errorf("Remaining after refill = %d, want 999 (full refill, no carry-over)", d.Remaining)
	}
	if want := clock.Add(time.Hour); !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestQuotaExhaustionClampsAtZero(t *testing.T) {
	tracker, mem, clock := newTestTracker(t)
	ctx := context.Background()

	err := mem.MutateQuota(ctx, "key-1", func(rec *models.QuotaRecord, found bool) error {
		rec.TokensPerHour = 1000
		rec.TokensPerDay = 10000
		rec.TokensRemaining = 1
		rec.HourlyResetAt = clock.Add(30 * time.Minute)
		rec.DailyResetAt = clock.Add(12 * time.Hour)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	d, err := tracker.CheckAndDecrement(ctx, "key-1", models.RoleStandard)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Remaining != 0 {
		t.Errorf("last token: allowed = %v remaining = %d, want true 0", d.Allowed, d.Remaining)
	}

	for i := 0; i < 3; i++ {
		d, err = tracker.CheckAndDecrement(ctx, "key-1", models.RoleStandard)
		if err != nil {
			t.Fatal(err)
		}
		if d.Allowed {
			t.Fatal("exhausted credential was admitted")
		}
		if d.Remaining != 0 {
			t.Errorf("Remaining = %d, want 0 (never negative)", d.Remaining)
		}
	}

	rec, err := tracker.GetQuotaStatus(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TokensRemaining != 0 {
		t.Errorf("stored TokensRemaining = %d, want 0", rec.TokensRemaining)
	}
}

func TestQuotaDailyCeilingCapsRefill(t *testing.T) {
	tracker, mem, clock := newTestTracker(t)
	ctx := context.Background()

	// A record whose daily ceiling is below its hourly refill: the refill is
	// capped when the daily window rolls over.
	err := mem.MutateQuota(ctx, "key-1", func(rec *models.QuotaRecord, found bool) error {
		rec.TokensPerHour = 100
		rec.TokensPerDay = 50
		rec.TokensRemaining = 0
		rec.HourlyResetAt = clock.Add(-time.Minute)
		rec.DailyResetAt = clock.Add(-time.Minute)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	d, err := tracker.CheckAndDecrement(ctx, "key-1", models.RoleStandard)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("refilled credential should be admitted")
	}
	if d.Remaining != 49 {
		t.Errorf("Remaining = %d, want 49 (hourly refill capped by daily ceiling)", d.Remaining)
	}
}

func TestQuotaStatusDoesNotRefill(t *testing.T) {
	tracker, mem, clock := newTestTracker(t)
	ctx := context.Background()

	err := mem.MutateQuota(ctx, "key-1", func(rec *models.QuotaRecord, found bool) error {
		rec.TokensPerHour = 1000
		rec.TokensPerDay = 10000
		rec.TokensRemaining = 0
		rec.HourlyResetAt = clock.Add(-time.Hour)
		rec.DailyResetAt = clock.Add(12 * time.Hour)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The reset instant has long passed, but a status read reports the stored
	// record verbatim.
	rec, err := tracker.GetQuotaStatus(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TokensRemaining != 0 {
		t.Errorf("TokensRemaining = %d, want 0 (refill is lazy)", rec.TokensRemaining)
	}

	// The next admission check observes the refill.
	d, err := tracker.CheckAndDecrement(ctx, "key-1", models.RoleStandard)
	if err != nil {
		t.Fatal(err)
	}
	if d.Remaining != 999 {
		t.Errorf("Remaining = %d, want 999", d.Remaining)
	}
}

func TestQuotaStatusUnknownKey(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	rec, err := tracker.GetQuotaStatus(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Errorf("rec = %+v, want nil", rec)
	}
}
