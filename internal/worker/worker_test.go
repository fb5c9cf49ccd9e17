package worker

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/cache"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/usage"
)

func floatPtr(f float64) *float64 { return &f }

func setupWorker(t *testing.T, tenantID string) (*Worker, domain.EventBus, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "talon-worker-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	tracker := usage.NewTracker(repo, cache.NewLRUCache(100), nil)

	w := NewWorker(eventBus, repo, tracker)
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	return w, eventBus, repo
}

func waitForUsage(t *testing.T, repo domain.Repository, tenantID string, key domain.UsageKey, want float64) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		used, err := repo.GetUsage(context.Background(), tenantID, key)
		if err != nil {
			t.Fatalf("GetUsage failed: %v", err)
		}
		if used == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	used, _ := repo.GetUsage(context.Background(), tenantID, key)
	t.Fatalf("timeout waiting for usage %v, last seen %v", want, used)
}

func TestWorkerTracksCommittedAndReversed(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	_, eventBus, repo := setupWorker(t, tenantID)

	rule := &domain.RewardRule{
		ID:         "rule-cap",
		CardTypeID: "card-gold",
		Name:       "capped bonus",
		Enabled:    true,
		Reward: domain.RewardConfig{
			CalculationMethod: domain.MethodStandard,
			BaseMultiplier:    1,
			BonusMultiplier:   1,
			MonthlyCap:        floatPtr(1000),
		},
	}
	if err := repo.SaveRule(ctx, tenantID, rule); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	date := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	event := UsageEvent{
		TxID:   "tx-001",
		RuleID: rule.ID,
		UserID: "user-001",
		CardID: "card-001",
		Date:   date,
		Delta:  120,
	}
	payload, _ := json.Marshal(event)

	key := domain.UsageKey{
		UserID:     "user-001",
		TrackingID: rule.TrackingID(),
		CardID:     "card-001",
		Period:     usage.ResolvePeriod(domain.PeriodCalendar, date, 0, nil),
	}

	if err := eventBus.Publish(ctx, tenantID, domain.TopicTransactionCommitted, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitForUsage(t, repo, tenantID, key, 120)

	// Reversal restores the headroom.
	event.TxID = "tx-001-reversal"
	event.Delta = 50
	payload, _ = json.Marshal(event)
	if err := eventBus.Publish(ctx, tenantID, domain.TopicTransactionReversed, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitForUsage(t, repo, tenantID, key, 70)
}

func TestWorkerSkipsUnknownAndUncappedRules(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	_, eventBus, repo := setupWorker(t, tenantID)

	uncapped := &domain.RewardRule{
		ID:         "rule-uncapped",
		CardTypeID: "card-gold",
		Name:       "uncapped earn",
		Enabled:    true,
		Reward: domain.RewardConfig{
			CalculationMethod: domain.MethodStandard,
			BaseMultiplier:    1,
			BonusMultiplier:   1,
		},
	}
	if err := repo.SaveRule(ctx, tenantID, uncapped); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	date := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	for _, ruleID := range []string{"no-such-rule", uncapped.ID} {
		event := UsageEvent{
			TxID:   "tx-" + ruleID,
			RuleID: ruleID,
			UserID: "user-001",
			CardID: "card-001",
			Date:   date,
			Delta:  99,
		}
		payload, _ := json.Marshal(event)
		if err := eventBus.Publish(ctx, tenantID, domain.TopicTransactionCommitted, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	key := domain.UsageKey{
		UserID:     "user-001",
		TrackingID: uncapped.TrackingID(),
		CardID:     "card-001",
		Period:     usage.ResolvePeriod(domain.PeriodCalendar, date, 0, nil),
	}
	used, err := repo.GetUsage(ctx, tenantID, key)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if used != 0 {
		t.Errorf("expected no tracking for uncapped rule, got %v", used)
	}
}

func TestWorkerStats(t *testing.T) {
	w, _, _ := setupWorker(t, "tenant-001")

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}
	if len(stats.Topics) != 2 {
		t.Errorf("expected 2 topics, got %v", stats.Topics)
	}
}
