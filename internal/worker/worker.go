// Package worker provides async usage tracking for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/usage"
)

// Worker applies usage ledger updates from transaction lifecycle events.
// Committed transactions increment the cap bucket, reversed transactions
// decrement it, so the ledger follows the caller's durable state without
// coupling the calculation path to tracking latency.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	tracker *usage.Tracker

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string
}

// NewWorker creates a new async usage worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, tracker *usage.Tracker) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		repo:    repo,
		tracker: tracker,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return fmt.Errorf("at least one tenant is required")
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("usage workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	committed, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionCommitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processEvent(ctx, tenantID, msg, false)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, committed)

	reversed, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionReversed, func(ctx context.Context, msg *domain.Message) error {
		return w.processEvent(ctx, tenantID, msg, true)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, reversed)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topics", []string{domain.TopicTransactionCommitted, domain.TopicTransactionReversed},
	)

	return nil
}

// UsageEvent is the payload for committed and reversed transaction events.
// Delta is the amount to apply to the rule's cap bucket: bonus points for
// bonus-point caps, the counted spend for spend-amount caps.
type UsageEvent struct {
	TxID         string    `json:"txId"`
	TenantID     string    `json:"tenantId"`
	RuleID       string    `json:"ruleId"`
	UserID       string    `json:"userId"`
	CardID       string    `json:"cardId"`
	StatementDay int       `json:"statementDay,omitempty"`
	Date         time.Time `json:"date"`
	Delta        float64   `json:"delta"`
}

// processEvent applies one lifecycle event to the usage ledger.
func (w *Worker) processEvent(ctx context.Context, tenantID string, msg *domain.Message, reversal bool) error {
	start := time.Now()

	var event UsageEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse usage event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if event.TenantID != "" {
		tenantID = event.TenantID
	}

	rule, err := w.repo.GetRule(ctx, tenantID, event.RuleID)
	if errors.Is(err, repository.ErrNotFound) {
		// Rule deleted after the transaction was saved; nothing to track.
		slog.Debug("skipping usage event for unknown rule",
			"tx_id", event.TxID,
			"rule_id", event.RuleID,
		)
		return nil
	}
	if err != nil {
		slog.Error("failed to load rule for usage event",
			"tx_id", event.TxID,
			"rule_id", event.RuleID,
			"error", err,
		)
		return err
	}

	if rule.Reward.MonthlyCap == nil {
		return nil
	}

	date := event.Date
	if date.IsZero() {
		date = time.Unix(0, msg.Timestamp).UTC()
	}

	key := domain.UsageKey{
		UserID:     event.UserID,
		TrackingID: rule.TrackingID(),
		CardID:     event.CardID,
		Period:     usage.ResolvePeriod(rule.Reward.EffectivePeriodType(), date, event.StatementDay, rule.ValidFrom),
	}

	var used float64
	if reversal {
		used, err = w.tracker.Decrement(ctx, tenantID, key, event.Delta)
	} else {
		used, err = w.tracker.Track(ctx, tenantID, key, event.Delta)
	}
	if err != nil {
		slog.Error("failed to apply usage event",
			"tx_id", event.TxID,
			"tracking_id", key.TrackingID,
			"reversal", reversal,
			"error", err,
		)
		return err
	}

	slog.Info("usage event applied",
		"tx_id", event.TxID,
		"tenant_id", tenantID,
		"tracking_id", key.TrackingID,
		"reversal", reversal,
		"used", used,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("usage workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
