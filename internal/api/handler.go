package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/reward"
	"github.com/opensource-finance/talon/internal/rules"
	"github.com/opensource-finance/talon/internal/usage"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	service *reward.Service
	tracker *usage.Tracker
	exprs   *rules.ExpressionEngine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, service *reward.Service, tracker *usage.Tracker, exprs *rules.ExpressionEngine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		service: service,
		tracker: tracker,
		exprs:   exprs,
		version: version,
	}
}

// CalculateResponse is the response for POST /calculate.
type CalculateResponse struct {
	*domain.CalculationResult
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Calculate handles POST /calculate requests. The calculation is read-only:
// it never mutates the usage ledger, so retries and what-if previews are
// safe.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var in domain.CalculationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	result, err := h.service.Calculate(ctx, tenantID, &in)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("calculation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "calculation failed",
		})
		return
	}

	resp := CalculateResponse{CalculationResult: result}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// TrackUsageRequest is the request body for POST /usage/track and
// POST /usage/decrement. Delta is the amount to apply to the rule's cap
// bucket: bonus points for bonus-point caps, counted spend for
// spend-amount caps.
type TrackUsageRequest struct {
	RuleID       string    `json:"ruleId"`
	UserID       string    `json:"userId"`
	CardID       string    `json:"cardId"`
	StatementDay int       `json:"statementDay,omitempty"`
	Date         time.Time `json:"date,omitempty"`
	Delta        float64   `json:"delta"`
}

// TrackUsage handles POST /usage/track. Callers invoke this exactly once
// after durably saving the transaction the delta belongs to.
func (h *Handler) TrackUsage(w http.ResponseWriter, r *http.Request) {
	h.applyUsage(w, r, false)
}

// DecrementUsage handles POST /usage/decrement, restoring headroom when a
// tracked transaction is edited downward or deleted.
func (h *Handler) DecrementUsage(w http.ResponseWriter, r *http.Request) {
	h.applyUsage(w, r, true)
}

func (h *Handler) applyUsage(w http.ResponseWriter, r *http.Request, reversal bool) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req TrackUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.RuleID == "" || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "ruleId and userId are required",
		})
		return
	}

	rule, err := h.repo.GetRule(ctx, tenantID, req.RuleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to load rule for usage tracking", "rule_id", req.RuleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rule",
		})
		return
	}

	date := req.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	key := domain.UsageKey{
		UserID:     req.UserID,
		TrackingID: rule.TrackingID(),
		CardID:     req.CardID,
		Period:     usage.ResolvePeriod(rule.Reward.EffectivePeriodType(), date, req.StatementDay, rule.ValidFrom),
	}

	var used float64
	if reversal {
		used, err = h.tracker.Decrement(ctx, tenantID, key, req.Delta)
	} else {
		used, err = h.tracker.Track(ctx, tenantID, key, req.Delta)
	}
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to apply usage delta",
			"tracking_id", key.TrackingID,
			"reversal", reversal,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to apply usage delta",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trackingId": key.TrackingID,
		"period":     key.Period.String(),
		"used":       used,
	})
}

// GetUsage handles GET /usage, a reporting read of cap consumption across
// the card type's rules.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	q := r.URL.Query()
	cardTypeID := q.Get("cardTypeId")
	userID := q.Get("userId")
	if cardTypeID == "" || userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "cardTypeId and userId query parameters are required",
		})
		return
	}

	statementDay := 0
	if raw := q.Get("statementDay"); raw != "" {
		day, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "statementDay must be an integer",
			})
			return
		}
		statementDay = day
	}

	caps, err := h.service.CapUsage(ctx, tenantID, cardTypeID, userID, q.Get("cardId"), statementDay)
	if err != nil {
		slog.Error("failed to read cap usage", "card_type_id", cardTypeID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to read cap usage",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"usage": caps,
		"count": len(caps),
	})
}

// RuleRequest is the request body for creating or updating a reward rule.
type RuleRequest struct {
	ID          string                 `json:"id,omitempty"`
	CardTypeID  string                 `json:"cardTypeId"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Enabled     bool                   `json:"enabled"`
	Priority    int                    `json:"priority"`
	Conditions  []domain.RuleCondition `json:"conditions,omitempty"`
	Reward      domain.RewardConfig    `json:"reward"`
	Expression  string                 `json:"expression,omitempty"`
	ValidFrom   *time.Time             `json:"validFrom,omitempty"`
	ValidUntil  *time.Time             `json:"validUntil,omitempty"`
}

func (req *RuleRequest) toRule(id, tenantID string) *domain.RewardRule {
	return &domain.RewardRule{
		ID:          id,
		TenantID:    tenantID,
		CardTypeID:  req.CardTypeID,
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
		Priority:    req.Priority,
		Conditions:  req.Conditions,
		Reward:      req.Reward,
		Expression:  req.Expression,
		ValidFrom:   req.ValidFrom,
		ValidUntil:  req.ValidUntil,
	}
}

// ListRules returns the tenant's enabled rules, optionally filtered by
// card type.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var (
		list []*domain.RewardRule
		err  error
	)
	if cardTypeID := r.URL.Query().Get("cardTypeId"); cardTypeID != "" {
		list, err = h.repo.ListRulesForCardType(ctx, tenantID, cardTypeID)
	} else {
		list, err = h.repo.ListRules(ctx, tenantID)
	}
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rule",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule creates a new reward rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	rule := req.toRule(id, tenantID)
	if err := h.validateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	h.service.InvalidateRules(ctx, tenantID, rule.CardTypeID)

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "card_type_id", rule.CardTypeID)
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule replaces an existing reward rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	existing, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rule",
		})
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule := req.toRule(ruleID, tenantID)
	rule.CreatedAt = existing.CreatedAt
	if err := h.validateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to update rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update rule",
		})
		return
	}

	h.invalidateAfterChange(ctx, tenantID, existing, rule)

	slog.Info("rule updated", "id", ruleID)
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule soft-deletes a reward rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	existing, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rule",
		})
		return
	}

	if err := h.repo.DeleteRule(ctx, tenantID, ruleID); err != nil {
		slog.Error("failed to delete rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete rule",
		})
		return
	}

	h.invalidateAfterChange(ctx, tenantID, existing, nil)

	slog.Info("rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// validateRule checks structural soundness and compiles the optional CEL
// expression before a rule is accepted.
func (h *Handler) validateRule(rule *domain.RewardRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Expression != "" && h.exprs != nil {
		if err := h.exprs.ValidateExpression(rule.Expression); err != nil {
			return err
		}
	}
	return nil
}

// invalidateAfterChange drops caches affected by a rule change: the rule
// lists for both old and new card types, cached usage buckets under the
// old tracking ID, and the compiled expression.
func (h *Handler) invalidateAfterChange(ctx context.Context, tenantID string, old, updated *domain.RewardRule) {
	h.service.InvalidateRules(ctx, tenantID, old.CardTypeID)
	if updated != nil && updated.CardTypeID != old.CardTypeID {
		h.service.InvalidateRules(ctx, tenantID, updated.CardTypeID)
	}

	if err := h.tracker.InvalidateTracking(ctx, tenantID, old.TrackingID()); err != nil {
		slog.Debug("failed to invalidate usage cache", "tracking_id", old.TrackingID(), "error", err)
	}

	if h.exprs != nil {
		h.exprs.Invalidate(old.ID)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
