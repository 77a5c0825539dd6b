package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/observability"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/redis"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/subscription"
	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	ReasonSubscription = "subscription"
	ReasonVerification = "verification"
)

type SubscriptionChecker interface {
	CheckAccess(ctx context.Context, userID string, visibility models.Visibility) (*subscription.AccessResult, error)
}

type AccessPolicy struct {
	// FailOpen continues past a failed subscription check instead of
	// returning the error.
	FailOpen bool
	CacheTTL time.Duration
}

type AccessDecision struct {
	CanAccess    bool   `json:"canAccess"`
	Reason       string `json:"reason,omitempty"`
	RequiredTier string `json:"requiredTier,omitempty"`
}

// Err is nil for an allowed decision and an *AccessDeniedError otherwise.
func (d AccessDecision) Err() error {
	if d.CanAccess {
		return nil
	}
	return &pkgerrors.AccessDeniedError{Reason: d.Reason, RequiredTier: d.RequiredTier}
}

type AccessGate interface {
	Check(ctx context.Context, listing *models.Listing, user *models.User) (AccessDecision, error)
}

type accessGate struct {
	checker SubscriptionChecker
	cache   redis.RedisClient
	policy  AccessPolicy
}

// NewAccessGate builds the gate. cache may be nil.
func NewAccessGate(checker SubscriptionChecker, cache redis.RedisClient, policy AccessPolicy) *accessGate {
	return &accessGate{checker: checker, cache: cache, policy: policy}
}

func accessCacheKey(userID string, v models.Visibility) string {
	return fmt.Sprintf("access:%s:%s", userID, v)
}

func (g *accessGate) Check(ctx context.Context, listing *models.Listing, user *models.User) (AccessDecision, error) {
	tracer := otel.Tracer("access-gate")
	ctx, span := tracer.Start(ctx, "Check")
	defer span.End()

	if listing == nil || user == nil {
		span.SetStatus(codes.Error, "missing listing or user")
		return AccessDecision{}, pkgerrors.ErrInvalidInput
	}
	span.SetAttributes(
		attribute.String("listing_id", listing.ID),
		attribute.String("user_id", user.ID),
		attribute.String("visibility", string(listing.Visibility)),
	)

	paid := listing.RequiresPayment()

	if paid && user.SubscriptionTier != models.TierPlus {
		return g.deny(ReasonSubscription, string(models.TierPlus)), nil
	}

	res, err := g.checkAccess(ctx, user.ID, listing.Visibility)
	switch {
	case err != nil && g.policy.FailOpen:
		observability.AccessCheckFailures.Inc()
		span.RecordError(err)
		slog.Warn("subscription check failed, continuing",
			"user_id", user.ID,
			"visibility", listing.Visibility,
			"error", err)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscription check failed")
		slog.Error("subscription check failed", "user_id", user.ID, "error", err)
		if !stderrors.Is(err, pkgerrors.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", pkgerrors.ErrUpstreamUnavailable, err)
		}
		return AccessDecision{}, err
	case !res.CanAccess:
		tier := res.RequiredTier
		if tier == "" {
			tier = string(models.TierPlus)
		}
		return g.deny(ReasonSubscription, tier), nil
	}

	if (paid || listing.Visibility == models.VisibilityTown) && !user.IsVerified {
		return g.deny(ReasonVerification, ""), nil
	}

	observability.AccessDecisions.WithLabelValues("allowed").Inc()
	return AccessDecision{CanAccess: true}, nil
}

func (g *accessGate) deny(reason, tier string) AccessDecision {
	observability.AccessDecisions.WithLabelValues(reason).Inc()
	return AccessDecision{Reason: reason, RequiredTier: tier}
}

// checkAccess consults the cache before the subscription service. Only
// grants are cached so an upgrade takes effect on the next request. Cache
// failures are logged and ignored.
func (g *accessGate) checkAccess(ctx context.Context, userID string, v models.Visibility) (*subscription.AccessResult, error) {
	key := accessCacheKey(userID, v)
	if g.cache != nil {
		val, err := g.cache.Get(ctx, key)
		if err == nil {
			var res subscription.AccessResult
			if err := json.Unmarshal([]byte(val), &res); err == nil {
				return &res, nil
			}
		} else if !stderrors.Is(err, redis.ErrKeyNotFound) {
			slog.Warn("failed to read access cache", "key", key, "error", err)
		}
	}

	res, err := g.checker.CheckAccess(ctx, userID, v)
	if err != nil {
		return nil, err
	}

	if g.cache != nil && g.policy.CacheTTL > 0 && res.CanAccess {
		if data, err := json.Marshal(res); err == nil {
			if err := g.cache.Set(ctx, key, string(data), g.policy.CacheTTL); err != nil {
				slog.Warn("failed to write access cache", "key", key, "error", err)
			}
		}
	}
	return res, nil
}
