// Package service holds the messaging use cases for the legacy thread
// model and the symmetric conversation model.
package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
	"github.com/fathima-sithara/marketplace-messaging/internal/billing"
	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
	"github.com/fathima-sithara/marketplace-messaging/internal/fanout"
	"github.com/fathima-sithara/marketplace-messaging/internal/push"
	"github.com/fathima-sithara/marketplace-messaging/internal/repository"
	"github.com/fathima-sithara/marketplace-messaging/internal/utils"
)

// Publisher is satisfied by *broadcast.Broadcaster.
type Publisher interface {
	Dispatch(ctx context.Context, ev fanout.Event)
}

// Notifier is satisfied by *push.Notifier.
type Notifier interface {
	Notify(ctx context.Context, userID string, n push.Notification)
}

// Exchange is the capability both thread models share: read a merged
// history and post into it. key is a seed message id for legacy threads
// and a conversation id for conversations.
type Exchange interface {
	Timeline(ctx context.Context, caller auth.Identity, key string) ([]domain.TimelineItem, error)
	Post(ctx context.Context, caller auth.Identity, key, body string) (domain.TimelineItem, error)
}

const previewRunes = 120

// Entitlements gates messaging on plan tier.
type Entitlements struct {
	plans billing.Provider
}

func NewEntitlements(plans billing.Provider) *Entitlements {
	return &Entitlements{plans: plans}
}

// RequireMessaging fails closed: a lookup error is reported as
// unavailable, never as allowed.
func (e *Entitlements) RequireMessaging(ctx context.Context, userID string) error {
	tier, err := e.plans.PlanTier(ctx, userID)
	if err != nil {
		return apperr.Unavailable("plan lookup failed", err)
	}
	if !tier.CanMessage() {
		return apperr.Forbidden("messaging requires a pro or business plan")
	}
	return nil
}

func cleanBody(body string) (string, error) {
	b := strings.TrimSpace(body)
	switch {
	case b == "" || b == domain.PlaceholderBody:
		return "", apperr.InvalidArgument("body is required")
	case utf8.RuneCountInString(b) > domain.MaxBodyRunes:
		return "", apperr.InvalidArgument("body exceeds 5000 characters")
	}
	return b, nil
}

func preview(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= previewRunes {
		return body
	}
	r := []rune(body)
	return string(r[:previewRunes-1]) + "…"
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validate(v any) error {
	if errs := utils.ValidateStruct(v); errs != nil {
		return apperr.InvalidArgument(utils.Summary(errs))
	}
	return nil
}

// storeErr maps repository errors on the primary path.
func storeErr(err error, entity string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(entity)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(err)
}
