// Package persistence contains the Firestore adapter for per-user
// notification preferences, quiet-hours windows, and device tokens.
package persistence

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const (
	preferencesCollection = "user-preferences"
	tokensCollection      = "device-tokens"
)

// preferencesDoc is the stored shape of one user's notification policy.
// A missing document means everything is enabled and no quiet hours apply.
type preferencesDoc struct {
	DisabledTypes []string      `firestore:"disabled_types"`
	QuietHours    quietHoursDoc `firestore:"quiet_hours"`
}

type quietHoursDoc struct {
	Enabled  bool   `firestore:"enabled"`
	Start    string `firestore:"start"`    // "22:00", user-local
	End      string `firestore:"end"`      // "07:00", user-local
	Timezone string `firestore:"timezone"` // IANA name, defaults to UTC
}

type tokenDoc struct {
	Token    string `firestore:"token"`
	Platform string `firestore:"platform"`
	IsActive bool   `firestore:"is_active"`
}

// FirestoreGateway implements presence.PreferencesGateway on Firestore.
type FirestoreGateway struct {
	client *firestore.Client
	logger zerolog.Logger
}

// NewFirestoreGateway is the constructor for the Firestore preferences adapter.
func NewFirestoreGateway(client *firestore.Client, logger zerolog.Logger) (*FirestoreGateway, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	return &FirestoreGateway{
		client: client,
		logger: logger.With().Str("component", "preferences").Logger(),
	}, nil
}

func (g *FirestoreGateway) load(ctx context.Context, userID string) (preferencesDoc, error) {
	var doc preferencesDoc
	snap, err := g.client.Collection(preferencesCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("load preferences for %s: %w", userID, err)
	}
	if err := snap.DataTo(&doc); err != nil {
		return doc, fmt.Errorf("decode preferences for %s: %w", userID, err)
	}
	return doc, nil
}

// IsNotificationTypeEnabled reports whether the user accepts this template.
// Users without a preferences document accept everything.
func (g *FirestoreGateway) IsNotificationTypeEnabled(ctx context.Context, userID, templateID string) (bool, error) {
	doc, err := g.load(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, disabled := range doc.DisabledTypes {
		if disabled == templateID {
			return false, nil
		}
	}
	return true, nil
}

// IsInQuietHours reports whether the instant falls inside the user's
// quiet-hours window, evaluated in the user's timezone.
func (g *FirestoreGateway) IsInQuietHours(ctx context.Context, userID string, at time.Time) (bool, error) {
	doc, err := g.load(ctx, userID)
	if err != nil {
		return false, err
	}
	in, _, err := evaluateQuietWindow(doc.QuietHours, at)
	return in, err
}

// QuietHoursEnd reports when the current quiet-hours window closes. Only
// meaningful while IsInQuietHours is true at the same instant.
func (g *FirestoreGateway) QuietHoursEnd(ctx context.Context, userID string, at time.Time) (time.Time, error) {
	doc, err := g.load(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	_, end, err := evaluateQuietWindow(doc.QuietHours, at)
	return end, err
}

// GetUserDeviceTokens returns every registered device for the user, active or
// not; the caller filters on IsActive.
func (g *FirestoreGateway) GetUserDeviceTokens(ctx context.Context, userID string) ([]presence.DeviceToken, error) {
	snaps, err := g.client.Collection(preferencesCollection).Doc(userID).Collection(tokensCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("load device tokens for %s: %w", userID, err)
	}

	tokens := make([]presence.DeviceToken, 0, len(snaps))
	for _, snap := range snaps {
		var doc tokenDoc
		if err := snap.DataTo(&doc); err != nil {
			g.logger.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping malformed device token document.")
			continue
		}
		tokens = append(tokens, presence.DeviceToken{Token: doc.Token, Platform: doc.Platform, IsActive: doc.IsActive})
	}
	return tokens, nil
}

// evaluateQuietWindow decides whether at falls in the window and, when it
// does, when the window ends. Windows may cross midnight ("22:00"-"07:00").
func evaluateQuietWindow(qh quietHoursDoc, at time.Time) (bool, time.Time, error) {
	if !qh.Enabled {
		return false, time.Time{}, nil
	}

	loc := time.UTC
	if qh.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(qh.Timezone)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("quiet hours timezone %q: %w", qh.Timezone, err)
		}
	}

	start, err := parseClock(qh.Start)
	if err != nil {
		return false, time.Time{}, err
	}
	end, err := parseClock(qh.End)
	if err != nil {
		return false, time.Time{}, err
	}
	if start == end {
		return false, time.Time{}, nil
	}

	local := at.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	if start < end {
		// Same-day window, e.g. 13:00-15:00.
		if minutes >= start && minutes < end {
			return true, midnight.Add(time.Duration(end) * time.Minute), nil
		}
		return false, time.Time{}, nil
	}

	// Window crosses midnight, e.g. 22:00-07:00.
	switch {
	case minutes >= start:
		return true, midnight.AddDate(0, 0, 1).Add(time.Duration(end) * time.Minute), nil
	case minutes < end:
		return true, midnight.Add(time.Duration(end) * time.Minute), nil
	default:
		return false, time.Time{}, nil
	}
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(v string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", v, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock value %q", v)
	}
	return h*60 + m, nil
}
