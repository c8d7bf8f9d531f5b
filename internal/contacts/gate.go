package contacts

import (
	"context"
	"math"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DefaultSyncCooldown is the minimum spacing between two syncs of one user.
const DefaultSyncCooldown = 24 * time.Hour

// Eligibility is the outcome of the cooldown check. A refusal is an expected
// outcome, not an error.
type Eligibility struct {
	Allowed        bool       `json:"allowed"`
	Privileged     bool       `json:"privileged,omitempty"`
	HoursRemaining int        `json:"hours_remaining,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
}

// RateGate decides whether a user may sync now.
type RateGate struct {
	cooldown         time.Duration
	privilegedHandle string
	clock            func() time.Time
}

// NewRateGate constructs a gate. A non-positive cooldown falls back to
// DefaultSyncCooldown; an empty privileged handle disables the override.
func NewRateGate(cooldown time.Duration, privilegedHandle string, clock func() time.Time) *RateGate {
	if cooldown <= 0 {
		cooldown = DefaultSyncCooldown
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateGate{
		cooldown:         cooldown,
		privilegedHandle: strings.TrimPrefix(strings.TrimSpace(privilegedHandle), "@"),
		clock:            clock,
	}
}

// Check reads the latest sync event and evaluates the cooldown for handle.
func (g *RateGate) Check(ctx context.Context, db *gorm.DB, handle string) (Eligibility, error) {
	latest, err := NewStore(db).latestSyncEvent(ctx)
	if err != nil {
		return Eligibility{}, err
	}
	var lastSyncAt *time.Time
	if latest != nil {
		startedAt := latest.StartedAt
		lastSyncAt = &startedAt
	}
	return g.evaluate(lastSyncAt, handle), nil
}

func (g *RateGate) evaluate(lastSyncAt *time.Time, handle string) Eligibility {
	eligibility := Eligibility{LastSyncAt: lastSyncAt}
	if g.isPrivileged(handle) {
		eligibility.Allowed = true
		eligibility.Privileged = true
		return eligibility
	}
	if lastSyncAt == nil {
		eligibility.Allowed = true
		return eligibility
	}
	elapsed := g.clock().Sub(*lastSyncAt)
	if elapsed >= g.cooldown {
		eligibility.Allowed = true
		return eligibility
	}
	eligibility.HoursRemaining = int(math.Ceil((g.cooldown - elapsed).Hours()))
	return eligibility
}

func (g *RateGate) isPrivileged(handle string) bool {
	if g.privilegedHandle == "" {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(handle), "@"), g.privilegedHandle)
}
