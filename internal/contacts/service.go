package contacts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Change kinds published after successful operations.
const (
	ChangeContactsUpdated = "contacts-changed"
	ChangeSyncCompleted   = "sync-completed"
)

var (
	errMissingUnits = errors.New("storage units are required")
	noOpLogger      = zap.NewNop()
)

// UnitRunner executes a job against one user's database, serialized with
// every other job for that user.
type UnitRunner interface {
	Do(ctx context.Context, userID string, fn func(context.Context, *gorm.DB) error) error
}

// Change describes a completed mutation of a user's contacts.
type Change struct {
	UserID    string
	Kind      string
	Handles   []string
	Count     int
	Timestamp time.Time
}

// ChangeNotifier receives completed changes.
type ChangeNotifier interface {
	NotifyChange(change Change)
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Units            UnitRunner
	Source           FollowSource
	Clock            func() time.Time
	Logger           *zap.Logger
	Notifier         ChangeNotifier
	SyncCooldown     time.Duration
	PrivilegedHandle string
}

// Service is the user-facing contact API. Input is validated before any
// storage unit is touched.
type Service struct {
	units    UnitRunner
	syncer   *Syncer
	gate     *RateGate
	clock    func() time.Time
	logger   *zap.Logger
	notifier ChangeNotifier
}

// SyncOutcome is either a gate refusal or a completed sync.
type SyncOutcome struct {
	Eligibility Eligibility `json:"eligibility"`
	Result      *SyncResult `json:"result,omitempty"`
}

// NewService validates configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Units == nil {
		return nil, newServiceError(opServiceNew, "missing_units", errMissingUnits)
	}
	if cfg.Source == nil {
		return nil, newServiceError(opServiceNew, "missing_source", errMissingFollowSource)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		units:    cfg.Units,
		syncer:   NewSyncer(cfg.Source, clock, logger),
		gate:     NewRateGate(cfg.SyncCooldown, cfg.PrivilegedHandle, clock),
		clock:    clock,
		logger:   logger,
		notifier: cfg.Notifier,
	}, nil
}

// ListFollows returns the user's follows, optionally filtered by tag substring.
func (s *Service) ListFollows(ctx context.Context, userID, tagFilter string) ([]Follow, error) {
	if err := requireUser(userID); err != nil {
		return nil, newServiceError(opListFollows, "missing_user_id", err)
	}
	var follows []Follow
	err := s.units.Do(ctx, userID, func(ctx context.Context, db *gorm.DB) error {
		var listErr error
		follows, listErr = NewStore(db).ListFollows(ctx, tagFilter)
		return listErr
	})
	if err != nil {
		s.logError(opListFollows, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListFollows, "query_failed", err)
	}
	return follows, nil
}

// UpdateContact sets the note and/or tags of one follow.
func (s *Service) UpdateContact(ctx context.Context, userID, handle string, note, tags *string) (UpdateResult, error) {
	if err := requireUser(userID); err != nil {
		return UpdateResult{}, newServiceError(opUpdateContact, "missing_user_id", err)
	}
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return UpdateResult{}, newServiceError(opUpdateContact, handleErrorReason(err), err)
	}
	if note == nil && tags == nil {
		return UpdateResult{}, newServiceError(opUpdateContact, "nothing_to_update", ErrNothingToUpdate)
	}

	var result UpdateResult
	err = s.units.Do(ctx, userID, func(ctx context.Context, db *gorm.DB) error {
		var updateErr error
		result, updateErr = NewStore(db).UpdateContact(ctx, normalized, note, tags)
		return updateErr
	})
	if err != nil {
		s.logError(opUpdateContact, "update_failed", err,
			zap.String("user_id", userID),
			zap.String("handle", normalized))
		return UpdateResult{}, newServiceError(opUpdateContact, "update_failed", err)
	}
	if result.Updated {
		metrics.IncContactMutation("update_contact")
		s.notify(userID, ChangeContactsUpdated, []string{result.Handle}, 1)
	}
	return result, nil
}

// UpdateBulk applies a list of tag/note updates item by item.
func (s *Service) UpdateBulk(ctx context.Context, userID string, items []BulkUpdate) (BulkResult, error) {
	if err := requireUser(userID); err != nil {
		return BulkResult{}, newServiceError(opUpdateBulk, "missing_user_id", err)
	}
	if items == nil {
		return BulkResult{}, newServiceError(opUpdateBulk, "invalid_payload", ErrInvalidBulkPayload)
	}

	var result BulkResult
	err := s.units.Do(ctx, userID, func(ctx context.Context, db *gorm.DB) error {
		var bulkErr error
		result, bulkErr = NewStore(db).UpdateBulk(ctx, items)
		return bulkErr
	})
	if err != nil {
		s.logError(opUpdateBulk, "update_failed", err,
			zap.String("user_id", userID),
			zap.Int("items", len(items)))
		return BulkResult{}, newServiceError(opUpdateBulk, "update_failed", err)
	}
	if result.SuccessCount > 0 {
		metrics.IncContactMutation("update_bulk")
		s.notify(userID, ChangeContactsUpdated, bulkHandles(items), result.SuccessCount)
	}
	return result, nil
}

// RemoveTag strips a tag from every follow of the user.
func (s *Service) RemoveTag(ctx context.Context, userID, tag string) (RemoveTagResult, error) {
	if err := requireUser(userID); err != nil {
		return RemoveTagResult{}, newServiceError(opRemoveTag, "missing_user_id", err)
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return RemoveTagResult{}, newServiceError(opRemoveTag, "missing_tag", ErrMissingTag)
	}

	var result RemoveTagResult
	err := s.units.Do(ctx, userID, func(ctx context.Context, db *gorm.DB) error {
		var removeErr error
		result, removeErr = NewStore(db).RemoveTag(ctx, tag)
		return removeErr
	})
	if err != nil {
		s.logError(opRemoveTag, "update_failed", err,
			zap.String("user_id", userID),
			zap.String("tag", tag))
		return RemoveTagResult{}, newServiceError(opRemoveTag, "update_failed", err)
	}
	if result.RemovedCount > 0 {
		metrics.IncContactMutation("remove_tag")
		s.notify(userID, ChangeContactsUpdated, nil, result.RemovedCount)
	}
	return result, nil
}

// UniqueTags lists the user's distinct tags in sorted order.
func (s *Service) UniqueTags(ctx context.Context, userID string) ([]string, error) {
	if err := requireUser(userID); err != nil {
		return nil, newServiceError(opUniqueTags, "missing_user_id", err)
	}
	var tags []string
	err := s.units.Do(ctx, userID, func(ctx context.Context, db *gorm.DB) error {
		var tagsErr error
		tags, tagsErr = NewStore(db).UniqueTags(ctx)
		return tagsErr
	})
	if err != nil {
		s.logError(opUniqueTags, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opUniqueTags, "query_failed", err)
	}
	return tags, nil
}

// Stats summarizes the user's contact table.
func (s *Service) Stats(ctx context.Context, userID string) (ContactStats, error) {
	if err := requireUser(userID); err != nil {
		return ContactStats{}, newServiceError(opContactStats, "missing_user_id", err)
	}
	var stats ContactStats
	err := s.units.Do(ctx, userID, func(ctx context.Context, db *gorm.DB) error {
		var statsErr error
		stats, statsErr = NewStore(db).Stats(ctx)
		return statsErr
	})
	if err != nil {
		s.logError(opContactStats, "query_failed", err, zap.String("user_id", userID))
		return ContactStats{}, newServiceError(opContactStats, "query_failed", err)
	}
	return stats, nil
}

// Eligibility reports whether handle may sync now without starting a sync.
func (s *Service) Eligibility(ctx context.Context, userID, handle string) (Eligibility, error) {
	if err := requireUser(userID); err != nil {
		return Eligibility{}, newServiceError(opSyncEligibility, "missing_user_id", err)
	}
	var eligibility Eligibility
	err := s.units.Do(ctx, userID, func(ctx context.Context, db *gorm.DB) error {
		var gateErr error
		eligibility, gateErr = s.gate.Check(ctx, db, handle)
		return gateErr
	})
	if err != nil {
		s.logError(opSyncEligibility, "query_failed", err, zap.String("user_id", userID))
		return Eligibility{}, newServiceError(opSyncEligibility, "query_failed", err)
	}
	return eligibility, nil
}

// Sync checks the cooldown and, when allowed, refreshes the user's follows
// from upstream. The check and the sync run as one job so two requests
// cannot both pass the gate. Once started, the sync is not cancelled by the
// caller going away.
func (s *Service) Sync(ctx context.Context, userID, handle string) (SyncOutcome, error) {
	if err := requireUser(userID); err != nil {
		return SyncOutcome{}, newServiceError(opSync, "missing_user_id", err)
	}
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return SyncOutcome{}, newServiceError(opSync, handleErrorReason(err), err)
	}

	var outcome SyncOutcome
	var syncErr error
	started := s.clock()
	err = s.units.Do(context.WithoutCancel(ctx), userID, func(ctx context.Context, db *gorm.DB) error {
		eligibility, gateErr := s.gate.Check(ctx, db, normalized)
		if gateErr != nil {
			return gateErr
		}
		outcome.Eligibility = eligibility
		if !eligibility.Allowed {
			return nil
		}
		metrics.SyncRuns.Inc()
		result, runErr := s.syncer.Sync(ctx, db, normalized)
		outcome.Result = &result
		syncErr = runErr
		return nil
	})
	if err != nil {
		s.logError(opSync, "gate_failed", err, zap.String("user_id", userID), zap.String("handle", normalized))
		return SyncOutcome{}, newServiceError(opSync, "gate_failed", err)
	}
	if !outcome.Eligibility.Allowed {
		metrics.SyncGated.Inc()
		s.logger.Info("sync refused by cooldown",
			zap.String("user_id", userID),
			zap.String("handle", normalized),
			zap.Int("hours_remaining", outcome.Eligibility.HoursRemaining))
		return outcome, nil
	}
	metrics.ObserveSyncDuration(started)
	if syncErr != nil {
		metrics.SyncErrors.Inc()
		s.logError(opSync, "sync_failed", syncErr,
			zap.String("user_id", userID),
			zap.String("handle", normalized),
			zap.Int("pages", outcome.Result.Pages),
			zap.Int("count", outcome.Result.Count))
		return outcome, newServiceError(opSync, "sync_failed", syncErr)
	}

	metrics.SyncedAccounts.Add(float64(outcome.Result.Count))
	s.logger.Info("sync completed",
		zap.String("user_id", userID),
		zap.String("handle", normalized),
		zap.Int("pages", outcome.Result.Pages),
		zap.Int("count", outcome.Result.Count))
	s.notify(userID, ChangeSyncCompleted, nil, outcome.Result.Count)
	return outcome, nil
}

func (s *Service) notify(userID, kind string, handles []string, count int) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyChange(Change{
		UserID:    userID,
		Kind:      kind,
		Handles:   handles,
		Count:     count,
		Timestamp: s.clock().UTC(),
	})
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUserID
	}
	return nil
}

func bulkHandles(items []BulkUpdate) []string {
	handles := make([]string, 0, len(items))
	for _, item := range items {
		if handle, err := NormalizeHandle(item.Handle); err == nil {
			handles = append(handles, handle)
		}
	}
	return handles
}
