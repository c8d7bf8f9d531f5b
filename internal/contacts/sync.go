package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/upstream"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingFollowSource = errors.New("follow source is required")

// FollowSource fetches pages of the accounts a handle follows.
type FollowSource interface {
	FetchFollowingsPage(ctx context.Context, handle, cursor string) (upstream.Page, error)
}

// SyncResult reports a completed sync.
type SyncResult struct {
	Count     int       `json:"count"`
	Pages     int       `json:"pages"`
	StartedAt time.Time `json:"started_at"`
}

// Syncer replaces a user's follows with a fresh upstream fetch while
// carrying notes and tags forward.
type Syncer struct {
	source FollowSource
	clock  func() time.Time
	logger *zap.Logger
}

// NewSyncer constructs a Syncer.
func NewSyncer(source FollowSource, clock func() time.Time, logger *zap.Logger) *Syncer {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{source: source, clock: clock, logger: logger}
}

type annotation struct {
	sourceID      string
	note          *string
	tags          *string
	firstSyncedAt time.Time
}

type annotationSnapshot struct {
	byAccountID map[string]annotation
	byHandle    map[string]annotation
}

// handleCarry is an annotation matched only by handle. It is applied after
// the last page, and only when its source account never showed up in the run.
type handleCarry struct {
	accountID string
	carried   annotation
	idKnown   bool
}

// syncRun tracks which snapshot annotations a single sync has handed out.
type syncRun struct {
	snapshot annotationSnapshot
	seen     map[string]struct{}
	pending  []handleCarry
}

func newSyncRun(snapshot annotationSnapshot) *syncRun {
	return &syncRun{snapshot: snapshot, seen: make(map[string]struct{})}
}

// carry returns what row gets immediately: annotations keyed by its own
// account id plus the preserved first-sync time. Handle matches are queued.
func (r *syncRun) carry(account upstream.Account) (annotation, bool) {
	r.seen[account.ID] = struct{}{}
	byID, idKnown := r.snapshot.byAccountID[account.ID]
	if idKnown && (byID.note != nil || byID.tags != nil) {
		return byID, true
	}
	byHandle, handleKnown := r.snapshot.byHandle[strings.ToLower(account.Handle)]
	if handleKnown && byHandle.sourceID != account.ID {
		r.pending = append(r.pending, handleCarry{accountID: account.ID, carried: byHandle, idKnown: idKnown})
	}
	return byID, idKnown
}

// settle applies queued handle matches whose source account was not fetched
// again. Each source annotation lands on at most one account.
func (r *syncRun) settle(ctx context.Context, db *gorm.DB) (int, error) {
	if len(r.pending) == 0 {
		return 0, nil
	}
	claimed := make(map[string]struct{}, len(r.pending))
	applied := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range r.pending {
			source := entry.carried.sourceID
			if _, refetched := r.seen[source]; refetched {
				continue
			}
			if _, taken := claimed[source]; taken {
				continue
			}
			claimed[source] = struct{}{}
			updates := map[string]any{"note": entry.carried.note, "tags": entry.carried.tags}
			if !entry.idKnown && !entry.carried.firstSyncedAt.IsZero() {
				updates["first_synced_at"] = entry.carried.firstSyncedAt
			}
			if err := tx.Model(&Follow{}).Where("account_id = ?", entry.accountID).Updates(updates).Error; err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// Sync records a sync event, snapshots annotations, clears the table and
// writes every upstream page. Each page commits on its own; a failed page
// aborts the run and leaves earlier pages in place. Annotations matched only
// by handle are applied once every page is in.
func (s *Syncer) Sync(ctx context.Context, db *gorm.DB, handle string) (SyncResult, error) {
	if s.source == nil {
		return SyncResult{}, errMissingFollowSource
	}
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return SyncResult{}, err
	}

	startedAt := s.clock().UTC()
	eventID, err := uuid.NewV7()
	if err != nil {
		return SyncResult{}, fmt.Errorf("generate sync event id: %w", err)
	}
	store := NewStore(db)
	if err := store.recordSyncEvent(ctx, SyncEvent{EventID: eventID.String(), Handle: normalized, StartedAt: startedAt}); err != nil {
		return SyncResult{}, fmt.Errorf("record sync event: %w", err)
	}

	snapshot, err := takeSnapshot(ctx, db)
	if err != nil {
		return SyncResult{}, fmt.Errorf("snapshot annotations: %w", err)
	}
	if err := db.WithContext(ctx).Exec("DELETE FROM follows").Error; err != nil {
		return SyncResult{}, fmt.Errorf("clear follows: %w", err)
	}

	run := newSyncRun(snapshot)
	result := SyncResult{StartedAt: startedAt}
	cursor := ""
	seenCursors := make(map[string]struct{})
	for {
		page, err := s.source.FetchFollowingsPage(ctx, normalized, cursor)
		if err != nil {
			return result, fmt.Errorf("fetch page %d: %w", result.Pages+1, err)
		}
		result.Pages++

		written, err := s.writePage(ctx, db, page.Accounts, run)
		if err != nil {
			return result, fmt.Errorf("write page %d: %w", result.Pages, err)
		}
		result.Count += written

		next := page.NextCursor
		if next == "" || !(page.HasNextPage || len(page.Accounts) >= upstream.PageSize) {
			break
		}
		if _, repeated := seenCursors[next]; repeated {
			s.logger.Warn("upstream repeated a pagination cursor",
				zap.String("handle", normalized),
				zap.Int("pages", result.Pages))
			break
		}
		seenCursors[next] = struct{}{}
		cursor = next
	}

	carried, err := run.settle(ctx, db)
	if err != nil {
		return result, fmt.Errorf("carry annotations by handle: %w", err)
	}
	if carried > 0 {
		s.logger.Info("carried annotations by handle",
			zap.String("handle", normalized),
			zap.Int("accounts", carried))
	}
	return result, nil
}

func (s *Syncer) writePage(ctx context.Context, db *gorm.DB, accounts []upstream.Account, run *syncRun) (int, error) {
	if len(accounts) == 0 {
		return 0, nil
	}
	syncedAt := s.clock().UTC()
	written := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, account := range accounts {
			if strings.TrimSpace(account.ID) == "" {
				s.logger.Warn("skipping upstream account without id", zap.String("handle", account.Handle))
				continue
			}
			row := followFromAccount(account, syncedAt)
			if carried, ok := run.carry(account); ok {
				row.Note = carried.note
				row.Tags = carried.tags
				if !carried.firstSyncedAt.IsZero() {
					row.FirstSyncedAt = carried.firstSyncedAt
				}
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func takeSnapshot(ctx context.Context, db *gorm.DB) (annotationSnapshot, error) {
	var rows []Follow
	if err := db.WithContext(ctx).
		Select("account_id", "handle", "note", "tags", "first_synced_at").
		Find(&rows).Error; err != nil {
		return annotationSnapshot{}, err
	}
	snapshot := annotationSnapshot{
		byAccountID: make(map[string]annotation, len(rows)),
		byHandle:    make(map[string]annotation),
	}
	for _, row := range rows {
		entry := annotation{sourceID: row.AccountID, firstSyncedAt: row.FirstSyncedAt}
		if row.Annotated() {
			entry.note = row.Note
			entry.tags = row.Tags
			snapshot.byHandle[strings.ToLower(row.Handle)] = entry
		}
		snapshot.byAccountID[row.AccountID] = entry
	}
	return snapshot, nil
}

func followFromAccount(account upstream.Account, syncedAt time.Time) Follow {
	return Follow{
		AccountID:        account.ID,
		Handle:           account.Handle,
		DisplayName:      account.DisplayName,
		ProfileImageURL:  account.ProfileImageURL,
		Bio:              account.Bio,
		Location:         account.Location,
		FollowersCount:   account.FollowersCount,
		FollowingCount:   account.FollowingCount,
		Verified:         account.Verified,
		IsBlueVerified:   account.IsBlueVerified,
		VerifiedType:     account.VerifiedType,
		AccountCreatedAt: account.CreatedAt,
		FirstSyncedAt:    syncedAt,
		LastSyncedAt:     syncedAt,
	}
}
