package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Store runs contact operations against one user's database. It is created
// per job and must only be used on the goroutine that owns the database.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a per-user database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ListFollows returns follows ordered by follower count, descending. A
// non-empty filter keeps rows whose tags contain it as a case-insensitive
// substring, so "eng" matches a row tagged "engineer".
func (s *Store) ListFollows(ctx context.Context, tagFilter string) ([]Follow, error) {
	query := s.db.WithContext(ctx).Model(&Follow{})
	if filter := strings.TrimSpace(tagFilter); filter != "" {
		query = query.Where("lower(tags) LIKE ? ESCAPE '\\'", likePattern(filter))
	}
	var follows []Follow
	if err := query.Order("followers_count DESC").Order("handle ASC").Find(&follows).Error; err != nil {
		return nil, err
	}
	return follows, nil
}

// UpdateContact writes the supplied fields of the follow with the given
// handle. A nil field is left unchanged; an empty one is cleared.
func (s *Store) UpdateContact(ctx context.Context, handle string, note, tags *string) (UpdateResult, error) {
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return UpdateResult{}, err
	}
	if note == nil && tags == nil {
		return UpdateResult{}, ErrNothingToUpdate
	}

	updates := make(map[string]any, 2)
	if note != nil {
		updates["note"] = noteColumn(*note)
	}
	if tags != nil {
		updates["tags"] = ParseTags(*tags).Column()
	}

	result := s.db.WithContext(ctx).Model(&Follow{}).
		Where("lower(handle) = ?", strings.ToLower(normalized)).
		Updates(updates)
	if result.Error != nil {
		return UpdateResult{}, result.Error
	}
	return UpdateResult{Handle: normalized, Updated: result.RowsAffected > 0}, nil
}

// UpdateBulk applies each item independently. Validation failures and
// unknown handles become per-item messages; only storage failures abort.
func (s *Store) UpdateBulk(ctx context.Context, items []BulkUpdate) (BulkResult, error) {
	result := BulkResult{Errors: []string{}}
	for index, item := range items {
		label := strings.TrimSpace(item.Handle)
		if label == "" {
			label = fmt.Sprintf("#%d", index+1)
		}
		if item.Tags == nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: tags are required", label))
			continue
		}
		updated, err := s.UpdateContact(ctx, item.Handle, item.Note, item.Tags)
		switch {
		case errors.Is(err, ErrMissingHandle), errors.Is(err, ErrHandleTooLong):
			result.ErrorCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", label, err))
		case err != nil:
			return result, fmt.Errorf("update %s: %w", label, err)
		case !updated.Updated:
			result.ErrorCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: no followed account with this handle", label))
		default:
			result.SuccessCount++
		}
	}
	return result, nil
}

// RemoveTag drops tag from every row holding it, ignoring case. Rows that
// only match as part of a longer token are left alone and not counted.
func (s *Store) RemoveTag(ctx context.Context, tag string) (RemoveTagResult, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return RemoveTagResult{}, ErrMissingTag
	}
	result := RemoveTagResult{Tag: tag}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []Follow
		if err := tx.Select("account_id", "tags").
			Where("lower(tags) LIKE ? ESCAPE '\\'", likePattern(tag)).
			Find(&candidates).Error; err != nil {
			return err
		}
		for _, candidate := range candidates {
			remaining, removed := candidate.TagSet().Without(tag)
			if !removed {
				continue
			}
			if err := tx.Model(&Follow{}).
				Where("account_id = ?", candidate.AccountID).
				Update("tags", remaining.Column()).Error; err != nil {
				return err
			}
			result.RemovedCount++
		}
		return nil
	})
	if err != nil {
		return RemoveTagResult{}, err
	}
	return result, nil
}

// UniqueTags returns the sorted distinct tags across all rows.
func (s *Store) UniqueTags(ctx context.Context) ([]string, error) {
	var cells []string
	if err := s.db.WithContext(ctx).Model(&Follow{}).
		Where("tags IS NOT NULL AND tags <> ''").
		Order("account_id ASC").
		Pluck("tags", &cells).Error; err != nil {
		return nil, err
	}
	sets := make([]TagSet, 0, len(cells))
	for _, cell := range cells {
		sets = append(sets, ParseTags(cell))
	}
	return uniqueSorted(sets), nil
}

// Stats counts follows and annotations and reports the latest sync start.
func (s *Store) Stats(ctx context.Context) (ContactStats, error) {
	var stats ContactStats
	db := s.db.WithContext(ctx)
	if err := db.Model(&Follow{}).Count(&stats.Total).Error; err != nil {
		return ContactStats{}, err
	}
	if err := db.Model(&Follow{}).Where("trim(coalesce(tags, '')) <> ''").Count(&stats.Tagged).Error; err != nil {
		return ContactStats{}, err
	}
	if err := db.Model(&Follow{}).
		Where("trim(coalesce(tags, '')) <> '' OR trim(coalesce(note, '')) <> ''").
		Count(&stats.Annotated).Error; err != nil {
		return ContactStats{}, err
	}
	latest, err := s.latestSyncEvent(ctx)
	if err != nil {
		return ContactStats{}, err
	}
	if latest != nil {
		startedAt := latest.StartedAt
		stats.LastSyncAt = &startedAt
	}
	return stats, nil
}

func (s *Store) latestSyncEvent(ctx context.Context) (*SyncEvent, error) {
	var event SyncEvent
	err := s.db.WithContext(ctx).Order("started_at DESC").Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Store) recordSyncEvent(ctx context.Context, event SyncEvent) error {
	return s.db.WithContext(ctx).Create(&event).Error
}

func noteColumn(note string) *string {
	if strings.TrimSpace(note) == "" {
		return nil
	}
	return &note
}

// likePattern builds a lower-cased LIKE pattern matching value anywhere.
func likePattern(value string) string {
	escaper := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + escaper.Replace(strings.ToLower(value)) + "%"
}
