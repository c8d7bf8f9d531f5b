package contacts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxHandleLength = 64

var (
	// ErrMissingHandle indicates that an update named no handle.
	ErrMissingHandle = errors.New("contacts: handle is required")
	// ErrHandleTooLong indicates a handle longer than any upstream handle can be.
	ErrHandleTooLong = errors.New("contacts: handle is too long")
	// ErrMissingTag indicates that a tag removal named no tag.
	ErrMissingTag = errors.New("contacts: tag is required")
	// ErrNothingToUpdate indicates that neither note nor tags were supplied.
	ErrNothingToUpdate = errors.New("contacts: note or tags must be supplied")
	// ErrInvalidBulkPayload indicates a bulk body that is not an array of updates.
	ErrInvalidBulkPayload = errors.New("contacts: bulk payload must be an array of updates")
	// ErrMissingUserID indicates an operation without an owning user.
	ErrMissingUserID = errors.New("contacts: user identifier is required")
)

// Follow is one followed account. Profile columns mirror the upstream source
// and are overwritten on every sync; Note and Tags are user-authored and only
// change through explicit updates.
type Follow struct {
	AccountID        string    `gorm:"column:account_id;primaryKey;size:64" json:"id"`
	Handle           string    `gorm:"column:handle;size:64;not null;index" json:"handle"`
	DisplayName      string    `gorm:"column:display_name;size:320" json:"display_name"`
	ProfileImageURL  string    `gorm:"column:profile_image_url;size:512" json:"profile_image_url"`
	Bio              string    `gorm:"column:bio" json:"bio"`
	Location         string    `gorm:"column:location;size:320" json:"location"`
	FollowersCount   int64     `gorm:"column:followers_count;not null;default:0;index" json:"followers_count"`
	FollowingCount   int64     `gorm:"column:following_count;not null;default:0" json:"following_count"`
	Verified         bool      `gorm:"column:verified;not null;default:false" json:"verified"`
	IsBlueVerified   bool      `gorm:"column:is_blue_verified;not null;default:false" json:"is_blue_verified"`
	VerifiedType     string    `gorm:"column:verified_type;size:32" json:"verified_type,omitempty"`
	AccountCreatedAt string    `gorm:"column:account_created_at;size:64" json:"account_created_at,omitempty"`
	Note             *string   `gorm:"column:note" json:"note"`
	Tags             *string   `gorm:"column:tags" json:"tags"`
	FirstSyncedAt    time.Time `gorm:"column:first_synced_at" json:"first_synced_at"`
	LastSyncedAt     time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
}

// TableName binds follows to their table.
func (Follow) TableName() string {
	return "follows"
}

// TagSet returns the parsed tags of the follow.
func (f Follow) TagSet() TagSet {
	if f.Tags == nil {
		return nil
	}
	return ParseTags(*f.Tags)
}

// Annotated reports whether the follow carries a note or tags.
func (f Follow) Annotated() bool {
	return nonEmpty(f.Note) || nonEmpty(f.Tags)
}

// SyncEvent marks the start of a sync attempt.
type SyncEvent struct {
	EventID   string    `gorm:"column:event_id;primaryKey;size:64"`
	Handle    string    `gorm:"column:handle;size:64"`
	StartedAt time.Time `gorm:"column:started_at;not null;index"`
}

// TableName binds sync events to their table.
func (SyncEvent) TableName() string {
	return "sync_events"
}

// Models lists the tables of a per-user contact database.
func Models() []any {
	return []any{&Follow{}, &SyncEvent{}}
}

// UpdateResult reports a single-contact update.
type UpdateResult struct {
	Handle  string `json:"handle"`
	Updated bool   `json:"updated"`
}

// BulkUpdate is one item of a bulk update.
type BulkUpdate struct {
	Handle string  `json:"handle" jsonschema:"required,description=Handle of the followed account"`
	Tags   *string `json:"tags" jsonschema:"required,description=Comma-separated tags replacing the current tags"`
	Note   *string `json:"note,omitempty" jsonschema:"description=Optional note replacing the current note"`
}

// BulkResult reports a bulk update. Errors holds one message per failed item.
type BulkResult struct {
	SuccessCount int      `json:"success_count"`
	ErrorCount   int      `json:"error_count"`
	Errors       []string `json:"errors"`
}

// RemoveTagResult reports a tag removal.
type RemoveTagResult struct {
	Tag          string `json:"tag"`
	RemovedCount int    `json:"removed_count"`
}

// ContactStats summarizes a user's contact table.
type ContactStats struct {
	Total      int64      `json:"total"`
	Tagged     int64      `json:"tagged"`
	Annotated  int64      `json:"annotated"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// NormalizeHandle trims whitespace and a leading "@".
func NormalizeHandle(raw string) (string, error) {
	handle := strings.TrimPrefix(strings.TrimSpace(raw), "@")
	if handle == "" {
		return "", ErrMissingHandle
	}
	if len(handle) > maxHandleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrHandleTooLong, maxHandleLength)
	}
	return handle, nil
}

func handleErrorReason(err error) string {
	if errors.Is(err, ErrHandleTooLong) {
		return "invalid_handle"
	}
	return "missing_handle"
}

func nonEmpty(value *string) bool {
	return value != nil && strings.TrimSpace(*value) != ""
}
