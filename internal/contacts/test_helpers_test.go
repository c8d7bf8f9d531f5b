package contacts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/database"
	"github.com/MarcoPoloResearchLab/followcrm/internal/upstream"
	"github.com/MarcoPoloResearchLab/followcrm/internal/userstore"
	"gorm.io/gorm"
)

const testUserID = "user-1"

var baseTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSource struct {
	mu      sync.Mutex
	pages   map[string]upstream.Page
	failAt  map[string]error
	cursors []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{pages: map[string]upstream.Page{}, failAt: map[string]error{}}
}

func (s *fakeSource) FetchFollowingsPage(_ context.Context, _ string, cursor string) (upstream.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = append(s.cursors, cursor)
	if err, ok := s.failAt[cursor]; ok {
		return upstream.Page{}, err
	}
	page, ok := s.pages[cursor]
	if !ok {
		return upstream.Page{}, fmt.Errorf("unexpected cursor %q", cursor)
	}
	return page, nil
}

func (s *fakeSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (n *recordingNotifier) NotifyChange(change Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]string, 0, len(n.changes))
	for _, change := range n.changes {
		kinds = append(kinds, change.Kind)
	}
	return kinds
}

func memoryDSN(t *testing.T, suffix string) string {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, suffix)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(memoryDSN(t, "store"), nil, Models(), Migrations())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

type testHarness struct {
	service  *Service
	units    *userstore.Registry
	source   *fakeSource
	clock    *fakeClock
	notifier *recordingNotifier
}

func newTestHarness(t *testing.T, privilegedHandle string) *testHarness {
	t.Helper()
	units, err := userstore.NewRegistry(userstore.Config{
		Open: func(name string) (*gorm.DB, error) {
			return database.Open(memoryDSN(t, name), nil, Models(), Migrations())
		},
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(func() {
		_ = units.Close()
	})

	source := newFakeSource()
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Units:            units,
		Source:           source,
		Clock:            clock.Now,
		Notifier:         notifier,
		SyncCooldown:     DefaultSyncCooldown,
		PrivilegedHandle: privilegedHandle,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return &testHarness{service: service, units: units, source: source, clock: clock, notifier: notifier}
}

func (h *testHarness) seed(t *testing.T, follows ...Follow) {
	t.Helper()
	err := h.units.Do(context.Background(), testUserID, func(ctx context.Context, db *gorm.DB) error {
		return seedFollows(db, follows...)
	})
	if err != nil {
		t.Fatalf("failed to seed follows: %v", err)
	}
}

func (h *testHarness) recordSyncAt(t *testing.T, startedAt time.Time) {
	t.Helper()
	err := h.units.Do(context.Background(), testUserID, func(ctx context.Context, db *gorm.DB) error {
		return NewStore(db).recordSyncEvent(ctx, SyncEvent{EventID: startedAt.String(), StartedAt: startedAt})
	})
	if err != nil {
		t.Fatalf("failed to record sync event: %v", err)
	}
}

func seedFollows(db *gorm.DB, follows ...Follow) error {
	for _, follow := range follows {
		if err := db.Create(&follow).Error; err != nil {
			return err
		}
	}
	return nil
}

func follow(id, handle string, followers int64, note, tags *string) Follow {
	return Follow{
		AccountID:      id,
		Handle:         handle,
		DisplayName:    strings.ToUpper(handle),
		FollowersCount: followers,
		Note:           note,
		Tags:           tags,
		FirstSyncedAt:  baseTime.Add(-72 * time.Hour),
		LastSyncedAt:   baseTime.Add(-72 * time.Hour),
	}
}

func account(id, handle string, followers int64) upstream.Account {
	return upstream.Account{ID: id, Handle: handle, DisplayName: strings.ToUpper(handle), FollowersCount: followers}
}

func ptr(value string) *string {
	return &value
}

func handlesOf(follows []Follow) map[string]Follow {
	byHandle := make(map[string]Follow, len(follows))
	for _, follow := range follows {
		byHandle[follow.Handle] = follow
	}
	return byHandle
}

func deref(value *string) string {
	if value == nil {
		return "<nil>"
	}
	return *value
}
