package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
)

const (
	RealtimeEventContactsChanged = contacts.ChangeContactsUpdated
	RealtimeEventSyncCompleted   = contacts.ChangeSyncCompleted
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "followcrm-backend"
	realtimeHeartbeatInterval    = 25 * time.Second
)

// RealtimeMessage is one change event for a single user.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Handles   []string
	Count     int
	Timestamp time.Time
}

type realtimeEventPayload struct {
	Handles   []string `json:"handles"`
	Count     int      `json:"count"`
	Timestamp string   `json:"timestamp"`
	Source    string   `json:"source"`
}

func (m RealtimeMessage) payload() realtimeEventPayload {
	handles := m.Handles
	if handles == nil {
		handles = []string{}
	}
	return realtimeEventPayload{
		Handles:   handles,
		Count:     m.Count,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
		Source:    realtimeSourceBackend,
	}
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber of its user. Slow subscribers
// miss messages rather than block the publisher.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyChange publishes a completed contact change.
func (d *RealtimeDispatcher) NotifyChange(change contacts.Change) {
	d.Publish(RealtimeMessage{
		UserID:    change.UserID,
		EventType: change.Kind,
		Handles:   change.Handles,
		Count:     change.Count,
		Timestamp: change.Timestamp,
	})
}

func (d *RealtimeDispatcher) subscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
