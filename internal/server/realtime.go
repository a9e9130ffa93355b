package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
)

const (
	// RealtimeEventStudiesChanged signals study list or pending update changes.
	RealtimeEventStudiesChanged = "studies-changed"
	// RealtimeEventRepertoireChanged signals that the move graph may have changed.
	RealtimeEventRepertoireChanged = "repertoire-changed"
	realtimeEventHeartbeat         = "heartbeat"
	realtimeSourceBackend          = "repertoire-backend"
)

// RealtimeMessage is one event fanned out to a user's open streams.
type RealtimeMessage struct {
	UserID    string    `json:"user_id"`
	EventType string    `json:"event_type"`
	StudyIDs  []string  `json:"study_ids"`
	Timestamp time.Time `json:"timestamp"`
}

// RealtimeDispatcher fans messages out to per-user subscribers. When a relay is
// attached, Publish goes through the relay and delivery happens on receipt.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	relay       func(RealtimeMessage) error
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
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
		once.Do(func() { d.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish sends the message through the relay when one is attached, delivering
// locally if the relay fails.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	relay := d.relay
	d.mu.RUnlock()
	if relay != nil && relay(message) == nil {
		return
	}
	d.deliver(message)
}

// NotifyStudies publishes an event about the given studies.
func (d *RealtimeDispatcher) NotifyStudies(userID studies.UserID, eventType string, studyIDs []string) {
	d.Publish(RealtimeMessage{
		UserID:    userID.String(),
		EventType: eventType,
		StudyIDs:  studyIDs,
		Timestamp: d.clock().UTC(),
	})
}

// NotifyStudiesChanged lets reconciliation passes publish through the dispatcher.
func (d *RealtimeDispatcher) NotifyStudiesChanged(userID studies.UserID, studyIDs []string) {
	d.NotifyStudies(userID, RealtimeEventStudiesChanged, studyIDs)
}

func (d *RealtimeDispatcher) deliver(message RealtimeMessage) {
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

func (d *RealtimeDispatcher) setRelay(relay func(RealtimeMessage) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relay = relay
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
