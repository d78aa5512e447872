package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/activities"
	"github.com/MarcoPoloResearchLab/peerflow/internal/deadlines"
)

const (
	RealtimeEventTransition   = "transition"
	RealtimeEventStageOverdue = "stage-overdue"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "peerflow-backend"
)

// RealtimeMessage is one event on an activity's stream.
type RealtimeMessage struct {
	ActivityID string
	EventType  string
	Payload    any
	Timestamp  time.Time
}

// RealtimeDispatcher fans activity events out to stream subscribers. Slow
// subscribers drop events rather than block publishers.
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

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, activityID string) (<-chan RealtimeMessage, func()) {
	if activityID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(activityID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(activityID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ActivityID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.ActivityID]
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

// PublishTransition forwards a committed transition to the activity's stream.
func (d *RealtimeDispatcher) PublishTransition(result activities.TransitionResult) {
	d.Publish(RealtimeMessage{
		ActivityID: result.ActivityID,
		EventType:  RealtimeEventTransition,
		Payload:    result,
		Timestamp:  result.OccurredAt,
	})
}

// PublishOverdue forwards a deadline report to the activity's stream.
func (d *RealtimeDispatcher) PublishOverdue(event deadlines.Overdue) {
	d.Publish(RealtimeMessage{
		ActivityID: event.ActivityID,
		EventType:  RealtimeEventStageOverdue,
		Payload:    event,
		Timestamp:  event.DetectedAt,
	})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(activityID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[activityID]; !ok {
		d.subscribers[activityID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[activityID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(activityID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[activityID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, activityID)
		}
	}
	d.mu.Unlock()
}
