package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventCardChanged = "card-change"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "orderboard-backend"
)

// RealtimeMessage announces card state mutations to a tenant's subscribers.
type RealtimeMessage struct {
	TenantID  string
	EventType string
	CardIDs   []string
	Changes   []cardStatePayload
	Timestamp time.Time
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

// Subscribe registers a buffered stream for tenantID until ctx ends or the
// returned cleanup runs. Slow subscribers drop messages rather than block.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, tenantID string) (<-chan RealtimeMessage, func()) {
	if tenantID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(tenantID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(tenantID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.TenantID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.TenantID]
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

// SubscriberCount reports how many streams tenantID holds open.
func (d *RealtimeDispatcher) SubscriberCount(tenantID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[tenantID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(tenantID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tenantID]; !ok {
		d.subscribers[tenantID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[tenantID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(tenantID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tenantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tenantID)
		}
	}
	d.mu.Unlock()
}

type realtimeEventPayload struct {
	CardIDs   []string           `json:"cardIds"`
	Changes   []cardStatePayload `json:"changes"`
	Timestamp string             `json:"timestamp"`
	Source    string             `json:"source"`
}

// handleCardStream pushes card-change events as server-sent events. Entries
// carry cardId and updatedAt so clients apply the same session dedupe as pollers.
func (h *httpHandler) handleCardStream(c *gin.Context) {
	tenantID, ok := h.tenantFromContext(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, tenantID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				CardIDs:   message.CardIDs,
				Changes:   message.Changes,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"timestamp": tick.UTC().Format(time.RFC3339Nano),
				"source":    realtimeSourceBackend,
			})
			c.Writer.Flush()
		}
	}
}
