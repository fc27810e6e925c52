// ABOUTME: In-memory fan-out of conversation updates to interested subscribers
// ABOUTME: Publishes state snapshots and notices keyed by chat id

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/notify"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventKind distinguishes state snapshots from notices.
type EventKind string

const (
	EventState  EventKind = "state"
	EventNotice EventKind = "notice"
)

// Event is one update delivered to subscribers. State is set for
// EventState, Notice for EventNotice.
type Event struct {
	Kind   EventKind
	ChatID string
	State  chat.State
	Notice notify.Notice
}

// Broadcaster provides in-memory pub/sub for conversation updates.
// Subscribers register for a chat id and receive every snapshot published
// for it. Slow subscribers drop events instead of blocking the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // chatID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for chatID. The returned channel is
// closed when ctx is cancelled, on Unsubscribe, or on Close.
func (b *Broadcaster) Subscribe(ctx context.Context, chatID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[chatID]; !ok {
		b.subscribers[chatID] = make(map[string]chan Event)
	}
	b.subscribers[chatID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "chat_id", chatID, "sub_id", subID)

	context.AfterFunc(ctx, func() {
		b.Unsubscribe(chatID, subID)
	})

	return ch, subID
}

// Publish sends ev to every subscriber of ev.ChatID. Non-blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[ev.ChatID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"chat_id", ev.ChatID,
				"sub_id", subID,
				"kind", ev.Kind)
		}
	}
}

// PublishState publishes a deep copy of state.
func (b *Broadcaster) PublishState(state chat.State) {
	b.Publish(Event{Kind: EventState, ChatID: state.ChatID, State: state.Clone()})
}

// Notifier returns a notify.Notifier that publishes notices to chatID.
func (b *Broadcaster) Notifier(chatID string) notify.Notifier {
	return notify.Func(func(n notify.Notice) {
		b.Publish(Event{Kind: EventNotice, ChatID: chatID, Notice: n})
	})
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(chatID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[chatID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, chatID)
	}

	b.logger.Debug("subscriber removed", "chat_id", chatID, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers for chatID.
func (b *Broadcaster) SubscriberCount(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[chatID])
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for chatID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, chatID)
	}

	b.logger.Debug("broadcaster closed")
}
