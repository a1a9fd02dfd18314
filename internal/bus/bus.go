package bus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/model-search/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 1024
)

// Bus is the observable message bus. Trees, branches and the campaign publish
// every event through it. Observers (auditor, archive, search log, display)
// each hold their own read-only tap receiving every message published.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.MessageType][]chan types.Message
	taps        []chan types.Message
	closed      bool
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.MessageType][]chan types.Message),
	}
}

// Publish fans out msg to all subscribers of msg.Type and to every tap.
// Missing ids and timestamps are filled in.
// Non-blocking: if a channel is full, the message is dropped with a warning.
func (b *Bus) Publish(msg types.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		log.Printf("[BUS] WARNING: publish after close dropped type=%s from=%s", msg.Type, msg.From)
		return
	}
	for _, ch := range b.subscribers[msg.Type] {
		select {
		case ch <- msg:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for type=%s from=%s; message dropped", msg.Type, msg.From)
		}
	}
	// Taps never block the publisher.
	for _, ch := range b.taps {
		select {
		case ch <- msg:
		default:
			log.Printf("[BUS] WARNING: tap channel full; message dropped type=%s", msg.Type)
		}
	}
}

// Subscribe returns a receive-only channel that delivers messages of type t.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(t types.MessageType) <-chan types.Message {
	ch := make(chan types.Message, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()
	return ch
}

// NewTap returns a new read-only channel receiving every message published
// from now on. Each observer takes its own tap.
func (b *Bus) NewTap() <-chan types.Message {
	ch := make(chan types.Message, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

// Close closes every subscriber and tap channel so observers drain and exit.
// Publishing after Close drops the message.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.taps {
		close(ch)
	}
}
