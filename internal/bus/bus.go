package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/haze/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus carries field events from the request path to observers (auditor,
// terminal display). Publishing never blocks the request path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.MessageType][]chan types.Message
	taps        []chan types.Message
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.MessageType][]chan types.Message),
	}
}

// Publish fans out msg to all subscribers of msg.Type and to every tap.
// Missing ID and Timestamp are filled in. A full channel drops the message
// with a warning.
//
// Expectations:
//   - Never blocks, even when no one is reading
//   - Safe to call on a nil *Bus (no-op)
func (b *Bus) Publish(msg types.Message) {
	if b == nil {
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[msg.Type]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("[BUS] subscriber channel full, message dropped", "type", msg.Type, "from", msg.From)
		}
	}
	for _, ch := range taps {
		select {
		case ch <- msg:
		default:
			slog.Warn("[BUS] tap channel full, message dropped", "type", msg.Type)
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

// NewTap returns a channel that receives every published message.
// Each call creates an independent tap.
func (b *Bus) NewTap() <-chan types.Message {
	ch := make(chan types.Message, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
