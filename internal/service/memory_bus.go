package service

import (
	"context"
	"strconv"
	"sync"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// MemoryBus is an in-process domain.SignalBus used when Redis is disabled.
// Subscribers that fall behind lose messages; the stream keeps the newest
// maxLen entries.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
	maxLen  int
}

// NewMemoryBus creates a MemoryBus. maxLen <= 0 keeps 10000 stream entries.
func NewMemoryBus(maxLen int) *MemoryBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &MemoryBus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to every current subscriber of channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel fed by Publish until ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// StreamAppend appends payload with a monotonically increasing ID.
func (b *MemoryBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: payload,
	})
	if len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries whose ID follows lastID. "0" and
// "0-0" read from the start.
func (b *MemoryBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after := streamSeq(lastID)

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if streamSeq(m.ID) <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

// streamSeq parses the leading part of a stream ID.
func streamSeq(id string) uint64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Compile-time interface check.
var _ domain.SignalBus = (*MemoryBus)(nil)
