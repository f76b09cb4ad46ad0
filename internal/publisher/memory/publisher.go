// Package memory keeps snapshot notifications in process when no Pub/Sub
// project is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultRetain bounds how many notifications a Publisher keeps.
const DefaultRetain = 256

// Message is one recorded notification.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps the most recent notifications, dropping the oldest once
// the retention limit is reached.
type Publisher struct {
	mu     sync.RWMutex
	retain int
	seq    int
	recent []Message
}

// New returns a Publisher that keeps at most retain messages.
// A non-positive retain uses DefaultRetain.
func New(retain int) *Publisher {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Publisher{retain: retain}
}

// Publish records the notification and returns a sequential ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := Message{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Payload: payload}
	if len(p.recent) == p.retain {
		copy(p.recent, p.recent[1:])
		p.recent[len(p.recent)-1] = msg
	} else {
		p.recent = append(p.recent, msg)
	}
	return msg.ID, nil
}

// Messages returns the retained notifications, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.recent))
	copy(out, p.recent)
	return out
}

// Published reports how many notifications were accepted in total.
func (p *Publisher) Published() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}
