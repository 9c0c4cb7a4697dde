// Package memory keeps commit events in memory, encoded the same way the
// Pub/Sub publisher puts them on the wire.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

// Message is one recorded publish.
type Message struct {
	Topic string
	Data  []byte
}

// Publisher records every published event.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	failWith error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish JSON-encodes payload and records it under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	p.messages = append(p.messages, Message{Topic: topic, Data: data})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// FailWith makes every later Publish return err. A nil err clears it.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Messages returns a copy of the recorded publishes in order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// CommitEvents decodes every recorded message as a commit event.
func (p *Publisher) CommitEvents() ([]crawler.CommitEvent, error) {
	msgs := p.Messages()
	events := make([]crawler.CommitEvent, 0, len(msgs))
	for i, msg := range msgs {
		var event crawler.CommitEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
		events = append(events, event)
	}
	return events, nil
}
