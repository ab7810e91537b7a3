// Package memory keeps completion events in process. It backs tests and
// local runs where no Pub/Sub topic is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Event is one recorded publish.
type Event struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records events per topic. Err, when set, fails every publish.
type Publisher struct {
	mu     sync.RWMutex
	events map[string][]Event
	Err    error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{events: make(map[string][]Event)}
}

// Publish stores payload under topic and returns "<topic>-<n>".
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	id := fmt.Sprintf("%s-%d", topic, len(p.events[topic])+1)
	p.events[topic] = append(p.events[topic], Event{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Topic returns a copy of the events published to topic, oldest first.
func (p *Publisher) Topic(topic string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.events[topic]) == 0 {
		return nil
	}
	return append([]Event(nil), p.events[topic]...)
}

// Len counts events across all topics.
func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, evs := range p.events {
		n += len(evs)
	}
	return n
}
