// Package bus is the publish/subscribe channel the orchestration components
// use to notify each other. A topic fans out to every plain subscriber;
// subscribers that join a group compete, so each message reaches at most
// one member of that group.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("bus closed")

// Message is a single published notification.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is the capability the rest of the system depends on. Delivery is best
// effort: a subscriber that does not keep up drops messages, and callers
// must tolerate that with a periodic fallback.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, options ...SubscribeOption) (*Subscription, error)
}

type subscribeOptions struct {
	group  string
	buffer int
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

// InGroup makes the subscriber a competing consumer within group.
func InGroup(group string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.group = group
	}
}

// WithBuffer sets how many undelivered messages a subscriber may queue.
func WithBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// Subscription receives messages on C until Close is called.
type Subscription struct {
	C <-chan Message

	ch     chan Message
	topic  string
	group  string
	bus    *Memory
	once   sync.Once
	closed bool
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Memory is an in-process Bus.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *slog.Logger
	closed bool
}

type topic struct {
	broadcast []*Subscription
	groups    map[string]*group
}

type group struct {
	members []*Subscription
	next    int
}

// NewMemory creates an empty in-process bus.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		topics: make(map[string]*topic),
		logger: logger,
	}
}

func (m *Memory) Subscribe(name string, options ...SubscribeOption) (*Subscription, error) {
	opts := subscribeOptions{buffer: 64}
	for _, option := range options {
		option(&opts)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	ch := make(chan Message, opts.buffer)
	sub := &Subscription{
		C:     ch,
		ch:    ch,
		topic: name,
		group: opts.group,
		bus:   m,
	}

	t := m.topics[name]
	if t == nil {
		t = &topic{groups: make(map[string]*group)}
		m.topics[name] = t
	}
	if opts.group == "" {
		t.broadcast = append(t.broadcast, sub)
	} else {
		g := t.groups[opts.group]
		if g == nil {
			g = &group{}
			t.groups[opts.group] = g
		}
		g.members = append(g.members, sub)
	}
	return sub, nil
}

func (m *Memory) Publish(ctx context.Context, name string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	t := m.topics[name]
	if t == nil {
		return nil
	}
	msg := Message{Topic: name, Payload: payload}

	for _, sub := range t.broadcast {
		m.deliver(sub, msg)
	}

	// Round-robin across the group, skipping members whose buffer is full,
	// so that a single member receives each message.
	for groupName, g := range t.groups {
		delivered := false
		for i := 0; i < len(g.members) && !delivered; i++ {
			sub := g.members[(g.next+i)%len(g.members)]
			select {
			case sub.ch <- msg:
				delivered = true
				g.next = (g.next + i + 1) % len(g.members)
			default:
			}
		}
		if !delivered {
			m.logger.Debug("Dropped bus message, no group member ready", "topic", msg.Topic, "group", groupName)
		}
	}
	return nil
}

func (m *Memory) deliver(sub *Subscription, msg Message) {
	select {
	case sub.ch <- msg:
	default:
		m.logger.Debug("Dropped bus message, subscriber is full", "topic", msg.Topic)
	}
}

func (m *Memory) remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	t := m.topics[sub.topic]
	if t == nil {
		return
	}
	if sub.group == "" {
		t.broadcast = removeSub(t.broadcast, sub)
	} else if g := t.groups[sub.group]; g != nil {
		g.members = removeSub(g.members, sub)
		if len(g.members) == 0 {
			delete(t.groups, sub.group)
		} else {
			g.next %= len(g.members)
		}
	}
	if len(t.broadcast) == 0 && len(t.groups) == 0 {
		delete(m.topics, sub.topic)
	}
}

// Close shuts the bus down and closes every subscription channel.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, t := range m.topics {
		for _, sub := range t.broadcast {
			sub.closed = true
			close(sub.ch)
		}
		for _, g := range t.groups {
			for _, sub := range g.members {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	m.topics = make(map[string]*topic)
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
