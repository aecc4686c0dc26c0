package realtime

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

// Topic is the subscription unit: one owner's section. Connections are bound to one owner, so
// equal section keys of different owners never share subscribers.
type Topic struct {
	OwnerID     string
	SectionType string
	SectionKey  string
}

// TopicOf maps a section reference onto its topic.
func TopicOf(ref sections.SectionRef) Topic {
	return Topic{
		OwnerID:     ref.OwnerID.String(),
		SectionType: ref.SectionType.String(),
		SectionKey:  ref.SectionKey.String(),
	}
}

// Registry tracks which connections are subscribed to which topics.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[string]struct{}
	topics      map[string]map[Topic]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		subscribers: make(map[Topic]map[string]struct{}),
		topics:      make(map[string]map[Topic]struct{}),
	}
}

// Subscribe adds the connection to the topic. It reports whether the subscription is new.
func (r *Registry) Subscribe(connectionID string, topic Topic) bool {
	if connectionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.subscribers[topic]
	if !ok {
		members = make(map[string]struct{})
		r.subscribers[topic] = members
	}
	if _, exists := members[connectionID]; exists {
		return false
	}
	members[connectionID] = struct{}{}

	joined, ok := r.topics[connectionID]
	if !ok {
		joined = make(map[Topic]struct{})
		r.topics[connectionID] = joined
	}
	joined[topic] = struct{}{}
	return true
}

// Unsubscribe removes the connection from the topic. It reports whether a subscription existed.
func (r *Registry) Unsubscribe(connectionID string, topic Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connectionID, topic)
}

// UnsubscribeAll drops every subscription held by the connection and returns the topics it left.
func (r *Registry) UnsubscribeAll(connectionID string) []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := r.topics[connectionID]
	left := make([]Topic, 0, len(joined))
	for topic := range joined {
		left = append(left, topic)
	}
	for _, topic := range left {
		r.removeLocked(connectionID, topic)
	}
	return left
}

func (r *Registry) removeLocked(connectionID string, topic Topic) bool {
	members := r.subscribers[topic]
	if _, ok := members[connectionID]; !ok {
		return false
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.subscribers, topic)
	}
	joined := r.topics[connectionID]
	delete(joined, topic)
	if len(joined) == 0 {
		delete(r.topics, connectionID)
	}
	return true
}

// SubscribersOf returns a sorted snapshot of the topic's connections. Callers iterate the copy,
// so concurrent membership changes never affect an in-progress broadcast.
func (r *Registry) SubscribersOf(topic Topic) []string {
	r.mu.RLock()
	members := r.subscribers[topic]
	snapshot := make([]string, 0, len(members))
	for connectionID := range members {
		snapshot = append(snapshot, connectionID)
	}
	r.mu.RUnlock()
	sort.Strings(snapshot)
	return snapshot
}

// TopicsOf returns the topics the connection is subscribed to.
func (r *Registry) TopicsOf(connectionID string) []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	joined := r.topics[connectionID]
	snapshot := make([]Topic, 0, len(joined))
	for topic := range joined {
		snapshot = append(snapshot, topic)
	}
	return snapshot
}

// Counts reports the number of connections with at least one subscription and the number of
// topics with at least one subscriber.
func (r *Registry) Counts() (connections int, topics int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics), len(r.subscribers)
}
