package realtime

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistrySubscribeAndLookup(t *testing.T) {
	registry := NewRegistry()
	overview := Topic{OwnerID: "owner-1", SectionType: "widget", SectionKey: "overview"}
	notes := Topic{OwnerID: "owner-1", SectionType: "widget", SectionKey: "notes"}

	if !registry.Subscribe("conn-b", overview) {
		t.Fatal("expected new subscription")
	}
	if registry.Subscribe("conn-b", overview) {
		t.Fatal("duplicate subscription must report false")
	}
	registry.Subscribe("conn-a", overview)
	registry.Subscribe("conn-a", notes)

	subscribers := registry.SubscribersOf(overview)
	if len(subscribers) != 2 || subscribers[0] != "conn-a" || subscribers[1] != "conn-b" {
		t.Fatalf("unexpected subscribers: %v", subscribers)
	}
	if topics := registry.TopicsOf("conn-a"); len(topics) != 2 {
		t.Fatalf("expected conn-a on 2 topics, got %v", topics)
	}
	connections, topics := registry.Counts()
	if connections != 2 || topics != 2 {
		t.Fatalf("unexpected counts: %d connections, %d topics", connections, topics)
	}
}

func TestRegistryTopicsAreScopedByOwner(t *testing.T) {
	registry := NewRegistry()
	registry.Subscribe("conn-a", Topic{OwnerID: "owner-1", SectionType: "widget", SectionKey: "overview"})
	if subscribers := registry.SubscribersOf(Topic{OwnerID: "owner-2", SectionType: "widget", SectionKey: "overview"}); len(subscribers) != 0 {
		t.Fatalf("other owners must not share subscribers: %v", subscribers)
	}
}

func TestRegistryUnsubscribe(t *testing.T) {
	registry := NewRegistry()
	overview := Topic{OwnerID: "owner-1", SectionType: "widget", SectionKey: "overview"}
	notes := Topic{OwnerID: "owner-1", SectionType: "widget", SectionKey: "notes"}
	registry.Subscribe("conn-a", overview)
	registry.Subscribe("conn-a", notes)

	if !registry.Unsubscribe("conn-a", overview) {
		t.Fatal("expected existing subscription to be removed")
	}
	if registry.Unsubscribe("conn-a", overview) {
		t.Fatal("second unsubscribe must report false")
	}
	left := registry.UnsubscribeAll("conn-a")
	if len(left) != 1 || left[0] != notes {
		t.Fatalf("unexpected topics left: %v", left)
	}
	connections, topics := registry.Counts()
	if connections != 0 || topics != 0 {
		t.Fatalf("registry should be empty, got %d connections, %d topics", connections, topics)
	}
}

func TestRegistrySnapshotIsStableUnderConcurrentChurn(t *testing.T) {
	registry := NewRegistry()
	topic := Topic{OwnerID: "owner-1", SectionType: "widget", SectionKey: "overview"}
	registry.Subscribe("stable", topic)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for iteration := 0; iteration < 200; iteration++ {
				id := fmt.Sprintf("churn-%d-%d", worker, iteration)
				registry.Subscribe(id, topic)
				registry.Unsubscribe(id, topic)
			}
		}(worker)
	}
	for iteration := 0; iteration < 200; iteration++ {
		snapshot := registry.SubscribersOf(topic)
		seen := make(map[string]bool, len(snapshot))
		found := false
		for _, id := range snapshot {
			if seen[id] {
				t.Fatalf("snapshot contains duplicate %s", id)
			}
			seen[id] = true
			if id == "stable" {
				found = true
			}
		}
		if !found {
			t.Fatal("live subscriber missing from snapshot")
		}
	}
	wg.Wait()
}
