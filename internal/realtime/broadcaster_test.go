package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered map[string][]Message
	failures  map[string]error
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{delivered: make(map[string][]Message), failures: make(map[string]error)}
}

func (d *recordingDeliverer) Deliver(connectionID string, message Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failures[connectionID]; err != nil {
		return err
	}
	d.delivered[connectionID] = append(d.delivered[connectionID], message)
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveDelivery(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func TestBroadcasterSkipsOrigin(t *testing.T) {
	registry := NewRegistry()
	topic := Topic{OwnerID: "owner-1", SectionType: "widget", SectionKey: "overview"}
	registry.Subscribe("conn-a", topic)
	registry.Subscribe("conn-b", topic)
	deliverer := newRecordingDeliverer()
	broadcaster := NewBroadcaster(BroadcasterConfig{Registry: registry, Deliverer: deliverer})

	report := broadcaster.Publish(topic, 2, sections.Content(`{"text":"hi"}`), "conn-a")
	if report.Delivered != 1 || report.Dropped != 0 {
		t.Fatalf("unexpected report: %#v", report)
	}
	if len(deliverer.delivered["conn-a"]) != 0 {
		t.Fatal("originating connection must not receive its own update")
	}
	messages := deliverer.delivered["conn-b"]
	if len(messages) != 1 {
		t.Fatalf("expected one message for conn-b, got %d", len(messages))
	}
	message := messages[0]
	if message.Type != MessageTypeUpdate || message.Source != SourceRealtime {
		t.Fatalf("unexpected message envelope: %#v", message)
	}
	if message.Version != 2 || string(message.Content) != `{"text":"hi"}` || message.SectionKey != "overview" || message.SectionType != "widget" {
		t.Fatalf("unexpected message payload: %#v", message)
	}
}

func TestBroadcasterContinuesPastFailedSubscribers(t *testing.T) {
	registry := NewRegistry()
	topic := Topic{OwnerID: "owner-1", SectionType: "widget", SectionKey: "overview"}
	for _, id := range []string{"conn-full", "conn-gone", "conn-ok"} {
		registry.Subscribe(id, topic)
	}
	deliverer := newRecordingDeliverer()
	deliverer.failures["conn-full"] = ErrSendBufferFull
	deliverer.failures["conn-gone"] = ErrConnectionGone
	observer := &countingObserver{}
	broadcaster := NewBroadcaster(BroadcasterConfig{Registry: registry, Deliverer: deliverer, Observer: observer})

	report := broadcaster.Publish(topic, 3, sections.Content(`{}`), "")
	if report.Delivered != 1 || report.Dropped != 2 {
		t.Fatalf("unexpected report: %#v", report)
	}
	if len(deliverer.delivered["conn-ok"]) != 1 {
		t.Fatal("healthy subscriber must still receive the update")
	}
	if topics := registry.TopicsOf("conn-gone"); len(topics) != 0 {
		t.Fatalf("gone connection should be unsubscribed, still on %v", topics)
	}
	if len(registry.TopicsOf("conn-full")) != 1 {
		t.Fatal("a full buffer is transient and must keep the subscription")
	}
	if observer.outcomes[DeliveryDelivered] != 1 || observer.outcomes[DeliveryDropped] != 1 || observer.outcomes[DeliveryGone] != 1 {
		t.Fatalf("unexpected observed outcomes: %v", observer.outcomes)
	}
}

func TestBroadcasterActsAsSectionNotifier(t *testing.T) {
	registry := NewRegistry()
	registry.Subscribe("conn-b", Topic{OwnerID: "owner-1", SectionType: "widget", SectionKey: "overview"})
	deliverer := newRecordingDeliverer()
	var notifier sections.Notifier = NewBroadcaster(BroadcasterConfig{Registry: registry, Deliverer: deliverer})

	ref, err := sections.NewSectionRef("owner-1", "widget", "overview")
	if err != nil {
		t.Fatalf("unexpected ref error: %v", err)
	}
	notifier.SectionSaved(sections.ChangeNotice{Ref: ref, Version: 5, Content: sections.Content(`{"a":1}`), SavedAt: time.Now()}, "conn-a")
	if len(deliverer.delivered["conn-b"]) != 1 || deliverer.delivered["conn-b"][0].Version != 5 {
		t.Fatalf("expected notice to be broadcast, got %#v", deliverer.delivered)
	}
}

func TestNilBroadcasterIsNoop(t *testing.T) {
	var broadcaster *Broadcaster
	report := broadcaster.Publish(Topic{}, 1, nil, "")
	if report.Delivered != 0 || report.Dropped != 0 {
		t.Fatalf("expected empty report, got %#v", report)
	}
}
