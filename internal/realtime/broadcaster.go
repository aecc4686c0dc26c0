package realtime

import (
	"errors"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

var (
	// ErrConnectionGone is returned when delivering to a connection that has disconnected.
	ErrConnectionGone = errors.New("realtime: connection gone")
	// ErrSendBufferFull is returned when a connection's outbound buffer is saturated.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
)

const (
	DeliveryDelivered = "delivered"
	DeliveryDropped   = "dropped"
	DeliveryGone      = "gone"
)

// Deliverer enqueues a message for one connection without blocking.
type Deliverer interface {
	Deliver(connectionID string, message Message) error
}

// DeliveryObserver records per-subscriber delivery outcomes.
type DeliveryObserver interface {
	ObserveDelivery(outcome string)
}

type BroadcasterConfig struct {
	Registry  *Registry
	Deliverer Deliverer
	Observer  DeliveryObserver
	Logger    *zap.Logger
}

// Broadcaster fans committed writes out to the topic's subscribers, skipping the originator.
type Broadcaster struct {
	registry  *Registry
	deliverer Deliverer
	observer  DeliveryObserver
	logger    *zap.Logger
}

func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		registry:  cfg.Registry,
		deliverer: cfg.Deliverer,
		observer:  cfg.Observer,
		logger:    logger,
	}
}

// PublishReport summarizes one fan-out.
type PublishReport struct {
	Delivered int
	Dropped   int
}

// Publish enqueues an update for every subscriber except originConnectionID. Delivery is
// at most once per subscriber and never blocks on a slow connection.
func (b *Broadcaster) Publish(topic Topic, version int64, content sections.Content, originConnectionID string) PublishReport {
	var report PublishReport
	if b == nil || b.registry == nil || b.deliverer == nil {
		return report
	}
	message := Message{
		Type:        MessageTypeUpdate,
		SectionType: topic.SectionType,
		SectionKey:  topic.SectionKey,
		Version:     version,
		Content:     content.RawMessage(),
		Source:      SourceRealtime,
	}
	for _, connectionID := range b.registry.SubscribersOf(topic) {
		if connectionID == originConnectionID {
			continue
		}
		err := b.deliverer.Deliver(connectionID, message)
		switch {
		case err == nil:
			report.Delivered++
			b.observe(DeliveryDelivered)
		case errors.Is(err, ErrConnectionGone):
			report.Dropped++
			b.registry.UnsubscribeAll(connectionID)
			b.observe(DeliveryGone)
			b.logger.Warn("broadcast target gone",
				zap.String("connection_id", connectionID),
				zap.String("section_key", topic.SectionKey))
		default:
			report.Dropped++
			b.observe(DeliveryDropped)
			b.logger.Warn("broadcast delivery dropped",
				zap.String("connection_id", connectionID),
				zap.String("section_key", topic.SectionKey),
				zap.Int64("version", version),
				zap.Error(err))
		}
	}
	return report
}

// SectionSaved adapts the broadcaster to the save coordinator's notifier hook.
func (b *Broadcaster) SectionSaved(notice sections.ChangeNotice, originConnectionID string) {
	b.Publish(TopicOf(notice.Ref), notice.Version, notice.Content, originConnectionID)
}

func (b *Broadcaster) observe(outcome string) {
	if b.observer != nil {
		b.observer.ObserveDelivery(outcome)
	}
}
