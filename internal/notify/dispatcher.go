// Package notify turns the notification intents recorded on alerts into
// fire-and-forget publishes. Nothing here can fail a core operation: a full
// queue drops the message and a publish error is logged and counted.
package notify

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/metrics"
)

// Publisher delivers one payload on a channel name such as "sms".
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Notifier accepts alerts whose notification intents should go out.
type Notifier interface {
	Notify(a *domain.Alert)
}

type Message struct {
	AlertID     uuid.UUID        `json:"alertId"`
	SessionID   uuid.UUID        `json:"sessionId"`
	TouristID   string           `json:"touristId"`
	AlertType   domain.AlertType `json:"alertType"`
	Severity    domain.Severity  `json:"severity"`
	Description string           `json:"description"`
	Location    *domain.Point    `json:"location,omitempty"`
	Recipient   string           `json:"recipient"`
	Channel     domain.Channel   `json:"channel"`
	At          time.Time        `json:"at"`
}

type Dispatcher struct {
	ch      chan Message
	pub     Publisher
	log     *zap.Logger
	dropped atomic.Int64
}

func NewDispatcher(size int, pub Publisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		ch:  make(chan Message, size),
		pub: pub,
		log: log,
	}
}

// Notify enqueues one message per notification intent on a. It never
// blocks.
func (d *Dispatcher) Notify(a *domain.Alert) {
	for _, n := range a.Notifications {
		msg := Message{
			AlertID:     a.ID,
			SessionID:   a.SessionID,
			TouristID:   a.TouristID,
			AlertType:   a.Type,
			Severity:    a.Severity,
			Description: a.Description,
			Location:    a.Location,
			Recipient:   n.Recipient,
			Channel:     n.Channel,
			At:          n.At,
		}
		select {
		case d.ch <- msg:
		default:
			d.dropped.Add(1)
			metrics.NotificationsDropped.Inc()
		}
	}
}

// Dropped is the number of messages lost to a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run publishes queued messages until ctx is done, then drains what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case msg := <-d.ch:
			d.publish(ctx, msg)

		case <-ctx.Done():
			for {
				select {
				case msg := <-d.ch:
					d.publish(context.Background(), msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.log.Error("marshal notification", zap.Error(err))
		return
	}
	if err := d.pub.Publish(ctx, string(msg.Channel), payload); err != nil {
		metrics.NotificationFailures.Inc()
		d.log.Warn("notification publish failed",
			zap.Stringer("alert_id", msg.AlertID),
			zap.String("channel", string(msg.Channel)),
			zap.Error(err),
		)
	}
}

// LogPublisher writes notifications to the log; used when no broker is
// configured.
type LogPublisher struct {
	Log *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.Log.Info("notification", zap.String("channel", channel), zap.ByteString("payload", payload))
	return nil
}
