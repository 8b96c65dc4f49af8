package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/domain"
)

type recordingPublisher struct {
	mu   sync.Mutex
	got  []Message
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	if string(m.Channel) != channel {
		return errors.New("channel mismatch")
	}
	p.got = append(p.got, m)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func panicAlert() (*domain.Alert, *domain.Session) {
	s := &domain.Session{
		ID: uuid.New(),
		EmergencyContacts: []domain.EmergencyContact{
			{Name: "Asha", Phone: "+919812345678", Email: "asha@example.com"},
			{Name: "Ravi", Phone: "+919800000000"},
		},
	}
	a := &domain.Alert{ID: uuid.New(), SessionID: s.ID, Type: domain.AlertPanic, Severity: domain.SeverityCritical}
	a.Notifications = Intents(a, s, now)
	return a, s
}

func TestIntents(t *testing.T) {
	a, s := panicAlert()
	require.Len(t, a.Notifications, 4)
	assert.Equal(t, domain.Notification{Recipient: OperatorsRecipient, Channel: domain.ChannelSocket, At: now}, a.Notifications[0])
	assert.Equal(t, domain.ChannelSMS, a.Notifications[1].Channel)
	assert.Equal(t, "asha@example.com", a.Notifications[2].Recipient)
	assert.Equal(t, "+919800000000", a.Notifications[3].Recipient)

	battery := &domain.Alert{Type: domain.AlertLowBattery}
	got := Intents(battery, s, now)
	require.Len(t, got, 1)
	assert.Equal(t, domain.ChannelSocket, got[0].Channel)
}

func TestDispatcherPublishesEveryIntent(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(10, pub, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	a, _ := panicAlert()
	d.Notify(a)

	assert.Eventually(t, func() bool { return pub.count() == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, a.ID, pub.got[0].AlertID)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, &recordingPublisher{}, zap.NewNop())

	a, _ := panicAlert()
	d.Notify(a) // nobody is draining: 1 queued, 3 dropped

	assert.Equal(t, int64(3), d.Dropped())
}

func TestDispatcherSurvivesPublisherFailure(t *testing.T) {
	pub := &recordingPublisher{fail: true}
	d := NewDispatcher(10, pub, zap.NewNop())
	a, _ := panicAlert()
	d.Notify(a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx) // drains the queue and returns

	assert.Zero(t, pub.count())
	assert.Zero(t, d.Dropped())
}
