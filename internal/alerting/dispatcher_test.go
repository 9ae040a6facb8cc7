package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pond-gateway/internal/config"
	"pond-gateway/internal/data"
)

type fakeBroadcast struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (f *fakeBroadcast) Send(eventType string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return f.err
}

func (f *fakeBroadcast) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeSMS struct {
	mu       sync.Mutex
	enabled  bool
	err      error
	block    bool
	critical int
	high     int
}

func (f *fakeSMS) Enabled() bool { return f.enabled }

func (f *fakeSMS) SendCritical(ctx context.Context, _, _ string, _ float64, _ *float64) error {
	return f.send(ctx, &f.critical)
}

func (f *fakeSMS) SendHigh(ctx context.Context, _, _ string, _ float64, _ *float64) error {
	return f.send(ctx, &f.high)
}

func (f *fakeSMS) send(ctx context.Context, counter *int) error {
	f.mu.Lock()
	*counter++
	block, err := f.block, f.err
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func newTestDispatcher(t *testing.T, b BroadcastSink, s SMSSink) (*Dispatcher, *Alerter) {
	t.Helper()
	a, _, _ := newTestAlerter(t)
	cfg := config.Default().Notify
	cfg.SinkTimeout = 100 * time.Millisecond
	return NewDispatcher(b, s, a, cfg, zap.NewNop()), a
}

func submitted(t *testing.T, a *Alerter, sev data.Severity) *data.Alert {
	t.Helper()
	c := lowOxygen()
	c.Severity = sev
	alert, err := a.Submit(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, alert)
	return alert
}

func TestDispatch_SMSDisabledStillBroadcasts(t *testing.T) {
	b := &fakeBroadcast{}
	d, a := newTestDispatcher(t, b, &fakeSMS{enabled: false})
	alert := submitted(t, a, data.SeverityCritical)

	var res DispatchResult
	assert.NotPanics(t, func() { res = d.Dispatch(context.Background(), alert) })
	assert.True(t, res.BroadcastOK)
	assert.False(t, res.SMSAttempted)
	assert.Equal(t, []string{EventAlert}, b.events)

	stored, err := a.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.False(t, stored.SMSSent)
}

func TestDispatch_CriticalAndHighRouting(t *testing.T) {
	sms := &fakeSMS{enabled: true}
	d, a := newTestDispatcher(t, &fakeBroadcast{}, sms)

	critical := submitted(t, a, data.SeverityCritical)
	res := d.Dispatch(context.Background(), critical)
	assert.True(t, res.SMSOK)
	assert.Equal(t, 1, sms.critical)

	stored, err := a.Get(context.Background(), critical.ID)
	require.NoError(t, err)
	assert.True(t, stored.SMSSent)

	c := BatteryCandidate("p1", "esp32", "r2", 10, 20)
	c.Severity = data.SeverityHigh
	high, err := a.Submit(context.Background(), c)
	require.NoError(t, err)
	d.Dispatch(context.Background(), high)
	assert.Equal(t, 1, sms.high)

	medium, err := a.Submit(context.Background(), AnomalyCandidate("p1", "r3", 0.5, nil, data.DefaultScoreBands()))
	require.NoError(t, err)
	res = d.Dispatch(context.Background(), medium)
	assert.False(t, res.SMSAttempted)
	assert.Equal(t, 1, sms.critical)
	assert.Equal(t, 1, sms.high)
}

func TestDispatch_SinkFailuresAreIndependent(t *testing.T) {
	b := &fakeBroadcast{err: errors.New("hub gone")}
	sms := &fakeSMS{enabled: true}
	d, a := newTestDispatcher(t, b, sms)

	res := d.Dispatch(context.Background(), submitted(t, a, data.SeverityCritical))
	assert.False(t, res.BroadcastOK)
	assert.True(t, res.SMSOK)

	b.err = nil
	sms.err = errors.New("twilio 500")
	c := lowOxygen()
	c.PondID = "p2"
	alert, err := a.Submit(context.Background(), c)
	require.NoError(t, err)
	res = d.Dispatch(context.Background(), alert)
	assert.True(t, res.BroadcastOK)
	assert.True(t, res.SMSAttempted)
	assert.False(t, res.SMSOK)

	stored, err := a.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.False(t, stored.SMSSent)
}

func TestDispatch_SinkTimeout(t *testing.T) {
	sms := &fakeSMS{enabled: true, block: true}
	d, a := newTestDispatcher(t, &fakeBroadcast{}, sms)

	start := time.Now()
	res := d.Dispatch(context.Background(), submitted(t, a, data.SeverityCritical))
	assert.False(t, res.SMSOK)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEnqueue_WorkersDrainQueue(t *testing.T) {
	b := &fakeBroadcast{}
	d, a := newTestDispatcher(t, b, nil)
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		c := lowOxygen()
		c.PondID = string(rune('a' + i))
		alert, err := a.Submit(context.Background(), c)
		require.NoError(t, err)
		assert.True(t, d.Enqueue(alert))
	}
	require.Eventually(t, func() bool { return b.count() == 5 }, 2*time.Second, 10*time.Millisecond)
	d.Stop()
}

func TestEnqueue_FullQueueDrops(t *testing.T) {
	cfg := config.Default().Notify
	cfg.QueueSize = 1
	d := NewDispatcher(&fakeBroadcast{}, nil, nil, cfg, zap.NewNop())

	alert := &data.Alert{ID: "a1", Severity: data.SeverityLow}
	assert.True(t, d.Enqueue(alert))
	assert.False(t, d.Enqueue(alert))
}

func TestStop_FlushesQueued(t *testing.T) {
	b := &fakeBroadcast{}
	d, _ := newTestDispatcher(t, b, nil)
	for i := 0; i < 3; i++ {
		require.True(t, d.Enqueue(&data.Alert{ID: "x", Severity: data.SeverityLow}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Start(ctx)
	d.Stop()
	assert.Equal(t, 3, b.count())
}
