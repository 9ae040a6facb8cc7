package sms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"pond-gateway/internal/config"
)

type fakeAPI struct {
	mu     sync.Mutex
	params []*openapi.CreateMessageParams
	err    error
	delay  time.Duration
}

func (f *fakeAPI) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &openapi.ApiV2010Message{Sid: &sid}, nil
}

func newTestSender(api *fakeAPI) *Sender {
	return &Sender{
		api:    api,
		from:   "+15550001111",
		to:     "+15550002222",
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC) },
	}
}

func TestNew_DisabledWithoutCredentials(t *testing.T) {
	s := New(config.SMSConfig{FromNumber: "+1", ToNumber: "+2"}, zap.NewNop())
	assert.False(t, s.Enabled())

	err := s.SendCritical(context.Background(), "p1", "ph", 4.0, nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNew_DisabledWithoutNumbers(t *testing.T) {
	s := New(config.SMSConfig{AccountSID: "AC1", AuthToken: "tok"}, zap.NewNop())
	assert.False(t, s.Enabled())
}

func TestNew_EnabledWithEverything(t *testing.T) {
	s := New(config.SMSConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+1", ToNumber: "+2"}, zap.NewNop())
	assert.True(t, s.Enabled())
}

func TestSendCritical_MessageText(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSender(api)
	limit := 3.0

	require.NoError(t, s.SendCritical(context.Background(), "pond_001", "dissolved_oxygen", 2.5, &limit))
	require.Len(t, api.params, 1)
	p := api.params[0]
	assert.Equal(t, "+15550002222", *p.To)
	assert.Equal(t, "+15550001111", *p.From)
	assert.Equal(t, "POND ALERT\n\nPond: pond_001\nAlert: dissolved_oxygen_critical\n\n"+
		"CRITICAL: DISSOLVED_OXYGEN level is 2.5 (threshold: 3). Immediate attention required!\n\n"+
		"Time: 2026-03-01 14:30:00", *p.Body)
}

func TestSendHigh_MessageText(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSender(api)
	limit := 8.5

	require.NoError(t, s.SendHigh(context.Background(), "p1", "ph", 8.7, &limit))
	assert.Contains(t, *api.params[0].Body, "HIGH: PH level is 8.7 (threshold: 8.5). Please check soon.")
	assert.Contains(t, *api.params[0].Body, "Alert: ph_high")
}

func TestSend_NoThreshold(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSender(api)

	require.NoError(t, s.SendCritical(context.Background(), "p1", "anomaly", 0.93, nil))
	assert.Contains(t, *api.params[0].Body, "ANOMALY level is 0.93 (threshold: n/a)")
}

func TestSend_WrapsAPIError(t *testing.T) {
	boom := errors.New("20003 authenticate")
	s := newTestSender(&fakeAPI{err: boom})

	err := s.SendHigh(context.Background(), "p1", "ph", 8.7, nil)
	assert.ErrorIs(t, err, boom)
}

func TestSend_HonoursContext(t *testing.T) {
	s := newTestSender(&fakeAPI{delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.SendCritical(ctx, "p1", "ph", 4, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
