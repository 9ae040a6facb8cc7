// internal/sms/twilio.go
package sms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"pond-gateway/internal/config"
)

// ErrDisabled is returned when a send is attempted without full credentials.
var ErrDisabled = errors.New("sms disabled")

// messageCreator is the slice of the Twilio REST client the sink uses.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Sender delivers alert text messages through Twilio.
type Sender struct {
	api    messageCreator
	from   string
	to     string
	logger *zap.Logger
	now    func() time.Time
}

// New builds a sender. With incomplete credentials the sender is returned
// disabled rather than failing, so the gateway still runs without SMS.
func New(cfg config.SMSConfig, logger *zap.Logger) *Sender {
	s := &Sender{
		from:   cfg.FromNumber,
		to:     cfg.ToNumber,
		logger: logger,
		now:    time.Now,
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		logger.Warn("twilio credentials not provided, sms disabled")
		return s
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	s.api = client.Api
	if !s.Enabled() {
		logger.Warn("sms phone numbers not configured, sms disabled")
	}
	return s
}

// Enabled reports whether credentials and both phone numbers are set.
func (s *Sender) Enabled() bool {
	return s != nil && s.api != nil && s.from != "" && s.to != ""
}

// SendCritical texts a critical alert.
func (s *Sender) SendCritical(ctx context.Context, pondID, parameter string, value float64, threshold *float64) error {
	msg := fmt.Sprintf("CRITICAL: %s level is %s (threshold: %s). Immediate attention required!",
		strings.ToUpper(parameter), formatValue(value), formatThreshold(threshold))
	return s.send(ctx, pondID, parameter+"_critical", msg)
}

// SendHigh texts a high severity alert.
func (s *Sender) SendHigh(ctx context.Context, pondID, parameter string, value float64, threshold *float64) error {
	msg := fmt.Sprintf("HIGH: %s level is %s (threshold: %s). Please check soon.",
		strings.ToUpper(parameter), formatValue(value), formatThreshold(threshold))
	return s.send(ctx, pondID, parameter+"_high", msg)
}

func (s *Sender) send(ctx context.Context, pondID, alertType, message string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	body := s.format(pondID, alertType, message)

	params := &openapi.CreateMessageParams{}
	params.SetTo(s.to)
	params.SetFrom(s.from)
	params.SetBody(body)

	// the REST client takes no context; run it aside so ctx bounds the wait
	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.api.CreateMessage(params)
		var sid string
		if err == nil && resp != nil && resp.Sid != nil {
			sid = *resp.Sid
		}
		done <- result{sid: sid, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("twilio create message: %w", res.err)
		}
		s.logger.Info("sms alert sent", zap.String("pond_id", pondID), zap.String("alert_type", alertType), zap.String("sid", res.sid))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("twilio create message: %w", ctx.Err())
	}
}

func (s *Sender) format(pondID, alertType, message string) string {
	return fmt.Sprintf("POND ALERT\n\nPond: %s\nAlert: %s\n\n%s\n\nTime: %s",
		pondID, alertType, message, s.now().Format("2006-01-02 15:04:05"))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatThreshold(t *float64) string {
	if t == nil {
		return "n/a"
	}
	return formatValue(*t)
}
