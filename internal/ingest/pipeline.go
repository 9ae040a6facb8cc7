// internal/ingest/pipeline.go
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pond-gateway/internal/alerting"
	"pond-gateway/internal/anomaly"
	"pond-gateway/internal/data"
	"pond-gateway/internal/device"
	"pond-gateway/internal/metrics"
	"pond-gateway/internal/storage"
	"pond-gateway/internal/threshold"
	"pond-gateway/internal/websocket"
)

// State is how far a message got through the pipeline.
type State string

const (
	StateReceived        State = "received"
	StateParsed          State = "parsed"
	StatePersisted       State = "persisted"
	StateDecisioned      State = "decisioned"
	StateAlertsEvaluated State = "alerts_evaluated"
	StateDispatched      State = "dispatched"
	StateRejected        State = "rejected"
	// StateDeviceUpdated ends status messages, which update the registry only.
	StateDeviceUpdated State = "device_updated"
)

// Message is one inbound transport message.
type Message struct {
	Topic     string
	Payload   []byte
	Transport string
	// Ack, when set, acknowledges the message to its transport.
	Ack func()
}

func (m Message) ack() {
	if m.Ack != nil {
		m.Ack()
	}
}

// Decider is the anomaly decision function.
type Decider interface {
	Decide(r *data.Reading) anomaly.Decision
}

// Notifier receives accepted alerts for delivery.
type Notifier interface {
	Enqueue(a *data.Alert) bool
}

// Deps are the collaborators of a Pipeline. Broadcast and Devices may be nil.
type Deps struct {
	Store      storage.Store
	Decider    Decider
	Thresholds threshold.Set
	Alerter    *alerting.Alerter
	Notifier   Notifier
	Broadcast  alerting.BroadcastSink
	Devices    *device.Registry
	Bands      data.ScoreBands
	// BatteryLowPercent disables battery alerts when zero.
	BatteryLowPercent float64
}

// Pipeline turns transport messages into readings, decisions and alerts.
// It keeps no per-message state and is safe for concurrent use.
type Pipeline struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

func NewPipeline(deps Deps, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		deps:   deps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Process runs one message to a terminal state. Only a persistence failure or
// a context ending mid-message is returned as an error, with the state the
// message reached; everything else is logged and counted.
func (p *Pipeline) Process(ctx context.Context, msg Message) (State, error) {
	start := time.Now()
	state, err := p.process(ctx, msg)
	metrics.PipelineDuration.WithLabelValues(string(state)).Observe(time.Since(start).Seconds())
	return state, err
}

func (p *Pipeline) process(ctx context.Context, msg Message) (State, error) {
	if err := ctx.Err(); err != nil {
		return StateReceived, fmt.Errorf("message not processed: %w", err)
	}
	route := Resolve(msg.Topic)
	switch route.Kind {
	case KindReading:
		return p.processReading(ctx, msg, route)
	case KindStatus:
		return p.processStatus(msg)
	case KindIncomplete:
		p.logger.Debug("skipping incomplete sensor message", zap.String("topic", msg.Topic))
		return p.reject(msg, "incomplete"), nil
	}
	p.logger.Debug("skipping unknown topic", zap.String("topic", msg.Topic))
	return p.reject(msg, "unknown_topic"), nil
}

func (p *Pipeline) reject(msg Message, reason string) State {
	metrics.MessagesRejected.WithLabelValues(reason).Inc()
	msg.ack()
	return StateRejected
}

func (p *Pipeline) processStatus(msg Message) (State, error) {
	deviceID, pondID, info, err := data.ParseStatus(msg.Payload)
	if err != nil {
		p.logger.Debug("dropping status message", zap.String("topic", msg.Topic), zap.Error(err))
		return p.reject(msg, "malformed"), nil
	}
	if p.deps.Devices != nil {
		st := p.deps.Devices.Observe(deviceID, pondID, info, false)
		p.logger.Debug("device status", zap.String("device_id", deviceID), zap.String("status", st.Status))
	}
	msg.ack()
	return StateDeviceUpdated, nil
}

func (p *Pipeline) processReading(ctx context.Context, msg Message, route Route) (State, error) {
	env, err := data.Parse(msg.Payload, route.PondID, p.now())
	if err != nil {
		reason := "malformed"
		if errors.Is(err, data.ErrMissingPondID) {
			reason = "missing_pond_id"
		}
		p.logger.Debug("dropping sensor message", zap.String("topic", msg.Topic), zap.String("reason", reason), zap.Error(err))
		return p.reject(msg, reason), nil
	}
	reading := &env.Reading
	log := p.logger.With(zap.String("pond_id", reading.PondID), zap.String("device_id", reading.DeviceID))
	for _, w := range env.Warnings {
		log.Warn("reading validation warning", zap.String("warning", w))
	}
	if env.TimestampSubstituted {
		log.Debug("timestamp missing or unparsable, using receive time")
	}

	if err := p.deps.Store.InsertReading(ctx, reading); err != nil {
		metrics.PersistFailures.Inc()
		return StateParsed, fmt.Errorf("persist reading for pond %s: %w", reading.PondID, err)
	}
	metrics.ReadingsPersisted.Inc()
	msg.ack()

	if p.deps.Devices != nil && reading.DeviceID != "" {
		p.deps.Devices.Observe(reading.DeviceID, reading.PondID, env.Device, true)
	}
	if err := ctx.Err(); err != nil {
		return StatePersisted, fmt.Errorf("reading %s stored, not evaluated: %w", reading.ID, err)
	}

	dec := p.deps.Decider.Decide(reading)
	if dec.IsAnomaly || dec.Score > 0 {
		if err := p.deps.Store.UpdateReadingAnomaly(ctx, reading.ID, dec.IsAnomaly, dec.Score, dec.Reasons); err != nil {
			log.Warn("failed to record anomaly decision", zap.String("reading_id", reading.ID), zap.Error(err))
		} else {
			reading.IsAnomaly = dec.IsAnomaly
			reading.AnomalyScore = data.Float(dec.Score)
			reading.AnomalyReasons = dec.Reasons
		}
	}
	if dec.IsAnomaly {
		metrics.AnomaliesDetected.WithLabelValues(dec.Method).Inc()
		log.Info("anomaly detected", zap.Float64("score", dec.Score), zap.Strings("reasons", dec.Reasons), zap.String("method", dec.Method))
	}

	if err := ctx.Err(); err != nil {
		return StateDecisioned, fmt.Errorf("reading %s decided, alerts not evaluated: %w", reading.ID, err)
	}

	state := StateAlertsEvaluated
	for _, c := range p.candidates(reading, env.Device, dec) {
		alert, err := p.deps.Alerter.Submit(ctx, c)
		if err != nil {
			log.Error("failed to submit alert", zap.String("parameter", c.Parameter), zap.Error(err))
			continue
		}
		if alert == nil {
			continue
		}
		if p.deps.Notifier != nil {
			p.deps.Notifier.Enqueue(alert)
			state = StateDispatched
		}
	}

	if p.deps.Broadcast != nil {
		if err := p.deps.Broadcast.Send(websocket.EventSensorData, reading); err != nil {
			log.Debug("sensor data broadcast skipped", zap.Error(err))
		}
		state = StateDispatched
	}
	return state, nil
}

// candidates lists the alert candidates for a persisted, decided reading:
// the anomaly alert first, then threshold violations, then device checks.
func (p *Pipeline) candidates(r *data.Reading, dev data.DeviceInfo, dec anomaly.Decision) []alerting.Candidate {
	var out []alerting.Candidate
	if dec.IsAnomaly {
		out = append(out, alerting.AnomalyCandidate(r.PondID, r.ID, dec.Score, dec.Reasons, p.deps.Bands))
	}
	for _, v := range threshold.Evaluate(r, p.deps.Thresholds) {
		out = append(out, alerting.ThresholdCandidate(r.PondID, r.ID, v))
	}
	limit := p.deps.BatteryLowPercent
	if limit > 0 && dev.BatteryLevel != nil && *dev.BatteryLevel < limit {
		out = append(out, alerting.BatteryCandidate(r.PondID, r.DeviceID, r.ID, *dev.BatteryLevel, limit))
	}
	return out
}
