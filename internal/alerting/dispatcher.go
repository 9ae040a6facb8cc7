package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pond-gateway/internal/config"
	"pond-gateway/internal/data"
	"pond-gateway/internal/metrics"
)

// EventAlert is the broadcast event type for new alerts.
const EventAlert = "alert"

// BroadcastSink pushes events to connected dashboards. Best effort.
type BroadcastSink interface {
	Send(eventType string, payload interface{}) error
}

// SMSSink sends text messages for urgent alerts.
type SMSSink interface {
	Enabled() bool
	SendCritical(ctx context.Context, pondID, parameter string, value float64, threshold *float64) error
	SendHigh(ctx context.Context, pondID, parameter string, value float64, threshold *float64) error
}

// SMSRecorder persists the sms_sent flag.
type SMSRecorder interface {
	MarkSMSSent(ctx context.Context, id string) error
}

// DispatchResult reports what each sink did with one alert.
type DispatchResult struct {
	BroadcastOK  bool
	SMSAttempted bool
	SMSOK        bool
}

// Dispatcher fans accepted alerts out to the broadcast and SMS sinks from a
// bounded queue, so ingestion never waits on a sink.
type Dispatcher struct {
	broadcast BroadcastSink
	sms       SMSSink
	recorder  SMSRecorder
	timeout   time.Duration
	workers   int
	logger    *zap.Logger

	queue  chan *data.Alert
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires the sinks. sms may be nil.
func NewDispatcher(broadcast BroadcastSink, sms SMSSink, recorder SMSRecorder, cfg config.NotifyConfig, logger *zap.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 128
	}
	timeout := cfg.SinkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		broadcast: broadcast,
		sms:       sms,
		recorder:  recorder,
		timeout:   timeout,
		workers:   workers,
		logger:    logger,
		queue:     make(chan *data.Alert, size),
	}
}

// Start launches the queue workers. They stop when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop cancels the workers and waits for them to flush what is queued.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	// in-flight and leftover deliveries finish after shutdown; sink timeouts bound them
	sendCtx := context.WithoutCancel(ctx)
	for {
		select {
		case a := <-d.queue:
			d.Dispatch(sendCtx, a)
		case <-ctx.Done():
			for {
				select {
				case a := <-d.queue:
					d.Dispatch(sendCtx, a)
				default:
					return
				}
			}
		}
	}
}

// Enqueue hands an alert to the workers without blocking. It reports false
// when the queue is full and the alert was dropped.
func (d *Dispatcher) Enqueue(a *data.Alert) bool {
	select {
	case d.queue <- a:
		return true
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn("dispatch queue full, dropping alert notification",
			zap.String("alert_id", a.ID), zap.String("severity", string(a.Severity)))
		return false
	}
}

// Dispatch delivers one alert synchronously. Sink failures are logged and
// counted; one sink failing does not affect the other.
func (d *Dispatcher) Dispatch(ctx context.Context, a *data.Alert) DispatchResult {
	var res DispatchResult

	if d.broadcast != nil {
		err := d.call(ctx, func(context.Context) error { return d.broadcast.Send(EventAlert, a) })
		res.BroadcastOK = err == nil
		d.record("broadcast", a, err)
	}

	if !a.Severity.AtLeast(data.SeverityHigh) || d.sms == nil || !d.sms.Enabled() {
		return res
	}
	res.SMSAttempted = true
	err := d.call(ctx, func(ctx context.Context) error {
		if a.Severity == data.SeverityCritical {
			return d.sms.SendCritical(ctx, a.PondID, a.Parameter, a.CurrentValue, a.ThresholdValue)
		}
		return d.sms.SendHigh(ctx, a.PondID, a.Parameter, a.CurrentValue, a.ThresholdValue)
	})
	d.record("sms", a, err)
	if err != nil {
		return res
	}
	res.SMSOK = true
	if d.recorder != nil {
		if err := d.call(ctx, func(ctx context.Context) error { return d.recorder.MarkSMSSent(ctx, a.ID) }); err != nil {
			d.logger.Error("failed to record sms delivery", zap.String("alert_id", a.ID), zap.Error(err))
		} else {
			a.SMSSent = true
		}
	}
	return res
}

// call runs fn under the per-sink timeout and recovers sink panics.
func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("sink panic: %v", rec)
			}
		}()
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) record(sink string, a *data.Alert, err error) {
	if err != nil {
		metrics.NotificationsSent.WithLabelValues(sink, "failed").Inc()
		d.logger.Warn("notification failed",
			zap.String("sink", sink), zap.String("alert_id", a.ID), zap.Error(err))
		return
	}
	metrics.NotificationsSent.WithLabelValues(sink, "sent").Inc()
}
