package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pond-gateway/internal/config"
)

type countingProcessor struct {
	processed atomic.Int64
	release   chan struct{}
	fail      bool
}

func (c *countingProcessor) Process(ctx context.Context, msg Message) (State, error) {
	if c.release != nil {
		<-c.release
	}
	c.processed.Add(1)
	if c.fail {
		return StateParsed, errors.New("store down")
	}
	if string(msg.Payload) == "panic" {
		panic("boom")
	}
	return StateDispatched, nil
}

func TestResolve(t *testing.T) {
	tests := []struct {
		topic string
		kind  Kind
		pond  string
	}{
		{"", KindReading, ""},
		{"sensors/water_quality", KindReading, ""},
		{"sensors/pond_meter", KindReading, ""},
		{"sensors/temperature", KindIncomplete, ""},
		{"sensors/", KindUnknown, ""},
		{"farm1/pond_001/data", KindReading, "pond_001"},
		{"farm2/pond_002/data", KindReading, "pond_002"},
		{"farm1//data", KindUnknown, ""},
		{"status/heartbeat", KindStatus, ""},
		{"status/device", KindStatus, ""},
		{"status/other", KindUnknown, ""},
		{"random", KindUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			r := Resolve(tt.topic)
			assert.Equal(t, tt.kind, r.Kind, r.Kind.String())
			assert.Equal(t, tt.pond, r.PondID)
		})
	}
}

func TestPool_ProcessesEverything(t *testing.T) {
	proc := &countingProcessor{}
	pool := NewPool(proc, config.IngestConfig{Workers: 3, QueueSize: 4}, zap.NewNop())
	pool.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, pool.OnMessage(context.Background(), Message{Topic: "sensors/water_quality", Transport: "mqtt"}))
			}
		}()
	}
	wg.Wait()
	pool.Stop()
	assert.EqualValues(t, 100, proc.processed.Load())
}

func TestPool_BlocksWhenFull(t *testing.T) {
	proc := &countingProcessor{release: make(chan struct{})}
	pool := NewPool(proc, config.IngestConfig{Workers: 1, QueueSize: 1}, zap.NewNop())
	pool.Start(context.Background())

	// one message in the worker, one in the queue
	require.NoError(t, pool.OnMessage(context.Background(), Message{}))
	require.Eventually(t, func() bool { return len(pool.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.OnMessage(context.Background(), Message{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.OnMessage(ctx, Message{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(proc.release)
	pool.Stop()
	assert.EqualValues(t, 2, proc.processed.Load())
}

func TestPool_SurvivesFailuresAndPanics(t *testing.T) {
	proc := &countingProcessor{}
	pool := NewPool(proc, config.IngestConfig{Workers: 1, QueueSize: 4}, zap.NewNop())
	pool.Start(context.Background())

	require.NoError(t, pool.OnMessage(context.Background(), Message{Payload: []byte("panic")}))
	require.NoError(t, pool.OnMessage(context.Background(), Message{}))
	pool.Stop()
	assert.EqualValues(t, 2, proc.processed.Load())
}

func TestPool_RejectsAfterStop(t *testing.T) {
	pool := NewPool(&countingProcessor{fail: true}, config.IngestConfig{}, zap.NewNop())
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.OnMessage(context.Background(), Message{}), ErrPoolClosed)
}
