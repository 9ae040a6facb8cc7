package device

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pond-gateway/internal/data"
)

func TestObserve_MergesFields(t *testing.T) {
	reg, err := NewRegistry(10)
	require.NoError(t, err)

	reg.Observe("esp32-1", "pond_001", data.DeviceInfo{BatteryLevel: data.Float(87), DataQuality: "good"}, true)
	st := reg.Observe("esp32-1", "", data.DeviceInfo{SignalStrength: data.Float(-61)}, true)

	assert.Equal(t, "pond_001", st.PondID)
	assert.Equal(t, "online", st.Status)
	assert.Equal(t, 87.0, *st.BatteryLevel)
	assert.Equal(t, -61.0, *st.SignalStrength)
	assert.Equal(t, "good", st.DataQuality)
	assert.EqualValues(t, 2, st.Readings)
}

func TestObserve_HeartbeatDoesNotCountReading(t *testing.T) {
	reg, err := NewRegistry(10)
	require.NoError(t, err)

	st := reg.Observe("esp32-1", "", data.DeviceInfo{Status: "rebooting"}, false)
	assert.Equal(t, "rebooting", st.Status)
	assert.Zero(t, st.Readings)
}

func TestList_MarksSilentDevicesOffline(t *testing.T) {
	reg, err := NewRegistry(10)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	reg.Observe("b", "p1", data.DeviceInfo{}, true)
	now = now.Add(10 * time.Minute)
	reg.Observe("a", "p1", data.DeviceInfo{}, true)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].DeviceID)
	assert.Equal(t, "online", list[0].Status)
	assert.Equal(t, "offline", list[1].Status)

	st, ok := reg.Get("b")
	require.True(t, ok)
	assert.Equal(t, "offline", st.Status)
	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_EvictsLeastRecentlySeen(t *testing.T) {
	reg, err := NewRegistry(2)
	require.NoError(t, err)

	reg.Observe("a", "", data.DeviceInfo{}, true)
	reg.Observe("b", "", data.DeviceInfo{}, true)
	reg.Observe("a", "", data.DeviceInfo{}, true)
	reg.Observe("c", "", data.DeviceInfo{}, true)

	assert.Equal(t, 2, reg.Len())
	_, ok := reg.Get("b")
	assert.False(t, ok)
	_, ok = reg.Get("a")
	assert.True(t, ok)
}

func TestObserve_Concurrent(t *testing.T) {
	reg, err := NewRegistry(100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				reg.Observe(fmt.Sprintf("dev-%d", i%4), "p1", data.DeviceInfo{}, true)
			}
		}(i)
	}
	wg.Wait()

	var total int64
	for _, st := range reg.List() {
		total += st.Readings
	}
	assert.EqualValues(t, 1000, total)
}
