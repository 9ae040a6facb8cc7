// internal/device/registry.go
package device

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pond-gateway/internal/data"
	"pond-gateway/internal/metrics"
)

const (
	defaultSize = 1024
	// OfflineAfter is how long a device may stay silent before it is listed offline.
	OfflineAfter = 5 * time.Minute
)

// Status is the last known state of one field device.
type Status struct {
	DeviceID       string    `json:"device_id"`
	PondID         string    `json:"pond_id,omitempty"`
	Status         string    `json:"status"`
	LastSeen       time.Time `json:"last_seen"`
	BatteryLevel   *float64  `json:"battery_level,omitempty"`
	SignalStrength *float64  `json:"signal_strength,omitempty"`
	DataQuality    string    `json:"data_quality,omitempty"`
	SensorDrift    *float64  `json:"sensor_drift,omitempty"`
	Readings       int64     `json:"readings"`
}

// Registry tracks recently seen devices, evicting the least recently seen
// once full.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, Status]
	now   func() time.Time
}

func NewRegistry(size int) (*Registry, error) {
	if size <= 0 {
		size = defaultSize
	}
	cache, err := lru.New[string, Status](size)
	if err != nil {
		return nil, fmt.Errorf("device cache: %w", err)
	}
	return &Registry{cache: cache, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Observe merges info into the device's entry. Fields absent from info keep
// their previous value. reading marks the observation as a telemetry sample.
func (r *Registry) Observe(deviceID, pondID string, info data.DeviceInfo, reading bool) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, _ := r.cache.Get(deviceID)
	st.DeviceID = deviceID
	st.LastSeen = r.now()
	if pondID != "" {
		st.PondID = pondID
	}
	switch {
	case info.Status != "":
		st.Status = info.Status
	case st.Status == "":
		st.Status = "online"
	}
	if info.BatteryLevel != nil {
		st.BatteryLevel = data.Float(*info.BatteryLevel)
	}
	if info.SignalStrength != nil {
		st.SignalStrength = data.Float(*info.SignalStrength)
	}
	if info.DataQuality != "" {
		st.DataQuality = info.DataQuality
	}
	if info.SensorDrift != nil {
		st.SensorDrift = data.Float(*info.SensorDrift)
	}
	if reading {
		st.Readings++
	}
	r.cache.Add(deviceID, st)
	metrics.DevicesTracked.Set(float64(r.cache.Len()))
	return st
}

// Get returns the device's status without touching its recency.
func (r *Registry) Get(deviceID string) (Status, bool) {
	st, ok := r.cache.Peek(deviceID)
	if !ok {
		return Status{}, false
	}
	return r.age(st), true
}

// List returns every tracked device ordered by id. Devices silent for longer
// than OfflineAfter are reported offline.
func (r *Registry) List() []Status {
	out := r.cache.Values()
	for i := range out {
		out[i] = r.age(out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) Len() int { return r.cache.Len() }

func (r *Registry) age(st Status) Status {
	if r.now().Sub(st.LastSeen) > OfflineAfter {
		st.Status = "offline"
	}
	return st
}
