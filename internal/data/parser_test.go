package data

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func TestParse_FullPayload(t *testing.T) {
	raw := []byte(`{
		"pond_id": "pond_001",
		"device_id": "esp32-7",
		"timestamp": "2026-03-14T08:00:00Z",
		"ph": 7.2,
		"temperature": 26.5,
		"dissolved_oxygen": 6.1,
		"turbidity": null,
		"ammonia": "0.12",
		"battery_level": 64
	}`)

	env, err := Parse(raw, "", fixedNow)
	require.NoError(t, err)

	r := env.Reading
	assert.Equal(t, "pond_001", r.PondID)
	assert.Equal(t, "esp32-7", r.DeviceID)
	assert.Equal(t, time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC), r.Timestamp)
	assert.False(t, env.TimestampSubstituted)
	require.NotNil(t, r.Parameters.PH)
	assert.Equal(t, 7.2, *r.Parameters.PH)
	assert.Nil(t, r.Parameters.Turbidity)
	require.NotNil(t, r.Parameters.Ammonia)
	assert.Equal(t, 0.12, *r.Parameters.Ammonia)
	assert.Equal(t, 4, r.Parameters.Count())
	require.NotNil(t, env.Device.BatteryLevel)
	assert.Equal(t, 64.0, *env.Device.BatteryLevel)
	assert.Empty(t, env.Warnings)
}

func TestParse_MissingPondID(t *testing.T) {
	_, err := Parse([]byte(`{"ph": 7.0}`), "", fixedNow)
	assert.True(t, errors.Is(err, ErrMissingPondID))

	_, err = Parse([]byte(`{"pond_id": "   ", "ph": 7.0}`), "", fixedNow)
	assert.True(t, errors.Is(err, ErrMissingPondID))
}

func TestParse_FallbackPondIDFromTopic(t *testing.T) {
	env, err := Parse([]byte(`{"ph": 7.0}`), "pond_002", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "pond_002", env.Reading.PondID)
}

func TestParse_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `[1,2,3]`, `null`, ``} {
		_, err := Parse([]byte(raw), "", fixedNow)
		assert.Truef(t, errors.Is(err, ErrMalformed), "payload %q", raw)
	}
}

func TestParse_Timestamps(t *testing.T) {
	tests := []struct {
		name        string
		ts          string
		want        time.Time
		substituted bool
	}{
		{"rfc3339 with offset", `"2026-03-14T10:00:00+02:00"`, time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC), false},
		{"naive iso", `"2026-03-14T08:15:00"`, time.Date(2026, 3, 14, 8, 15, 0, 0, time.UTC), false},
		{"space separated", `"2026-03-14 08:15:00"`, time.Date(2026, 3, 14, 8, 15, 0, 0, time.UTC), false},
		{"epoch seconds", `1773475200`, time.Unix(1773475200, 0).UTC(), false},
		{"epoch millis", `1773475200000`, time.Unix(1773475200, 0).UTC(), false},
		{"garbage string", `"yesterday"`, fixedNow, true},
		{"absent", ``, fixedNow, true},
		{"boolean", `true`, fixedNow, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"pond_id":"p1"}`
			if tt.ts != "" {
				raw = `{"pond_id":"p1","timestamp":` + tt.ts + `}`
			}
			env, err := Parse([]byte(raw), "", fixedNow)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(env.Reading.Timestamp), "got %s", env.Reading.Timestamp)
			assert.Equal(t, tt.substituted, env.TimestampSubstituted)
		})
	}
}

func TestParse_AdvisoryWarningsDoNotReject(t *testing.T) {
	raw := []byte(`{"pond_id":"p1","ph":15.2,"temperature":-20,"dissolved_oxygen":25,"nitrate":"abc"}`)
	env, err := Parse(raw, "", fixedNow)
	require.NoError(t, err)

	assert.Len(t, env.Warnings, 4)
	require.NotNil(t, env.Reading.Parameters.PH)
	assert.Equal(t, 15.2, *env.Reading.Parameters.PH)
	assert.Nil(t, env.Reading.Parameters.Nitrate)
}

func TestParseStatus(t *testing.T) {
	id, pond, info, err := ParseStatus([]byte(`{"device_id":"esp32-7","pond_id":"p1","status":"online","battery_level":18}`))
	require.NoError(t, err)
	assert.Equal(t, "esp32-7", id)
	assert.Equal(t, "p1", pond)
	assert.Equal(t, "online", info.Status)
	assert.Equal(t, 18.0, *info.BatteryLevel)

	_, _, _, err = ParseStatus([]byte(`{"status":"online"}`))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestScoreBands(t *testing.T) {
	b := DefaultScoreBands()
	assert.Equal(t, SeverityCritical, b.Severity(1.0))
	assert.Equal(t, SeverityCritical, b.Severity(0.8))
	assert.Equal(t, SeverityHigh, b.Severity(0.6))
	assert.Equal(t, SeverityMedium, b.Severity(0.45))
	assert.Equal(t, SeverityLow, b.Severity(0.1))
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
}
