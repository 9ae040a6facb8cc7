package threshold

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pond-gateway/internal/data"
)

func reading(params data.Parameters) *data.Reading {
	return &data.Reading{PondID: "p1", Parameters: params}
}

func TestEvaluate_CriticalLowPH(t *testing.T) {
	set := Set{data.PH: {Min: data.Float(6.5), Max: data.Float(8.5), CriticalMin: data.Float(6.0)}}

	got := Evaluate(reading(data.Parameters{PH: data.Float(5.5)}), set)

	require.Len(t, got, 1)
	assert.Equal(t, data.PH, got[0].Parameter)
	assert.Equal(t, data.SeverityCritical, got[0].Severity)
	assert.Equal(t, 6.0, got[0].Boundary)
	assert.True(t, got[0].Below())
}

func TestEvaluate_SoftViolationIsHigh(t *testing.T) {
	got := Evaluate(reading(data.Parameters{PH: data.Float(8.7)}), Defaults())

	require.Len(t, got, 1)
	assert.Equal(t, data.SeverityHigh, got[0].Severity)
	assert.Equal(t, 8.5, got[0].Boundary)
	assert.False(t, got[0].Below())
}

func TestEvaluate_BoundaryUsesCrossedSide(t *testing.T) {
	got := Evaluate(reading(data.Parameters{Temperature: data.Float(36)}), Defaults())

	require.Len(t, got, 1)
	assert.Equal(t, 35.0, got[0].Boundary)
}

func TestEvaluate_SkipsMissingAndUnconfigured(t *testing.T) {
	set := Set{data.PH: {Min: data.Float(6.5)}}
	got := Evaluate(reading(data.Parameters{Temperature: data.Float(99)}), set)
	assert.Empty(t, got)

	got = Evaluate(reading(data.Parameters{}), Defaults())
	assert.Empty(t, got)
}

func TestEvaluate_InsideBandsNoViolation(t *testing.T) {
	p := data.Parameters{
		PH: data.Float(7.2), Temperature: data.Float(25), DissolvedOxygen: data.Float(7),
		Turbidity: data.Float(3), Nitrate: data.Float(10), Nitrite: data.Float(0.1),
		Ammonia: data.Float(0.1), WaterLevel: data.Float(1.5),
	}
	assert.Empty(t, Evaluate(reading(p), Defaults()))
}

func TestEvaluate_MultipleParametersCanonicalOrder(t *testing.T) {
	p := data.Parameters{Ammonia: data.Float(2), PH: data.Float(5), DissolvedOxygen: data.Float(4)}
	got := Evaluate(reading(p), Defaults())

	require.Len(t, got, 3)
	assert.Equal(t, data.PH, got[0].Parameter)
	assert.Equal(t, data.DissolvedOxygen, got[1].Parameter)
	assert.Equal(t, data.SeverityHigh, got[1].Severity)
	assert.Equal(t, data.Ammonia, got[2].Parameter)
	assert.Equal(t, data.SeverityCritical, got[2].Severity)
}

// A parameter past both bands is reported once, at critical.
func TestEvaluate_CriticalPrecedenceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	set := Defaults()
	for i := 0; i < 500; i++ {
		for _, name := range data.AllParameters {
			band := set[name]
			var v float64
			switch {
			case band.CriticalMin != nil && rng.Intn(2) == 0:
				v = *band.CriticalMin - rng.Float64()*10 - 0.001
			case band.CriticalMax != nil:
				v = *band.CriticalMax + rng.Float64()*10 + 0.001
			default:
				continue
			}
			var p data.Parameters
			require.NoError(t, p.Set(name, data.Float(v)))

			got := Evaluate(reading(p), set)
			require.Len(t, got, 1)
			assert.Equal(t, data.SeverityCritical, got[0].Severity)
		}
	}
}

// A max-only band never flags low values.
func TestEvaluate_UnboundedSideProperty(t *testing.T) {
	set := Set{data.Ammonia: {Max: data.Float(0.5), CriticalMax: data.Float(1.0)}}
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 1000; i++ {
		v := 0.5 - rng.Float64()*1e6
		got := Evaluate(reading(data.Parameters{Ammonia: data.Float(v)}), set)
		assert.Empty(t, got, "value %f", v)
	}
}
