package data

import "fmt"

// Parameter names a water-quality measurement.
type Parameter string

const (
	PH              Parameter = "ph"
	Temperature     Parameter = "temperature"
	DissolvedOxygen Parameter = "dissolved_oxygen"
	Turbidity       Parameter = "turbidity"
	Nitrate         Parameter = "nitrate"
	Nitrite         Parameter = "nitrite"
	Ammonia         Parameter = "ammonia"
	WaterLevel      Parameter = "water_level"
)

// AllParameters is the canonical parameter order. Evaluation, feature vectors
// and storage columns all follow it.
var AllParameters = []Parameter{
	PH, Temperature, DissolvedOxygen, Turbidity, Nitrate, Nitrite, Ammonia, WaterLevel,
}

// ParseParameter maps a name to a known parameter.
func ParseParameter(name string) (Parameter, bool) {
	for _, p := range AllParameters {
		if string(p) == name {
			return p, true
		}
	}
	return "", false
}

// Parameters holds the eight optional measurements of a reading.
type Parameters struct {
	PH              *float64 `json:"ph,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	DissolvedOxygen *float64 `json:"dissolved_oxygen,omitempty"`
	Turbidity       *float64 `json:"turbidity,omitempty"`
	Nitrate         *float64 `json:"nitrate,omitempty"`
	Nitrite         *float64 `json:"nitrite,omitempty"`
	Ammonia         *float64 `json:"ammonia,omitempty"`
	WaterLevel      *float64 `json:"water_level,omitempty"`
}

func (p *Parameters) field(name Parameter) **float64 {
	switch name {
	case PH:
		return &p.PH
	case Temperature:
		return &p.Temperature
	case DissolvedOxygen:
		return &p.DissolvedOxygen
	case Turbidity:
		return &p.Turbidity
	case Nitrate:
		return &p.Nitrate
	case Nitrite:
		return &p.Nitrite
	case Ammonia:
		return &p.Ammonia
	case WaterLevel:
		return &p.WaterLevel
	}
	return nil
}

// Get returns the value for name, or nil when absent or unknown.
func (p Parameters) Get(name Parameter) *float64 {
	f := p.field(name)
	if f == nil {
		return nil
	}
	return *f
}

// Set stores v under name. Unknown names are an error.
func (p *Parameters) Set(name Parameter, v *float64) error {
	f := p.field(name)
	if f == nil {
		return fmt.Errorf("unknown parameter %q", name)
	}
	*f = v
	return nil
}

// Each calls fn for every present value in canonical order.
func (p Parameters) Each(fn func(name Parameter, value float64)) {
	for _, name := range AllParameters {
		if v := p.Get(name); v != nil {
			fn(name, *v)
		}
	}
}

// Count returns how many parameters carry a value.
func (p Parameters) Count() int {
	n := 0
	p.Each(func(Parameter, float64) { n++ })
	return n
}

// Float returns a pointer to v. Handy for literals in configs and tests.
func Float(v float64) *float64 {
	return &v
}
