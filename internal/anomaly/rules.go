// internal/anomaly/rules.go
package anomaly

import (
	"fmt"
	"math"

	"pond-gateway/internal/config"
	"pond-gateway/internal/data"
)

// RuleSet is the configuration of the rule-based strategy.
type RuleSet struct {
	Normal   map[data.Parameter]config.Range `json:"normal_ranges"`
	Critical map[data.Parameter]config.Range `json:"critical_ranges"`
}

// DefaultRuleSet returns the stock pond ranges.
func DefaultRuleSet() RuleSet {
	rs, _ := NewRuleSet(config.DefaultNormalRanges(), config.DefaultCriticalRanges())
	return rs
}

// NewRuleSet keys configured ranges by parameter.
func NewRuleSet(normal, critical map[string]config.Range) (RuleSet, error) {
	rs := RuleSet{
		Normal:   make(map[data.Parameter]config.Range, len(normal)),
		Critical: make(map[data.Parameter]config.Range, len(critical)),
	}
	for name, r := range normal {
		p, ok := data.ParseParameter(name)
		if !ok {
			return RuleSet{}, fmt.Errorf("normal range: unknown parameter %q", name)
		}
		rs.Normal[p] = r
	}
	for name, r := range critical {
		p, ok := data.ParseParameter(name)
		if !ok {
			return RuleSet{}, fmt.Errorf("critical range: unknown parameter %q", name)
		}
		rs.Critical[p] = r
	}
	return rs, nil
}

// Evaluate is the rule-based decision. Each parameter outside its normal range
// contributes min(|deviation|/bound, 1) and a reason; leaving the critical range
// forces the contribution to 1. The score is the max contribution.
func (rs RuleSet) Evaluate(r *data.Reading) Decision {
	dec := Decision{Method: MethodRuleBased}
	for _, name := range data.AllParameters {
		v := r.Parameters.Get(name)
		if v == nil {
			continue
		}
		value := *v
		severity := 0.0
		reasoned := false

		if nr, ok := rs.Normal[name]; ok {
			switch {
			case nr.Min != nil && value < *nr.Min:
				severity = deviation(*nr.Min-value, *nr.Min)
				dec.Reasons = append(dec.Reasons, fmt.Sprintf("%s below normal: %.2f < %g", name, value, *nr.Min))
				reasoned = true
			case nr.Max != nil && value > *nr.Max:
				severity = deviation(value-*nr.Max, *nr.Max)
				dec.Reasons = append(dec.Reasons, fmt.Sprintf("%s above normal: %.2f > %g", name, value, *nr.Max))
				reasoned = true
			}
		}
		if cr, ok := rs.Critical[name]; ok {
			if (cr.Min != nil && value < *cr.Min) || (cr.Max != nil && value > *cr.Max) {
				severity = 1.0
				if !reasoned {
					dec.Reasons = append(dec.Reasons, fmt.Sprintf("%s outside critical range: %.2f", name, value))
				}
			}
		}
		if severity > dec.Score {
			dec.Score = severity
		}
	}
	dec.IsAnomaly = len(dec.Reasons) > 0
	return dec
}

// deviation scales an excursion by the bound it crossed. A zero bound has no
// scale, so any excursion counts fully.
func deviation(excess, bound float64) float64 {
	bound = math.Abs(bound)
	if bound == 0 {
		return 1.0
	}
	return math.Min(math.Abs(excess)/bound, 1.0)
}
