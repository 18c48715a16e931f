package validator

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultRelativeTolerance is the default numeric agreement tolerance for
// CrossCheck (5%), per spec §4.7 "configured relative tolerance".
const DefaultRelativeTolerance = 0.05

// WithRelativeTolerance overrides the numeric agreement tolerance used by
// CrossCheck.
func (val *Validator) WithRelativeTolerance(tolerance float64) *Validator {
	val.tolerance = tolerance
	return val
}

// CrossCheck reconciles record against peer records from other sources on
// keyFields, bucketing the overall agreement ratio per spec §4.7:
// >=80% valid, 50-80% suspicious, <50% invalid. No peers at all is
// unverifiable and is treated as suspicious with confidence 0.5.
func (val *Validator) CrossCheck(record Record, others []Record, keyFields []string) (Verdict, []string) {
	if len(others) == 0 {
		return Suspicious, []string{"no peer records available to reconcile against (confidence 0.5)"}
	}

	tolerance := val.tolerance
	if tolerance <= 0 {
		tolerance = DefaultRelativeTolerance
	}

	var reasons []string
	var totalRatio float64
	fieldsCompared := 0

	for _, key := range keyFields {
		want, present := record[key]
		if !present {
			reasons = append(reasons, fmt.Sprintf("%s: missing from the record under check", key))
			continue
		}

		agree := 0
		for _, peer := range others {
			got, ok := peer[key]
			if !ok {
				continue
			}
			if fieldsAgree(want, got, tolerance) {
				agree++
			}
		}
		ratio := float64(agree) / float64(len(others))
		totalRatio += ratio
		fieldsCompared++
		if ratio < 0.8 {
			reasons = append(reasons, fmt.Sprintf("%s: only %d/%d peers agree (%.0f%%)", key, agree, len(others), ratio*100))
		}
	}

	if fieldsCompared == 0 {
		return Suspicious, append(reasons, "no comparable key fields present (confidence 0.5)")
	}

	overall := totalRatio / float64(fieldsCompared)
	switch {
	case overall >= 0.8:
		return Valid, nil
	case overall >= 0.5:
		return Suspicious, reasons
	default:
		return Invalid, reasons
	}
}

// fieldsAgree compares two record values for cross-source reconciliation:
// numeric values agree within the relative tolerance, strings agree by
// exact match after trimming and case folding.
func fieldsAgree(a, b interface{}, tolerance float64) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			if af == 0 && bf == 0 {
				return true
			}
			denom := af
			if denom == 0 {
				denom = bf
			}
			if denom < 0 {
				denom = -denom
			}
			diff := af - bf
			if diff < 0 {
				diff = -diff
			}
			return diff/denom <= tolerance
		}
	}

	as := strings.TrimSpace(strings.ToLower(fmt.Sprintf("%v", a)))
	bs := strings.TrimSpace(strings.ToLower(fmt.Sprintf("%v", b)))
	return as == bs
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
