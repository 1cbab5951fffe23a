package features

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
)

// Bounds is the valid range for one feature. A nil side is unbounded.
type Bounds struct {
	Min *float64
	Max *float64
}

func bound(v float64) *float64 { return &v }

// Report is the per-vector validation result. It is produced and
// consumed per extraction call and never persisted.
type Report struct {
	IsValid     bool
	Flags       []string
	MissingKeys []string
	OutOfBounds []string
}

// Validator bounds-checks raw feature dictionaries and imputes them
// into complete, finite vectors in schema order. It is the only gate
// between extractor output and model input.
type Validator struct {
	schema   Schema
	bounds   map[string]Bounds
	defaults map[string]float64
}

// largeDistanceSentinel is the imputation default for unknown
// distance-type features: "assume far" biases toward low amenity access
// rather than inventing proximity.
const largeDistanceSentinel = 9999.0

// NewValidator builds a validator for the given schema with the
// standard bounds table: percentage features in [0,100], normalized
// spectral indices in [-1,1], counts and distances non-negative.
func NewValidator(schema Schema) *Validator {
	v := &Validator{
		schema: schema,
		bounds: map[string]Bounds{
			"poverty_rate":             {Min: bound(0), Max: bound(100)},
			"vacancy_rate":             {Min: bound(0), Max: bound(100)},
			"unemployment_rate":        {Min: bound(0), Max: bound(100)},
			"percent_bachelors_degree": {Min: bound(0), Max: bound(100)},
			"cloud_coverage":           {Min: bound(0), Max: bound(100)},

			"ndvi_mean": {Min: bound(-1), Max: bound(1)},
			"ndbi_mean": {Min: bound(-1), Max: bound(1)},

			"population_total":         {Min: bound(0)},
			"median_age":               {Min: bound(0), Max: bound(120)},
			"median_household_income":  {Min: bound(0), Max: bound(1000000)},
			"median_home_value":        {Min: bound(0)},
			"road_network_density":     {Min: bound(0)},
			"intersection_density":     {Min: bound(0)},
			"street_connectivity":      {Min: bound(0)},
			"dead_end_count":           {Min: bound(0)},
			"amenity_count_total":      {Min: bound(0)},
			"grocery_store_count":      {Min: bound(0)},
			"building_count_200m":      {Min: bound(0)},
			"distance_to_grocery_store": {Min: bound(0)},
		},
		defaults: map[string]float64{
			"population_total":          0,
			"median_household_income":   50000,
			"vacancy_rate":              10.0,
			"ndvi_mean":                 0.0,
			"road_network_density":      0.0,
			"distance_to_grocery_store": 5000,
		},
	}
	return v
}

// Schema returns the validator's column order.
func (v *Validator) Schema() Schema { return v.schema }

// Validate checks a raw vector for missing values and bound violations.
// It never mutates its input.
func (v *Validator) Validate(raw Vector) Report {
	r := Report{IsValid: true}

	for _, name := range v.schema {
		val, ok := raw[name]
		if !ok || math.IsNaN(val) || math.IsInf(val, 0) {
			r.MissingKeys = append(r.MissingKeys, name)
			r.Flags = append(r.Flags, fmt.Sprintf("missing value for %s", name))
			r.IsValid = false
		}
	}

	for name, val := range raw {
		b, has := v.bounds[name]
		if !has || math.IsNaN(val) {
			continue
		}
		if b.Min != nil && val < *b.Min {
			r.OutOfBounds = append(r.OutOfBounds, fmt.Sprintf("%s: %g < %g", name, val, *b.Min))
			r.Flags = append(r.Flags, fmt.Sprintf("%s too low", name))
			r.IsValid = false
		}
		if b.Max != nil && val > *b.Max {
			r.OutOfBounds = append(r.OutOfBounds, fmt.Sprintf("%s: %g > %g", name, val, *b.Max))
			r.Flags = append(r.Flags, fmt.Sprintf("%s too high", name))
			r.IsValid = false
		}
	}

	return r
}

// Impute fills every missing or non-finite schema feature with its
// documented default, falling back to a name-substring heuristic:
// counts to 0, rates and percentages to 0.0, distances to a large
// sentinel, everything else to 0. The returned slice is in schema
// order and is always complete and finite.
func (v *Validator) Impute(raw Vector) []float64 {
	out := make([]float64, len(v.schema))

	for i, name := range v.schema {
		val, ok := raw[name]
		if ok && !math.IsNaN(val) && !math.IsInf(val, 0) {
			out[i] = val
			continue
		}
		out[i] = v.defaultFor(name)
	}

	return out
}

func (v *Validator) defaultFor(name string) float64 {
	if d, ok := v.defaults[name]; ok {
		return d
	}
	switch {
	case strings.Contains(name, "count"):
		return 0
	case strings.Contains(name, "rate"), strings.Contains(name, "percent"):
		return 0.0
	case strings.Contains(name, "distance"):
		return largeDistanceSentinel
	default:
		return 0.0
	}
}

// ImputeWithReport validates then imputes, logging data quality issues.
// Training callers use the report to exclude out-of-bounds samples;
// prediction callers proceed with the imputed vector.
func (v *Validator) ImputeWithReport(raw Vector) ([]float64, Report) {
	report := v.Validate(raw)
	if !report.IsValid {
		log.Warn().
			Strs("flags", report.Flags).
			Msg("feature vector has quality issues")
	}
	return v.Impute(raw), report
}
