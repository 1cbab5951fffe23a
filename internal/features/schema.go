// Package features defines the feature schema shared by the extractors
// and the prediction models, and the validation/imputation gate every
// raw feature dictionary passes through before reaching a model.
package features

import "vacantwatch/internal/geo"

// Schema is the ordered list of feature names. The order is a contract:
// the tabular model consumes vectors column-by-column, so a persisted
// model is only valid against the exact schema it was trained with.
type Schema []string

// DefaultSchema lists every feature the extraction pipeline produces,
// grouped by source, in the canonical column order.
func DefaultSchema() Schema {
	return Schema{
		// census
		"population_total", "median_age", "median_household_income",
		"poverty_rate", "vacancy_rate", "unemployment_rate",
		"percent_bachelors_degree", "median_home_value",

		// osm
		"road_network_density", "intersection_density",
		"street_connectivity", "dead_end_count",
		"amenity_count_total", "grocery_store_count",
		"building_count_200m",

		// satellite
		"ndvi_mean", "ndbi_mean", "cloud_coverage",
	}
}

// Index returns the column position of name, or -1.
func (s Schema) Index(name string) int {
	for i, n := range s {
		if n == name {
			return i
		}
	}
	return -1
}

// Equal reports whether two schemas have identical names in identical
// order. Used to reject a persisted model whose column contract does
// not match the live extractor.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Vector is a raw feature dictionary as produced by an extractor.
// Values may be missing or non-finite until imputed.
type Vector map[string]float64

// LabeledSample binds a coordinate to its imputed feature vector and a
// binary ground-truth label. Samples are built once by the training
// pipeline and never mutated afterwards.
type LabeledSample struct {
	Coord    geo.Coordinate
	Features []float64
	Label    int
}
