package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/features"
	"vacantwatch/internal/geo"
)

// bundleSchemaVersion is bumped on any incompatible change to the
// persisted layout.
const bundleSchemaVersion = 1

const (
	bundleFile       = "bundle.json"
	featureNamesFile = "feature_names.txt"
	versionsFile     = "model_versions.json"
)

// Bundle is the portable, self-describing serialization of a trained
// ensemble: the mixing weights plus each expert's fitted numeric
// parameters. It travels with a plain feature_names.txt defining the
// tabular column order; the pair must never be separated.
type Bundle struct {
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`

	Weights      Weights  `json:"weights"`
	FeatureNames []string `json:"feature_names"`

	Feature struct {
		Params  FeatureExpertParams `json:"params"`
		Weights []float64           `json:"weights"`
		Bias    float64             `json:"bias"`
		Means   []float64           `json:"means"`
		Stds    []float64           `json:"stds"`
	} `json:"feature_expert"`

	Cluster struct {
		Params    ClusterParams    `json:"params"`
		Centroids []geo.Coordinate `json:"centroids"`
		Sizes     []int            `json:"sizes"`
	} `json:"cluster_expert"`

	Density struct {
		Params        DensityParams    `json:"params"`
		TrainCoords   []geo.Coordinate `json:"train_coords"`
		MaxLogDensity float64          `json:"max_log_density"`
	} `json:"density_expert"`

	Metrics Metrics `json:"validation_metrics"`
}

// NewBundle snapshots a trained ensemble's parameters.
func NewBundle(ens *Ensemble, fe *FeatureExpert, ce *ClusterExpert, de *DensityExpert, schema features.Schema, metrics Metrics) (*Bundle, error) {
	if !fe.Trained() || !ce.Trained() || !de.Trained() {
		return nil, fmt.Errorf("bundle: %w", ErrUntrained)
	}

	b := &Bundle{
		SchemaVersion: bundleSchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Weights:       ens.Weights(),
		FeatureNames:  append([]string(nil), schema...),
		Metrics:       metrics,
	}

	b.Feature.Params = fe.params
	b.Feature.Weights = append([]float64(nil), fe.weights...)
	b.Feature.Bias = fe.bias
	b.Feature.Means = append([]float64(nil), fe.means...)
	b.Feature.Stds = append([]float64(nil), fe.stds...)

	b.Cluster.Params = ce.params
	b.Cluster.Centroids = append([]geo.Coordinate(nil), ce.centroids...)
	b.Cluster.Sizes = append([]int(nil), ce.sizes...)

	b.Density.Params = de.params
	b.Density.TrainCoords = append([]geo.Coordinate(nil), de.train...)
	b.Density.MaxLogDensity = de.maxLogDensity

	return b, nil
}

// Save writes the bundle and its feature-name list into dir.
func (b *Bundle) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bundle save: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle save: marshal: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, bundleFile), data, 0o600); err != nil {
		return fmt.Errorf("bundle save: %w", err)
	}

	names := strings.Join(b.FeatureNames, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, featureNamesFile), []byte(names), 0o600); err != nil {
		return fmt.Errorf("bundle save: feature names: %w", err)
	}

	log.Info().Str("dir", dir).Int("features", len(b.FeatureNames)).Msg("model bundle saved")
	return nil
}

// LoadBundle reads a bundle from dir and cross-checks the JSON feature
// list against the sibling feature_names.txt. A divergence between the
// two is corruption, not a soft condition.
func LoadBundle(dir string) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, bundleFile))
	if err != nil {
		return nil, fmt.Errorf("bundle load: %w", err)
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("bundle load: parse: %w", err)
	}
	if b.SchemaVersion != bundleSchemaVersion {
		return nil, fmt.Errorf("bundle load: schema version %d, expected %d", b.SchemaVersion, bundleSchemaVersion)
	}

	namesData, err := os.ReadFile(filepath.Join(dir, featureNamesFile))
	if err != nil {
		return nil, fmt.Errorf("bundle load: feature names: %w", err)
	}
	names := features.Schema(strings.Split(strings.TrimSpace(string(namesData)), "\n"))
	if !names.Equal(features.Schema(b.FeatureNames)) {
		return nil, fmt.Errorf("bundle load: feature_names.txt disagrees with bundle: %w", ErrSchemaMismatch)
	}

	return &b, nil
}

// VerifySchema rejects a bundle whose column contract does not match
// the live extraction schema. A mismatch here would silently feed the
// tabular model shuffled columns, so it is always raised to the caller.
func (b *Bundle) VerifySchema(schema features.Schema) error {
	if !features.Schema(b.FeatureNames).Equal(schema) {
		return fmt.Errorf("bundle has %d features, extractor has %d: %w", len(b.FeatureNames), len(schema), ErrSchemaMismatch)
	}
	return nil
}

// Restore reconstructs the three experts and the ensemble from the
// persisted parameters. The result predicts identically to the
// ensemble the bundle was snapshotted from.
func (b *Bundle) Restore() (*Ensemble, *FeatureExpert, *ClusterExpert, *DensityExpert, error) {
	fe := NewFeatureExpert(b.Feature.Params, b.FeatureNames)
	fe.weights = append([]float64(nil), b.Feature.Weights...)
	fe.bias = b.Feature.Bias
	fe.means = append([]float64(nil), b.Feature.Means...)
	fe.stds = append([]float64(nil), b.Feature.Stds...)
	fe.trained = len(fe.weights) > 0

	ce := NewClusterExpert(b.Cluster.Params)
	ce.centroids = append([]geo.Coordinate(nil), b.Cluster.Centroids...)
	ce.sizes = append([]int(nil), b.Cluster.Sizes...)
	ce.trained = true

	de := NewDensityExpert(b.Density.Params)
	de.train = append([]geo.Coordinate(nil), b.Density.TrainCoords...)
	de.maxLogDensity = b.Density.MaxLogDensity
	de.trained = len(de.train) > 0

	ens := NewEnsemble(fe, ce, de)
	if err := ens.SetWeights(b.Weights); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("bundle restore: %w", err)
	}

	return ens, fe, ce, de, nil
}

// ModelVersion is one entry in the version index.
type ModelVersion struct {
	Version   string    `json:"version"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`
	Metrics   Metrics   `json:"metrics"`
	IsActive  bool      `json:"is_active"`
}

// VersionIndex tracks saved bundles, newest first, with an active
// pointer supporting rollback to an earlier model.
type VersionIndex struct {
	modelsDir string
	versions  []ModelVersion
}

// OpenVersionIndex loads (or initializes) the version index under
// modelsDir.
func OpenVersionIndex(modelsDir string) (*VersionIndex, error) {
	vi := &VersionIndex{modelsDir: modelsDir}

	data, err := os.ReadFile(filepath.Join(modelsDir, versionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return vi, nil
		}
		return nil, fmt.Errorf("version index: %w", err)
	}
	if err := json.Unmarshal(data, &vi.versions); err != nil {
		return nil, fmt.Errorf("version index: parse: %w", err)
	}
	return vi, nil
}

// Add saves the bundle into a timestamped subdirectory, records it,
// and activates it.
func (vi *VersionIndex) Add(b *Bundle) (ModelVersion, error) {
	version := b.CreatedAt.Format("20060102-150405")
	dir := filepath.Join(vi.modelsDir, version)

	if err := b.Save(dir); err != nil {
		return ModelVersion{}, err
	}

	v := ModelVersion{Version: version, Dir: dir, CreatedAt: b.CreatedAt, Metrics: b.Metrics}
	vi.versions = append(vi.versions, v)
	sort.Slice(vi.versions, func(i, j int) bool {
		return vi.versions[i].CreatedAt.After(vi.versions[j].CreatedAt)
	})

	if err := vi.Activate(version); err != nil {
		return ModelVersion{}, err
	}
	return v, nil
}

// Activate marks a version active and deactivates the rest.
func (vi *VersionIndex) Activate(version string) error {
	found := false
	for i := range vi.versions {
		if vi.versions[i].Version == version {
			vi.versions[i].IsActive = true
			found = true
		} else {
			vi.versions[i].IsActive = false
		}
	}
	if !found {
		return fmt.Errorf("version index: version %s not found", version)
	}
	return vi.save()
}

// Rollback activates the version preceding the currently active one.
func (vi *VersionIndex) Rollback() error {
	current := -1
	for i, v := range vi.versions {
		if v.IsActive {
			current = i
			break
		}
	}
	if current == -1 {
		return fmt.Errorf("version index: no active version")
	}
	if current+1 >= len(vi.versions) {
		return fmt.Errorf("version index: no previous version available")
	}
	return vi.Activate(vi.versions[current+1].Version)
}

// Active returns the active version, if any.
func (vi *VersionIndex) Active() (ModelVersion, bool) {
	for _, v := range vi.versions {
		if v.IsActive {
			return v, true
		}
	}
	return ModelVersion{}, false
}

// Versions lists all recorded versions, newest first.
func (vi *VersionIndex) Versions() []ModelVersion {
	return append([]ModelVersion(nil), vi.versions...)
}

func (vi *VersionIndex) save() error {
	if err := os.MkdirAll(vi.modelsDir, 0o755); err != nil {
		return fmt.Errorf("version index: %w", err)
	}
	data, err := json.MarshalIndent(vi.versions, "", "  ")
	if err != nil {
		return fmt.Errorf("version index: marshal: %w", err)
	}
	return os.WriteFile(filepath.Join(vi.modelsDir, versionsFile), data, 0o600)
}
