// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package registry provides the durable, versioned model artifact store.
//
// # Storage Format
//
// Each version lives in its own directory:
//
//	<root>/models/<model_type>/v<N>/
//	    model.bin       artifact bytes
//	    metadata.json   training metadata
//	    metrics.json    held-out evaluation metrics
//	    model.sha256    hex SHA-256 of model.bin
//	<root>/models/<model_type>/latest
//
// The latest file holds the directory name of the active version
// ("v3") and is replaced atomically via temp-file rename. A version
// directory is only eligible to be pointed to after all four files
// have been written; a half-written directory is orphaned data that
// nothing references and nothing loads.
//
// # Thread Safety
//
// Writes are serialized per model type; concurrent SaveVersion calls
// for the same type never interleave.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tonearc/tonearc/internal/metrics"
)

// Latest selects the version the latest pointer references.
const Latest = 0

// Metadata describes how a version was produced.
type Metadata struct {
	// ModelType is the model class this version belongs to.
	ModelType string `json:"model_type"`

	// Version is the assigned version number.
	Version int `json:"version"`

	// SampleCount is the number of training samples used.
	SampleCount int `json:"sample_count"`

	// FeatureDim is the feature vector dimensionality.
	FeatureDim int `json:"feature_dim"`

	// Hyperparameters are the trainer settings for this run.
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`

	// TrainingRunID correlates the version with pipeline logs/events.
	TrainingRunID string `json:"training_run_id,omitempty"`

	// CreatedAt is when the version was written.
	CreatedAt time.Time `json:"created_at"`
}

// Metrics holds held-out evaluation metrics for a version.
type Metrics struct {
	MSE float64 `json:"mse"`
	MAE float64 `json:"mae"`
	R2  float64 `json:"r2"`

	// Extra carries trainer-specific metrics.
	Extra map[string]float64 `json:"extra,omitempty"`
}

// VersionInfo summarizes a stored version for listings.
type VersionInfo struct {
	ModelType string   `json:"model_type"`
	Version   int      `json:"version"`
	Metadata  Metadata `json:"metadata"`
	Metrics   Metrics  `json:"metrics"`
	Latest    bool     `json:"latest"`
}

// Comparison is the result of comparing two versions.
type Comparison struct {
	// Better is the version number of the preferred version. Ties and
	// improvements below the margin prefer the first argument: model
	// swaps must earn their place, not merely tie.
	Better int `json:"better"`

	// MetricDelta is incumbent MSE minus challenger MSE; positive
	// means the challenger has lower error.
	MetricDelta float64 `json:"metric_delta"`

	// RelativeImprovement is MetricDelta divided by incumbent MSE.
	RelativeImprovement float64 `json:"relative_improvement"`
}

// Config holds registry settings.
type Config struct {
	// Root is the artifact root directory.
	Root string

	// PromotionMargin is the minimum relative MSE improvement required
	// for CompareVersions to prefer the second argument.
	PromotionMargin float64
}

// Registry is the versioned artifact store. Safe for concurrent use.
type Registry struct {
	root   string
	margin float64
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New opens a registry rooted at cfg.Root, creating it if needed.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func New(cfg Config, logger zerolog.Logger) (*Registry, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("registry: root directory required")
	}
	if cfg.PromotionMargin < 0 || cfg.PromotionMargin >= 1 {
		return nil, fmt.Errorf("registry: promotion margin %v out of range [0,1)", cfg.PromotionMargin)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "models"), 0o750); err != nil {
		return nil, fmt.Errorf("create registry root: %w", err)
	}

	return &Registry{
		root:   cfg.Root,
		margin: cfg.PromotionMargin,
		logger: logger.With().Str("component", "registry").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// typeLock returns the per-model-type write lock.
func (r *Registry) typeLock(modelType string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[modelType]
	if !ok {
		l = &sync.Mutex{}
		r.locks[modelType] = l
	}
	return l
}

// SaveVersion persists an artifact as maxExisting+1 for the model type.
// The version directory is written in full before latest is optionally
// repointed; a failure part-way leaves at worst an orphaned directory
// that nothing references. Returns the assigned version and its path.
func (r *Registry) SaveVersion(modelType string, artifact []byte, meta Metadata, m Metrics, makeLatest bool) (int, string, error) {
	if modelType == "" {
		return 0, "", fmt.Errorf("registry: model type required")
	}
	if len(artifact) == 0 {
		return 0, "", fmt.Errorf("registry: empty artifact")
	}

	lock := r.typeLock(modelType)
	lock.Lock()
	defer lock.Unlock()

	version := r.maxVersionLocked(modelType) + 1
	dir := r.versionDir(modelType, version)

	meta.ModelType = modelType
	meta.Version = version
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	if err := r.writeVersionDir(dir, artifact, meta, m); err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("save", "error").Inc()
		return 0, "", err
	}

	if makeLatest {
		if err := r.writeLatestLocked(modelType, version); err != nil {
			metrics.RegistryOpsTotal.WithLabelValues("save", "error").Inc()
			return 0, "", err
		}
	}

	metrics.RegistryOpsTotal.WithLabelValues("save", "ok").Inc()
	r.logger.Info().
		Str("model_type", modelType).
		Int("version", version).
		Bool("latest", makeLatest).
		Int("artifact_bytes", len(artifact)).
		Msg("saved model version")

	return version, dir, nil
}

// writeVersionDir writes the four version files as one logical unit.
func (r *Registry) writeVersionDir(dir string, artifact []byte, meta Metadata, m Metrics) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create version dir: %w", err)
	}

	sum := sha256.Sum256(artifact)
	digest := hex.EncodeToString(sum[:])

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	metricsBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{artifactFile, artifact},
		{metadataFile, metaBytes},
		{metricsFile, metricsBytes},
		{checksumFile, []byte(digest + "\n")},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o640); err != nil { //nolint:gosec // registry files are service-private
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

// LoadVersion reads an artifact plus its metadata and metrics. Pass
// Latest to resolve the latest pointer. The artifact hash is recomputed
// and compared to the stored digest; a mismatch returns
// CorruptArtifactError rather than corrupted bytes.
func (r *Registry) LoadVersion(modelType string, version int) ([]byte, Metadata, Metrics, error) {
	var meta Metadata
	var m Metrics

	resolved, err := r.resolveVersion(modelType, version)
	if err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("load", "error").Inc()
		return nil, meta, m, err
	}

	dir := r.versionDir(modelType, resolved)
	artifact, err := os.ReadFile(filepath.Join(dir, artifactFile)) //nolint:gosec // path is registry-owned
	if err != nil {
		if os.IsNotExist(err) {
			metrics.RegistryOpsTotal.WithLabelValues("load", "error").Inc()
			return nil, meta, m, &NotFoundError{ModelType: modelType, Version: resolved}
		}
		metrics.RegistryOpsTotal.WithLabelValues("load", "error").Inc()
		return nil, meta, m, fmt.Errorf("read artifact: %w", err)
	}

	stored, err := os.ReadFile(filepath.Join(dir, checksumFile)) //nolint:gosec // path is registry-owned
	if err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("load", "error").Inc()
		return nil, meta, m, fmt.Errorf("read checksum: %w", err)
	}
	expected := strings.TrimSpace(string(stored))

	sum := sha256.Sum256(artifact)
	actual := hex.EncodeToString(sum[:])
	if actual != expected {
		metrics.RegistryOpsTotal.WithLabelValues("load", "corrupt").Inc()
		return nil, meta, m, &CorruptArtifactError{
			ModelType: modelType,
			Version:   resolved,
			Expected:  expected,
			Actual:    actual,
		}
	}

	if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("load", "error").Inc()
		return nil, meta, m, fmt.Errorf("read metadata: %w", err)
	}
	if err := readJSON(filepath.Join(dir, metricsFile), &m); err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("load", "error").Inc()
		return nil, meta, m, fmt.Errorf("read metrics: %w", err)
	}

	metrics.RegistryOpsTotal.WithLabelValues("load", "ok").Inc()
	return artifact, meta, m, nil
}

// LatestVersion returns the version number the latest pointer
// references, or a NotFoundError when no pointer is set.
func (r *Registry) LatestVersion(modelType string) (int, error) {
	return r.readLatest(modelType)
}

// ListVersions returns stored versions sorted descending by version.
func (r *Registry) ListVersions(modelType string) ([]VersionInfo, error) {
	versions, err := r.scanVersions(modelType)
	if err != nil {
		return nil, err
	}

	latest, _ := r.readLatest(modelType)

	infos := make([]VersionInfo, 0, len(versions))
	for _, v := range versions {
		dir := r.versionDir(modelType, v)

		var meta Metadata
		var m Metrics
		if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
			// Orphaned or half-written directory; never surfaced.
			continue
		}
		if err := readJSON(filepath.Join(dir, metricsFile), &m); err != nil {
			continue
		}

		infos = append(infos, VersionInfo{
			ModelType: modelType,
			Version:   v,
			Metadata:  meta,
			Metrics:   m,
			Latest:    v == latest,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Version > infos[j].Version })
	return infos, nil
}

// DeleteVersion removes a version. If it was latest, latest is
// repointed to the maximum remaining version, or unset if none remain.
func (r *Registry) DeleteVersion(modelType string, version int) error {
	lock := r.typeLock(modelType)
	lock.Lock()
	defer lock.Unlock()

	dir := r.versionDir(modelType, version)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{ModelType: modelType, Version: version}
	}

	wasLatest := false
	if latest, err := r.readLatest(modelType); err == nil && latest == version {
		wasLatest = true
	}

	if err := os.RemoveAll(dir); err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("delete version dir: %w", err)
	}

	if wasLatest {
		next := r.maxVersionLocked(modelType)
		if next > 0 {
			if err := r.writeLatestLocked(modelType, next); err != nil {
				return err
			}
		} else if err := os.Remove(r.latestPath(modelType)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear latest pointer: %w", err)
		}
	}

	metrics.RegistryOpsTotal.WithLabelValues("delete", "ok").Inc()
	r.logger.Info().
		Str("model_type", modelType).
		Int("version", version).
		Bool("was_latest", wasLatest).
		Msg("deleted model version")
	return nil
}

// Rollback atomically repoints latest to an existing version.
func (r *Registry) Rollback(modelType string, toVersion int) error {
	lock := r.typeLock(modelType)
	lock.Lock()
	defer lock.Unlock()

	dir := r.versionDir(modelType, toVersion)
	if _, err := os.Stat(filepath.Join(dir, artifactFile)); os.IsNotExist(err) {
		metrics.RegistryOpsTotal.WithLabelValues("rollback", "error").Inc()
		return &NotFoundError{ModelType: modelType, Version: toVersion}
	}

	if err := r.writeLatestLocked(modelType, toVersion); err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("rollback", "error").Inc()
		return err
	}

	metrics.RegistryOpsTotal.WithLabelValues("rollback", "ok").Inc()
	metrics.RollbacksTotal.WithLabelValues(modelType).Inc()
	r.logger.Info().
		Str("model_type", modelType).
		Int("version", toVersion).
		Msg("latest pointer moved")
	return nil
}

// Promote atomically repoints latest to an existing version as part of
// a deployment. Same mechanics as Rollback, counted separately.
func (r *Registry) Promote(modelType string, toVersion int) error {
	lock := r.typeLock(modelType)
	lock.Lock()
	defer lock.Unlock()

	dir := r.versionDir(modelType, toVersion)
	if _, err := os.Stat(filepath.Join(dir, artifactFile)); os.IsNotExist(err) {
		metrics.RegistryOpsTotal.WithLabelValues("promote", "error").Inc()
		return &NotFoundError{ModelType: modelType, Version: toVersion}
	}

	if err := r.writeLatestLocked(modelType, toVersion); err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("promote", "error").Inc()
		return err
	}

	metrics.RegistryOpsTotal.WithLabelValues("promote", "ok").Inc()
	metrics.DeploymentsTotal.WithLabelValues(modelType).Inc()
	r.logger.Info().
		Str("model_type", modelType).
		Int("version", toVersion).
		Msg("version promoted to latest")
	return nil
}

// CompareVersions compares two stored versions on their primary error
// metric (MSE). The second version wins only when its MSE beats the
// first's by at least the configured relative margin; ties and
// sub-margin improvements prefer the first.
func (r *Registry) CompareVersions(modelType string, a, b int) (Comparison, error) {
	metricsA, err := r.loadMetrics(modelType, a)
	if err != nil {
		return Comparison{}, err
	}
	metricsB, err := r.loadMetrics(modelType, b)
	if err != nil {
		return Comparison{}, err
	}

	delta := metricsA.MSE - metricsB.MSE
	rel := 0.0
	if metricsA.MSE > 0 {
		rel = delta / metricsA.MSE
	}

	better := a
	if rel >= r.margin && delta > 0 {
		better = b
	}

	return Comparison{
		Better:              better,
		MetricDelta:         delta,
		RelativeImprovement: rel,
	}, nil
}

// Prune deletes all but the newest keep versions, never the latest.
func (r *Registry) Prune(modelType string, keep int) error {
	if keep < 1 {
		keep = 1
	}

	lock := r.typeLock(modelType)
	lock.Lock()
	defer lock.Unlock()

	versions, err := r.scanVersions(modelType)
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))

	latest, _ := r.readLatest(modelType)

	removed := 0
	for i, v := range versions {
		if i < keep || v == latest {
			continue
		}
		if err := os.RemoveAll(r.versionDir(modelType, v)); err != nil {
			r.logger.Warn().Err(err).Int("version", v).Msg("prune failed for version")
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info().
			Str("model_type", modelType).
			Int("removed", removed).
			Int("keep", keep).
			Msg("pruned old versions")
	}
	return nil
}

// resolveVersion maps Latest to the pointed-at version and verifies
// explicit versions exist.
func (r *Registry) resolveVersion(modelType string, version int) (int, error) {
	if version != Latest {
		if _, err := os.Stat(r.versionDir(modelType, version)); os.IsNotExist(err) {
			return 0, &NotFoundError{ModelType: modelType, Version: version}
		}
		return version, nil
	}

	latest, err := r.readLatest(modelType)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(filepath.Join(r.versionDir(modelType, latest), artifactFile)); os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s -> v%d", ErrBrokenPointer, modelType, latest)
	}
	return latest, nil
}

// loadMetrics reads just the metrics file for a version.
func (r *Registry) loadMetrics(modelType string, version int) (Metrics, error) {
	var m Metrics
	resolved, err := r.resolveVersion(modelType, version)
	if err != nil {
		return m, err
	}
	if err := readJSON(filepath.Join(r.versionDir(modelType, resolved), metricsFile), &m); err != nil {
		return m, fmt.Errorf("read metrics for v%d: %w", resolved, err)
	}
	return m, nil
}

// maxVersionLocked scans for the highest existing version number.
// Callers must hold the type lock for write paths.
func (r *Registry) maxVersionLocked(modelType string) int {
	versions, err := r.scanVersions(modelType)
	if err != nil || len(versions) == 0 {
		return 0
	}
	maxV := 0
	for _, v := range versions {
		if v > maxV {
			maxV = v
		}
	}
	return maxV
}

// scanVersions lists version numbers present on disk for a type.
func (r *Registry) scanVersions(modelType string) ([]int, error) {
	entries, err := os.ReadDir(r.typeDir(modelType))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read model type dir: %w", err)
	}

	var versions []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "v") {
			continue
		}
		v, err := strconv.Atoi(name[1:])
		if err != nil || v < 1 {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// readLatest reads the latest pointer file.
func (r *Registry) readLatest(modelType string) (int, error) {
	data, err := os.ReadFile(r.latestPath(modelType)) //nolint:gosec // path is registry-owned
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &NotFoundError{ModelType: modelType, Version: Latest}
		}
		return 0, fmt.Errorf("read latest pointer: %w", err)
	}

	name := strings.TrimSpace(string(data))
	if !strings.HasPrefix(name, "v") {
		return 0, fmt.Errorf("%w: malformed pointer %q", ErrBrokenPointer, name)
	}
	v, err := strconv.Atoi(name[1:])
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: malformed pointer %q", ErrBrokenPointer, name)
	}
	return v, nil
}

// writeLatestLocked replaces the latest pointer via temp-file rename so
// readers never observe a partial write. Callers hold the type lock.
func (r *Registry) writeLatestLocked(modelType string, version int) error {
	path := r.latestPath(modelType)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("v%d\n", version)), 0o640); err != nil { //nolint:gosec // registry files are service-private
		return fmt.Errorf("write latest pointer: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace latest pointer: %w", err)
	}
	return nil
}

const (
	artifactFile = "model.bin"
	metadataFile = "metadata.json"
	metricsFile  = "metrics.json"
	checksumFile = "model.sha256"
)

func (r *Registry) typeDir(modelType string) string {
	return filepath.Join(r.root, "models", modelType)
}

func (r *Registry) versionDir(modelType string, version int) string {
	return filepath.Join(r.typeDir(modelType), fmt.Sprintf("v%d", version))
}

func (r *Registry) latestPath(modelType string) string {
	return filepath.Join(r.typeDir(modelType), "latest")
}

func readJSON(path string, target interface{}) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is registry-owned
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
