package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/internal/ml"
	"github.com/enterprise/insight-engine/internal/models"
)

// Models publishes the active Snapshot. Readers take one snapshot per call with Current;
// training swaps in a new one atomically, so a call never mixes models from two trainings.
type Models struct {
	current atomic.Pointer[Snapshot]
	store   ArtifactStore
}

// NewModels creates a holder that starts with an untrained snapshot
func NewModels(store ArtifactStore) *Models {
	m := &Models{store: store}
	m.current.Store(NewUntrainedSnapshot())
	return m
}

// Current returns the active snapshot
func (m *Models) Current() *Snapshot {
	return m.current.Load()
}

// Info describes the active snapshot
func (m *Models) Info() models.ModelInfo {
	return m.Current().Info()
}

// Swap publishes s as the active snapshot and returns the previous one
func (m *Models) Swap(s *Snapshot) *Snapshot {
	return m.current.Swap(s)
}

type artifactEnvelope[T any] struct {
	Info  models.ModelInfo `json:"info"`
	Model T                `json:"model"`
}

type artifactManifest struct {
	Version string `json:"version"`
}

// Persist writes the three fitted models of s under its version, then points the manifest
// at that version. A failure before the manifest write leaves the previous set active.
func (m *Models) Persist(ctx context.Context, s *Snapshot) error {
	if !s.Trained() {
		return ErrModelUnavailable
	}

	blobs := map[string]any{
		ArtifactScaler:      artifactEnvelope[*ml.StandardScaler]{Info: s.info, Model: s.scaler},
		ArtifactCategorizer: artifactEnvelope[*ml.RandomForest]{Info: s.info, Model: s.categorizer},
		ArtifactOutlier:     artifactEnvelope[*ml.IsolationForest]{Info: s.info, Model: s.outlier},
	}
	for _, name := range []string{ArtifactScaler, ArtifactCategorizer, ArtifactOutlier} {
		data, err := json.Marshal(blobs[name])
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", name, err)
		}
		if err := m.store.Put(ctx, VersionedArtifact(s.info.Version, name), data); err != nil {
			return fmt.Errorf("failed to persist %s: %w", name, err)
		}
	}

	manifest, err := json.Marshal(artifactManifest{Version: s.info.Version})
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := m.store.Put(ctx, ArtifactManifest, manifest); err != nil {
		return fmt.Errorf("failed to publish manifest: %w", err)
	}
	// TODO: prune version sets older than the previous manifest once ArtifactStore can delete
	return nil
}

// Load restores the persisted snapshot and publishes it. On any failure an untrained
// snapshot is published instead and the error is returned for the caller to note.
func (m *Models) Load(ctx context.Context) error {
	s, err := m.load(ctx)
	if err != nil {
		m.current.Store(NewUntrainedSnapshot())
		log.Warn().Err(err).Msg("Model artifacts unavailable, using untrained defaults")
		return err
	}

	m.current.Store(s)
	log.Info().
		Str("model_version", s.info.Version).
		Int("row_count", s.info.RowCount).
		Bool("synthetic", s.info.Synthetic).
		Msg("Model artifacts loaded")
	return nil
}

// Refresh publishes the persisted snapshot when its version differs from the active one.
// Unlike Load, a failure keeps the active snapshot.
func (m *Models) Refresh(ctx context.Context) (bool, error) {
	s, err := m.load(ctx)
	if err != nil {
		return false, err
	}
	if s.Version() == m.Current().Version() {
		return false, nil
	}

	previous := m.current.Swap(s)
	log.Info().
		Str("model_version", s.info.Version).
		Str("previous_version", previous.Version()).
		Msg("Model artifacts refreshed")
	return true, nil
}

func (m *Models) load(ctx context.Context) (*Snapshot, error) {
	var scaler artifactEnvelope[*ml.StandardScaler]
	var categorizer artifactEnvelope[*ml.RandomForest]
	var outlier artifactEnvelope[*ml.IsolationForest]

	targets := map[string]any{
		ArtifactScaler:      &scaler,
		ArtifactCategorizer: &categorizer,
		ArtifactOutlier:     &outlier,
	}
	version, err := m.activeVersion(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{ArtifactScaler, ArtifactCategorizer, ArtifactOutlier} {
		data, err := m.store.Get(ctx, VersionedArtifact(version, name))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, targets[name]); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
	}

	if scaler.Info.Version != version || categorizer.Info.Version != version || outlier.Info.Version != version {
		return nil, fmt.Errorf("artifact versions disagree: manifest=%s scaler=%s categorizer=%s outlier=%s",
			version, scaler.Info.Version, categorizer.Info.Version, outlier.Info.Version)
	}

	s := &Snapshot{
		info:        categorizer.Info,
		scaler:      scaler.Model,
		categorizer: categorizer.Model,
		outlier:     outlier.Model,
	}
	if !s.Trained() {
		return nil, fmt.Errorf("artifacts for %s are not fitted", version)
	}
	return s, nil
}

func (m *Models) activeVersion(ctx context.Context) (string, error) {
	data, err := m.store.Get(ctx, ArtifactManifest)
	if err != nil {
		return "", err
	}
	var manifest artifactManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("failed to decode manifest: %w", err)
	}
	if !validVersion(manifest.Version) {
		return "", fmt.Errorf("manifest names invalid version %q", manifest.Version)
	}
	return manifest.Version, nil
}
