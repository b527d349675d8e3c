// Package store owns the on-disk analysis files: the two platform snapshots,
// the published opportunity list and the persisted settings tuple. Every
// write goes through a temp-file-plus-rename so readers never observe a torn
// file, and the last written value of each file is kept in memory so the
// HTTP layer reads without touching disk.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/domain"
	skio "github.com/valros/skinarb/internal/io"
)

const (
	snapshotAFile     = "snapshot_A.json"
	snapshotBFile     = "snapshot_B.json"
	opportunitiesFile = "opportunities.json"
	settingsFile      = "settings.json"
	hashNameFile      = "hashname_cache.bin"
	credentialsFile   = "credentials.json"
)

// ErrNoSnapshot reports that a platform has never completed a full crawl.
var ErrNoSnapshot = errors.New("no snapshot on disk")

// Store is safe for concurrent use.
type Store struct {
	dir string

	mu            sync.RWMutex
	snapshots     map[domain.Platform]*domain.Snapshot
	opportunities *domain.OpportunityList
}

// New creates the data directory if needed and verifies it is writable.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		dir:       dir,
		snapshots: make(map[domain.Platform]*domain.Snapshot),
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir is the data directory path.
func (s *Store) Dir() string { return s.dir }

// HashNamePath locates the hash-name cache file inside the data dir.
func (s *Store) HashNamePath() string { return filepath.Join(s.dir, hashNameFile) }

// CredentialsPath locates the credentials file inside the data dir.
func (s *Store) CredentialsPath() string { return filepath.Join(s.dir, credentialsFile) }

// Check probes that the data dir is still writable. Used at startup and by
// the health endpoint.
func (s *Store) Check() error {
	probe, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func snapshotFile(platform domain.Platform) string {
	if platform == domain.PlatformA {
		return snapshotAFile
	}
	return snapshotBFile
}

// SaveSnapshot persists one full-catalog capture, overwriting the previous
// one. The metadata count is forced to the item count so the file invariant
// holds regardless of what the pipeline tallied.
func (s *Store) SaveSnapshot(snapshot *domain.Snapshot) error {
	snapshot.Metadata.TotalCount = len(snapshot.Items)

	path := filepath.Join(s.dir, snapshotFile(snapshot.Metadata.Platform))
	if err := skio.WriteJSONAtomic(path, snapshot); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snapshot.Metadata.Platform, err)
	}

	s.mu.Lock()
	s.snapshots[snapshot.Metadata.Platform] = snapshot
	s.mu.Unlock()

	log.Info().
		Str("platform", string(snapshot.Metadata.Platform)).
		Int("items", len(snapshot.Items)).
		Msg("Snapshot persisted")
	return nil
}

// Snapshot returns the last capture for a platform, reading from disk when
// the in-memory copy is cold. ErrNoSnapshot means no full crawl has ever
// completed for that platform.
func (s *Store) Snapshot(platform domain.Platform) (*domain.Snapshot, error) {
	s.mu.RLock()
	cached := s.snapshots[platform]
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var snapshot domain.Snapshot
	path := filepath.Join(s.dir, snapshotFile(platform))
	if err := skio.ReadJSON(path, &snapshot); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: platform %s", ErrNoSnapshot, platform)
		}
		return nil, fmt.Errorf("read snapshot %s: %w", platform, err)
	}
	if snapshot.Metadata.TotalCount != len(snapshot.Items) {
		log.Warn().
			Str("platform", string(platform)).
			Int("metadata_count", snapshot.Metadata.TotalCount).
			Int("items", len(snapshot.Items)).
			Msg("Snapshot metadata count disagrees with items, trusting items")
		snapshot.Metadata.TotalCount = len(snapshot.Items)
	}

	s.mu.Lock()
	s.snapshots[platform] = &snapshot
	s.mu.Unlock()
	return &snapshot, nil
}

// SaveOpportunities atomically replaces the published list on disk and in
// memory.
func (s *Store) SaveOpportunities(list *domain.OpportunityList) error {
	list.Metadata.TotalCount = len(list.Items)

	path := filepath.Join(s.dir, opportunitiesFile)
	if err := skio.WriteJSONAtomic(path, list); err != nil {
		return fmt.Errorf("save opportunities: %w", err)
	}

	s.mu.Lock()
	s.opportunities = list
	s.mu.Unlock()
	return nil
}

// Opportunities returns the current published list, falling back to disk on
// a cold start. A missing file yields an empty list, not an error: "nothing
// published yet" is a normal state.
func (s *Store) Opportunities() (*domain.OpportunityList, error) {
	s.mu.RLock()
	cached := s.opportunities
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var list domain.OpportunityList
	path := filepath.Join(s.dir, opportunitiesFile)
	if err := skio.ReadJSON(path, &list); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &domain.OpportunityList{Items: []domain.Opportunity{}}, nil
		}
		return nil, fmt.Errorf("read opportunities: %w", err)
	}

	s.mu.Lock()
	s.opportunities = &list
	s.mu.Unlock()
	return &list, nil
}

// SaveSettings persists the runtime settings tuple.
func (s *Store) SaveSettings(settings domain.Settings) error {
	path := filepath.Join(s.dir, settingsFile)
	if err := skio.WriteJSONAtomic(path, settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LoadSettings reads the persisted settings tuple. A missing file returns
// the defaults; a corrupt or invalid file is surfaced so the caller can
// refuse to start on garbage rather than silently reset.
func (s *Store) LoadSettings() (domain.Settings, error) {
	var settings domain.Settings
	path := filepath.Join(s.dir, settingsFile)
	if err := skio.ReadJSON(path, &settings); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.DefaultSettings(), nil
		}
		return domain.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return domain.Settings{}, fmt.Errorf("persisted settings: %w", err)
	}
	return settings, nil
}
