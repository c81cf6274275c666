package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	mappingsFileName = "resource_mappings.json"
	managedFileName  = "managed_resources.json"
	backupSuffix     = ".backup"
)

// Store persists sync state as JSON files in a single directory: one file
// per sync ID, a .backup sibling on overwrite, optional named checkpoint
// files, and two continuity files (resource_mappings.json and
// managed_resources.json) that carry mappings and ownership records
// across runs.
//
// Every read degrades to "no state" on missing or corrupt files rather than
// failing the run; a fresh run with no state is the normal first-run
// bootstrap. Writes report failure as a boolean so the caller can retry with
// the in-memory state intact.
type Store struct {
	dir     string
	current *SyncState
	logger  zerolog.Logger
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "state_store").Logger(),
	}, nil
}

// CreateState starts a new sync state and makes it current. A timestamp
// based ID is generated when syncID is empty. The new state is pre-populated
// with all previously persisted resource mappings and managed-resource
// records so identity continuity and deletion planning survive restarts.
func (s *Store) CreateState(syncID string, configSnapshot map[string]interface{}) *SyncState {
	if syncID == "" {
		syncID = fmt.Sprintf("sync_%d", time.Now().Unix())
	}

	st := NewSyncState(syncID)
	st.ConfigSnapshot = configSnapshot

	for key, mapping := range s.loadPersistentMappings() {
		st.ResourceMappings[key] = mapping
	}

	managed := s.loadPersistentManaged()
	for key, r := range managed.Resources {
		st.ManagedResources[key] = r
	}
	for key, role := range managed.Roles {
		st.ManagedRoles[key] = role
	}
	for key, acl := range managed.ACLs {
		st.ManagedACLs[key] = acl
	}

	s.current = st
	s.logger.Info().
		Str("sync_id", syncID).
		Int("inherited_mappings", len(st.ResourceMappings)).
		Int("inherited_managed", len(st.ManagedResources)).
		Msg("Created sync state")
	return st
}

// Current returns the active sync state, or nil when none was created.
func (s *Store) Current() *SyncState {
	return s.current
}

// LoadState reads a persisted state by ID. Missing or corrupt files return
// nil after logging; they never fail the caller.
func (s *Store) LoadState(syncID string) *SyncState {
	path := s.statePath(syncID)
	raw, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn().Err(err).Str("sync_id", syncID).Msg("State file not readable")
		return nil
	}

	st := NewSyncState(syncID)
	if err := json.Unmarshal(raw, st); err != nil {
		s.logger.Error().Err(err).Str("sync_id", syncID).Msg("State file corrupt")
		return nil
	}
	return st
}

// SaveState writes the state file, renaming any existing file to its
// .backup sibling first, and merges the state's mappings and managed
// records into the cross-run continuity files. Returns false on I/O
// failure.
func (s *Store) SaveState(st *SyncState) bool {
	path := s.statePath(st.SyncID)

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+backupSuffix); err != nil {
			s.logger.Error().Err(err).Str("sync_id", st.SyncID).Msg("Failed to back up state file")
			return false
		}
	}

	if !s.writeJSON(path, st.encode) {
		return false
	}

	if !s.savePersistentMappings(st) {
		return false
	}
	if !s.savePersistentManaged(st) {
		return false
	}

	s.logger.Debug().Str("sync_id", st.SyncID).Msg("Saved sync state")
	return true
}

// CreateCheckpoint snapshots the current state under a derived file name.
func (s *Store) CreateCheckpoint(name string) bool {
	if s.current == nil {
		s.logger.Warn().Str("checkpoint", name).Msg("No current state to checkpoint")
		return false
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", s.current.SyncID, name))
	if !s.writeJSON(path, s.current.encode) {
		return false
	}
	s.logger.Debug().Str("checkpoint", name).Str("sync_id", s.current.SyncID).Msg("Created checkpoint")
	return true
}

// ListStates returns the persisted sync IDs, newest first.
func (s *Store) ListStates() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list state directory")
		return nil
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "sync_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		// Checkpoint files are named sync_<ts>_<name>.json; skip them.
		if strings.Count(id, "_") != 1 {
			continue
		}
		ids = append(ids, id)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids
}

// LatestState loads the most recent persisted state, or nil.
func (s *Store) LatestState() *SyncState {
	ids := s.ListStates()
	if len(ids) == 0 {
		return nil
	}
	return s.LoadState(ids[0])
}

// CleanupOldStates removes state files beyond the keepCount newest,
// including their backup and checkpoint siblings. Returns how many state
// files were removed.
func (s *Store) CleanupOldStates(keepCount int) int {
	ids := s.ListStates()
	if len(ids) <= keepCount {
		return 0
	}

	removed := 0
	for _, id := range ids[keepCount:] {
		matches, err := filepath.Glob(filepath.Join(s.dir, id+"*"))
		if err != nil {
			continue
		}
		failed := false
		for _, path := range matches {
			if err := os.Remove(path); err != nil {
				s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove old state file")
				failed = true
			}
		}
		if !failed {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Int("kept", keepCount).Msg("Cleaned up old states")
	}
	return removed
}

// CleanupStaleResources drops managed-resource records not seen within
// maxAge from the current state. Returns how many were removed.
func (s *Store) CleanupStaleResources(maxAge time.Duration) int {
	if s.current == nil {
		return 0
	}

	s.current.mu.Lock()
	defer s.current.mu.Unlock()

	if s.current.removedManaged == nil {
		s.current.removedManaged = make(map[string]bool)
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for key, r := range s.current.ManagedResources {
		if r.LastSeen.Before(cutoff) {
			delete(s.current.ManagedResources, key)
			s.current.removedManaged[key] = true
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Cleaned up stale managed resources")
	}
	return removed
}

// DetectDrift compares managed roles and ACLs against a live destination
// snapshot supplied by the caller. The store never queries the network.
// Findings are recorded on the current state and returned.
func (s *Store) DetectDrift(roles []RoleSnapshot, acls []ACLSnapshot, braintrustOrg string) []DriftWarning {
	if s.current == nil {
		return nil
	}
	warnings := detectDrift(s.current, roles, acls, braintrustOrg)
	if len(warnings) > 0 {
		s.current.AddDriftWarnings(warnings)
		s.logger.Warn().
			Int("warnings", len(warnings)).
			Str("braintrust_org", braintrustOrg).
			Msg("Drift detected")
	}
	return warnings
}

func (s *Store) statePath(syncID string) string {
	return filepath.Join(s.dir, syncID+".json")
}

// loadPersistentMappings reads the cross-run mappings file; corrupt or
// missing files yield an empty map.
func (s *Store) loadPersistentMappings() map[string]*ResourceMapping {
	mappings := make(map[string]*ResourceMapping)
	raw, err := os.ReadFile(filepath.Join(s.dir, mappingsFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("Mappings file not readable")
		}
		return mappings
	}
	if err := json.Unmarshal(raw, &mappings); err != nil {
		s.logger.Error().Err(err).Msg("Mappings file corrupt, starting empty")
		return make(map[string]*ResourceMapping)
	}
	return mappings
}

// savePersistentMappings merges the state's mappings over the persisted set
// so mappings from earlier runs are never lost. Keys removed during this run
// are dropped from the persisted set first, otherwise a deleted mapping
// would be resurrected on the next save.
func (s *Store) savePersistentMappings(st *SyncState) bool {
	merged := s.loadPersistentMappings()

	st.mu.RLock()
	for key := range st.removedMappings {
		delete(merged, key)
	}
	for key, mapping := range st.ResourceMappings {
		merged[key] = mapping
	}
	st.mu.RUnlock()

	return s.writeJSON(filepath.Join(s.dir, mappingsFileName), func() ([]byte, error) {
		return json.MarshalIndent(merged, "", "  ")
	})
}

// persistedManaged is the on-disk shape of the managed-resources continuity
// file. Roles and ACLs ride along so drift comparison has a baseline on the
// next run.
type persistedManaged struct {
	Resources map[string]*ManagedResource `json:"resources"`
	Roles     map[string]*RoleState       `json:"roles,omitempty"`
	ACLs      map[string]*ACLState        `json:"acls,omitempty"`
}

// loadPersistentManaged reads the cross-run managed-resources file; corrupt
// or missing files yield empty maps.
func (s *Store) loadPersistentManaged() persistedManaged {
	managed := persistedManaged{
		Resources: make(map[string]*ManagedResource),
		Roles:     make(map[string]*RoleState),
		ACLs:      make(map[string]*ACLState),
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, managedFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("Managed resources file not readable")
		}
		return managed
	}
	if err := json.Unmarshal(raw, &managed); err != nil {
		s.logger.Error().Err(err).Msg("Managed resources file corrupt, starting empty")
		return persistedManaged{
			Resources: make(map[string]*ManagedResource),
			Roles:     make(map[string]*RoleState),
			ACLs:      make(map[string]*ACLState),
		}
	}
	if managed.Resources == nil {
		managed.Resources = make(map[string]*ManagedResource)
	}
	if managed.Roles == nil {
		managed.Roles = make(map[string]*RoleState)
	}
	if managed.ACLs == nil {
		managed.ACLs = make(map[string]*ACLState)
	}
	return managed
}

// savePersistentManaged merges the state's managed records over the
// persisted set, honoring removals the same way savePersistentMappings does.
func (s *Store) savePersistentManaged(st *SyncState) bool {
	merged := s.loadPersistentManaged()

	st.mu.RLock()
	for key := range st.removedManaged {
		delete(merged.Resources, key)
	}
	for key, r := range st.ManagedResources {
		merged.Resources[key] = r
	}
	for key, role := range st.ManagedRoles {
		merged.Roles[key] = role
	}
	for key, acl := range st.ManagedACLs {
		merged.ACLs[key] = acl
	}
	st.mu.RUnlock()

	return s.writeJSON(filepath.Join(s.dir, managedFileName), func() ([]byte, error) {
		return json.MarshalIndent(merged, "", "  ")
	})
}

// writeJSON writes via a temp file and rename so a crash mid-write never
// leaves a truncated state file.
func (s *Store) writeJSON(path string, encode func() ([]byte, error)) bool {
	data, err := encode()
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to encode state")
		return false
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to write state file")
		return false
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to move state file into place")
		return false
	}
	return true
}

// encode marshals the state under its read lock so concurrent item
// execution never races the encoder.
func (s *SyncState) encode() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.MarshalIndent(s, "", "  ")
}
