package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ConfigHash returns a stable 16-hex-character digest of the given value,
// computed over canonical JSON. Used to fingerprint role/ACL configurations
// and plan inputs; not security sensitive, any stable digest suffices.
func ConfigHash(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// HashRoleSnapshot fingerprints a live role observation. Permissions are
// sorted first so ordering differences never read as drift.
func HashRoleSnapshot(snapshot RoleSnapshot) string {
	perms := append([]string(nil), snapshot.Permissions...)
	sort.Strings(perms)
	return ConfigHash(map[string]interface{}{
		"name":        snapshot.Name,
		"permissions": perms,
	})
}

// HashACLSnapshot fingerprints a live ACL observation. The role reference
// is part of the fingerprint: swapping the role on a grant is drift even
// when object and permission are unchanged.
func HashACLSnapshot(snapshot ACLSnapshot) string {
	return ConfigHash(map[string]interface{}{
		"object_type": snapshot.ObjectType,
		"object_id":   snapshot.ObjectID,
		"permission":  snapshot.Permission,
		"role_id":     snapshot.RoleID,
	})
}

// detectDrift compares the state's managed roles and ACLs for one org
// against live snapshots. Two findings are produced: a managed record whose
// resource no longer exists (high severity) and a managed record whose live
// configuration hash differs from the applied one (medium severity).
func detectDrift(st *SyncState, roles []RoleSnapshot, acls []ACLSnapshot, braintrustOrg string) []DriftWarning {
	st.mu.RLock()
	defer st.mu.RUnlock()

	now := time.Now().UTC()
	var warnings []DriftWarning

	liveRoles := make(map[string]RoleSnapshot, len(roles))
	for _, r := range roles {
		liveRoles[r.ID] = r
	}
	liveACLs := make(map[string]ACLSnapshot, len(acls))
	for _, a := range acls {
		liveACLs[a.ID] = a
	}

	for _, managed := range st.ManagedRoles {
		if managed.BraintrustOrg != braintrustOrg {
			continue
		}
		live, exists := liveRoles[managed.RoleID]
		if !exists {
			warnings = append(warnings, DriftWarning{
				ID:            uuid.NewString(),
				Severity:      DriftSeverityHigh,
				ResourceType:  "role",
				ResourceID:    managed.RoleID,
				BraintrustOrg: braintrustOrg,
				Description:   "Managed role no longer exists in Braintrust: " + managed.RoleName,
				DetectedAt:    now,
			})
			continue
		}
		if liveHash := HashRoleSnapshot(live); liveHash != managed.ConfigHash {
			warnings = append(warnings, DriftWarning{
				ID:            uuid.NewString(),
				Severity:      DriftSeverityMedium,
				ResourceType:  "role",
				ResourceID:    managed.RoleID,
				BraintrustOrg: braintrustOrg,
				Description:   "Managed role permissions were modified outside of sync: " + managed.RoleName,
				DetectedAt:    now,
				Details: map[string]interface{}{
					"expected_hash": managed.ConfigHash,
					"observed_hash": liveHash,
				},
			})
		}
	}

	for _, managed := range st.ManagedACLs {
		if managed.BraintrustOrg != braintrustOrg {
			continue
		}
		live, exists := liveACLs[managed.ACLID]
		if !exists {
			warnings = append(warnings, DriftWarning{
				ID:            uuid.NewString(),
				Severity:      DriftSeverityHigh,
				ResourceType:  "acl",
				ResourceID:    managed.ACLID,
				BraintrustOrg: braintrustOrg,
				Description:   "Managed ACL no longer exists in Braintrust",
				DetectedAt:    now,
				Details: map[string]interface{}{
					"object_type": managed.ObjectType,
					"object_id":   managed.ObjectID,
				},
			})
			continue
		}
		if liveHash := HashACLSnapshot(live); liveHash != managed.ConfigHash {
			warnings = append(warnings, DriftWarning{
				ID:            uuid.NewString(),
				Severity:      DriftSeverityMedium,
				ResourceType:  "acl",
				ResourceID:    managed.ACLID,
				BraintrustOrg: braintrustOrg,
				Description:   "Managed ACL permission was modified outside of sync",
				DetectedAt:    now,
				Details: map[string]interface{}{
					"expected_hash": managed.ConfigHash,
					"observed_hash": liveHash,
				},
			})
		}
	}

	return warnings
}
