// Package config defines and loads the idbridge configuration: Okta and
// Braintrust credentials, per-kind sync rules, deletion policies, and the
// state/audit directories. The reconciliation core treats a loaded Config as
// an opaque read-only input.
package config

import (
	"time"
)

// Identity mapping strategies for resolving a source resource to its
// destination identity key.
const (
	IdentityStrategyEmail       = "email"
	IdentityStrategyCustomField = "custom_field"
	IdentityStrategyMappingFile = "mapping_file"
)

// Config is the root configuration object.
type Config struct {
	// Okta holds identity provider connection settings.
	Okta OktaConfig `yaml:"okta" validate:"required"`

	// Braintrust holds destination organization credentials.
	Braintrust BraintrustConfig `yaml:"braintrust" validate:"required"`

	// Sync holds per-kind sync rules and execution settings.
	Sync SyncSettings `yaml:"sync"`

	// Deletion holds the opt-in deletion policies.
	Deletion DeletionConfig `yaml:"deletion"`

	// State configures the JSON state store.
	State StateConfig `yaml:"state"`

	// Audit configures the JSONL audit sink.
	Audit AuditConfig `yaml:"audit"`
}

// OktaConfig holds Okta API connection settings.
type OktaConfig struct {
	// Domain is the Okta org domain (e.g., "example.okta.com").
	Domain string `yaml:"domain" validate:"required,fqdn"`

	// APIToken is the SSWS API token. Supports ${ENV_VAR} expansion.
	APIToken string `yaml:"api_token" validate:"required"`

	// TimeoutSeconds is the per-request timeout.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=1,max=300"`

	// MaxRetries is the retry budget for throttled or transient failures.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=10"`
}

// Timeout returns the per-request timeout as a duration.
func (c OktaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BraintrustConfig holds destination organizations keyed by org name.
type BraintrustConfig struct {
	// APIURL is the default API base URL for all orgs.
	APIURL string `yaml:"api_url" validate:"omitempty,url"`

	// Orgs maps organization name to its credentials.
	Orgs map[string]OrgCredentials `yaml:"orgs" validate:"required,min=1,dive"`

	// TimeoutSeconds is the per-request timeout.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=1,max=300"`

	// MaxRetries is the retry budget for throttled or transient failures.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=10"`
}

// Timeout returns the per-request timeout as a duration.
func (c BraintrustConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OrgNames returns the configured organization names.
func (c BraintrustConfig) OrgNames() []string {
	names := make([]string, 0, len(c.Orgs))
	for name := range c.Orgs {
		names = append(names, name)
	}
	return names
}

// OrgCredentials holds one organization's API credentials.
type OrgCredentials struct {
	// APIKey is the org-scoped API key. Supports ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key" validate:"required"`

	// APIURL overrides the default API base URL for this org.
	APIURL string `yaml:"api_url" validate:"omitempty,url"`
}

// SyncSettings holds sync rules and execution tuning.
type SyncSettings struct {
	// Users holds the user sync rules.
	Users UserSyncRules `yaml:"users"`

	// Groups holds the group sync rules.
	Groups GroupSyncRules `yaml:"groups"`

	// MaxConcurrentOperations bounds the executor's worker pool. This exists
	// to respect destination API rate limits, not for throughput.
	MaxConcurrentOperations int `yaml:"max_concurrent_operations" validate:"min=1,max=50"`

	// ContinueOnError keeps executing remaining items after a failure.
	ContinueOnError bool `yaml:"continue_on_error"`
}

// SyncRules holds the rule fields shared by both resource kinds.
type SyncRules struct {
	// Enabled toggles syncing of this kind entirely.
	Enabled bool `yaml:"enabled"`

	// CreateMissing creates destination resources that have no mapping.
	CreateMissing bool `yaml:"create_missing"`

	// RemoveExtra generates delete items for managed destination resources
	// whose source no longer exists. Deletion is opt-in per run, never implicit.
	RemoveExtra bool `yaml:"remove_extra"`

	// IdentityStrategy selects the identity key extraction strategy.
	IdentityStrategy string `yaml:"identity_strategy" validate:"omitempty,oneof=email custom_field mapping_file"`

	// CustomField is the Okta profile attribute used by the custom_field strategy.
	CustomField string `yaml:"custom_field"`

	// MappingFile is the path of the override file used by the mapping_file
	// strategy (JSON map of Okta ID to identity key).
	MappingFile string `yaml:"mapping_file"`
}

// UserSyncRules holds user-specific sync rules.
type UserSyncRules struct {
	SyncRules `yaml:",inline"`

	// OnlyActiveUsers restricts syncing to users with ACTIVE status.
	OnlyActiveUsers bool `yaml:"only_active_users"`

	// EmailDomains restricts syncing to users whose email matches one of
	// these domains. Empty means all domains.
	EmailDomains []string `yaml:"email_domains"`

	// ExcludeDomains skips users whose email matches one of these domains.
	ExcludeDomains []string `yaml:"exclude_domains"`

	// AttributeFilters requires the given Okta profile attributes to equal
	// the given values for a user to sync.
	AttributeFilters map[string]string `yaml:"attribute_filters"`

	// GroupFilters restricts syncing by Okta group membership.
	GroupFilters GroupFilterRules `yaml:"group_filters"`
}

// GroupFilterRules selects users by their Okta group memberships. Exclusion
// wins over inclusion when a user matches both.
type GroupFilterRules struct {
	// IncludeGroups restricts syncing to members of at least one of these
	// Okta groups, by name. Empty means no membership requirement.
	IncludeGroups []string `yaml:"include_groups"`

	// ExcludeGroups skips members of any of these Okta groups, by name.
	ExcludeGroups []string `yaml:"exclude_groups"`
}

// Active reports whether any membership filter is configured.
func (g GroupFilterRules) Active() bool {
	return len(g.IncludeGroups) > 0 || len(g.ExcludeGroups) > 0
}

// GroupSyncRules holds group-specific sync rules.
type GroupSyncRules struct {
	SyncRules `yaml:",inline"`

	// NamePrefix is prepended to the destination group name.
	NamePrefix string `yaml:"name_prefix"`

	// NameSuffix is appended to the destination group name.
	NameSuffix string `yaml:"name_suffix"`

	// GroupTypes restricts syncing to the given Okta group types
	// (e.g., OKTA_GROUP, APP_GROUP). Empty means all types.
	GroupTypes []string `yaml:"group_types"`

	// NamePatterns restricts syncing to groups whose name matches one of
	// these glob patterns. Empty means all groups.
	NamePatterns []string `yaml:"name_patterns"`

	// SyncMembers keeps destination group membership converged with Okta.
	SyncMembers bool `yaml:"sync_members"`
}

// DeletionConfig holds the deletion safety policies consumed by the
// remove_extra planning path.
type DeletionConfig struct {
	// Users holds the user deletion policy.
	Users UserDeletionPolicy `yaml:"users"`

	// Groups holds the group deletion policy.
	Groups GroupDeletionPolicy `yaml:"groups"`

	// DryRunOverride forces all delete executions into dry-run mode
	// regardless of the run's dry-run flag.
	DryRunOverride bool `yaml:"dry_run_override"`
}

// UserDeletionPolicy restricts which users remove_extra may delete.
type UserDeletionPolicy struct {
	// Enabled allows user deletion at all.
	Enabled bool `yaml:"enabled"`

	// SyncCreatedOnly restricts deletion to resources this tool created.
	SyncCreatedOnly bool `yaml:"sync_created_only"`

	// PreserveAdmin never deletes users flagged as org admins.
	PreserveAdmin bool `yaml:"preserve_admin"`
}

// GroupDeletionPolicy restricts which groups remove_extra may delete.
type GroupDeletionPolicy struct {
	// Enabled allows group deletion at all.
	Enabled bool `yaml:"enabled"`

	// SyncCreatedOnly restricts deletion to resources this tool created.
	SyncCreatedOnly bool `yaml:"sync_created_only"`

	// PreserveSystemGroups never deletes well-known system groups.
	PreserveSystemGroups bool `yaml:"preserve_system_groups"`

	// TargetGroups, when non-empty, is an allow-list of group names that
	// may be deleted.
	TargetGroups []string `yaml:"target_groups"`
}

// StateConfig configures the file-based state store.
type StateConfig struct {
	// Dir is the directory holding sync state files.
	Dir string `yaml:"dir" validate:"required"`

	// KeepStates is how many historical state files cleanup retains.
	KeepStates int `yaml:"keep_states" validate:"min=1"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	// Enabled toggles audit logging.
	Enabled bool `yaml:"enabled"`

	// Dir is the directory holding audit event and summary files.
	Dir string `yaml:"dir" validate:"required"`

	// RetentionDays is how long audit files are retained.
	RetentionDays int `yaml:"retention_days" validate:"min=1"`
}

// Default returns a configuration populated with defaults. Loading a file
// unmarshals over these values, so absent keys keep their defaults.
func Default() *Config {
	return &Config{
		Okta: OktaConfig{
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Braintrust: BraintrustConfig{
			APIURL:         "https://api.braintrust.dev",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Sync: SyncSettings{
			Users: UserSyncRules{
				SyncRules: SyncRules{
					Enabled:          true,
					CreateMissing:    true,
					IdentityStrategy: IdentityStrategyEmail,
				},
				OnlyActiveUsers: true,
			},
			Groups: GroupSyncRules{
				SyncRules: SyncRules{
					Enabled:          true,
					CreateMissing:    true,
					IdentityStrategy: IdentityStrategyEmail,
				},
				SyncMembers: true,
			},
			MaxConcurrentOperations: 5,
			ContinueOnError:         true,
		},
		Deletion: DeletionConfig{
			Users: UserDeletionPolicy{
				SyncCreatedOnly: true,
				PreserveAdmin:   true,
			},
			Groups: GroupDeletionPolicy{
				SyncCreatedOnly:      true,
				PreserveSystemGroups: true,
			},
		},
		State: StateConfig{
			Dir:        ".idbridge/state",
			KeepStates: 10,
		},
		Audit: AuditConfig{
			Enabled:       true,
			Dir:           ".idbridge/audit",
			RetentionDays: 90,
		},
	}
}

// RulesFor returns the shared rule fields for the given resource kind.
func (s SyncSettings) RulesFor(resourceType string) SyncRules {
	if resourceType == "group" {
		return s.Groups.SyncRules
	}
	return s.Users.SyncRules
}
