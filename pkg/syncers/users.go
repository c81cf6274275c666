package syncers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/idbridge/idbridge/pkg/clients"
	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/engine"
	"github.com/idbridge/idbridge/pkg/state"
)

// pendingIDPrefix marks a user whose invitation was sent but whose
// membership has not materialized yet. The next run resolves the real ID
// through the self-healing create path.
const pendingIDPrefix = "pending:"

// adminGroupNames are destination groups whose members the preserve_admin
// policy refuses to remove.
var adminGroupNames = map[string]bool{
	"admins": true,
	"owners": true,
}

// UserSyncer reconciles Okta users into Braintrust organization members.
// Braintrust memberships are invitation based, so users are only ever
// invited or removed, never updated in place.
type UserSyncer struct {
	*core

	okta     OktaDirectory
	orgs     map[string]BraintrustOrg
	rules    config.UserSyncRules
	deletion config.UserDeletionPolicy
	logger   zerolog.Logger

	// identityOverrides maps Okta login to identity key for the
	// mapping_file strategy.
	identityOverrides map[string]string

	// usersByKey caches the source listing between plan generation and
	// execution of the same run.
	usersByKey map[string]clients.OktaUser

	// groupNamesByKey caches each user's Okta group names, lowercased, when
	// group filters are configured. A missing entry means the lookup failed
	// for that user.
	groupNamesByKey map[string]map[string]bool
}

// NewUserSyncer builds a user syncer over the given Okta directory and
// per-org Braintrust clients. The mapping_file identity strategy loads its
// override file eagerly so a broken file fails the run before any plan is
// produced.
func NewUserSyncer(
	okta OktaDirectory,
	orgs map[string]BraintrustOrg,
	rules config.UserSyncRules,
	deletion config.UserDeletionPolicy,
	store *state.Store,
	logger zerolog.Logger,
) (*UserSyncer, error) {
	s := &UserSyncer{
		okta:       okta,
		orgs:       orgs,
		rules:      rules,
		deletion:   deletion,
		logger:     logger.With().Str("component", "user_syncer").Logger(),
		usersByKey: make(map[string]clients.OktaUser),
	}
	if rules.IdentityStrategy == config.IdentityStrategyMappingFile {
		overrides, err := loadIdentityOverrides(rules.MappingFile)
		if err != nil {
			return nil, engine.NewPermanentError("failed to load identity mapping file", err).
				WithCode(engine.ErrCodeConfiguration)
		}
		s.identityOverrides = overrides
	}
	s.core = newCore(s, store, rules.SyncRules, logger)
	return s, nil
}

func loadIdentityOverrides(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]string)
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, err
	}
	normalized := make(map[string]string, len(overrides))
	for login, identity := range overrides {
		normalized[strings.ToLower(login)] = strings.ToLower(identity)
	}
	return normalized, nil
}

func (s *UserSyncer) resourceType() string {
	return engine.ResourceTypeUser
}

// identityKey extracts the identity key for one Okta user according to the
// configured strategy. Every strategy falls back to the email address.
func (s *UserSyncer) identityKey(user clients.OktaUser) string {
	email := strings.ToLower(strings.TrimSpace(user.Profile.Email))
	switch s.rules.IdentityStrategy {
	case config.IdentityStrategyCustomField:
		if v, ok := user.Profile.Attribute(s.rules.CustomField); ok {
			if str, ok := v.(string); ok && str != "" {
				return strings.ToLower(strings.TrimSpace(str))
			}
		}
		return email
	case config.IdentityStrategyMappingFile:
		login := strings.ToLower(user.Profile.Login)
		if identity, ok := s.identityOverrides[login]; ok {
			return identity
		}
		return email
	default:
		return email
	}
}

func (s *UserSyncer) fetchSource(ctx context.Context) ([]string, error) {
	users, err := s.okta.ListUsers(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(users))
	s.usersByKey = make(map[string]clients.OktaUser, len(users))
	s.groupNamesByKey = make(map[string]map[string]bool)
	for _, user := range users {
		key := s.identityKey(user)
		if key == "" {
			s.logger.Warn().Str("okta_user_id", user.ID).Msg("User has no identity key, skipping")
			continue
		}
		if _, dup := s.usersByKey[key]; dup {
			s.logger.Warn().
				Str("okta_user_id", user.ID).
				Str("identity", key).
				Msg("Duplicate identity key, keeping first occurrence")
			continue
		}
		s.usersByKey[key] = user
		keys = append(keys, key)

		if s.rules.GroupFilters.Active() {
			groups, err := s.okta.GetUserGroups(ctx, user.ID)
			if err != nil {
				// Leave the cache entry missing; shouldSync reports an error
				// for this user and the plan keeps them rather than dropping
				// a user on flaky membership data.
				s.logger.Warn().Err(err).
					Str("okta_user_id", user.ID).
					Msg("Failed to list user group memberships")
				continue
			}
			names := make(map[string]bool, len(groups))
			for _, g := range groups {
				names[strings.ToLower(g.Profile.Name)] = true
			}
			s.groupNamesByKey[key] = names
		}
	}
	return keys, nil
}

func (s *UserSyncer) fetchDestination(ctx context.Context, org string) (*destIndex, error) {
	client, err := s.orgClient(org)
	if err != nil {
		return nil, err
	}
	members, err := client.ListUsers(ctx, 0)
	if err != nil {
		return nil, err
	}
	idx := &destIndex{
		idByKey: make(map[string]string, len(members)),
		ids:     make(map[string]bool, len(members)),
	}
	for _, member := range members {
		idx.ids[member.ID] = true
		if email := strings.ToLower(member.Email); email != "" {
			idx.idByKey[email] = member.ID
		}
	}
	return idx, nil
}

func (s *UserSyncer) destinationKey(key string) string {
	return key
}

func (s *UserSyncer) shouldSync(key, org string) (bool, error) {
	user, ok := s.usersByKey[key]
	if !ok {
		return false, fmt.Errorf("user %q not present in source cache", key)
	}

	if s.rules.OnlyActiveUsers && user.Status != clients.OktaStatusActive {
		return false, nil
	}

	email := strings.ToLower(user.Profile.Email)
	if len(s.rules.EmailDomains) > 0 && !matchesDomain(email, s.rules.EmailDomains) {
		return false, nil
	}
	if matchesDomain(email, s.rules.ExcludeDomains) {
		return false, nil
	}

	for attr, want := range s.rules.AttributeFilters {
		v, ok := user.Profile.Attribute(attr)
		if !ok || fmt.Sprint(v) != want {
			return false, nil
		}
	}

	if s.rules.GroupFilters.Active() {
		names, ok := s.groupNamesByKey[key]
		if !ok {
			return false, fmt.Errorf("group memberships unavailable for user %q", key)
		}
		for _, name := range s.rules.GroupFilters.ExcludeGroups {
			if names[strings.ToLower(name)] {
				return false, nil
			}
		}
		if include := s.rules.GroupFilters.IncludeGroups; len(include) > 0 {
			matched := false
			for _, name := range include {
				if names[strings.ToLower(name)] {
					matched = true
					break
				}
			}
			if !matched {
				return false, nil
			}
		}
	}
	return true, nil
}

func matchesDomain(email string, domains []string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, d := range domains {
		if strings.EqualFold(domain, d) {
			return true
		}
	}
	return false
}

// computeUpdates always reports convergence: Braintrust owns member
// profiles after the invitation, so an existing member is never updated.
func (s *UserSyncer) computeUpdates(key, org, destID string) map[string]interface{} {
	return nil
}

func (s *UserSyncer) create(ctx context.Context, key, org string) (string, error) {
	client, err := s.orgClient(org)
	if err != nil {
		return "", err
	}
	email := s.inviteEmail(key)

	if err := client.InviteUser(ctx, email, nil); err != nil {
		return "", err
	}

	// The invitation is asynchronous on the Braintrust side. If the member
	// record already exists the real ID is mapped now, otherwise a pending
	// sentinel is mapped and resolved on a later run.
	member, err := client.FindUserByEmail(ctx, email)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("email", email).
			Str("braintrust_org", org).
			Msg("Invited user but membership lookup failed")
		return pendingIDPrefix + email, nil
	}
	if member == nil {
		s.logger.Debug().
			Str("email", email).
			Str("braintrust_org", org).
			Msg("Invitation pending acceptance")
		return pendingIDPrefix + email, nil
	}
	return member.ID, nil
}

func (s *UserSyncer) update(ctx context.Context, key, org, destID string, changes map[string]interface{}) error {
	return engine.NewPermanentError("user updates are not supported", nil).
		WithResource(key).WithOrg(org).WithOperation("update").
		WithCode(engine.ErrCodeInternal)
}

func (s *UserSyncer) deleteResource(ctx context.Context, org string, managed *state.ManagedResource) error {
	client, err := s.orgClient(org)
	if err != nil {
		return err
	}
	email := s.inviteEmail(managed.OktaID)

	if s.deletion.PreserveAdmin {
		isAdmin, err := s.memberOfAdminGroup(ctx, client, managed.BraintrustID)
		if err != nil {
			return err
		}
		if isAdmin {
			return engine.NewPermanentError("refusing to remove admin user", nil).
				WithResource(managed.OktaID).WithOrg(org).WithOperation("delete").
				WithCode(engine.ErrCodePermissionDenied)
		}
	}
	return client.RemoveUser(ctx, email)
}

func (s *UserSyncer) memberOfAdminGroup(ctx context.Context, client BraintrustOrg, memberID string) (bool, error) {
	if memberID == "" || strings.HasPrefix(memberID, pendingIDPrefix) {
		return false, nil
	}
	groups, err := client.ListGroups(ctx, 0)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if !adminGroupNames[strings.ToLower(g.Name)] {
			continue
		}
		for _, id := range g.MemberUsers {
			if id == memberID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *UserSyncer) deleteAllowed(managed *state.ManagedResource) (bool, string) {
	if !s.deletion.Enabled {
		return false, "user deletion disabled"
	}
	if s.deletion.SyncCreatedOnly && !managed.CreatedBySync {
		return false, "user was not created by sync"
	}
	return true, ""
}

// inviteEmail recovers the invitation email from an identity key. Under the
// email strategy the key already is the email; under the others the cached
// source user supplies it.
func (s *UserSyncer) inviteEmail(key string) string {
	if user, ok := s.usersByKey[key]; ok && user.Profile.Email != "" {
		return strings.ToLower(user.Profile.Email)
	}
	return key
}

func (s *UserSyncer) orgClient(org string) (BraintrustOrg, error) {
	client, ok := s.orgs[org]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no Braintrust client configured for organization %q", org), nil).
			WithOrg(org).WithCode(engine.ErrCodeConfiguration)
	}
	return client, nil
}
