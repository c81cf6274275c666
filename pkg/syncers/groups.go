package syncers

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/clients"
	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/engine"
	"github.com/idbridge/idbridge/pkg/state"
)

// systemGroupNames are destination groups the preserve_system_groups policy
// never deletes.
var systemGroupNames = map[string]bool{
	"everyone": true,
	"all":      true,
	"admins":   true,
	"owners":   true,
}

// GroupSyncer reconciles Okta groups into Braintrust groups, including
// membership when sync_members is enabled. Group identity is the Okta group
// name; the destination name additionally carries the configured prefix and
// suffix.
type GroupSyncer struct {
	*core

	okta     OktaDirectory
	orgs     map[string]BraintrustOrg
	rules    config.GroupSyncRules
	deletion config.GroupDeletionPolicy
	logger   zerolog.Logger

	// groupsByKey caches the source listing, keyed by Okta group name, with
	// member emails resolved.
	groupsByKey map[string]clients.OktaGroup

	// destGroups caches the destination listing per org by group ID so
	// update diffs see current membership without extra calls.
	destGroups map[string]map[string]clients.BraintrustGroup

	// userIDByEmail and emailByUserID cache the destination member
	// directory per org for membership diffing and resolution.
	userIDByEmail map[string]map[string]string
	emailByUserID map[string]map[string]string
}

// NewGroupSyncer builds a group syncer over the given Okta directory and
// per-org Braintrust clients.
func NewGroupSyncer(
	okta OktaDirectory,
	orgs map[string]BraintrustOrg,
	rules config.GroupSyncRules,
	deletion config.GroupDeletionPolicy,
	store *state.Store,
	logger zerolog.Logger,
) *GroupSyncer {
	s := &GroupSyncer{
		okta:          okta,
		orgs:          orgs,
		rules:         rules,
		deletion:      deletion,
		logger:        logger.With().Str("component", "group_syncer").Logger(),
		groupsByKey:   make(map[string]clients.OktaGroup),
		destGroups:    make(map[string]map[string]clients.BraintrustGroup),
		userIDByEmail: make(map[string]map[string]string),
		emailByUserID: make(map[string]map[string]string),
	}
	s.core = newCore(s, store, rules.SyncRules, logger)
	return s
}

func (s *GroupSyncer) resourceType() string {
	return engine.ResourceTypeGroup
}

// destinationName applies the configured prefix and suffix to an Okta group
// name.
func (s *GroupSyncer) destinationName(name string) string {
	return s.rules.NamePrefix + name + s.rules.NameSuffix
}

func (s *GroupSyncer) destinationKey(key string) string {
	return s.destinationName(key)
}

// description returns the destination description for one group, defaulting
// to a provenance note when Okta carries none.
func (s *GroupSyncer) description(group clients.OktaGroup) string {
	if group.Profile.Description != "" {
		return group.Profile.Description
	}
	return "Synced from Okta group: " + group.Profile.Name
}

func (s *GroupSyncer) fetchSource(ctx context.Context) ([]string, error) {
	groups, err := s.okta.ListGroups(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(groups))
	s.groupsByKey = make(map[string]clients.OktaGroup, len(groups))
	for _, group := range groups {
		name := group.Profile.Name
		if name == "" {
			s.logger.Warn().Str("okta_group_id", group.ID).Msg("Group has no name, skipping")
			continue
		}
		if _, dup := s.groupsByKey[name]; dup {
			s.logger.Warn().Str("group_name", name).Msg("Duplicate group name, keeping first occurrence")
			continue
		}

		if s.rules.SyncMembers {
			members, err := s.okta.GetGroupMembers(ctx, group.ID)
			if err != nil {
				return nil, fmt.Errorf("listing members of group %q: %w", name, err)
			}
			group.MemberEmails = memberEmails(members)
		}

		s.groupsByKey[name] = group
		keys = append(keys, name)
	}
	return keys, nil
}

// memberEmails extracts the lowercased emails of active group members.
func memberEmails(members []clients.OktaUser) []string {
	emails := make([]string, 0, len(members))
	for _, m := range members {
		if m.Status != clients.OktaStatusActive {
			continue
		}
		if email := strings.ToLower(strings.TrimSpace(m.Profile.Email)); email != "" {
			emails = append(emails, email)
		}
	}
	sort.Strings(emails)
	return emails
}

func (s *GroupSyncer) fetchDestination(ctx context.Context, org string) (*destIndex, error) {
	client, err := s.orgClient(org)
	if err != nil {
		return nil, err
	}

	groups, err := client.ListGroups(ctx, 0)
	if err != nil {
		return nil, err
	}
	idx := &destIndex{
		idByKey: make(map[string]string, len(groups)),
		ids:     make(map[string]bool, len(groups)),
	}
	byID := make(map[string]clients.BraintrustGroup, len(groups))
	for _, g := range groups {
		idx.ids[g.ID] = true
		idx.idByKey[g.Name] = g.ID
		byID[g.ID] = g
	}
	s.destGroups[org] = byID

	// The member directory backs membership diffing, so it is loaded here
	// where a context is available rather than lazily inside the diff.
	members, err := client.ListUsers(ctx, 0)
	if err != nil {
		return nil, err
	}
	idByEmail := make(map[string]string, len(members))
	emailByID := make(map[string]string, len(members))
	for _, m := range members {
		email := strings.ToLower(m.Email)
		if email == "" {
			continue
		}
		idByEmail[email] = m.ID
		emailByID[m.ID] = email
	}
	s.userIDByEmail[org] = idByEmail
	s.emailByUserID[org] = emailByID

	return idx, nil
}

func (s *GroupSyncer) shouldSync(key, org string) (bool, error) {
	group, ok := s.groupsByKey[key]
	if !ok {
		return false, fmt.Errorf("group %q not present in source cache", key)
	}

	if len(s.rules.GroupTypes) > 0 {
		matched := false
		for _, t := range s.rules.GroupTypes {
			if strings.EqualFold(group.Type, t) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	if len(s.rules.NamePatterns) > 0 {
		matched := false
		for _, pattern := range s.rules.NamePatterns {
			ok, err := path.Match(pattern, group.Profile.Name)
			if err != nil {
				return false, fmt.Errorf("invalid name pattern %q: %w", pattern, err)
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// computeUpdates diffs name, description, and, when membership sync is on,
// the member set of one destination group against the Okta source.
func (s *GroupSyncer) computeUpdates(key, org, destID string) map[string]interface{} {
	group, ok := s.groupsByKey[key]
	if !ok {
		return nil
	}
	current, ok := s.destGroups[org][destID]
	if !ok {
		return nil
	}

	updates := make(map[string]interface{})
	if want := s.destinationName(key); current.Name != want {
		updates["name"] = want
	}
	if want := s.description(group); current.Description != want {
		updates["description"] = want
	}

	if s.rules.SyncMembers {
		currentEmails := s.currentMemberEmails(org, current)
		if !equalStringSets(group.MemberEmails, currentEmails) {
			updates["member_users"] = append([]string(nil), group.MemberEmails...)
		}
	}

	if len(updates) == 0 {
		return nil
	}
	return updates
}

// currentMemberEmails maps a destination group's member IDs to emails.
// Members whose ID is not in the org directory are ignored rather than
// diffed, so service accounts added by hand do not thrash the plan.
func (s *GroupSyncer) currentMemberEmails(org string, group clients.BraintrustGroup) []string {
	emailByID := s.emailByUserID[org]
	emails := make([]string, 0, len(group.MemberUsers))
	for _, id := range group.MemberUsers {
		email, ok := emailByID[id]
		if !ok {
			s.logger.Debug().
				Str("braintrust_group", group.Name).
				Str("member_id", id).
				Msg("Group member not in org directory, ignoring")
			continue
		}
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}

func (s *GroupSyncer) create(ctx context.Context, key, org string) (string, error) {
	client, err := s.orgClient(org)
	if err != nil {
		return "", err
	}
	group, ok := s.groupsByKey[key]
	if !ok {
		return "", engine.NewPermanentError(
			fmt.Sprintf("group %q not present in source cache", key), nil).
			WithResource(key).WithOrg(org).WithCode(engine.ErrCodeInternal)
	}

	// Members are attached after creation so a partially resolvable member
	// list never blocks the group itself.
	created, err := client.CreateGroup(ctx, s.destinationName(key), s.description(group), nil)
	if err != nil {
		return "", err
	}

	if s.rules.SyncMembers && len(group.MemberEmails) > 0 {
		memberIDs := s.resolveMemberIDs(ctx, client, org, group.MemberEmails)
		if len(memberIDs) > 0 {
			if _, err := client.AddGroupMembers(ctx, created.ID, memberIDs); err != nil {
				s.logger.Warn().Err(err).
					Str("group_name", key).
					Str("braintrust_org", org).
					Msg("Created group but adding members failed")
			}
		}
	}
	return created.ID, nil
}

func (s *GroupSyncer) update(ctx context.Context, key, org, destID string, changes map[string]interface{}) error {
	client, err := s.orgClient(org)
	if err != nil {
		return err
	}

	attrs := make(map[string]interface{})
	for _, field := range []string{"name", "description"} {
		if v, ok := changes[field]; ok {
			attrs[field] = v
		}
	}
	if len(attrs) > 0 {
		if _, err := client.UpdateGroup(ctx, destID, attrs); err != nil {
			return err
		}
	}

	if wanted, ok := changes["member_users"].([]string); ok {
		if err := s.updateMembers(ctx, client, org, destID, wanted); err != nil {
			return err
		}
	}
	return nil
}

// updateMembers converges a destination group's membership to the wanted
// email set by adding and removing the difference.
func (s *GroupSyncer) updateMembers(ctx context.Context, client BraintrustOrg, org, destID string, wantedEmails []string) error {
	current, ok := s.destGroups[org][destID]
	if !ok {
		return engine.NewPermanentError("destination group missing from listing cache", nil).
			WithOrg(org).WithCode(engine.ErrCodeInternal)
	}

	wantedIDs := make(map[string]bool)
	for _, id := range s.resolveMemberIDs(ctx, client, org, wantedEmails) {
		wantedIDs[id] = true
	}
	currentIDs := make(map[string]bool, len(current.MemberUsers))
	emailByID := s.emailByUserID[org]
	for _, id := range current.MemberUsers {
		// Members outside the org directory are left alone.
		if _, known := emailByID[id]; known {
			currentIDs[id] = true
		}
	}

	var toAdd, toRemove []string
	for id := range wantedIDs {
		if !currentIDs[id] {
			toAdd = append(toAdd, id)
		}
	}
	for id := range currentIDs {
		if !wantedIDs[id] {
			toRemove = append(toRemove, id)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	if len(toAdd) > 0 {
		if _, err := client.AddGroupMembers(ctx, destID, toAdd); err != nil {
			return err
		}
	}
	if len(toRemove) > 0 {
		if _, err := client.RemoveGroupMembers(ctx, destID, toRemove); err != nil {
			return err
		}
	}
	return nil
}

// resolveMemberIDs resolves member emails to destination user IDs through
// the org directory, a live lookup, and finally the user mappings recorded
// in sync state. Unresolvable members are skipped and logged; they resolve
// on a later run once their invitation completes.
func (s *GroupSyncer) resolveMemberIDs(ctx context.Context, client BraintrustOrg, org string, emails []string) []string {
	idByEmail := s.userIDByEmail[org]
	st := s.store.Current()

	ids := make([]string, 0, len(emails))
	for _, email := range emails {
		if id, ok := idByEmail[email]; ok {
			ids = append(ids, id)
			continue
		}
		if member, err := client.FindUserByEmail(ctx, email); err == nil && member != nil {
			ids = append(ids, member.ID)
			continue
		}
		if st != nil {
			if mapping := st.GetMapping(email, org, engine.ResourceTypeUser); mapping != nil &&
				!strings.HasPrefix(mapping.BraintrustID, pendingIDPrefix) {
				ids = append(ids, mapping.BraintrustID)
				continue
			}
		}
		s.logger.Warn().
			Str("email", email).
			Str("braintrust_org", org).
			Msg("Group member not resolvable to a Braintrust user, skipping")
	}
	return ids
}

func (s *GroupSyncer) deleteResource(ctx context.Context, org string, managed *state.ManagedResource) error {
	client, err := s.orgClient(org)
	if err != nil {
		return err
	}
	return client.DeleteGroup(ctx, managed.BraintrustID)
}

func (s *GroupSyncer) deleteAllowed(managed *state.ManagedResource) (bool, string) {
	if !s.deletion.Enabled {
		return false, "group deletion disabled"
	}
	if s.deletion.SyncCreatedOnly && !managed.CreatedBySync {
		return false, "group was not created by sync"
	}
	if s.deletion.PreserveSystemGroups && systemGroupNames[strings.ToLower(managed.OktaID)] {
		return false, "system group is preserved"
	}
	if len(s.deletion.TargetGroups) > 0 {
		allowed := false
		for _, name := range s.deletion.TargetGroups {
			if strings.EqualFold(name, managed.OktaID) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "group not in deletion target list"
		}
	}
	return true, ""
}

func (s *GroupSyncer) orgClient(org string) (BraintrustOrg, error) {
	client, ok := s.orgs[org]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no Braintrust client configured for organization %q", org), nil).
			WithOrg(org).WithCode(engine.ErrCodeConfiguration)
	}
	return client, nil
}
