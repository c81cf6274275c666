package syncers

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/clients"
	"github.com/idbridge/idbridge/pkg/state"
)

// stubOkta is an in-memory Okta directory.
type stubOkta struct {
	users      []clients.OktaUser
	groups     []clients.OktaGroup
	members    map[string][]clients.OktaUser
	userGroups map[string][]clients.OktaGroup
	listErr    error
	groupsErr  error
}

func (s *stubOkta) ListUsers(ctx context.Context, filter string, limit int) ([]clients.OktaUser, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.users, nil
}

func (s *stubOkta) ListGroups(ctx context.Context, filter string, limit int) ([]clients.OktaGroup, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.groups, nil
}

func (s *stubOkta) GetGroupMembers(ctx context.Context, groupID string) ([]clients.OktaUser, error) {
	return s.members[groupID], nil
}

func (s *stubOkta) GetUserGroups(ctx context.Context, userID string) ([]clients.OktaGroup, error) {
	if s.groupsErr != nil {
		return nil, s.groupsErr
	}
	return s.userGroups[userID], nil
}

func (s *stubOkta) HealthCheck(ctx context.Context) error { return nil }

// stubOrg is an in-memory Braintrust organization that records every
// mutation it receives.
type stubOrg struct {
	name   string
	users  []clients.BraintrustUser
	groups []clients.BraintrustGroup

	invited        []string
	removedUsers   []string
	createdGroups  []clients.BraintrustGroup
	updatedGroups  map[string]map[string]interface{}
	deletedGroups  []string
	addedMembers   map[string][]string
	removedMembers map[string][]string

	inviteErr error
	findErr   error
}

func newStubOrg(name string) *stubOrg {
	return &stubOrg{
		name:           name,
		updatedGroups:  make(map[string]map[string]interface{}),
		addedMembers:   make(map[string][]string),
		removedMembers: make(map[string][]string),
	}
}

func (s *stubOrg) OrgName() string { return s.name }

func (s *stubOrg) ListUsers(ctx context.Context, limit int) ([]clients.BraintrustUser, error) {
	return s.users, nil
}

func (s *stubOrg) FindUserByEmail(ctx context.Context, email string) (*clients.BraintrustUser, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	for i := range s.users {
		if s.users[i].Email == email {
			return &s.users[i], nil
		}
	}
	return nil, nil
}

func (s *stubOrg) InviteUser(ctx context.Context, email string, groupIDs []string) error {
	if s.inviteErr != nil {
		return s.inviteErr
	}
	s.invited = append(s.invited, email)
	return nil
}

func (s *stubOrg) RemoveUser(ctx context.Context, email string) error {
	s.removedUsers = append(s.removedUsers, email)
	return nil
}

func (s *stubOrg) ListGroups(ctx context.Context, limit int) ([]clients.BraintrustGroup, error) {
	return s.groups, nil
}

func (s *stubOrg) FindGroupByName(ctx context.Context, name string) (*clients.BraintrustGroup, error) {
	for i := range s.groups {
		if s.groups[i].Name == name {
			return &s.groups[i], nil
		}
	}
	return nil, nil
}

func (s *stubOrg) CreateGroup(ctx context.Context, name, description string, memberUsers []string) (*clients.BraintrustGroup, error) {
	group := clients.BraintrustGroup{
		ID:          fmt.Sprintf("grp-%d", len(s.createdGroups)+1),
		Name:        name,
		Description: description,
		MemberUsers: memberUsers,
	}
	s.createdGroups = append(s.createdGroups, group)
	return &group, nil
}

func (s *stubOrg) UpdateGroup(ctx context.Context, groupID string, updates map[string]interface{}) (*clients.BraintrustGroup, error) {
	s.updatedGroups[groupID] = updates
	return &clients.BraintrustGroup{ID: groupID}, nil
}

func (s *stubOrg) DeleteGroup(ctx context.Context, groupID string) error {
	s.deletedGroups = append(s.deletedGroups, groupID)
	return nil
}

func (s *stubOrg) AddGroupMembers(ctx context.Context, groupID string, userIDs []string) (*clients.BraintrustGroup, error) {
	s.addedMembers[groupID] = append(s.addedMembers[groupID], userIDs...)
	return &clients.BraintrustGroup{ID: groupID}, nil
}

func (s *stubOrg) RemoveGroupMembers(ctx context.Context, groupID string, userIDs []string) (*clients.BraintrustGroup, error) {
	s.removedMembers[groupID] = append(s.removedMembers[groupID], userIDs...)
	return &clients.BraintrustGroup{ID: groupID}, nil
}

func (s *stubOrg) HealthCheck(ctx context.Context) error { return nil }

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}
	store.CreateState("sync_test", nil)
	return store
}

func oktaUser(id, email, status string) clients.OktaUser {
	return clients.OktaUser{
		ID:     id,
		Status: status,
		Profile: clients.OktaUserProfile{
			Email: email,
			Login: email,
		},
	}
}

func oktaGroup(id, name string) clients.OktaGroup {
	return clients.OktaGroup{
		ID:   id,
		Type: "OKTA_GROUP",
		Profile: clients.OktaGroupProfile{
			Name: name,
		},
	}
}
