package clients

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/state"
	"github.com/idbridge/idbridge/pkg/telemetry"
)

const braintrustPageSize = 100

// BraintrustClient talks to one Braintrust organization. The sync engine
// holds one client per configured org.
type BraintrustClient struct {
	api     *apiClient
	orgName string
	logger  zerolog.Logger
}

// objectList is the envelope Braintrust collection endpoints return.
type objectList[T any] struct {
	Objects []T `json:"objects"`
}

// NewBraintrustClient creates a client for one organization.
func NewBraintrustClient(orgName string, creds config.OrgCredentials, cfg config.BraintrustConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *BraintrustClient {
	baseURL := creds.APIURL
	if baseURL == "" {
		baseURL = cfg.APIURL
	}
	componentLogger := logger.With().
		Str("component", "braintrust_client").
		Str("braintrust_org", orgName).
		Logger()
	return &BraintrustClient{
		api: newAPIClient(
			baseURL,
			"braintrust",
			creds.APIKey,
			"Bearer",
			cfg.Timeout(),
			cfg.MaxRetries,
			componentLogger,
			metrics,
		),
		orgName: orgName,
		logger:  componentLogger,
	}
}

// OrgName returns the organization this client is bound to.
func (c *BraintrustClient) OrgName() string {
	return c.orgName
}

// ListUsers returns the organization's members.
func (c *BraintrustClient) ListUsers(ctx context.Context, limit int) ([]BraintrustUser, error) {
	users, err := listObjects[BraintrustUser](ctx, c, "/v1/user", limit)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("count", len(users)).Msg("Listed Braintrust users")
	return users, nil
}

// FindUserByEmail returns the member with the given email, or (nil, nil)
// when no such member exists.
func (c *BraintrustClient) FindUserByEmail(ctx context.Context, email string) (*BraintrustUser, error) {
	query := c.orgQuery()
	query.Set("email", email)
	var list objectList[BraintrustUser]
	_, err := c.api.doJSON(ctx, "GET", "/v1/user", query, nil, &list)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(list.Objects) == 0 {
		return nil, nil
	}
	user := list.Objects[0]
	return &user, nil
}

// InviteUser invites a user to the organization by email. Braintrust has no
// direct user-create API; membership is invite based, which is why the user
// syncer never updates existing users.
func (c *BraintrustClient) InviteUser(ctx context.Context, email string, groupIDs []string) error {
	body := map[string]interface{}{
		"org_name": c.orgName,
		"invite_users": map[string]interface{}{
			"emails":    []string{email},
			"group_ids": groupIDs,
		},
	}
	_, err := c.api.doJSON(ctx, "PATCH", "/v1/organization/members", nil, body, nil)
	if err != nil {
		return err
	}
	c.logger.Info().Str("email", email).Msg("Invited user")
	return nil
}

// RemoveUser removes a member from the organization by email.
func (c *BraintrustClient) RemoveUser(ctx context.Context, email string) error {
	body := map[string]interface{}{
		"org_name": c.orgName,
		"remove_users": map[string]interface{}{
			"emails": []string{email},
		},
	}
	_, err := c.api.doJSON(ctx, "PATCH", "/v1/organization/members", nil, body, nil)
	if err != nil {
		return err
	}
	c.logger.Info().Str("email", email).Msg("Removed user")
	return nil
}

// ListGroups returns the organization's groups.
func (c *BraintrustClient) ListGroups(ctx context.Context, limit int) ([]BraintrustGroup, error) {
	groups, err := listObjects[BraintrustGroup](ctx, c, "/v1/group", limit)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("count", len(groups)).Msg("Listed Braintrust groups")
	return groups, nil
}

// FindGroupByName returns the group with the given name, or (nil, nil).
func (c *BraintrustClient) FindGroupByName(ctx context.Context, name string) (*BraintrustGroup, error) {
	query := c.orgQuery()
	query.Set("group_name", name)
	var list objectList[BraintrustGroup]
	_, err := c.api.doJSON(ctx, "GET", "/v1/group", query, nil, &list)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(list.Objects) == 0 {
		return nil, nil
	}
	group := list.Objects[0]
	return &group, nil
}

// CreateGroup creates a group with optional initial members.
func (c *BraintrustClient) CreateGroup(ctx context.Context, name, description string, memberUsers []string) (*BraintrustGroup, error) {
	body := map[string]interface{}{
		"name":     name,
		"org_name": c.orgName,
	}
	if description != "" {
		body["description"] = description
	}
	if len(memberUsers) > 0 {
		body["member_users"] = memberUsers
	}
	var group BraintrustGroup
	if _, err := c.api.doJSON(ctx, "POST", "/v1/group", nil, body, &group); err != nil {
		return nil, err
	}
	c.logger.Info().Str("group_id", group.ID).Str("name", name).Msg("Created group")
	return &group, nil
}

// UpdateGroup applies field updates to an existing group.
func (c *BraintrustClient) UpdateGroup(ctx context.Context, groupID string, updates map[string]interface{}) (*BraintrustGroup, error) {
	var group BraintrustGroup
	if _, err := c.api.doJSON(ctx, "PATCH", "/v1/group/"+groupID, nil, updates, &group); err != nil {
		return nil, err
	}
	c.logger.Info().Str("group_id", groupID).Msg("Updated group")
	return &group, nil
}

// DeleteGroup removes a group.
func (c *BraintrustClient) DeleteGroup(ctx context.Context, groupID string) error {
	if _, err := c.api.doJSON(ctx, "DELETE", "/v1/group/"+groupID, nil, nil, nil); err != nil {
		return err
	}
	c.logger.Info().Str("group_id", groupID).Msg("Deleted group")
	return nil
}

// AddGroupMembers adds user IDs to a group.
func (c *BraintrustClient) AddGroupMembers(ctx context.Context, groupID string, userIDs []string) (*BraintrustGroup, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return c.UpdateGroup(ctx, groupID, map[string]interface{}{
		"add_member_users": userIDs,
	})
}

// RemoveGroupMembers removes user IDs from a group.
func (c *BraintrustClient) RemoveGroupMembers(ctx context.Context, groupID string, userIDs []string) (*BraintrustGroup, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return c.UpdateGroup(ctx, groupID, map[string]interface{}{
		"remove_member_users": userIDs,
	})
}

// ListRoles returns the organization's roles, used by drift detection.
func (c *BraintrustClient) ListRoles(ctx context.Context, limit int) ([]BraintrustRole, error) {
	return listObjects[BraintrustRole](ctx, c, "/v1/role", limit)
}

// ListACLs returns the organization-level ACLs, used by drift detection.
func (c *BraintrustClient) ListACLs(ctx context.Context, limit int) ([]BraintrustACL, error) {
	return listObjects[BraintrustACL](ctx, c, "/v1/acl", limit)
}

// HealthCheck verifies credentials and connectivity with a minimal listing.
func (c *BraintrustClient) HealthCheck(ctx context.Context) error {
	query := c.orgQuery()
	query.Set("limit", "1")
	var list objectList[BraintrustUser]
	_, err := c.api.doJSON(ctx, "GET", "/v1/user", query, nil, &list)
	return err
}

// RoleSnapshots adapts the live role listing to drift detection input.
func (c *BraintrustClient) RoleSnapshots(ctx context.Context) ([]state.RoleSnapshot, error) {
	roles, err := c.ListRoles(ctx, 0)
	if err != nil {
		return nil, err
	}
	snapshots := make([]state.RoleSnapshot, 0, len(roles))
	for _, role := range roles {
		perms := make([]string, 0, len(role.MemberPermissions))
		for _, p := range role.MemberPermissions {
			perm := p.Permission
			if p.RestrictObjectType != "" {
				perm += ":" + p.RestrictObjectType
			}
			perms = append(perms, perm)
		}
		snapshots = append(snapshots, state.RoleSnapshot{
			ID:          role.ID,
			Name:        role.Name,
			Permissions: perms,
		})
	}
	return snapshots, nil
}

// ACLSnapshots adapts the live ACL listing to drift detection input.
func (c *BraintrustClient) ACLSnapshots(ctx context.Context) ([]state.ACLSnapshot, error) {
	acls, err := c.ListACLs(ctx, 0)
	if err != nil {
		return nil, err
	}
	snapshots := make([]state.ACLSnapshot, 0, len(acls))
	for _, acl := range acls {
		snapshots = append(snapshots, state.ACLSnapshot{
			ID:         acl.ID,
			ObjectType: acl.ObjectType,
			ObjectID:   acl.ObjectID,
			Permission: acl.Permission,
			GroupID:    acl.GroupID,
			RoleID:     acl.RoleID,
		})
	}
	return snapshots, nil
}

func (c *BraintrustClient) orgQuery() url.Values {
	query := url.Values{}
	query.Set("org_name", c.orgName)
	return query
}

// listObjects walks a Braintrust collection endpoint using starting_after
// cursor pagination.
func listObjects[T any](ctx context.Context, c *BraintrustClient, path string, limit int) ([]T, error) {
	pageSize := braintrustPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}

	var (
		out           []T
		startingAfter string
	)
	for {
		query := c.orgQuery()
		query.Set("limit", strconv.Itoa(pageSize))
		if startingAfter != "" {
			query.Set("starting_after", startingAfter)
		}

		var page objectList[objectWithID[T]]
		if _, err := c.api.doJSON(ctx, "GET", path, query, nil, &page); err != nil {
			return nil, err
		}
		for _, obj := range page.Objects {
			out = append(out, obj.Value)
		}
		if len(page.Objects) < pageSize || (limit > 0 && len(out) >= limit) {
			break
		}
		startingAfter = page.Objects[len(page.Objects)-1].ID
	}
	return capSlice(out, limit), nil
}

// objectWithID decodes an element while also capturing its id field for
// cursor pagination, without constraining T.
type objectWithID[T any] struct {
	ID    string
	Value T
}

func (o *objectWithID[T]) UnmarshalJSON(data []byte) error {
	var idOnly struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &idOnly); err != nil {
		return err
	}
	o.ID = idOnly.ID
	return json.Unmarshal(data, &o.Value)
}
