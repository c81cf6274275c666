package clients

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/telemetry"
)

const oktaPageSize = 200

// OktaClient reads users and groups from an Okta organization. Okta is the
// source of truth; the client never mutates anything.
type OktaClient struct {
	api    *apiClient
	logger zerolog.Logger
}

// NewOktaClient creates a client for the configured Okta domain.
func NewOktaClient(cfg config.OktaConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *OktaClient {
	componentLogger := logger.With().Str("component", "okta_client").Logger()
	return &OktaClient{
		api: newAPIClient(
			"https://"+cfg.Domain,
			"okta",
			cfg.APIToken,
			"SSWS",
			cfg.Timeout(),
			cfg.MaxRetries,
			componentLogger,
			metrics,
		),
		logger: componentLogger,
	}
}

// ListUsers returns all users, following cursor pagination. filter is an
// Okta filter expression (empty for all users); limit caps the total result
// count when positive.
func (c *OktaClient) ListUsers(ctx context.Context, filter string, limit int) ([]OktaUser, error) {
	query := url.Values{}
	if filter != "" {
		query.Set("filter", filter)
	}
	var users []OktaUser
	err := c.paginate(ctx, "/api/v1/users", query, limit, func(page []byte) (int, error) {
		var batch []OktaUser
		if err := decodePage(page, &batch); err != nil {
			return 0, err
		}
		users = append(users, batch...)
		return len(batch), nil
	})
	if err != nil {
		return nil, err
	}
	users = capSlice(users, limit)
	c.logger.Debug().Int("count", len(users)).Msg("Listed Okta users")
	return users, nil
}

// SearchUsers returns users matching an Okta search expression.
func (c *OktaClient) SearchUsers(ctx context.Context, search string, limit int) ([]OktaUser, error) {
	query := url.Values{}
	query.Set("search", search)
	var users []OktaUser
	err := c.paginate(ctx, "/api/v1/users", query, limit, func(page []byte) (int, error) {
		var batch []OktaUser
		if err := decodePage(page, &batch); err != nil {
			return 0, err
		}
		users = append(users, batch...)
		return len(batch), nil
	})
	if err != nil {
		return nil, err
	}
	return capSlice(users, limit), nil
}

// ListGroups returns all groups, following cursor pagination.
func (c *OktaClient) ListGroups(ctx context.Context, filter string, limit int) ([]OktaGroup, error) {
	query := url.Values{}
	if filter != "" {
		query.Set("filter", filter)
	}
	var groups []OktaGroup
	err := c.paginate(ctx, "/api/v1/groups", query, limit, func(page []byte) (int, error) {
		var batch []OktaGroup
		if err := decodePage(page, &batch); err != nil {
			return 0, err
		}
		groups = append(groups, batch...)
		return len(batch), nil
	})
	if err != nil {
		return nil, err
	}
	groups = capSlice(groups, limit)
	c.logger.Debug().Int("count", len(groups)).Msg("Listed Okta groups")
	return groups, nil
}

// GetGroupMembers returns the users belonging to a group.
func (c *OktaClient) GetGroupMembers(ctx context.Context, groupID string) ([]OktaUser, error) {
	var members []OktaUser
	err := c.paginate(ctx, "/api/v1/groups/"+groupID+"/users", url.Values{}, 0, func(page []byte) (int, error) {
		var batch []OktaUser
		if err := decodePage(page, &batch); err != nil {
			return 0, err
		}
		members = append(members, batch...)
		return len(batch), nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// GetUserGroups returns the groups a user belongs to.
func (c *OktaClient) GetUserGroups(ctx context.Context, userID string) ([]OktaGroup, error) {
	var groups []OktaGroup
	_, err := c.api.doJSON(ctx, "GET", "/api/v1/users/"+userID+"/groups", nil, nil, &groups)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return groups, nil
}

// HealthCheck verifies credentials and connectivity with a minimal listing.
func (c *OktaClient) HealthCheck(ctx context.Context) error {
	query := url.Values{}
	query.Set("limit", "1")
	var users []OktaUser
	_, err := c.api.doJSON(ctx, "GET", "/api/v1/users", query, nil, &users)
	return err
}

// paginate walks an Okta collection endpoint following the Link rel="next"
// header. appendPage decodes one page and reports how many records it held.
func (c *OktaClient) paginate(ctx context.Context, path string, query url.Values, limit int, appendPage func([]byte) (int, error)) error {
	pageSize := oktaPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}
	query.Set("limit", strconv.Itoa(pageSize))

	total := 0
	for {
		var page pageBuffer
		header, err := c.api.doJSON(ctx, "GET", path, query, nil, &page)
		if err != nil {
			return err
		}
		count, err := appendPage(page)
		if err != nil {
			return err
		}
		total += count

		next := nextLink(header)
		if next == "" || count == 0 || (limit > 0 && total >= limit) {
			return nil
		}
		cursor := afterCursor(next)
		if cursor == "" {
			return nil
		}
		query.Set("after", cursor)
	}
}

// pageBuffer defers page decoding to the caller's element type.
type pageBuffer []byte

func (p *pageBuffer) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

func decodePage(page []byte, out interface{}) error {
	return json.Unmarshal(page, out)
}

func capSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
