// Package clients implements the Okta and Braintrust HTTP clients the sync
// engine drives. Both clients retry throttled and transient failures with
// exponential backoff and report "not found" as an explicit nil result, never
// as an error, so the core does not depend on error-based control flow for
// expected absence.
package clients

import (
	"encoding/json"
)

// Okta user statuses the sync rules care about.
const (
	OktaStatusActive      = "ACTIVE"
	OktaStatusSuspended   = "SUSPENDED"
	OktaStatusDeprovision = "DEPROVISIONED"
)

// OktaUser is an Okta user record. The profile keeps a small fixed field set
// plus AdditionalAttributes for the open-ended custom profile schema.
type OktaUser struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Created     string          `json:"created,omitempty"`
	LastUpdated string          `json:"lastUpdated,omitempty"`
	Profile     OktaUserProfile `json:"profile"`
}

// OktaUserProfile holds the well-known profile fields and a side map of
// everything else Okta returned.
type OktaUserProfile struct {
	Email     string `json:"email"`
	Login     string `json:"login"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`

	// AdditionalAttributes captures custom profile attributes not covered
	// by the fixed fields. Values keep their raw JSON types.
	AdditionalAttributes map[string]interface{} `json:"-"`
}

// profileKnownFields are hoisted out of AdditionalAttributes.
var profileKnownFields = map[string]bool{
	"email":     true,
	"login":     true,
	"firstName": true,
	"lastName":  true,
}

// UnmarshalJSON keeps unknown profile attributes in AdditionalAttributes.
func (p *OktaUserProfile) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	decodeString := func(key string, dst *string) {
		if v, ok := raw[key]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	decodeString("email", &p.Email)
	decodeString("login", &p.Login)
	decodeString("firstName", &p.FirstName)
	decodeString("lastName", &p.LastName)

	for key, value := range raw {
		if profileKnownFields[key] {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(value, &v); err != nil {
			continue
		}
		if p.AdditionalAttributes == nil {
			p.AdditionalAttributes = make(map[string]interface{})
		}
		p.AdditionalAttributes[key] = v
	}
	return nil
}

// MarshalJSON folds AdditionalAttributes back into the profile object.
func (p OktaUserProfile) MarshalJSON() ([]byte, error) {
	merged := make(map[string]interface{}, len(p.AdditionalAttributes)+4)
	for k, v := range p.AdditionalAttributes {
		merged[k] = v
	}
	merged["email"] = p.Email
	merged["login"] = p.Login
	merged["firstName"] = p.FirstName
	merged["lastName"] = p.LastName
	return json.Marshal(merged)
}

// Attribute returns a profile attribute by name, fixed fields included.
func (p OktaUserProfile) Attribute(name string) (interface{}, bool) {
	switch name {
	case "email":
		return p.Email, p.Email != ""
	case "login":
		return p.Login, p.Login != ""
	case "firstName":
		return p.FirstName, p.FirstName != ""
	case "lastName":
		return p.LastName, p.LastName != ""
	}
	v, ok := p.AdditionalAttributes[name]
	return v, ok
}

// OktaGroup is an Okta group record. MemberIDs is populated by a separate
// members call, not by the group listing itself.
type OktaGroup struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Created     string           `json:"created,omitempty"`
	LastUpdated string           `json:"lastUpdated,omitempty"`
	Profile     OktaGroupProfile `json:"profile"`

	// MemberEmails holds the resolved member user emails when membership
	// was fetched alongside the group.
	MemberEmails []string `json:"-"`
}

// OktaGroupProfile holds the group name and description.
type OktaGroupProfile struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// BraintrustUser is a Braintrust organization member.
type BraintrustUser struct {
	ID         string `json:"id"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Email      string `json:"email"`
	Created    string `json:"created,omitempty"`
}

// BraintrustGroup is a Braintrust group.
type BraintrustGroup struct {
	ID          string   `json:"id"`
	OrgID       string   `json:"org_id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	MemberUsers []string `json:"member_users,omitempty"`
}

// BraintrustRole is a Braintrust role, fetched for drift detection.
type BraintrustRole struct {
	ID                string           `json:"id"`
	OrgID             string           `json:"org_id,omitempty"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	MemberPermissions []RolePermission `json:"member_permissions,omitempty"`
}

// RolePermission is one permission grant inside a role.
type RolePermission struct {
	Permission         string `json:"permission"`
	RestrictObjectType string `json:"restrict_object_type,omitempty"`
}

// BraintrustACL is a Braintrust ACL entry, fetched for drift detection.
type BraintrustACL struct {
	ID         string `json:"id"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	UserID     string `json:"user_id,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
	RoleID     string `json:"role_id,omitempty"`
	Permission string `json:"permission,omitempty"`
}
