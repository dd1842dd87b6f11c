package models

import (
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Binding associates a role with the principals holding it, as read from a project IAM policy
type Binding struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

// PrincipalType is the prefix of a principal identifier, e.g. "user" in "user:alice@example.com"
type PrincipalType string

const (
	PrincipalTypeUser           PrincipalType = "user"
	PrincipalTypeGroup          PrincipalType = "group"
	PrincipalTypeServiceAccount PrincipalType = "serviceAccount"
)

// SupportedPrincipalTypes lists the principal types evidence is written for, in directory creation order
var SupportedPrincipalTypes = []PrincipalType{
	PrincipalTypeUser,
	PrincipalTypeGroup,
	PrincipalTypeServiceAccount,
}

// IsSupported reports whether evidence can be written for principals of this type
func (t PrincipalType) IsSupported() bool {
	return slices.Contains(SupportedPrincipalTypes, t)
}

// PrincipalRoles maps principal identifiers to their roles.
// Both principals and roles keep first-occurrence order, roles are never duplicated.
// The zero value is an empty mapping ready to use.
type PrincipalRoles struct {
	m *orderedmap.OrderedMap[string, []string]
}

func NewPrincipalRoles() *PrincipalRoles {
	return &PrincipalRoles{
		m: orderedmap.New[string, []string](),
	}
}

// Add appends role to the principal's roles unless it is already present
func (p *PrincipalRoles) Add(principal, role string) {
	if p.m == nil {
		p.m = orderedmap.New[string, []string]()
	}
	roles, _ := p.m.Get(principal)
	if slices.Contains(roles, role) {
		return
	}
	p.m.Set(principal, append(roles, role))
}

// Roles returns a copy of the roles of a principal in first-occurrence order
func (p *PrincipalRoles) Roles(principal string) ([]string, bool) {
	if p.m == nil {
		return nil, false
	}
	roles, ok := p.m.Get(principal)
	return slices.Clone(roles), ok
}

// Principals returns all principal identifiers in first-occurrence order
func (p *PrincipalRoles) Principals() []string {
	principals := make([]string, 0, p.Len())
	if p.m == nil {
		return principals
	}
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		principals = append(principals, pair.Key)
	}
	return principals
}

func (p *PrincipalRoles) Len() int {
	if p.m == nil {
		return 0
	}
	return p.m.Len()
}

// Each calls fn for every principal in order, stopping at the first error
func (p *PrincipalRoles) Each(fn func(principal string, roles []string) error) error {
	if p.m == nil {
		return nil
	}
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		if err := fn(pair.Key, pair.Value); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON encodes the mapping as a JSON object, keeping principal order
func (p *PrincipalRoles) MarshalJSON() ([]byte, error) {
	if p.m == nil {
		return []byte("{}"), nil
	}
	return p.m.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, keeping key order. Roles are taken as-is.
func (p *PrincipalRoles) UnmarshalJSON(data []byte) error {
	if p.m == nil {
		p.m = orderedmap.New[string, []string]()
	}
	return p.m.UnmarshalJSON(data)
}
