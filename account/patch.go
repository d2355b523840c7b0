package account

import (
	"maps"
	"strings"
)

// IdentificationPatch is a partial update of Identification. Nil fields are
// left unchanged; Extra keys with an empty value are removed.
type IdentificationPatch struct {
	Name    *string           `json:"name,omitempty"`
	Email   *string           `json:"email,omitempty"`
	Phone   *Phone            `json:"phone,omitempty"`
	Account *string           `json:"account,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p IdentificationPatch) Empty() bool {
	return p.Name == nil && p.Email == nil && p.Phone == nil && p.Account == nil && len(p.Extra) == 0
}

// ApplyIdentification applies p to u field by field.
func (u *User) ApplyIdentification(p IdentificationPatch) {
	id := &u.Identification
	if p.Name != nil {
		id.Name = *p.Name
	}
	if p.Email != nil {
		id.Email = *p.Email
	}
	if p.Phone != nil {
		id.Phone = *p.Phone
	}
	if p.Account != nil {
		id.Account = *p.Account
	}
	if len(p.Extra) > 0 {
		if id.Extra == nil {
			id.Extra = make(map[string]string, len(p.Extra))
		}
		for k, v := range p.Extra {
			if v == "" {
				delete(id.Extra, k)
				continue
			}
			id.Extra[k] = v
		}
	}
}

// AuthorizationPatch grants, changes or (with a nil value) revokes service
// permissions. Service names are case-insensitive.
type AuthorizationPatch map[string]*Permission

// ApplyAuthorizations applies p to u.
func (u *User) ApplyAuthorizations(p AuthorizationPatch) {
	if len(p) == 0 {
		return
	}
	next := maps.Clone(u.Authorizations)
	if next == nil {
		next = make(map[string]Permission, len(p))
	}
	for service, perm := range p {
		service = strings.ToLower(strings.TrimSpace(service))
		if service == "" {
			continue
		}
		if perm == nil {
			delete(next, service)
			continue
		}
		next[service] = *perm
	}
	u.Authorizations = next
}

// Validate reports the first invalid permission in p.
func (p AuthorizationPatch) Validate() error {
	for _, perm := range p {
		if perm != nil && !perm.Valid() {
			return ErrInvalidPermission
		}
	}
	return nil
}
