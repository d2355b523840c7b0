package account

import (
	"fmt"
	"strings"
)

// Permission is a ranked access level for a named service.
type Permission string

const (
	PermDeny  Permission = "DENY"
	PermRead  Permission = "READ"
	PermWrite Permission = "WRITE"
	PermAdmin Permission = "ADMIN"
)

// ParsePermission parses s case-insensitively. The legacy "*" grant is ADMIN.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToUpper(strings.TrimSpace(s))); p {
	case PermDeny, PermRead, PermWrite, PermAdmin:
		return p, nil
	case "*":
		return PermAdmin, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPermission, s)
}

// Valid reports whether p is one of the known levels.
func (p Permission) Valid() bool {
	return p.level() >= 0
}

// AtLeast reports whether p meets or exceeds required. Unknown levels on
// either side never satisfy the check.
func (p Permission) AtLeast(required Permission) bool {
	have, want := p.level(), required.level()
	if have < 0 || want < 0 {
		return false
	}
	return have >= want
}

func (p Permission) level() int {
	switch p {
	case PermDeny:
		return 0
	case PermRead:
		return 10
	case PermWrite:
		return 20
	case PermAdmin:
		return 30
	default:
		return -1
	}
}

// UnmarshalText accepts any spelling ParsePermission accepts.
func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
