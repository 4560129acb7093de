// Package access maps project security levels to role sets and decides who
// may download or view a project's files. Everything here is pure.
package access

import (
	"slices"
	"strings"
)

const (
	LevelWB1 = "wb1"
	LevelWB2 = "wb2"
	LevelWB3 = "wb3"

	RoleAdministrator = "administrator"
	RoleWBAdmin       = "wbadmin"
)

// PrivilegedRoles bypass every per-file check.
var PrivilegedRoles = []string{RoleAdministrator, RoleWBAdmin}

// Level is a selectable security level with a human label.
type Level struct {
	Value string
	Label string
}

// SecurityLevels lists the levels in ascending restrictiveness.
func SecurityLevels() []Level {
	return []Level{
		{Value: LevelWB1, Label: "WB1 - all tiers"},
		{Value: LevelWB2, Label: "WB2 - tiers 2 and 3"},
		{Value: LevelWB3, Label: "WB3 - tier 3 only"},
	}
}

// SecurityLevelToRoles expands a level into the roles allowed to download.
// Unknown levels are treated as wb1. Privileged roles are always included.
func SecurityLevelToRoles(level string) []string {
	var roles []string
	switch strings.ToLower(strings.TrimSpace(level)) {
	case LevelWB3:
		roles = []string{LevelWB3}
	case LevelWB2:
		roles = []string{LevelWB2, LevelWB3}
	default:
		roles = []string{LevelWB1, LevelWB2, LevelWB3}
	}
	return NormalizeRoles(append(roles, PrivilegedRoles...))
}

// RolesToSecurityLevel is the inverse used to pre-select a level in forms.
func RolesToSecurityLevel(roles []string) string {
	has := func(r string) bool { return slices.Contains(roles, r) }
	switch {
	case has(LevelWB3) && !has(LevelWB2) && !has(LevelWB1):
		return LevelWB3
	case has(LevelWB2) && !has(LevelWB1):
		return LevelWB2
	default:
		return LevelWB1
	}
}

// NormalizeRoles trims, drops empties, sorts and de-duplicates.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// EqualRoles compares two role sets ignoring order and duplicates.
func EqualRoles(a, b []string) bool {
	return slices.Equal(NormalizeRoles(a), NormalizeRoles(b))
}

// IsPrivileged reports whether any of userRoles bypasses file policy.
func IsPrivileged(userRoles []string) bool {
	for _, r := range userRoles {
		if slices.Contains(PrivilegedRoles, r) {
			return true
		}
	}
	return false
}

// CanDownload allows privileged users, then anyone sharing a role with the file.
func CanDownload(userRoles, allowedRoles []string) bool {
	if IsPrivileged(userRoles) {
		return true
	}
	for _, r := range userRoles {
		if slices.Contains(allowedRoles, r) {
			return true
		}
	}
	return false
}

// CanViewProject applies the tier hierarchy by membership in the project's
// roles: wb1 users see projects open to wb1, wb2 users see projects open to
// wb1 or wb2, wb3 users see everything. A project without a policy is
// visible to all.
func CanViewProject(userRoles, allowedRoles []string) bool {
	if IsPrivileged(userRoles) {
		return true
	}
	if len(allowedRoles) == 0 {
		return true
	}
	user := func(r string) bool { return slices.Contains(userRoles, r) }
	project := func(r string) bool { return slices.Contains(allowedRoles, r) }
	switch {
	case user(LevelWB1) && project(LevelWB1):
		return true
	case user(LevelWB2) && (project(LevelWB1) || project(LevelWB2)):
		return true
	case user(LevelWB3):
		return true
	}
	return false
}
