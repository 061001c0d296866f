package sys

import "strings"

// PermissionSet is the per-guild capability bitmask of a user.
// Bit positions are persisted and must never be reassigned.
type PermissionSet uint8

const (
	PermUploadSounds PermissionSet = 1 << 0
	PermDeleteSounds PermissionSet = 1 << 1
	PermSoundboard   PermissionSet = 1 << 2
	PermModerator    PermissionSet = 1 << 7
)

var permissionNames = []struct {
	perm PermissionSet
	name string
}{
	{PermUploadSounds, "upload_sounds"},
	{PermDeleteSounds, "delete_sounds"},
	{PermSoundboard, "soundboard"},
	{PermModerator, "moderator"},
}

// Can reports whether p grants perm. Moderator grants everything.
func (p PermissionSet) Can(perm PermissionSet) bool {
	return p&perm != 0 || p&PermModerator != 0
}

func (p PermissionSet) With(perm PermissionSet) PermissionSet {
	return p | perm
}

func (p PermissionSet) String() string {
	if p == 0 {
		return "none"
	}
	var names []string
	for _, n := range permissionNames {
		if p&n.perm != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ParsePermissions maps names to bits, ignoring unknown ones.
func ParsePermissions(names []string) PermissionSet {
	var p PermissionSet
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		for _, n := range permissionNames {
			if n.name == name {
				p |= n.perm
			}
		}
	}
	return p
}
