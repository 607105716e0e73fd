package server

import (
	"net"
	"strings"
	"sync/atomic"
)

// AdminMarker prefixes an admin's display name
const AdminMarker = "@"

// UserFlags is a bitfield for a connected user's role and status.
type UserFlags uint8

const (
	// UserFlagAdmin marks a user allowed to run admin-only commands
	UserFlagAdmin UserFlags = 1 << 0 // 0x01

	// UserFlagMuted blocks the user's chat text and commands
	UserFlagMuted UserFlags = 1 << 1 // 0x02

	// UserFlagUploading marks a requested or in-progress upload
	UserFlagUploading UserFlags = 1 << 2 // 0x04

	// UserFlagConnected is set between registration and disconnect
	UserFlagConnected UserFlags = 1 << 3 // 0x08
)

// IsAdmin returns true if the admin flag is set
func (f UserFlags) IsAdmin() bool {
	return f&UserFlagAdmin != 0
}

// IsMuted returns true if the muted flag is set
func (f UserFlags) IsMuted() bool {
	return f&UserFlagMuted != 0
}

// IsUploading returns true if the uploading flag is set
func (f UserFlags) IsUploading() bool {
	return f&UserFlagUploading != 0
}

// IsConnected returns true if the connected flag is set
func (f UserFlags) IsConnected() bool {
	return f&UserFlagConnected != 0
}

// DisplayPrefix returns AdminMarker for admins and "" otherwise
func (f UserFlags) DisplayPrefix() string {
	if f.IsAdmin() {
		return AdminMarker
	}
	return ""
}

// User is a registered chat participant. Only the event loop changes a
// user. Flags are atomic so the health endpoint can read roles beside it;
// DisplayName is read and written on the loop only.
type User struct {
	Nickname    string // unique key, never changes
	DisplayName string
	flags       atomic.Uint32
	Conn        *SafeConn
	Address     string // remote IP without port
}

// NewUser creates an unregistered user for a connection
func NewUser(nickname string, conn *SafeConn) *User {
	return &User{
		Nickname:    nickname,
		DisplayName: nickname,
		Conn:        conn,
		Address:     hostOf(conn.RemoteAddr()),
	}
}

// Flags returns a snapshot of the user's flags
func (u *User) Flags() UserFlags {
	return UserFlags(u.flags.Load())
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool { return u.Flags().IsAdmin() }

// IsMuted reports whether the user is muted
func (u *User) IsMuted() bool { return u.Flags().IsMuted() }

// IsUploading reports whether the user has a requested or active upload
func (u *User) IsUploading() bool { return u.Flags().IsUploading() }

// IsConnected reports whether the user is still registered
func (u *User) IsConnected() bool { return u.Flags().IsConnected() }

func (u *User) set(flag UserFlags, on bool) {
	if on {
		u.flags.Or(uint32(flag))
	} else {
		u.flags.And(^uint32(flag))
	}
}

// SetMuted sets the muted flag and reports whether it changed
func (u *User) SetMuted(muted bool) bool {
	if u.IsMuted() == muted {
		return false
	}
	u.set(UserFlagMuted, muted)
	return true
}

// SetUploading sets the uploading flag
func (u *User) SetUploading(uploading bool) {
	u.set(UserFlagUploading, uploading)
}

// SetAdmin grants or revokes the admin role, keeping the display marker in
// step with it. It reports whether anything changed.
func (u *User) SetAdmin(admin bool) bool {
	if u.IsAdmin() == admin {
		return false
	}
	u.set(UserFlagAdmin, admin)
	if admin {
		u.DisplayName = AdminMarker + u.DisplayName
	} else {
		u.DisplayName = strings.TrimPrefix(u.DisplayName, AdminMarker)
	}
	return true
}

// hostOf returns the IP part of an address, or the whole string if it has no port
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
