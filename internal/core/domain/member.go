package domain

import "time"

type Permission string

const (
	PermissionSpeak       Permission = "speak"
	PermissionVideo       Permission = "video"
	PermissionScreenShare Permission = "screen_share"
	PermissionManageKeys  Permission = "manage_keys"
)

// Member is one connected (user, channel) voice session.
type Member struct {
	Session     SessionID
	User        UserID
	Username    string
	Channel     ChannelID
	Permissions []Permission
	JoinedAt    time.Time
	LastSeen    time.Time
}

func (m *Member) Has(p Permission) bool {
	for _, granted := range m.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}
