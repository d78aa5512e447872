package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login onto a canonical user id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// RoleGrant records that a user may act in a participant role.
type RoleGrant struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190"`
	Role             string `gorm:"column:role;primaryKey;size:32"`
	GrantedBy        string `gorm:"column:granted_by;size:190"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

func (RoleGrant) TableName() string {
	return "user_roles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// splitPrincipal turns "provider:subject" into its parts; a bare subject uses
// the default provider.
func splitPrincipal(principal string) (string, string) {
	principal = normalize(principal)
	if provider, subject, found := strings.Cut(principal, ":"); found {
		if normalize(provider) != "" && normalize(subject) != "" {
			return normalize(provider), normalize(subject)
		}
	}
	return "default", principal
}
