package users

import (
	"strings"
	"time"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/auth"
)

const defaultProvider = "default"

// Identity maps a provider login to the canonical studio user id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// loginKey names one provider login. A user_id claim of the form "provider:subject" selects
// the provider; otherwise the token subject, then the email, is used under the default provider.
type loginKey struct {
	provider string
	subject  string
}

func loginKeyFromClaims(claims auth.SessionClaims) loginKey {
	key := loginKey{provider: defaultProvider, subject: normalize(claims.Subject)}

	if raw := normalize(claims.UserID); raw != "" {
		provider, subject, qualified := strings.Cut(raw, ":")
		switch {
		case !qualified:
			key.subject = raw
		case normalize(provider) != "" && normalize(subject) != "":
			key.provider = normalize(provider)
			key.subject = normalize(subject)
		}
	}
	if key.subject == "" {
		key.subject = normalize(claims.UserEmail)
	}
	return key
}

func (k loginKey) String() string {
	return k.provider + ":" + k.subject
}

func newIdentity(key loginKey, claims auth.SessionClaims, now time.Time) Identity {
	return Identity{
		Provider:    key.provider,
		Subject:     key.subject,
		UserID:      key.subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  now,
	}
}

// refresh applies newer profile claims and returns the column updates to persist.
func (i *Identity) refresh(claims auth.SessionClaims, now time.Time) map[string]interface{} {
	updates := map[string]interface{}{"last_seen_at": now}
	if email := normalize(claims.UserEmail); email != "" && email != i.Email {
		updates["user_email"] = email
		i.Email = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != i.DisplayName {
		updates["user_display_name"] = display
		i.DisplayName = display
	}
	i.LastSeenAt = now
	return updates
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
