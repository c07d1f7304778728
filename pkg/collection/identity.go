package collection

import "showcase-sync-backend/pkg/models"

// IdentityProvider 提供当前登录用户
type IdentityProvider interface {
	// CurrentUserID returns the active user id, or false when nobody is logged in.
	CurrentUserID() (string, bool)
	// OnChange registers fn for login, logout and session refresh. An empty
	// userID means logout. The returned func removes the registration.
	OnChange(fn func(userID string)) (cancel func())
}

// Publisher receives activity notifications. Publish must not block.
type Publisher interface {
	Publish(event models.ActivityEvent)
}
