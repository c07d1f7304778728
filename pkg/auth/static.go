package auth

import (
	"context"
	"strings"

	"showcase-sync-backend/pkg/collection"
)

// Static is a fixed identity. Used by tools and tests.
type Static struct {
	userID string
	token  string
}

var _ collection.IdentityProvider = (*Static)(nil)

// NewStatic 固定用户；userID 为空表示未登录
func NewStatic(userID, token string) *Static {
	return &Static{userID: strings.TrimSpace(userID), token: token}
}

func (s *Static) CurrentUserID() (string, bool) {
	return s.userID, s.userID != ""
}

// OnChange never fires.
func (s *Static) OnChange(func(userID string)) (cancel func()) {
	return func() {}
}

func (s *Static) Credentials(context.Context) (string, string, error) {
	if s.userID == "" {
		return "", "", collection.ErrUnauthenticated
	}
	return s.userID, s.token, nil
}
