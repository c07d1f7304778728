// Package auth keeps the client-side login state and exposes it as a
// collection.IdentityProvider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"showcase-sync-backend/pkg/collection"
	"showcase-sync-backend/pkg/models"
	"showcase-sync-backend/pkg/utils"
)

var (
	// ErrNoRefreshToken 会话没有刷新令牌，无法续期
	ErrNoRefreshToken = errors.New("session has no refresh token")
	// ErrSessionChanged 刷新期间会话被替换（重新登录或登出）
	ErrSessionChanged = errors.New("session changed during refresh")
)

// refreshLeeway 访问令牌剩余有效期不足该值时提前刷新
const refreshLeeway = 30 * time.Second

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.RefreshTokenResponse, error)
}

// Session 客户端登录会话
type Session struct {
	refresher Refresher
	log       *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	access    string
	refresh   string
	claims    *models.TokenClaims
	observers map[uint64]func(userID string)
	nextID    uint64
}

var _ collection.IdentityProvider = (*Session)(nil)

// NewSession 创建会话，refresher 为 nil 时令牌过期后需要重新登录
func NewSession(refresher Refresher, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		refresher: refresher,
		log:       logger,
		now:       time.Now,
		observers: make(map[uint64]func(string)),
	}
}

// Login 保存令牌；用户变化时通知观察者
// Only the claims are read here. The server verifies the signature on every request.
func (s *Session) Login(accessToken, refreshToken string) error {
	claims, err := utils.ParseUnverified(accessToken)
	if err != nil {
		return err
	}
	if claims.Type != models.TokenTypeAccess {
		return fmt.Errorf("%w: expected %s, got %s", utils.ErrWrongTokenType, models.TokenTypeAccess, claims.Type)
	}

	s.mu.Lock()
	prev := s.userLocked()
	s.access, s.refresh, s.claims = accessToken, refreshToken, claims
	notify := s.changedLocked(prev)
	s.mu.Unlock()

	s.log.Info("🔐 Logged in", "user_id", claims.UserID)
	notify()
	return nil
}

// Logout 清除会话
func (s *Session) Logout() {
	s.mu.Lock()
	prev := s.userLocked()
	s.access, s.refresh, s.claims = "", "", nil
	notify := s.changedLocked(prev)
	s.mu.Unlock()

	if prev != "" {
		s.log.Info("🚪 Logged out", "user_id", prev)
	}
	notify()
}

// CurrentUserID 当前登录用户
func (s *Session) CurrentUserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.userLocked()
	return id, id != ""
}

// OnChange registers fn for user changes. fn runs outside the session lock.
func (s *Session) OnChange(fn func(userID string)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Refresh 用刷新令牌换取新的访问令牌
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	refresh, user := s.refresh, s.userLocked()
	s.mu.Unlock()

	if user == "" {
		return collection.ErrUnauthenticated
	}
	if refresh == "" || s.refresher == nil {
		return ErrNoRefreshToken
	}

	resp, err := s.refresher.Refresh(ctx, refresh)
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}
	claims, err := utils.ParseUnverified(resp.AccessToken)
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}

	s.mu.Lock()
	if s.refresh != refresh || s.userLocked() != user {
		s.mu.Unlock()
		return ErrSessionChanged
	}
	if claims.UserID != user {
		s.mu.Unlock()
		return fmt.Errorf("%w: refreshed token belongs to %q", ErrSessionChanged, claims.UserID)
	}
	s.access, s.claims = resp.AccessToken, claims
	notify := s.notifyLocked(user)
	s.mu.Unlock()

	s.log.Debug("🔄 Access token refreshed", "user_id", user)
	// 刷新同样通知观察者，用户不变
	notify()
	return nil
}

// Credentials 返回当前用户与可用的访问令牌，临近过期时先刷新
func (s *Session) Credentials(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	user, access := s.userLocked(), s.access
	expiring := s.claims != nil && s.claims.Expired(s.now().Add(refreshLeeway))
	s.mu.Unlock()

	if user == "" {
		return "", "", collection.ErrUnauthenticated
	}
	if !expiring {
		return user, access, nil
	}

	if err := s.Refresh(ctx); err != nil {
		if errors.Is(err, ErrNoRefreshToken) {
			return "", "", fmt.Errorf("%w: %v", utils.ErrTokenExpired, err)
		}
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userLocked(), s.access, nil
}

func (s *Session) userLocked() string {
	if s.claims == nil {
		return ""
	}
	return s.claims.UserID
}

// changedLocked 用户变化时返回通知函数（在解锁后调用）
func (s *Session) changedLocked(prev string) func() {
	current := s.userLocked()
	if current == prev {
		return func() {}
	}
	return s.notifyLocked(current)
}

func (s *Session) notifyLocked(userID string) func() {
	fns := make([]func(string), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(userID)
		}
	}
}
