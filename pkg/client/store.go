package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/models"
)

// TokenSource hands out the current user and a usable access token.
type TokenSource interface {
	Credentials(ctx context.Context) (userID, token string, err error)
}

// Store 通过 HTTP API 访问收藏记录的 database.CollectionStore 实现
type Store struct {
	t      *transport
	tokens TokenSource
}

var _ database.CollectionStore = (*Store)(nil)

// NewStore 创建远程存储客户端，baseURL 形如 https://api.example.com
func NewStore(baseURL string, tokens TokenSource, opts ...Option) *Store {
	return &Store{t: newTransport(baseURL, opts), tokens: tokens}
}

// authorize 校验参数并取得与 userID 匹配的令牌
func (s *Store) authorize(ctx context.Context, userID string, kind models.Kind) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", database.ErrUserIDRequired
	}
	if kind != "" && !kind.Valid() {
		return "", fmt.Errorf("%w: %q", database.ErrInvalidKind, kind)
	}
	current, token, err := s.tokens.Credentials(ctx)
	if err != nil {
		return "", fmt.Errorf("credentials: %w", err)
	}
	if current != userID {
		return "", fmt.Errorf("%w: want %q, have %q", ErrIdentityMismatch, userID, current)
	}
	return token, nil
}

func kindPath(kind models.Kind, rest ...string) string {
	p := "/api/collections/" + url.PathEscape(string(kind))
	for _, seg := range rest {
		p += "/" + url.PathEscape(seg)
	}
	return p
}

// ListAll 获取某类别的全部条目ID
func (s *Store) ListAll(ctx context.Context, userID string, kind models.Kind) ([]string, error) {
	token, err := s.authorize(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	var out models.KindItems
	if err := s.t.call(ctx, http.MethodGet, kindPath(kind), nil, token, nil, schemaKindItems, &out); err != nil {
		return nil, err
	}
	if out.Kind != kind {
		return nil, fmt.Errorf("%w: asked for %s, got %s", database.ErrMalformedResponse, kind, out.Kind)
	}
	if out.Items == nil {
		out.Items = []string{}
	}
	return out.Items, nil
}

// ListPage 游标分页
func (s *Store) ListPage(ctx context.Context, userID string, kind models.Kind, limit int, before *time.Time) ([]models.CollectionRecord, error) {
	token, err := s.authorize(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		query.Set("before", before.UTC().Format(time.RFC3339Nano))
	}

	var records []models.CollectionRecord
	if err := s.t.call(ctx, http.MethodGet, "/api/collections/pages/"+url.PathEscape(string(kind)), query, token, nil, schemaRecords, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.CollectionRecord{}
	}
	return records, nil
}

// Insert 添加记录
func (s *Store) Insert(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	return s.mutate(ctx, http.MethodPost, userID, itemID, kind)
}

// Remove 删除记录
func (s *Store) Remove(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	return s.mutate(ctx, http.MethodDelete, userID, itemID, kind)
}

func (s *Store) mutate(ctx context.Context, method, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return models.KindSets{}, database.ErrItemIDRequired
	}
	token, err := s.authorize(ctx, userID, kind)
	if err != nil {
		return models.KindSets{}, err
	}
	var sets models.KindSets
	if err := s.t.call(ctx, method, kindPath(kind, itemID), nil, token, nil, schemaKindSets, &sets); err != nil {
		return models.KindSets{}, err
	}
	return normalizeSets(sets), nil
}

// CountByKind 统计数量
func (s *Store) CountByKind(ctx context.Context, userID string) (models.Counts, error) {
	token, err := s.authorize(ctx, userID, "")
	if err != nil {
		return models.Counts{}, err
	}
	var counts models.Counts
	if err := s.t.call(ctx, http.MethodGet, "/api/collections/counts", nil, token, nil, schemaCounts, &counts); err != nil {
		return models.Counts{}, err
	}
	return counts, nil
}

// HealthCheck 检查服务端健康状态（存储不健康时视为失败）
func (s *Store) HealthCheck(ctx context.Context) error {
	var health struct {
		Status   string `json:"status"`
		DBStatus string `json:"db_status"`
	}
	if err := s.t.call(ctx, http.MethodGet, "/", nil, "", nil, schemaHealth, &health); err != nil {
		return err
	}
	if health.Status != "healthy" {
		return fmt.Errorf("remote store %s: %s", health.Status, health.DBStatus)
	}
	return nil
}

// Close 关闭空闲连接
func (s *Store) Close() error {
	s.t.http.CloseIdleConnections()
	return nil
}

func normalizeSets(sets models.KindSets) models.KindSets {
	if sets.Likes == nil {
		sets.Likes = []string{}
	}
	if sets.Favorites == nil {
		sets.Favorites = []string{}
	}
	return sets
}

// Auth 刷新令牌接口的客户端
type Auth struct {
	t *transport
}

// NewAuth 创建认证客户端
func NewAuth(baseURL string, opts ...Option) *Auth {
	return &Auth{t: newTransport(baseURL, opts)}
}

// Refresh 用刷新令牌换取新的访问令牌
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (models.RefreshTokenResponse, error) {
	var resp models.RefreshTokenResponse
	body := models.RefreshTokenRequest{RefreshToken: refreshToken}
	if err := a.t.call(ctx, http.MethodPost, "/api/auth/refresh", nil, "", body, schemaRefresh, &resp); err != nil {
		return models.RefreshTokenResponse{}, err
	}
	return resp, nil
}
