package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"showcase-sync-backend/pkg/models"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

const supabaseTable = "/collection_records"

// SupabaseDatabase Supabase(PostgREST)存储实现
type SupabaseDatabase struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	attempts   uint
}

// NewSupabaseDatabase 创建Supabase存储实例
func NewSupabaseDatabase(baseURL, key string, logger *slog.Logger) *SupabaseDatabase {
	// 确保URL格式正确
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://" + baseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SupabaseDatabase{
		baseURL: baseURL,
		apiKey:  key,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:   logger,
		attempts: 3,
	}
}

// supabaseResponse 响应体与响应头
type supabaseResponse struct {
	status int
	header http.Header
	body   []byte
}

// statusError 非2xx响应
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.status, e.body)
}

// makeRequest 发送HTTP请求到Supabase，网络错误与5xx会按退避策略重试
func (db *SupabaseDatabase) makeRequest(ctx context.Context, method, endpoint string, query url.Values, body interface{}, headers map[string]string) (*supabaseResponse, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	target := db.baseURL + "/rest/v1" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return retry.DoWithData(func() (*supabaseResponse, error) {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
		}

		// 设置请求头
		req.Header.Set("apikey", db.apiKey)
		req.Header.Set("Authorization", "Bearer "+db.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := db.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 400 {
			serr := &statusError{status: resp.StatusCode, body: string(respBody)}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return nil, serr
			}
			return nil, retry.Unrecoverable(serr)
		}

		return &supabaseResponse{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
	},
		retry.Context(ctx),
		retry.Attempts(db.attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			db.logger.Warn("🔁 Supabase request retry", "method", method, "endpoint", endpoint, "attempt", n+1, "error", err)
		}),
	)
}

// supabaseRow PostgREST 返回的原始行
type supabaseRow struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ItemID    string `json:"item_id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

func (row supabaseRow) toRecord() (models.CollectionRecord, error) {
	if strings.TrimSpace(row.ItemID) == "" {
		return models.CollectionRecord{}, fmt.Errorf("%w: row without item_id", ErrMalformedResponse)
	}
	kind, err := models.ParseKind(row.Kind)
	if err != nil {
		return models.CollectionRecord{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return models.CollectionRecord{}, fmt.Errorf("%w: created_at %q: %v", ErrMalformedResponse, row.CreatedAt, err)
	}
	return models.CollectionRecord{
		ID:        row.ID,
		UserID:    row.UserID,
		ItemID:    row.ItemID,
		Kind:      kind,
		CreatedAt: createdAt.UTC(),
	}, nil
}

func decodeRows(data []byte) ([]models.CollectionRecord, error) {
	var rows []supabaseRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	records := make([]models.CollectionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListAll 获取某类别的全部条目ID
func (db *SupabaseDatabase) ListAll(ctx context.Context, userID string, kind models.Kind) ([]string, error) {
	userID, err := validateUserKind(userID, kind)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("select", "item_id")
	query.Set("user_id", "eq."+userID)
	query.Set("kind", "eq."+string(kind))
	query.Set("order", "created_at.desc")

	resp, err := db.makeRequest(ctx, http.MethodGet, supabaseTable, query, nil, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ItemID string `json:"item_id"`
	}
	if err := json.Unmarshal(resp.body, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.ItemID) == "" {
			return nil, fmt.Errorf("%w: row without item_id", ErrMalformedResponse)
		}
		ids = append(ids, row.ItemID)
	}
	return ids, nil
}

// ListPage 游标分页
func (db *SupabaseDatabase) ListPage(ctx context.Context, userID string, kind models.Kind, limit int, before *time.Time) ([]models.CollectionRecord, error) {
	userID, err := validateUserKind(userID, kind)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("select", "id,user_id,item_id,kind,created_at")
	query.Set("user_id", "eq."+userID)
	query.Set("kind", "eq."+string(kind))
	query.Set("order", "created_at.desc")
	query.Set("limit", strconv.Itoa(clampLimit(limit)))
	if before != nil {
		query.Set("created_at", "lt."+before.UTC().Format(time.RFC3339Nano))
	}

	resp, err := db.makeRequest(ctx, http.MethodGet, supabaseTable, query, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeRows(resp.body)
}

// Insert 新增记录，唯一约束冲突(409)时返回 ErrConflict
func (db *SupabaseDatabase) Insert(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	userID, itemID, err := validateKey(userID, itemID, kind)
	if err != nil {
		return models.KindSets{}, err
	}

	payload := map[string]interface{}{
		"id":      uuid.NewString(),
		"user_id": userID,
		"item_id": itemID,
		"kind":    string(kind),
	}
	// created_at 由数据库默认值生成，撞上 createdAtKey 时重发即可拿到新时间戳
	err = retry.Do(func() error {
		_, err := db.makeRequest(ctx, http.MethodPost, supabaseTable, nil, payload, nil)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(timestampCollisionAttempts),
		retry.Delay(time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var serr *statusError
			return errors.As(err, &serr) && serr.status == http.StatusConflict &&
				strings.Contains(serr.body, createdAtKey)
		}),
	)
	if err != nil {
		var serr *statusError
		if errors.As(err, &serr) && serr.status == http.StatusConflict {
			return models.KindSets{}, ErrConflict
		}
		return models.KindSets{}, err
	}
	return db.snapshot(ctx, userID)
}

// Remove 删除记录，未删除任何行时返回 ErrConflict
func (db *SupabaseDatabase) Remove(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	userID, itemID, err := validateKey(userID, itemID, kind)
	if err != nil {
		return models.KindSets{}, err
	}

	query := url.Values{}
	query.Set("user_id", "eq."+userID)
	query.Set("item_id", "eq."+itemID)
	query.Set("kind", "eq."+string(kind))

	resp, err := db.makeRequest(ctx, http.MethodDelete, supabaseTable, query, nil, nil)
	if err != nil {
		return models.KindSets{}, err
	}
	deleted, err := decodeRows(resp.body)
	if err != nil {
		return models.KindSets{}, err
	}
	if len(deleted) == 0 {
		return models.KindSets{}, ErrConflict
	}
	return db.snapshot(ctx, userID)
}

// CountByKind 使用 PostgREST 的 count=exact 读取 Content-Range 总数
func (db *SupabaseDatabase) CountByKind(ctx context.Context, userID string) (models.Counts, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Counts{}, ErrUserIDRequired
	}

	var counts models.Counts
	for _, kind := range models.Kinds {
		query := url.Values{}
		query.Set("select", "id")
		query.Set("user_id", "eq."+userID)
		query.Set("kind", "eq."+string(kind))
		query.Set("limit", "1")

		resp, err := db.makeRequest(ctx, http.MethodGet, supabaseTable, query, nil, map[string]string{"Prefer": "count=exact"})
		if err != nil {
			return models.Counts{}, err
		}
		n, err := parseContentRangeTotal(resp.header.Get("Content-Range"))
		if err != nil {
			return models.Counts{}, err
		}
		if kind == models.KindLike {
			counts.Likes = n
		} else {
			counts.Favorites = n
		}
	}
	return counts, nil
}

// parseContentRangeTotal parses "0-0/42" or "*/0".
func parseContentRangeTotal(header string) (int, error) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, fmt.Errorf("%w: content-range %q", ErrMalformedResponse, header)
	}
	n, err := strconv.Atoi(header[idx+1:])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: content-range %q", ErrMalformedResponse, header)
	}
	return n, nil
}

// HealthCheck 健康检查
func (db *SupabaseDatabase) HealthCheck(ctx context.Context) error {
	query := url.Values{}
	query.Set("select", "id")
	query.Set("limit", "1")
	_, err := db.makeRequest(ctx, http.MethodGet, supabaseTable, query, nil, nil)
	return err
}

// Close 关闭连接
func (db *SupabaseDatabase) Close() error {
	db.httpClient.CloseIdleConnections()
	return nil
}

func (db *SupabaseDatabase) snapshot(ctx context.Context, userID string) (models.KindSets, error) {
	query := url.Values{}
	query.Set("select", "id,user_id,item_id,kind,created_at")
	query.Set("user_id", "eq."+userID)
	query.Set("order", "created_at.desc")

	resp, err := db.makeRequest(ctx, http.MethodGet, supabaseTable, query, nil, nil)
	if err != nil {
		return models.KindSets{}, err
	}
	records, err := decodeRows(resp.body)
	if err != nil {
		return models.KindSets{}, err
	}
	return setsFromRecords(records), nil
}
