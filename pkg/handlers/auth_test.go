package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"showcase-sync-backend/pkg/config"
	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/logger"
	"showcase-sync-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, h http.Handler, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestRefreshToken(t *testing.T) {
	s := newTestServer(t)
	access, refresh, _, err := s.jwt.GenerateTokenPair("user-1", "user-1@example.com")
	require.NoError(t, err)

	rec, env := postJSON(t, s.router, "/api/auth/refresh", `{"refresh_token":"`+refresh+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.RefreshTokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Positive(t, resp.ExpiresIn)

	claims, err := s.jwt.ValidateAccessToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	// 访问令牌不能用于刷新
	rec, _ = postJSON(t, s.router, "/api/auth/refresh", `{"refresh_token":"`+access+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshTokenBadRequests(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{`not json`, `{}`, `{"refresh_token":"  "}`} {
		rec, env := postJSON(t, s.router, "/api/auth/refresh", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.NotNil(t, env.Error, body)
		assert.Equal(t, "BAD_REQUEST", env.Error.Code, body)
	}
}

type unhealthyStore struct {
	database.CollectionStore
}

func (unhealthyStore) HealthCheck(context.Context) error { return errors.New("connection refused") }

func TestHealthCheck(t *testing.T) {
	cases := []struct {
		name     string
		cfg      *config.Config
		store    database.CollectionStore
		dbType   string
		dbStatus string
		status   string
	}{
		{
			name:     "local healthy",
			cfg:      &config.Config{Environment: "test", UseLocalDB: true},
			store:    newTestServer(t).store,
			dbType:   "local",
			dbStatus: "healthy",
			status:   "healthy",
		},
		{
			name:     "redis unhealthy",
			cfg:      &config.Config{Environment: "test", RedisAddr: "localhost:6379"},
			store:    unhealthyStore{},
			dbType:   "redis",
			dbStatus: "unhealthy: connection refused",
			status:   "degraded",
		},
		{
			name:     "no store",
			cfg:      &config.Config{Environment: "test", PostgresDSN: "postgres://x"},
			dbType:   "postgresql",
			dbStatus: "unavailable",
			status:   "degraded",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("VERCEL_ENV", "")
			t.Setenv("VERCEL_URL", "")
			t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")

			h := NewAuthHandler(tc.cfg, tc.store, nil, logger.Discard())
			rec := httptest.NewRecorder()
			h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var env envelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(env.Data, &body))
			assert.Equal(t, "showcase-sync-backend", body["service"])
			assert.Equal(t, tc.dbType, body["database"])
			assert.Equal(t, tc.dbStatus, body["db_status"])
			assert.Equal(t, tc.status, body["status"])
		})
	}
}
