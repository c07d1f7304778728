package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"showcase-sync-backend/pkg/auth"
	"showcase-sync-backend/pkg/collection"
	"showcase-sync-backend/pkg/config"
	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/handlers"
	"showcase-sync-backend/pkg/logger"
	"showcase-sync-backend/pkg/middleware"
	"showcase-sync-backend/pkg/models"
	"showcase-sync-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiServer struct {
	*httptest.Server
	jwt   *utils.JWTService
	store *database.LocalDatabase
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	store, err := database.NewLocalDatabase(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	cfg := &config.Config{Environment: "test", JWTSecret: "client-test-secret", PageSize: config.DefaultPageSize, UseLocalDB: true}
	jwtService := utils.NewJWTService(cfg.JWTSecret)
	log := logger.Discard()
	authHandler := handlers.NewAuthHandler(cfg, store, jwtService, log)

	r := chi.NewRouter()
	r.Get("/", authHandler.HealthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/refresh", authHandler.RefreshToken)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(jwtService, log))
			handlers.RegisterCollectionRoutes(r, handlers.NewCollectionsHandler(cfg, store, nil, log))
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiServer{Server: srv, jwt: jwtService, store: store}
}

func (s *apiServer) staticUser(t *testing.T, userID string) *auth.Static {
	t.Helper()
	token, _, err := s.jwt.GenerateAccessToken(userID, "")
	require.NoError(t, err)
	return auth.NewStatic(userID, token)
}

func fastRetry() Option {
	return WithRetry(3, time.Millisecond)
}

func TestStoreAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := newAPIServer(t)
	store := NewStore(srv.URL, srv.staticUser(t, "user-1"), fastRetry(), WithLogger(logger.Discard()))

	require.NoError(t, store.HealthCheck(ctx))

	sets, err := store.Insert(ctx, "user-1", "item-42", models.KindLike)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-42"}, sets.Likes)
	assert.Equal(t, []string{}, sets.Favorites)

	_, err = store.Insert(ctx, "user-1", "item-42", models.KindLike)
	assert.ErrorIs(t, err, database.ErrConflict)

	for _, id := range []string{"a", "b", "c"} {
		_, err = store.Insert(ctx, "user-1", id, models.KindFavorite)
		require.NoError(t, err)
	}

	ids, err := store.ListAll(ctx, "user-1", models.KindFavorite)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	page, err := store.ListPage(ctx, "user-1", models.KindFavorite, 2, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ItemID)
	cursor := page[1].CreatedAt
	page, err = store.ListPage(ctx, "user-1", models.KindFavorite, 2, &cursor)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ItemID)

	counts, err := store.CountByKind(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.Counts{Likes: 1, Favorites: 3}, counts)

	sets, err = store.Remove(ctx, "user-1", "item-42", models.KindLike)
	require.NoError(t, err)
	assert.Empty(t, sets.Likes)
	_, err = store.Remove(ctx, "user-1", "item-42", models.KindLike)
	assert.ErrorIs(t, err, database.ErrConflict)

	assert.NoError(t, store.Close())
}

func TestStoreValidatesBeforeSending(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	store := NewStore(srv.URL, auth.NewStatic("user-1", "tok"), fastRetry())

	_, err := store.ListAll(ctx, "user-2", models.KindLike)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	_, err = store.ListAll(ctx, "", models.KindLike)
	assert.ErrorIs(t, err, database.ErrUserIDRequired)
	_, err = store.Insert(ctx, "user-1", " ", models.KindLike)
	assert.ErrorIs(t, err, database.ErrItemIDRequired)
	_, err = store.Insert(ctx, "user-1", "x", models.Kind("bookmark"))
	assert.ErrorIs(t, err, database.ErrInvalidKind)

	anon := NewStore(srv.URL, auth.NewStatic("", ""), fastRetry())
	_, err = anon.CountByKind(ctx, "user-1")
	assert.ErrorIs(t, err, collection.ErrUnauthenticated)

	assert.Zero(t, hits.Load())
}

func TestStoreRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			utils.WriteServiceUnavailableResponse(w, "warming up")
			return
		}
		utils.WriteSuccessResponse(w, models.Counts{Likes: 2})
	}))
	defer srv.Close()

	store := NewStore(srv.URL, auth.NewStatic("user-1", "tok"), fastRetry(), WithLogger(logger.Discard()))
	counts, err := store.CountByKind(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Likes)
	assert.EqualValues(t, 3, hits.Load())
}

func TestStoreGivesUpAfterAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	store := NewStore(srv.URL, auth.NewStatic("user-1", "tok"), fastRetry(), WithLogger(logger.Discard()))
	_, err := store.CountByKind(context.Background(), "user-1")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusTooManyRequests, serr.Status)
	assert.EqualValues(t, 3, hits.Load())
}

func TestStoreDoesNotRetryClientErrors(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusConflict, database.ErrConflict},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				utils.WriteErrorResponseWithCode(w, tc.status, "NOPE", "rejected", "")
			}))
			defer srv.Close()

			store := NewStore(srv.URL, auth.NewStatic("user-1", "tok"), fastRetry())
			_, err := store.Insert(context.Background(), "user-1", "item-1", models.KindLike)
			assert.ErrorIs(t, err, tc.want)
			assert.EqualValues(t, 1, hits.Load())
		})
	}

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		utils.WriteBadRequestResponse(w, "item_id is required")
	}))
	defer srv.Close()
	store := NewStore(srv.URL, auth.NewStatic("user-1", "tok"), fastRetry())
	_, err := store.Remove(context.Background(), "user-1", "item-1", models.KindLike)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "BAD_REQUEST", serr.Code)
	assert.Equal(t, "item_id is required", serr.Message)
	assert.EqualValues(t, 1, hits.Load())
}

func TestStoreRejectsMalformedBodies(t *testing.T) {
	cases := map[string]string{
		"not json":            `<html>oops</html>`,
		"missing success":     `{"data":[]}`,
		"success false":       `{"success":false,"data":[]}`,
		"record without kind": `{"success":true,"data":[{"item_id":"a","created_at":"2024-05-01T12:00:00Z"}]}`,
		"unknown kind":        `{"success":true,"data":[{"item_id":"a","kind":"bookmark","created_at":"2024-05-01T12:00:00Z"}]}`,
		"empty item id":       `{"success":true,"data":[{"item_id":"","kind":"like","created_at":"2024-05-01T12:00:00Z"}]}`,
		"bad timestamp":       `{"success":true,"data":[{"item_id":"a","kind":"like","created_at":"yesterday"}]}`,
		"object not array":    `{"success":true,"data":{"item_id":"a"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			store := NewStore(srv.URL, auth.NewStatic("user-1", "tok"), fastRetry())
			_, err := store.ListPage(context.Background(), "user-1", models.KindLike, 12, nil)
			assert.ErrorIs(t, err, database.ErrMalformedResponse)
		})
	}
}

func TestStoreListAllChecksKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccessResponse(w, models.KindItems{Kind: models.KindFavorite, Items: []string{"a"}})
	}))
	defer srv.Close()

	store := NewStore(srv.URL, auth.NewStatic("user-1", "tok"), fastRetry())
	_, err := store.ListAll(context.Background(), "user-1", models.KindLike)
	assert.ErrorIs(t, err, database.ErrMalformedResponse)
}

func TestStoreEmptyPageIsEmptySlice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "13", r.URL.Query().Get("limit"))
		assert.Equal(t, "2024-05-01T12:00:00.5Z", r.URL.Query().Get("before"))
		utils.WriteCursorPageResponse(w, nil, utils.Meta{Limit: 13})
	}))
	defer srv.Close()

	store := NewStore(srv.URL, auth.NewStatic("user-1", "tok"), fastRetry())
	before := time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC)
	records, err := store.ListPage(context.Background(), "user-1", models.KindLike, 13, &before)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestAuthRefresh(t *testing.T) {
	ctx := context.Background()
	srv := newAPIServer(t)
	_, refresh, _, err := srv.jwt.GenerateTokenPair("user-1", "")
	require.NoError(t, err)

	a := NewAuth(srv.URL, fastRetry())
	resp, err := a.Refresh(ctx, refresh)
	require.NoError(t, err)
	claims, err := srv.jwt.ValidateAccessToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	_, err = a.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthRefreshRejectedOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		utils.WriteUnauthorizedResponse(w, "invalid refresh token")
	}))
	defer srv.Close()

	_, err := NewAuth(srv.URL, fastRetry()).Refresh(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.EqualValues(t, 1, hits.Load())
}

func TestStoreStopsOnCanceledContext(t *testing.T) {
	var hits atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		cancel()
		utils.WriteServiceUnavailableResponse(w, "busy")
	}))
	defer srv.Close()

	store := NewStore(srv.URL, auth.NewStatic("user-1", "tok"), WithRetry(5, 20*time.Millisecond))
	_, err := store.Insert(ctx, "user-1", "item-1", models.KindLike)
	require.Error(t, err)
	assert.LessOrEqual(t, hits.Load(), int32(2))
}
