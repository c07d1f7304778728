package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"showcase-sync-backend/pkg/collection"
	"showcase-sync-backend/pkg/config"
	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/middleware"
	"showcase-sync-backend/pkg/models"
	"showcase-sync-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CollectionsHandler 点赞/收藏记录的HTTP接口
type CollectionsHandler struct {
	config   *config.Config
	db       database.CollectionStore
	activity collection.Publisher
	log      *slog.Logger
}

// NewCollectionsHandler 创建处理器，activity 可以为 nil
func NewCollectionsHandler(cfg *config.Config, db database.CollectionStore, activity collection.Publisher, logger *slog.Logger) *CollectionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollectionsHandler{config: cfg, db: db, activity: activity, log: logger}
}

// RegisterCollectionRoutes 在已认证的路由下注册 /api/collections 的全部端点
func RegisterCollectionRoutes(r chi.Router, h *CollectionsHandler) {
	r.Route("/collections", func(r chi.Router) {
		r.Get("/", h.ListSets)
		r.Get("/counts", h.Counts)
		// 分页放在独立前缀下，{kind}/{item_id} 的 item_id 可以是任意值
		r.Get("/pages/{kind}", h.ListPage)
		r.Get("/{kind}", h.ListKind)
		r.Post("/{kind}/{item_id}", h.Add)
		r.Delete("/{kind}/{item_id}", h.Remove)
	})
}

// GET /api/collections
func (h *CollectionsHandler) ListSets(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	sets := models.KindSets{}
	for _, kind := range models.Kinds {
		ids, err := h.db.ListAll(r.Context(), user.ID, kind)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		sets.Set(kind, ids)
	}
	utils.WriteSuccessResponse(w, sets)
}

// GET /api/collections/counts
func (h *CollectionsHandler) Counts(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	counts, err := h.db.CountByKind(r.Context(), user.ID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, counts)
}

// GET /api/collections/{kind}
func (h *CollectionsHandler) ListKind(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	kind, ok := parseKindParam(w, r)
	if !ok {
		return
	}
	ids, err := h.db.ListAll(r.Context(), user.ID, kind)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, models.KindItems{Kind: kind, Items: ids})
}

// GET /api/collections/pages/{kind}?limit=&before=
// before 为开区间游标（RFC3339Nano）；limit 可以比页大小多一条用于探测下一页
func (h *CollectionsHandler) ListPage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	kind, ok := parseKindParam(w, r)
	if !ok {
		return
	}

	limit := h.config.PageSize
	if limit <= 0 {
		limit = config.DefaultPageSize
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > config.MaxPageSize+1 {
			utils.WriteValidationErrorResponse(w, "Invalid limit", "limit must be between 1 and "+strconv.Itoa(config.MaxPageSize+1))
			return
		}
		limit = n
	}

	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			utils.WriteValidationErrorResponse(w, "Invalid before cursor", "before must be an RFC3339 timestamp")
			return
		}
		before = &ts
	}

	records, err := h.db.ListPage(r.Context(), user.ID, kind, limit, before)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	meta := utils.Meta{Limit: limit, Count: len(records), HasMore: len(records) == limit}
	if n := len(records); n > 0 {
		next := records[n-1].CreatedAt
		meta.NextCursor = &next
	}
	utils.WriteCursorPageResponse(w, records, meta)
}

// POST /api/collections/{kind}/{item_id}
func (h *CollectionsHandler) Add(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, models.ActionAdd)
}

// DELETE /api/collections/{kind}/{item_id}
func (h *CollectionsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, models.ActionRemove)
}

func (h *CollectionsHandler) mutate(w http.ResponseWriter, r *http.Request, action models.Action) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	kind, ok := parseKindParam(w, r)
	if !ok {
		return
	}
	itemID := strings.TrimSpace(chi.URLParam(r, "item_id"))
	if itemID == "" {
		utils.WriteBadRequestResponse(w, "item_id is required")
		return
	}

	var sets models.KindSets
	var err error
	if action == models.ActionAdd {
		sets, err = h.db.Insert(r.Context(), user.ID, itemID, kind)
	} else {
		sets, err = h.db.Remove(r.Context(), user.ID, itemID, kind)
	}
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.log.Info("✅ Collection updated", "user_id", user.ID, "item_id", itemID, "kind", kind, "action", action)
	if h.activity != nil {
		h.activity.Publish(models.ActivityEvent{
			ID:     uuid.NewString(),
			UserID: user.ID,
			ItemID: itemID,
			Kind:   kind,
			Action: action,
			At:     time.Now().UTC(),
		})
	}
	utils.WriteSuccessResponse(w, sets)
}

func (h *CollectionsHandler) requireUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return nil, false
	}
	return user, true
}

func parseKindParam(w http.ResponseWriter, r *http.Request) (models.Kind, bool) {
	kind, err := models.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		utils.WriteNotFoundResponse(w, err.Error())
		return "", false
	}
	return kind, true
}

// writeStoreError 将存储错误映射为HTTP响应
func (h *CollectionsHandler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrConflict):
		utils.WriteConflictResponse(w, "Collection record conflict")
	case errors.Is(err, database.ErrUserIDRequired),
		errors.Is(err, database.ErrItemIDRequired),
		errors.Is(err, database.ErrInvalidKind):
		utils.WriteBadRequestResponse(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		utils.WriteServiceUnavailableResponse(w, "Store request timed out")
	default:
		h.log.Error("❌ Store operation failed", "error", err)
		utils.WriteInternalServerErrorResponse(w, "Store operation failed")
	}
}
