package collection

import (
	"errors"
	"fmt"

	"showcase-sync-backend/pkg/models"
)

var (
	// ErrUnauthenticated 没有登录用户时调用需要身份的操作
	ErrUnauthenticated = errors.New("login required")
	ErrItemIDRequired  = errors.New("item id is required")
)

// SyncError 与存储同步失败（可恢复，缓存已回滚）
type SyncError struct {
	Op     string
	UserID string
	ItemID string
	Kind   models.Kind
	Err    error
}

func (e *SyncError) Error() string {
	switch {
	case e.ItemID != "":
		return fmt.Sprintf("collection %s %s %s for user %s: %v", e.Op, e.Kind, e.ItemID, e.UserID, e.Err)
	case e.Kind != "":
		return fmt.Sprintf("collection %s %s for user %s: %v", e.Op, e.Kind, e.UserID, e.Err)
	default:
		return fmt.Sprintf("collection %s for user %s: %v", e.Op, e.UserID, e.Err)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
