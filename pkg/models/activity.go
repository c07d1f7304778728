package models

import "time"

// Action is the direction of a toggle.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// ActivityEvent 一次收藏/点赞操作的通知（尽力而为，不持久化）
type ActivityEvent struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id,omitempty"`
	ItemID string    `json:"item_id"`
	Kind   Kind      `json:"kind"`
	Action Action    `json:"action"`
	At     time.Time `json:"at"`
}
