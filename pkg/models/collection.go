package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind 收藏记录的类别
type Kind string

const (
	KindLike     Kind = "like"
	KindFavorite Kind = "favorite"
)

// Kinds lists every collection kind in a stable order.
var Kinds = []Kind{KindLike, KindFavorite}

// ParseKind 解析类别字符串（忽略大小写，兼容复数形式）
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "like", "likes":
		return KindLike, nil
	case "favorite", "favorites", "favourite", "favourites":
		return KindFavorite, nil
	}
	return "", fmt.Errorf("unknown collection kind %q", raw)
}

// Valid 检查类别是否合法
func (k Kind) Valid() bool {
	return k == KindLike || k == KindFavorite
}

func (k Kind) String() string {
	return string(k)
}

// CollectionRecord 表示一个用户与一个内容条目之间的关系
// (UserID, ItemID, Kind) 三元组唯一；记录只会被创建或删除，不会原地修改
type CollectionRecord struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	ItemID    string    `json:"item_id" db:"item_id"`
	Kind      Kind      `json:"kind" db:"kind"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// KindSets 存储返回的权威集合（变更后两种类别的全量条目ID）
type KindSets struct {
	Likes     []string `json:"likes"`
	Favorites []string `json:"favorites"`
}

// For returns the ids for one kind.
func (s KindSets) For(kind Kind) []string {
	switch kind {
	case KindLike:
		return s.Likes
	case KindFavorite:
		return s.Favorites
	}
	return nil
}

// Set replaces the ids for one kind.
func (s *KindSets) Set(kind Kind, ids []string) {
	switch kind {
	case KindLike:
		s.Likes = ids
	case KindFavorite:
		s.Favorites = ids
	}
}

// KindItems 单个类别的全部条目ID
type KindItems struct {
	Kind  Kind     `json:"kind"`
	Items []string `json:"items"`
}

// Counts 每种类别的记录数
type Counts struct {
	Likes     int `json:"likes"`
	Favorites int `json:"favorites"`
}

// PageWindow 列表视图的一页数据
type PageWindow struct {
	Items      []CollectionRecord `json:"items"`
	NextCursor *time.Time         `json:"next_cursor,omitempty"`
	HasMore    bool               `json:"has_more"`
}
