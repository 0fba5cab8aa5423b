package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Chat is one conversation per (tenant, external chat id).
type Chat struct {
	ID       int64  `json:"-" gorm:"primaryKey;autoIncrement"`
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;type:text;not null;uniqueIndex:idx_chats_tenant_chat,priority:1" validate:"required"`
	ChatID   string `json:"chat_id" gorm:"column:chat_id;type:text;not null;uniqueIndex:idx_chats_tenant_chat,priority:2" validate:"required"`
	// Counterpart is the bare number (or group id) on the other side.
	Counterpart   string     `json:"counterpart" gorm:"column:counterpart;type:text"`
	Name          string     `json:"name" gorm:"column:name;type:text"`
	IsGroup       bool       `json:"is_group" gorm:"column:is_group;default:false"`
	GroupName     string     `json:"group_name,omitempty" gorm:"column:group_name;type:text"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" gorm:"column:last_message_at"`
	UnreadCount   int32      `json:"unread_count" gorm:"column:unread_count;default:0"`
	CreatedAt     time.Time  `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM migrations, respecting the Namer.
func (Chat) TableName(namer schema.Namer) string {
	return namer.TableName("chats")
}

// ChatSyncUpdatableFields lists the columns a sync upsert may overwrite.
// name and group_name are handled separately so they are never blanked.
func ChatSyncUpdatableFields() []string {
	return []string{"counterpart", "is_group", "unread_count", "updated_at"}
}
