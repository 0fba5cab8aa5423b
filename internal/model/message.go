package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

const (
	MessageDirectionInbound  = "IN"
	MessageDirectionOutbound = "OUT"
)

// Message types as reported by the automation client.
const (
	MessageTypeText     = "chat"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeSticker  = "sticker"
)

// Message is one external message, unique per (tenant, message id).
// Rows are immutable once stored except for the read flag.
type Message struct {
	ID        int64          `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	TenantID  string         `json:"tenant_id" gorm:"column:tenant_id;type:text;not null;uniqueIndex:idx_messages_tenant_message,priority:1" validate:"required"`
	MessageID string         `json:"id" gorm:"column:message_id;type:text;not null;uniqueIndex:idx_messages_tenant_message,priority:2" validate:"required"`
	ChatID    string         `json:"chat_id" gorm:"column:chat_id;type:text;index" validate:"required"`
	Sender    string         `json:"sender,omitempty" gorm:"column:sender;type:text"`
	Direction string         `json:"direction" gorm:"column:direction;type:text" validate:"oneof=IN OUT"`
	Body      string         `json:"body" gorm:"column:body;type:text"`
	MediaRef  string         `json:"media_ref,omitempty" gorm:"column:media_ref;type:text"`
	Type      string         `json:"type,omitempty" gorm:"column:type;type:text"`
	Read      bool           `json:"read" gorm:"column:read;default:false"`
	Timestamp time.Time      `json:"timestamp" gorm:"column:timestamp;index"`
	Raw       datatypes.JSON `json:"raw,omitempty" gorm:"column:raw;type:jsonb"`
	CreatedAt time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (Message) TableName(namer schema.Namer) string {
	return namer.TableName("messages")
}

// IsInbound reports whether the message was received from the counterpart.
func (m Message) IsInbound() bool {
	return m.Direction == MessageDirectionInbound
}
