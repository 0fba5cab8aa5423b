package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Session is the per-tenant record of the linked external account.
// There is at most one row per tenant.
type Session struct {
	ID            int64  `json:"-" gorm:"primaryKey;autoIncrement"`
	TenantID      string `json:"tenant_id" gorm:"column:tenant_id;uniqueIndex;type:text;not null" validate:"required"`
	LinkedAccount string `json:"linked_account,omitempty" gorm:"column:linked_account;type:text"`
	// PushName is the display name the platform reports for the linked account.
	PushName             string         `json:"push_name,omitempty" gorm:"column:push_name;type:text"`
	Active               bool           `json:"active" gorm:"column:active;default:false"`
	LastSyncAt           *time.Time     `json:"last_sync_at,omitempty" gorm:"column:last_sync_at"`
	LastDisconnectReason string         `json:"last_disconnect_reason,omitempty" gorm:"column:last_disconnect_reason;type:text"`
	Device               datatypes.JSON `json:"device,omitempty" gorm:"column:device;type:jsonb"`
	CreatedAt            time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time      `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (Session) TableName(namer schema.Namer) string {
	return namer.TableName("sessions")
}

// HasLinkedAccount reports whether a device has ever completed pairing for this session.
func (s *Session) HasLinkedAccount() bool {
	return s != nil && s.LinkedAccount != ""
}
