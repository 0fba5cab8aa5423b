package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Contact origins, recording which source first yielded the contact.
const (
	ContactOriginConversation = "conversation"
	ContactOriginMessage      = "message"
	ContactOriginDirectory    = "directory"
)

// Contact is one external contact number per tenant.
type Contact struct {
	ID        int64  `json:"-" gorm:"primaryKey;autoIncrement"`
	TenantID  string `json:"tenant_id" gorm:"column:tenant_id;type:text;not null;uniqueIndex:idx_contacts_tenant_number,priority:1" validate:"required"`
	Number    string `json:"number" gorm:"column:number;type:text;not null;uniqueIndex:idx_contacts_tenant_number,priority:2" validate:"required"`
	Name      string `json:"name,omitempty" gorm:"column:name;type:text"`
	AvatarRef string `json:"avatar_ref,omitempty" gorm:"column:avatar_ref;type:text"`
	Origin    string `json:"origin,omitempty" gorm:"column:origin;type:text"`
	// IsBusiness marks platform business accounts, as reported by the directory listing.
	IsBusiness bool      `json:"is_business,omitempty" gorm:"column:is_business;default:false"`
	CreatedAt  time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for the Contact model, respecting the Namer.
func (Contact) TableName(namer schema.Namer) string {
	return namer.TableName("contacts")
}

// DisplayName returns the stored name or falls back to the number.
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Number
}
