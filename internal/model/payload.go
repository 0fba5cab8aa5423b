package model

import (
	"encoding/json"
)

// Wire payloads exchanged with the automation driver. Field names follow the sidecar's JSON.

// Conversation is one entry of a conversation listing.
type Conversation struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name,omitempty"`
	PushName    string `json:"push_name,omitempty"`
	IsGroup     bool   `json:"is_group"`
	UnreadCount int32  `json:"unread_count" validate:"gte=0"`
	Timestamp   int64  `json:"timestamp,omitempty" validate:"gte=0"`
}

// HistoryMessage is one message from a bulk history read or a live push.
type HistoryMessage struct {
	ID     string `json:"id" validate:"required"`
	ChatID string `json:"chat_id" validate:"required"`
	From   string `json:"from,omitempty"`
	// Author is the actual sender inside a group conversation.
	Author     string          `json:"author,omitempty"`
	FromMe     bool            `json:"from_me"`
	Body       string          `json:"body,omitempty"`
	Type       string          `json:"type,omitempty"`
	HasMedia   bool            `json:"has_media,omitempty"`
	MediaRef   string          `json:"media_ref,omitempty"`
	NotifyName string          `json:"notify_name,omitempty"`
	Timestamp  int64           `json:"timestamp" validate:"gte=0"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// DirectoryContact is one entry of the account's contact directory.
type DirectoryContact struct {
	Number      string `json:"number" validate:"required"`
	Name        string `json:"name,omitempty"`
	PushName    string `json:"push_name,omitempty"`
	IsBusiness  bool   `json:"is_business,omitempty"`
	IsMyContact bool   `json:"is_my_contact,omitempty"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// SentMessage acknowledges a successful send.
type SentMessage struct {
	ID        string `json:"id" validate:"required"`
	ChatID    string `json:"chat_id,omitempty"`
	Timestamp int64  `json:"timestamp" validate:"gte=0"`
}

// AccountInfo identifies the account a handle became ready as.
type AccountInfo struct {
	Account  string          `json:"account" validate:"required"`
	PushName string          `json:"push_name,omitempty"`
	Platform string          `json:"platform,omitempty"`
	Device   json.RawMessage `json:"device,omitempty"`
}
