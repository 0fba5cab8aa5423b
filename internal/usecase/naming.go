package usecase

import (
	"encoding/json"
	"strings"

	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// Names the platform reports for itself instead of a real contact name.
var placeholderNames = map[string]struct{}{
	"whatsapp":          {},
	"whatsapp business": {},
}

func usableName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if _, ok := placeholderNames[strings.ToLower(name)]; ok {
		return ""
	}
	return name
}

// ResolveDisplayName picks a conversation's display name: its own name, then the push name,
// then the directory name, then the bare number.
func ResolveDisplayName(conv model.Conversation, directoryName string) string {
	for _, candidate := range []string{conv.Name, conv.PushName, directoryName} {
		if n := usableName(candidate); n != "" {
			return n
		}
	}
	return utils.UserPart(conv.ID)
}

// SanitizeBody drops bodies that are serialized payloads rather than user text.
func SanitizeBody(body string) string {
	if utils.LooksLikeSerializedObject(body) {
		return ""
	}
	return body
}

// NormalizeTarget turns a bare number into the addressed form the client expects.
// Already addressed ids pass through unchanged; legacy "<creator>-<created>" group ids get
// the group suffix.
func NormalizeTarget(target, chatSuffix, groupSuffix string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "@") {
		return target
	}
	if isLegacyGroupID(target) {
		return target + groupSuffix
	}
	return utils.DigitsOnly(target) + chatSuffix
}

// isLegacyGroupID matches the creator number (with country code) joined by "-" to a
// 10-digit creation time.
func isLegacyGroupID(id string) bool {
	creator, created, ok := strings.Cut(id, "-")
	if !ok || len(creator) < 5 || creator[0] == '0' || len(created) != 10 {
		return false
	}
	return utils.DigitsOnly(creator) == creator && utils.DigitsOnly(created) == created
}

// toMessage maps a driver message onto the stored model.
func toMessage(tenantID string, m model.HistoryMessage) model.Message {
	direction := model.MessageDirectionInbound
	if m.FromMe {
		direction = model.MessageDirectionOutbound
	}
	sender := m.Author
	if sender == "" {
		sender = m.From
	}
	msgType := m.Type
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	var raw datatypes.JSON
	if len(m.Raw) > 0 && json.Valid(m.Raw) {
		raw = datatypes.JSON(m.Raw)
	}
	return model.Message{
		TenantID:  tenantID,
		MessageID: m.ID,
		ChatID:    m.ChatID,
		Sender:    utils.UserPart(sender),
		Direction: direction,
		Body:      SanitizeBody(m.Body),
		MediaRef:  m.MediaRef,
		Type:      msgType,
		// Own messages are read by definition.
		Read:      m.FromMe,
		Timestamp: utils.UnixToTime(m.Timestamp),
		Raw:       raw,
	}
}
