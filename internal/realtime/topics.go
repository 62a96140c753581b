package realtime

import (
	"fmt"
	"strings"
)

// Topic kinds.
const (
	KindConversationList = "conversation_list"
	KindMessages         = "messages"
	KindConversation     = "conversation"
	KindPresence         = "presence"
	KindNotifications    = "notifications"
)

var kinds = map[string]bool{
	KindConversationList: true,
	KindMessages:         true,
	KindConversation:     true,
	KindPresence:         true,
	KindNotifications:    true,
}

func ConversationListTopic(userID string) string { return KindConversationList + "/" + userID }
func MessagesTopic(convID string) string         { return KindMessages + "/" + convID }
func ConversationTopic(convID string) string     { return KindConversation + "/" + convID }
func PresenceTopic(userID string) string         { return KindPresence + "/" + userID }
func NotificationsTopic(userID string) string    { return KindNotifications + "/" + userID }

// ParseTopic splits a topic into its kind and key.
func ParseTopic(topic string) (kind, key string, err error) {
	kind, key, ok := strings.Cut(topic, "/")
	if !ok || key == "" || !kinds[kind] {
		return "", "", fmt.Errorf("invalid topic %q", topic)
	}
	return kind, key, nil
}
