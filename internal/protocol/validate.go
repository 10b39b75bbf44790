package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateChatMessage checks that a chat message body meets content
// requirements before it is stamped and relayed.
func ValidateChatMessage(text string) error {
	if len(strings.TrimSpace(text)) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxChatMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxChatMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxChatMessageChars {
		return fmt.Errorf("message exceeds %d character limit", MaxChatMessageChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
