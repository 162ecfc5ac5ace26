package validation

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

const (
	MaxChannelIDLength = 64
	MaxTokenLength     = 4096
)

var channelIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

// ValidateChannelID accepts 1-64 characters of letters, digits and
// "_ . : -", starting with a letter or digit.
func ValidateChannelID(id string) error {
	if id == "" {
		return fmt.Errorf("channel id is required")
	}
	if len(id) > MaxChannelIDLength {
		return fmt.Errorf("channel id is too long (max %d characters)", MaxChannelIDLength)
	}
	if !channelIDRegex.MatchString(id) {
		return fmt.Errorf("channel id contains invalid characters")
	}
	return nil
}

func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("token is required")
	}
	if len(token) > MaxTokenLength {
		return fmt.Errorf("token is too long (max %d bytes)", MaxTokenLength)
	}
	if !utf8.ValidString(token) {
		return fmt.Errorf("token must be valid UTF-8")
	}
	return nil
}
