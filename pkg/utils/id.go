package utils

import "github.com/google/uuid"

// GenerateID returns prefix_<uuid>.
func GenerateID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func GenerateSessionID() string {
	return GenerateID("sess")
}

func GenerateShareID() string {
	return GenerateID("share")
}

func GenerateRequestRef() string {
	return GenerateID("req")
}

// GenerateRequestID is used for X-Request-ID when the client sent none.
func GenerateRequestID() string {
	return uuid.NewString()
}
