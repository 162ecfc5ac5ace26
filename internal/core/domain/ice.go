package domain

import "time"

// IceCredential is one issued TURN credential pair. It is recomputed on
// every request and never stored.
type IceCredential struct {
	Username  string        `json:"username"`
	Password  string        `json:"credential"`
	TTL       time.Duration `json:"ttl"`
	ExpiresAt time.Time     `json:"expires_at"`
	URLs      []string      `json:"urls"`
}
