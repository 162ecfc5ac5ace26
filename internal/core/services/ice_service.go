package services

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"voxrelay/internal/core/domain"

	"github.com/pion/stun"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DefaultSTUNURLs is the public STUN set handed to every client.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var (
	ErrMalformedCredential = errors.New("malformed turn username")
	ErrCredentialExpired   = errors.New("turn credential expired")
	ErrCredentialMismatch  = errors.New("turn credential mismatch")
	ErrNoTURNSecret        = errors.New("no turn secret configured")
)

type ICEConfig struct {
	STUNURLs []string
	TURNURLs []string
	// Secret switches to time-limited credentials when set.
	Secret   string
	Username string
	Password string
	TTL      time.Duration
}

// ICEConfiguration is what a client receives at session setup.
type ICEConfiguration struct {
	Servers   []webrtc.ICEServer `json:"iceServers"`
	TTL       int64              `json:"ttl,omitempty"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"`
}

type ICEIssuer struct {
	cfg    ICEConfig
	turn   []string
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewICEIssuer(cfg ICEConfig, logger *zap.SugaredLogger, now func() time.Time) *ICEIssuer {
	if len(cfg.STUNURLs) == 0 {
		cfg.STUNURLs = DefaultSTUNURLs
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	issuer := &ICEIssuer{cfg: cfg, logger: logger, now: now}
	for _, raw := range cfg.TURNURLs {
		uri, err := NormalizeTURNURL(raw)
		if err != nil {
			logger.Warnw("skipping invalid TURN url", "url", raw, "error", err)
			continue
		}
		issuer.turn = append(issuer.turn, uri)
	}
	return issuer
}

// NormalizeTURNURL adds a scheme to bare host:port entries, turns: for the
// TLS ports 5349 and 443 and turn: otherwise, then validates the result.
func NormalizeTURNURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !hasICEScheme(raw) {
		scheme := "turn:"
		if _, port, err := net.SplitHostPort(strings.SplitN(raw, "?", 2)[0]); err == nil {
			if p, _ := strconv.Atoi(port); p == 5349 || p == 443 {
				scheme = "turns:"
			}
		}
		raw = scheme + raw
	}
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return "", err
	}
	if uri.Scheme != stun.SchemeTypeTURN && uri.Scheme != stun.SchemeTypeTURNS {
		return "", fmt.Errorf("not a TURN url: %s", raw)
	}
	return raw, nil
}

func hasICEScheme(raw string) bool {
	for _, prefix := range []string{"turn:", "turns:", "stun:", "stuns:"} {
		if strings.HasPrefix(strings.ToLower(raw), prefix) {
			return true
		}
	}
	return false
}

func (i *ICEIssuer) TURNConfigured() bool {
	return len(i.turn) > 0
}

// Issue computes the server list for one user. Nothing is stored: the
// time-limited credential is valid until the expiry embedded in its
// username.
func (i *ICEIssuer) Issue(user domain.UserID) ICEConfiguration {
	out := ICEConfiguration{
		Servers: []webrtc.ICEServer{{URLs: append([]string(nil), i.cfg.STUNURLs...)}},
	}
	if !i.TURNConfigured() {
		return out
	}

	turn := webrtc.ICEServer{
		URLs:           append([]string(nil), i.turn...),
		CredentialType: webrtc.ICECredentialTypePassword,
	}
	if i.cfg.Secret == "" {
		turn.Username = i.cfg.Username
		turn.Credential = i.cfg.Password
	} else {
		base := i.cfg.Username
		if base == "" {
			base = string(user)
		}
		cred := i.timeLimited(base)
		turn.Username = cred.Username
		turn.Credential = cred.Password
		out.TTL = int64(cred.TTL / time.Second)
		out.ExpiresAt = &cred.ExpiresAt
	}
	out.Servers = append(out.Servers, turn)
	return out
}

func (i *ICEIssuer) timeLimited(base string) domain.IceCredential {
	expires := i.now().Add(i.cfg.TTL).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s", expires.Unix(), base)
	return domain.IceCredential{
		Username:  username,
		Password:  turnPassword(i.cfg.Secret, username),
		TTL:       i.cfg.TTL,
		ExpiresAt: expires,
		URLs:      i.turn,
	}
}

// VerifyCredential checks a time-limited pair the way a TURN server sharing
// the secret would. Static credentials are never time-limited, so without
// a secret nothing verifies.
func (i *ICEIssuer) VerifyCredential(username, password string, now time.Time) error {
	if i.cfg.Secret == "" {
		return ErrNoTURNSecret
	}
	stamp, _, ok := strings.Cut(username, ":")
	if !ok {
		stamp = username
	}
	expiry, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return ErrMalformedCredential
	}
	if now.Unix() > expiry {
		return ErrCredentialExpired
	}
	want := turnPassword(i.cfg.Secret, username)
	if !hmac.Equal([]byte(want), []byte(password)) {
		return ErrCredentialMismatch
	}
	return nil
}

func turnPassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
