package services

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/pkg/packet"

	"golang.org/x/crypto/hkdf"
)

const keyInfoLabel = "voxrelay media key"

type KeyConfig struct {
	GraceWindow      time.Duration
	RotationInterval time.Duration
}

func DefaultKeyConfig() KeyConfig {
	return KeyConfig{
		GraceWindow:      10 * time.Second,
		RotationInterval: 30 * time.Minute,
	}
}

// DeriveKey expands the server secret into the media key of one channel
// epoch. It is deterministic in (secret, channel, id).
func DeriveKey(secret []byte, channel domain.ChannelID, id domain.KeyID) []byte {
	info := make([]byte, 0, len(keyInfoLabel)+len(channel)+5)
	info = append(info, keyInfoLabel...)
	info = append(info, channel...)
	info = append(info, 0)
	info = binary.BigEndian.AppendUint32(info, uint32(id))

	key := make([]byte, packet.KeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), key); err != nil {
		// only reachable when asking for more than 255 hash blocks
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return key
}

// keyRing is immutable once published.
type keyRing struct {
	current       domain.ChannelKeyMaterial
	previous      *domain.ChannelKeyMaterial
	previousUntil time.Time
	installedAt   time.Time
}

// KeyManager owns the key ring of one channel. Readers load the ring with a
// single atomic read, so a decode never sees a half-rotated state.
type KeyManager struct {
	channel domain.ChannelID
	secret  []byte
	epochs  ports.KeyEpochRepository
	cfg     KeyConfig

	mu   sync.Mutex
	ring atomic.Pointer[keyRing]
}

func NewKeyManager(ctx context.Context, channel domain.ChannelID, secret []byte, epochs ports.KeyEpochRepository, cfg KeyConfig, now time.Time) (*KeyManager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("server secret must not be empty")
	}

	id, err := epochs.Current(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to load key epoch for %s: %w", channel, err)
	}
	if id == 0 {
		if id, err = epochs.Next(ctx, channel); err != nil {
			return nil, fmt.Errorf("failed to allocate first key epoch for %s: %w", channel, err)
		}
	}

	k := &KeyManager{
		channel: channel,
		secret:  secret,
		epochs:  epochs,
		cfg:     cfg,
	}
	k.ring.Store(&keyRing{current: k.material(id), installedAt: now})
	return k, nil
}

func (k *KeyManager) material(id domain.KeyID) domain.ChannelKeyMaterial {
	return domain.ChannelKeyMaterial{
		Channel: k.channel,
		KeyID:   id,
		Key:     DeriveKey(k.secret, k.channel, id),
	}
}

func (k *KeyManager) Current() domain.ChannelKeyMaterial {
	return k.ring.Load().current
}

// DecodeKeys lists the keys a receiver may try, current first. The previous
// key is only included while its grace window is open.
func (k *KeyManager) DecodeKeys(now time.Time) [][]byte {
	r := k.ring.Load()
	if r.previous != nil && now.Before(r.previousUntil) {
		return [][]byte{r.current.Key, r.previous.Key}
	}
	return [][]byte{r.current.Key}
}

// Rotate allocates the next key id from the epoch repository and makes it
// current. The caller announces it with KEY_SYNC.
func (k *KeyManager) Rotate(ctx context.Context, now time.Time) (domain.KeyID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	id, err := k.epochs.Next(ctx, k.channel)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate key epoch for %s: %w", k.channel, err)
	}
	if id <= k.ring.Load().current.KeyID {
		return 0, fmt.Errorf("key epoch for %s went backwards to %d", k.channel, id)
	}
	k.install(id, now)
	return id, nil
}

// Adopt installs a key id minted elsewhere, typically by another relay node.
// Ids that are not newer than the current one are ignored.
func (k *KeyManager) Adopt(ctx context.Context, id domain.KeyID, now time.Time) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if id <= k.ring.Load().current.KeyID {
		return false, nil
	}
	if err := k.epochs.Observe(ctx, k.channel, id); err != nil {
		return false, fmt.Errorf("failed to record key epoch %d for %s: %w", id, k.channel, err)
	}
	k.install(id, now)
	return true, nil
}

func (k *KeyManager) install(id domain.KeyID, now time.Time) {
	old := k.ring.Load()
	prev := old.current
	k.ring.Store(&keyRing{
		current:       k.material(id),
		previous:      &prev,
		previousUntil: now.Add(k.cfg.GraceWindow),
		installedAt:   now,
	})
}

// ExpireGrace drops the previous key once its window has closed. It reports
// whether anything was dropped.
func (k *KeyManager) ExpireGrace(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	r := k.ring.Load()
	if r.previous == nil || now.Before(r.previousUntil) {
		return false
	}
	k.ring.Store(&keyRing{current: r.current, installedAt: r.installedAt})
	return true
}

func (k *KeyManager) RotationDue(now time.Time) bool {
	if k.cfg.RotationInterval <= 0 {
		return false
	}
	return now.Sub(k.ring.Load().installedAt) >= k.cfg.RotationInterval
}

// InGrace reports whether a previous key is still accepted.
func (k *KeyManager) InGrace(now time.Time) bool {
	r := k.ring.Load()
	return r.previous != nil && now.Before(r.previousUntil)
}
