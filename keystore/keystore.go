// Package keystore tracks the AES keys negotiated with remote devices.
//
// Every remote device has at most one active key. A key starts unconfirmed
// when this side creates it and becomes confirmed once the remote has proven
// it holds the key (a signed Exchange was accepted, or a reply arrived
// under it). Keys are resolvable by remote id and by the rotating mix hash
// carried on the wire.
package keystore

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
)

// Config bounds the keystore.
type Config struct {
	// ActiveTime is how long an idle key stays usable.
	ActiveTime time.Duration `yaml:"active_time"`
	// Capacity is the maximum number of remote keys kept.
	Capacity int `yaml:"capacity"`
}

// DefaultConfig returns the default keystore bounds.
func DefaultConfig() Config {
	return Config{
		ActiveTime: 30 * time.Minute,
		Capacity:   10000,
	}
}

// FoundKey is the result of a key lookup.
type FoundKey struct {
	Key       crypto.AesKey
	Remote    device.DeviceId
	Confirmed bool
}

type entry struct {
	key        crypto.AesKey
	remote     device.DeviceId
	confirmed  bool
	lastAccess time.Time
}

// Keystore holds the local identity and the per-remote tunnel keys.
type Keystore struct {
	identity *crypto.Identity
	config   Config

	mu        sync.Mutex
	byRemote  *lru.Cache[device.DeviceId, *entry]
	byHash    map[crypto.MixHash]*entry
	indexSlot int64
	now       func() time.Time
}

// New creates a keystore for identity.
func New(identity *crypto.Identity, config Config) (*Keystore, error) {
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.ActiveTime <= 0 {
		config.ActiveTime = DefaultConfig().ActiveTime
	}

	ks := &Keystore{
		identity: identity,
		config:   config,
		byHash:   make(map[crypto.MixHash]*entry),
		now:      time.Now,
	}
	cache, err := lru.NewWithEvict[device.DeviceId, *entry](config.Capacity, ks.onEvict)
	if err != nil {
		return nil, err
	}
	ks.byRemote = cache
	return ks, nil
}

// Signer returns the local identity.
func (ks *Keystore) Signer() crypto.Signer {
	return ks.identity
}

// Identity returns the local identity.
func (ks *Keystore) Identity() *crypto.Identity {
	return ks.identity
}

// OpenKey opens a key sealed to the local identity.
func (ks *Keystore) OpenKey(sealed []byte) (crypto.AesKey, error) {
	return ks.identity.OpenKey(sealed)
}

// onEvict runs inside byRemote mutations, which only happen with mu held.
func (ks *Keystore) onEvict(_ device.DeviceId, e *entry) {
	ks.unindex(e)
}

func (ks *Keystore) slotHashes(e *entry, slot int64) [crypto.MixHashLiveMinutes]crypto.MixHash {
	var hashes [crypto.MixHashLiveMinutes]crypto.MixHash
	for i := range hashes {
		hashes[i] = e.key.MixHash(slot - int64(i))
	}
	return hashes
}

func (ks *Keystore) index(e *entry) {
	for _, h := range ks.slotHashes(e, ks.indexSlot) {
		ks.byHash[h] = e
	}
}

func (ks *Keystore) unindex(e *entry) {
	for _, h := range ks.slotHashes(e, ks.indexSlot) {
		if ks.byHash[h] == e {
			delete(ks.byHash, h)
		}
	}
}

// refreshIndex rebuilds the mix hash index when the minute slot changes.
func (ks *Keystore) refreshIndex(now time.Time) {
	slot := crypto.MinuteSlot(now)
	if slot == ks.indexSlot {
		return
	}
	ks.indexSlot = slot
	ks.byHash = make(map[crypto.MixHash]*entry, len(ks.byHash))
	for _, e := range ks.byRemote.Values() {
		ks.index(e)
	}
}

func (ks *Keystore) expired(e *entry, now time.Time) bool {
	return now.Sub(e.lastAccess) > ks.config.ActiveTime
}

func found(e *entry) FoundKey {
	return FoundKey{Key: e.key, Remote: e.remote, Confirmed: e.confirmed}
}

// GetKeyByRemote returns the active key for remote.
func (ks *Keystore) GetKeyByRemote(remote device.DeviceId, touch bool) (FoundKey, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := ks.now()
	e, ok := ks.byRemote.Get(remote)
	if !ok {
		return FoundKey{}, false
	}
	if ks.expired(e, now) {
		ks.byRemote.Remove(remote)
		return FoundKey{}, false
	}
	if touch {
		e.lastAccess = now
	}
	return found(e), true
}

// GetKeyByMixHash resolves a wire mix hash. When confirm is set the key is
// marked confirmed.
func (ks *Keystore) GetKeyByMixHash(hash crypto.MixHash, touch, confirm bool) (FoundKey, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := ks.now()
	ks.refreshIndex(now)
	e, ok := ks.byHash[hash]
	if !ok {
		return FoundKey{}, false
	}
	if ks.expired(e, now) {
		ks.byRemote.Remove(e.remote)
		return FoundKey{}, false
	}
	if touch {
		e.lastAccess = now
	}
	if confirm {
		e.confirmed = true
	}
	return found(e), true
}

// CreateKey returns the active key for remote, creating an unconfirmed one
// if none exists.
func (ks *Keystore) CreateKey(remote device.DeviceId) (FoundKey, error) {
	if fk, ok := ks.GetKeyByRemote(remote, true); ok {
		return fk, nil
	}

	key, err := crypto.GenerateAesKey()
	if err != nil {
		return FoundKey{}, err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if e, ok := ks.byRemote.Get(remote); ok && !ks.expired(e, ks.now()) {
		return found(e), nil
	}
	e := ks.insert(key, remote, false)

	logrus.WithFields(logrus.Fields{
		"function": "Keystore.CreateKey",
		"remote":   remote.String(),
		"key":      key.String(),
	}).Debug("Created tunnel key")
	return found(e), nil
}

// AddKey stores key for remote, replacing any previous key.
func (ks *Keystore) AddKey(key crypto.AesKey, remote device.DeviceId, confirmed bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if e, ok := ks.byRemote.Get(remote); ok && e.key == key {
		e.confirmed = e.confirmed || confirmed
		e.lastAccess = ks.now()
		return
	}
	ks.insert(key, remote, confirmed)
}

func (ks *Keystore) insert(key crypto.AesKey, remote device.DeviceId, confirmed bool) *entry {
	ks.refreshIndex(ks.now())
	if old, ok := ks.byRemote.Peek(remote); ok {
		ks.unindex(old)
	}
	e := &entry{key: key, remote: remote, confirmed: confirmed, lastAccess: ks.now()}
	ks.byRemote.Add(remote, e)
	ks.index(e)
	return e
}

// ResetPeer forgets the key for remote.
func (ks *Keystore) ResetPeer(remote device.DeviceId) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.byRemote.Remove(remote)
}

// Len returns the number of stored keys.
func (ks *Keystore) Len() int {
	return ks.byRemote.Len()
}
