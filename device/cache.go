package device

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// DefaultCacheCapacity bounds the number of remote devices kept.
const DefaultCacheCapacity = 4096

// Cache resolves device ids to the most recent descriptor seen.
type Cache struct {
	mu     sync.RWMutex
	local  *Device
	remote *lru.Cache[DeviceId, *Device]
}

// NewCache creates a cache holding local and up to capacity remotes.
func NewCache(local *Device, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	remote, err := lru.New[DeviceId, *Device](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{local: local, remote: remote}, nil
}

// Local returns a copy of the local device.
func (c *Cache) Local() *Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local.Clone()
}

// LocalID returns the local device id.
func (c *Cache) LocalID() DeviceId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local.ID()
}

// SetLocal replaces the local device.
func (c *Cache) SetLocal(d *Device) {
	c.mu.Lock()
	c.local = d.Clone()
	c.mu.Unlock()
}

// Add stores d unless a newer body for the same id is already cached.
// It reports whether the cache changed.
func (c *Cache) Add(d *Device) bool {
	id := d.ID()
	if id == c.LocalID() {
		return false
	}
	if cur, ok := c.remote.Peek(id); ok && cur.Body.UpdateTime > d.Body.UpdateTime {
		return false
	}
	c.remote.Add(id, d.Clone())

	logrus.WithFields(logrus.Fields{
		"function":  "Cache.Add",
		"device_id": id.String(),
		"endpoints": len(d.Body.Endpoints),
	}).Debug("Cached device")
	return true
}

// Get resolves id, including the local device.
func (c *Cache) Get(id DeviceId) (*Device, bool) {
	if id == c.LocalID() {
		return c.Local(), true
	}
	d, ok := c.remote.Get(id)
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Remove forgets a remote device.
func (c *Cache) Remove(id DeviceId) {
	c.remote.Remove(id)
}

// Len returns the number of cached remote devices.
func (c *Cache) Len() int {
	return c.remote.Len()
}
