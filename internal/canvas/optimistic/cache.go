package optimistic

import (
	"sync"

	"teamcanvas/api/internal/canvas"
)

// Cache is the client-side query cache of the authoritative collections a
// canvas is joined against. It is only written through
// Coordinator.ApplyDomainMutation so it never diverges from the graph.
type Cache struct {
	mu      sync.RWMutex
	records canvas.Records
}

func NewCache(records canvas.Records) *Cache {
	return &Cache{records: records.Clone()}
}

// Snapshot returns a copy of the cached collections.
func (c *Cache) Snapshot() canvas.Records {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records.Clone()
}

// Restore replaces the cached collections with an earlier snapshot.
func (c *Cache) Restore(records canvas.Records) {
	c.mu.Lock()
	c.records = records.Clone()
	c.mu.Unlock()
}

func (c *Cache) Index() canvas.RecordIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records.Index()
}

// Role looks up a cached role record by id.
func (c *Cache) Role(id string) (canvas.Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.records.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return canvas.Role{}, false
}

func (c *Cache) Metric(id string) (canvas.Metric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.records.Metrics {
		if m.ID == id {
			return m, true
		}
	}
	return canvas.Metric{}, false
}

func putRole(r *canvas.Records, role canvas.Role) {
	for i := range r.Roles {
		if r.Roles[i].ID == role.ID {
			r.Roles[i] = role
			return
		}
	}
	r.Roles = append(r.Roles, role)
}

func replaceRole(r *canvas.Records, oldID string, role canvas.Role) {
	for i := range r.Roles {
		if r.Roles[i].ID == oldID {
			r.Roles[i] = role
			return
		}
	}
	r.Roles = append(r.Roles, role)
}

func removeRole(r *canvas.Records, id string) bool {
	for i := range r.Roles {
		if r.Roles[i].ID == id {
			r.Roles = append(r.Roles[:i], r.Roles[i+1:]...)
			return true
		}
	}
	return false
}
