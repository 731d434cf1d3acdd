// Package registry tracks which worker ids a supervisor run expects and which
// of them are still alive. It is written by the supervisor and its reap loop
// and read by the change-feed listener, so every read returns a copy.
package registry

import (
	"slices"
	"sync"
)

type IDCache struct {
	mx       sync.Mutex
	expected []string
	alive    []string
}

func New() *IDCache {
	return &IDCache{}
}

// SetExpected records the id set of a freshly spawned worker set. Alive is
// reset to the same set.
func (c *IDCache) SetExpected(ids []string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.expected = slices.Clone(ids)
	c.alive = slices.Clone(ids)
}

// MarkExited removes id from the alive set. Unknown ids are ignored.
func (c *IDCache) MarkExited(id string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.alive = slices.DeleteFunc(c.alive, func(s string) bool { return s == id })
}

func (c *IDCache) Expected() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return slices.Clone(c.expected)
}

func (c *IDCache) Alive() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	out := slices.Clone(c.alive)
	if out == nil {
		out = []string{}
	}
	return out
}

// IsExpected reports whether id belongs to the current worker set.
func (c *IDCache) IsExpected(id string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return slices.Contains(c.expected, id)
}
