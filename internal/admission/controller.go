// Package admission caps how many migrations run heavy-I/O stages at
// once, independent of any per-migration parallelism.
package admission

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Controller gates admission to heavy-I/O stages with a non-blocking
// slot counter: a slot is held only while the stage handler actually
// executes, never by a migration that is merely parked in a heavy
// status. A denied handler reschedules itself after a delay; it never
// blocks waiting.
type Controller struct {
	mu      sync.Mutex
	active  int
	ceiling int
}

// NewController creates a controller with a static ceiling. The ceiling
// could equally be derived from available memory with a fixed per-job
// budget; callers only rely on the hard cap being respected.
func NewController(ceiling int) *Controller {
	return &Controller{ceiling: ceiling}
}

// Admit reserves a heavy-I/O slot when one is free. Every granted slot
// must be returned with Release once the stage handler finishes.
func (c *Controller) Admit(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active >= c.ceiling {
		logrus.WithFields(logrus.Fields{
			"active":  c.active,
			"ceiling": c.ceiling,
		}).Debug("Admission denied")
		return false
	}
	c.active++
	return true
}

// Release returns a slot reserved by Admit.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
}
