package admission

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmit_SingleMigrationUnderCeilingOne(t *testing.T) {
	// The requester's own parked status must never count against it:
	// with one slot and nothing executing, admission is granted.
	c := NewController(1)
	assert.True(t, c.Admit(context.Background()))
}

func TestAdmit_DeniedAtCeiling(t *testing.T) {
	c := NewController(2)
	assert.True(t, c.Admit(context.Background()))
	assert.True(t, c.Admit(context.Background()))
	assert.False(t, c.Admit(context.Background()))
}

func TestRelease_FreesSlot(t *testing.T) {
	c := NewController(1)
	assert.True(t, c.Admit(context.Background()))
	assert.False(t, c.Admit(context.Background()))

	c.Release()
	assert.True(t, c.Admit(context.Background()))
}

func TestRelease_NeverUnderflows(t *testing.T) {
	c := NewController(1)
	c.Release()
	c.Release()

	assert.True(t, c.Admit(context.Background()))
	assert.False(t, c.Admit(context.Background()), "spurious releases must not widen the ceiling")
}

func TestAdmit_ConcurrentGrantsBounded(t *testing.T) {
	c := NewController(3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Admit(context.Background()) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
}
