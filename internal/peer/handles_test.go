package peer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureHandle_MonotonicAndStable(t *testing.T) {
	f := newFixture(t)
	p := f.registry.New(contactsName, contactsPath)

	alice := p.EnsureHandle("contact", "alice")
	bob := p.EnsureHandle("contact", "bob")
	room := p.EnsureHandle("room", "alice")

	assert.Equal(t, uint32(1), alice)
	assert.Equal(t, uint32(2), bob)
	assert.Equal(t, uint32(3), room, "kinds share one counter")
	assert.Equal(t, alice, p.EnsureHandle("contact", "alice"))

	id, ok := p.InspectHandle("contact", bob)
	assert.True(t, ok)
	assert.Equal(t, "bob", id)

	_, ok = p.InspectHandle("room", bob)
	assert.False(t, ok)
}

func TestEnsureHandle_SurvivesReacquire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.registry.New(contactsName, contactsPath)
	require.NoError(t, p.Register(ctx))

	before := p.EnsureHandle("contact", "alice")
	require.NoError(t, p.Withdraw(ctx))
	require.NoError(t, p.Reacquire(ctx))

	assert.Equal(t, before, p.EnsureHandle("contact", "alice"))
	assert.Equal(t, before+1, p.EnsureHandle("contact", "carol"))
}

func TestEnsureHandle_UniquePerPeer(t *testing.T) {
	f := newFixture(t)
	a := f.registry.New(contactsName, contactsPath)
	b := f.registry.New("org.example.Calls", "/org/example/Calls")

	assert.Equal(t, uint32(1), a.EnsureHandle("contact", "alice"))
	assert.Equal(t, uint32(1), b.EnsureHandle("contact", "alice"))
}

func TestEnsureHandle_Concurrent(t *testing.T) {
	table := newHandleTable()
	var wg sync.WaitGroup
	results := make([]uint32, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = table.ensure("contact", "same")
		}(i)
	}
	wg.Wait()
	for _, h := range results {
		assert.Equal(t, uint32(1), h)
	}
}
