package chorecache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorelink/internal/domain"
)

func TestPutGetRemove(t *testing.T) {
	c := New()
	c.Do(func(tx *Tx) {
		tx.Put("1", &Entry{Barter: domain.Barter{ID: "1", Status: domain.BrokerSubmitted}})
	})

	e, ok := c.Get("1")
	require.True(t, ok)
	assert.Equal(t, domain.BrokerSubmitted, e.Barter.Status)

	c.Do(func(tx *Tx) {
		assert.True(t, tx.Remove("1"))
		assert.False(t, tx.Remove("1"))
	})
	_, ok = c.Get("1")
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	c := New()
	c.Do(func(tx *Tx) { tx.Put("1", &Entry{CumFilled: 10}) })

	e, _ := c.Get("1")
	e.CumFilled = 99

	got, _ := c.Get("1")
	assert.Equal(t, int64(10), got.CumFilled)
}

func TestTxGetIsLive(t *testing.T) {
	c := New()
	c.Do(func(tx *Tx) { tx.Put("1", &Entry{}) })
	c.Do(func(tx *Tx) {
		e, ok := tx.Get("1")
		require.True(t, ok)
		e.Acked = true
	})
	got, _ := c.Get("1")
	assert.True(t, got.Acked)
}

func TestIDsSorted(t *testing.T) {
	c := New()
	c.Do(func(tx *Tx) {
		for _, id := range []string{"c", "a", "b"} {
			tx.Put(id, &Entry{})
		}
	})
	assert.Equal(t, []string{"a", "b", "c"}, c.IDs())
	assert.Equal(t, 3, c.Len())
}

func TestConcurrentReadModifyWrite(t *testing.T) {
	c := New()
	c.Do(func(tx *Tx) { tx.Put("x", &Entry{}) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Do(func(tx *Tx) {
				e, _ := tx.Get("x")
				e.CumFilled++
				tx.Put(fmt.Sprintf("k%d", i), &Entry{})
			})
		}(i)
	}
	wg.Wait()

	got, _ := c.Get("x")
	assert.Equal(t, int64(50), got.CumFilled)
	assert.Equal(t, 51, c.Len())
}
