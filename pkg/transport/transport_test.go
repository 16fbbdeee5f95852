package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxRunsInOrder(t *testing.T) {
	m := NewMailbox()
	defer m.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		m.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	require.Eventually(t, m.Idle, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMailboxClosedDropsPosts(t *testing.T) {
	m := NewMailbox()
	m.Close()
	m.Close()

	ran := false
	m.Post(func() { ran = true })
	time.Sleep(5 * time.Millisecond)
	assert.False(t, ran)
}

func TestParsePayloadID(t *testing.T) {
	id, err := ParsePayloadID("42")
	require.NoError(t, err)
	assert.Equal(t, PayloadID(42), id)
	assert.Equal(t, "42", id.String())

	_, err = ParsePayloadID("4x")
	assert.Error(t, err)
}
