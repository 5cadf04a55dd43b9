package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	topic := NewTopic[int](4, nil)
	a := topic.Subscribe()
	b := topic.Subscribe()
	defer a.Close()
	defer b.Close()

	topic.Publish(7)

	assert.Equal(t, 7, <-a.C())
	assert.Equal(t, 7, <-b.C())
}

func TestSeedIsDeliveredFirst(t *testing.T) {
	topic := NewTopic[string](4, nil)
	s := topic.Subscribe("a", "b")
	defer s.Close()
	topic.Publish("c")

	assert.Equal(t, "a", <-s.C())
	assert.Equal(t, "b", <-s.C())
	assert.Equal(t, "c", <-s.C())
}

func TestOverflowDropsOldest(t *testing.T) {
	var drops int
	var mu sync.Mutex
	topic := NewTopic[int](2, func() { mu.Lock(); drops++; mu.Unlock() })
	s := topic.Subscribe()
	defer s.Close()

	for i := 1; i <= 5; i++ {
		topic.Publish(i)
	}

	assert.Equal(t, 4, <-s.C())
	assert.Equal(t, 5, <-s.C())
	assert.Equal(t, uint64(3), s.Dropped())
	mu.Lock()
	assert.Equal(t, 3, drops)
	mu.Unlock()
}

func TestCloseStopsDelivery(t *testing.T) {
	topic := NewTopic[int](2, nil)
	s := topic.Subscribe()
	s.Close()
	s.Close()

	topic.Publish(1)

	_, ok := <-s.C()
	require.False(t, ok)
	assert.Equal(t, 0, topic.Len())
}

func TestConcurrentPublishAndClose(t *testing.T) {
	topic := NewTopic[int](8, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		s := topic.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				topic.Publish(j)
			}
			s.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, topic.Len())
}

func TestOnEmptyFiresWhenLastSubscriberLeaves(t *testing.T) {
	topic := NewTopic[int](1, nil)
	var fired int
	topic.OnEmpty(func() { fired++ })

	a := topic.Subscribe()
	b := topic.Subscribe()
	a.Close()
	assert.Equal(t, 0, fired)
	b.Close()
	assert.Equal(t, 1, fired)
	b.Close()
	assert.Equal(t, 1, fired)
}
