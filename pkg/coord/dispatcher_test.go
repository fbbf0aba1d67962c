package coord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherOrder(t *testing.T) {
	d := NewDispatcher()
	got := make(chan int, 100)
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, d.Submit(func() { got <- i }))
	}
	for want := 0; want < 100; want++ {
		select {
		case v := <-got:
			assert.Equal(t, want, v)
		case <-time.After(time.Second):
			t.Fatal("dispatcher stalled")
		}
	}
	d.Stop()
	<-d.Done()
	assert.False(t, d.Submit(func() {}))
}

func TestDispatcherStopFromCallback(t *testing.T) {
	d := NewDispatcher()
	d.Submit(func() { d.Stop() })
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not exit")
	}
	d.Stop()
}
