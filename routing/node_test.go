package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records deliveries and signals each one.
type collector struct {
	mu         sync.Mutex
	deliveries []Delivery
	ch         chan Delivery
}

func newCollector() *collector {
	return &collector{ch: make(chan Delivery, 1024)}
}

func (c *collector) HandleMessage(_ context.Context, d Delivery) error {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
	c.ch <- d
	return nil
}

func (c *collector) wait(t *testing.T) Delivery {
	t.Helper()
	select {
	case d := <-c.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func TestNodeDelivers(t *testing.T) {
	node := NewNode("test")
	defer node.Close()

	c := newCollector()
	require.NoError(t, node.Register("api", c))

	err := node.Send(context.Background(), Message{
		OnwardRoute: NewRoute("api", "next"),
		ReturnRoute: NewRoute("sender"),
		Payload:     []byte("hello"),
	})
	require.NoError(t, err)

	d := c.wait(t)
	assert.Equal(t, Address("api"), d.Address)
	assert.Equal(t, Route{"next"}, d.Message.OnwardRoute)
	assert.Equal(t, Route{"sender"}, d.Message.ReturnRoute)
	assert.Equal(t, []byte("hello"), d.Message.Payload)
}

func TestNodeRegisterTwice(t *testing.T) {
	node := NewNode("test")
	defer node.Close()

	require.NoError(t, node.Register("api", newCollector()))
	err := node.Register("api", newCollector())
	assert.ErrorIs(t, err, ErrAddressInUse)
}

func TestNodeUnknownAddress(t *testing.T) {
	node := NewNode("test")
	defer node.Close()

	err := node.SendFrom(context.Background(), "me", NewRoute("nowhere"), nil)
	assert.ErrorIs(t, err, ErrUnknownAddress)

	err = node.Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrEmptyRoute)
}

func TestNodeSchemeFallback(t *testing.T) {
	node := NewNode("test")
	defer node.Close()

	c := newCollector()
	require.NoError(t, node.Register("nats", c))
	require.NoError(t, node.SendFrom(context.Background(), "me", NewRoute("nats#peer", "remote-api"), nil))

	d := c.wait(t)
	assert.Equal(t, Address("nats#peer"), d.Address)
	assert.Equal(t, Route{"remote-api"}, d.Message.OnwardRoute)
}

func TestNodePreservesOrder(t *testing.T) {
	node := NewNode("test")
	defer node.Close()

	c := newCollector()
	require.NoError(t, node.Register("api", c))

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, node.SendFrom(context.Background(), "me", NewRoute("api"), []byte{byte(i), byte(i >> 8)}))
	}
	for i := 0; i < n; i++ {
		d := c.wait(t)
		got := int(d.Message.Payload[0]) | int(d.Message.Payload[1])<<8
		require.Equal(t, i, got)
	}
}

func TestNodeHandlerNotConcurrent(t *testing.T) {
	node := NewNode("test")
	defer node.Close()

	var active, maxActive int
	var mu sync.Mutex
	done := make(chan struct{}, 100)
	require.NoError(t, node.Register("api", HandlerFunc(func(context.Context, Delivery) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		done <- struct{}{}
		return nil
	})))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = node.SendFrom(context.Background(), "me", NewRoute("api"), nil)
		}()
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Equal(t, 1, maxActive)
}

func TestNodeHandlerSendsToItself(t *testing.T) {
	node := NewNode("test")
	defer node.Close()

	done := make(chan int, 1)
	require.NoError(t, node.Register("loop", HandlerFunc(func(ctx context.Context, d Delivery) error {
		count := int(d.Message.Payload[0])
		if count == 10 {
			done <- count
			return nil
		}
		return node.SendFrom(ctx, "loop", NewRoute("loop"), []byte{byte(count + 1)})
	})))

	require.NoError(t, node.SendFrom(context.Background(), "me", NewRoute("loop"), []byte{0}))
	select {
	case got := <-done:
		assert.Equal(t, 10, got)
	case <-time.After(2 * time.Second):
		t.Fatal("self-sending handler stalled")
	}
}

func TestNodeUnregister(t *testing.T) {
	node := NewNode("test")
	defer node.Close()

	require.NoError(t, node.Register("api", newCollector()))
	assert.True(t, node.IsRegistered("api"))
	assert.True(t, node.Unregister("api"))
	assert.False(t, node.IsRegistered("api"))
	assert.False(t, node.Unregister("api"))

	err := node.SendFrom(context.Background(), "me", NewRoute("api"), nil)
	assert.ErrorIs(t, err, ErrUnknownAddress)

	// the address can be reused
	require.NoError(t, node.Register("api", newCollector()))
}

func TestNodeClose(t *testing.T) {
	node := NewNode("test")
	require.NoError(t, node.Register("api", newCollector()))
	require.NoError(t, node.Close())
	require.NoError(t, node.Close())

	assert.ErrorIs(t, node.Register("other", newCollector()), ErrNodeClosed)
	assert.ErrorIs(t, node.SendFrom(context.Background(), "me", NewRoute("api"), nil), ErrNodeClosed)
}

func TestNodeSendCancelledContext(t *testing.T) {
	node := NewNode("test")
	defer node.Close()
	require.NoError(t, node.Register("api", newCollector()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, node.SendFrom(ctx, "me", NewRoute("api"), nil), context.Canceled)
}
