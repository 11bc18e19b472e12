package event_bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(nil)
	b.Publish(context.Background(), Notification{Kind: KindError, Err: errors.New("boom")})
	assert.Equal(t, 0, b.Subscribers())
}

func TestEventsInOrder(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	got := make(chan []Kind, 1)
	go func() {
		var kinds []Kind
		sub := b.Subscribe(16, BlockProducer)
		defer sub.Close()
		close(ready)
		for len(kinds) < 3 {
			select {
			case n := <-sub.C():
				kinds = append(kinds, n.Kind)
			case <-ctx.Done():
				return
			}
		}
		got <- kinds
	}()
	<-ready

	b.Publish(ctx, Notification{Kind: KindServerEvent})
	b.Publish(ctx, Notification{Kind: KindSwitchedToNextCloudlet})
	b.Publish(ctx, Notification{Kind: KindCurrentCloudletIsBest})

	select {
	case kinds := <-got:
		assert.Equal(t, []Kind{KindServerEvent, KindSwitchedToNextCloudlet, KindCurrentCloudletIsBest}, kinds)
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not received")
	}
}

func TestDropOldest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := New(m)
	sub := b.Subscribe(2, DropOldest)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), Notification{Kind: KindServerEvent, Err: errors.New(string(rune('a' + i)))})
	}

	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, "d", first.Err.Error())
	assert.Equal(t, "e", second.Err.Error())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BusDroppedTotal))
}

func TestBlockProducerWaitsForConsumer(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1, BlockProducer)

	b.Publish(context.Background(), Notification{Kind: KindReconnected})

	published := make(chan struct{})
	go func() {
		b.Publish(context.Background(), Notification{Kind: KindConnectionFailed})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish did not block on a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, KindReconnected, (<-sub.C()).Kind)
	<-published
	assert.Equal(t, KindConnectionFailed, (<-sub.C()).Kind)
	sub.Close()
}

func TestBlockProducerReleasedByClose(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1, BlockProducer)
	b.Publish(context.Background(), Notification{Kind: KindReconnected})

	published := make(chan struct{})
	go func() {
		b.Publish(context.Background(), Notification{Kind: KindConnectionFailed})
		close(published)
	}()
	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish still blocked after close")
	}
}

func TestBlockProducerContext(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := New(m)
	sub := b.Subscribe(1, BlockProducer)
	defer sub.Close()
	b.Publish(context.Background(), Notification{Kind: KindReconnected})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	b.Publish(ctx, Notification{Kind: KindReconnected})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusDroppedTotal))
}

func TestEventsRestartable(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq := b.Events(ctx)

	for round := 0; round < 2; round++ {
		var wg sync.WaitGroup
		wg.Add(1)
		var got Notification
		go func() {
			defer wg.Done()
			for n := range seq {
				got = n
				break
			}
		}()
		require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, time.Millisecond)
		b.Publish(ctx, Notification{Kind: KindSwitchedToNextCloudlet})
		wg.Wait()
		assert.Equal(t, KindSwitchedToNextCloudlet, got.Kind)
		assert.False(t, got.Time.IsZero())
		assert.Equal(t, 0, b.Subscribers())
	}
}

func TestEventsEndOnContextAndClose(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		for range b.Events(ctx) {
		}
		close(done)
	}()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	done = make(chan struct{})
	go func() {
		for range b.Events(context.Background()) {
		}
		close(done)
	}()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, time.Millisecond)
	b.Close()
	<-done

	// closed bus
	b.Publish(context.Background(), Notification{Kind: KindError})
	sub := b.Subscribe(1, DropOldest)
	<-sub.Done()
}
