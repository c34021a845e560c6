package kv

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerializerNoLostUpdates(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func() error {
				v := counter
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, counter)
}

func TestSerializerClosed(t *testing.T) {
	s := NewSerializer()
	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Do(context.Background(), func() error { return nil }), ErrClosed)
}

func TestSerializerCancelledBeforeStart(t *testing.T) {
	s := NewSerializer()
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := s.Do(ctx, func() error { ran = true; return nil })
	// Either the op was rejected or it ran; a rejected op must not run.
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ran)
	}
}
