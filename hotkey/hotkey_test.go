package hotkey

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenForwardsPresses(t *testing.T) {
	fake := NewFake()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var toggles atomic.Int32
	done := make(chan error, 1)
	go func() { done <- Listen(ctx, fake, func() { toggles.Add(1) }) }()

	fake.Press()
	fake.Press()

	require.Eventually(t, func() bool { return toggles.Load() == 2 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, fake.Registered())
}

func TestListenReturnsRegistrationFailure(t *testing.T) {
	fake := NewFake()
	fake.RegisterErr = errors.New("display server unavailable")

	err := Listen(context.Background(), fake, func() {})
	assert.ErrorIs(t, err, fake.RegisterErr)
}
