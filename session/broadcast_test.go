package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcasterPrunesFailingObserver(t *testing.T) {
	b := newBroadcaster()

	var delivered int
	b.attach("ok", func(Event) error { delivered++; return nil })
	b.attach("bad", func(Event) error { return errors.New("connection reset") })

	b.push(Event{Kind: EventState})
	assert.Len(t, b.observers, 1)

	b.push(Event{Kind: EventState})
	assert.Equal(t, 2, delivered)
}

func TestDetachUnknownObserverIsNoop(t *testing.T) {
	b := newBroadcaster()
	b.attach("a", func(Event) error { return nil })
	b.detach("missing")
	assert.Len(t, b.observers, 1)
}
