package session

import "murmur/log"

// SendFunc delivers one event to an observer. A non-nil error detaches the
// observer; delivery must not block the caller for long.
type SendFunc func(Event) error

// broadcaster is owned by the machine goroutine, so it needs no locking.
type broadcaster struct {
	observers map[string]SendFunc
}

func newBroadcaster() *broadcaster {
	return &broadcaster{observers: make(map[string]SendFunc)}
}

func (b *broadcaster) attach(id string, send SendFunc) {
	b.observers[id] = send
}

func (b *broadcaster) detach(id string) {
	delete(b.observers, id)
}

func (b *broadcaster) push(ev Event) {
	for id, send := range b.observers {
		if err := send(ev); err != nil {
			delete(b.observers, id)
			log.Warnf("observer %s dropped: %v", id, err)
		}
	}
}
