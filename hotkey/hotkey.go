// Package hotkey owns the global shortcut. A press is not a state change by
// itself: it posts one toggle command into the session queue, and the command
// resolves against whatever state is current when it is dequeued.
package hotkey

import (
	"context"

	xhotkey "golang.design/x/hotkey"

	"murmur/log"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
}

type globalHotkey struct {
	hk      *xhotkey.Hotkey
	keydown chan struct{}
	stop    chan struct{}
}

// New binds Ctrl+Shift+Space system-wide.
func New() Hotkey {
	return &globalHotkey{
		hk:      xhotkey.New([]xhotkey.Modifier{xhotkey.ModCtrl, xhotkey.ModShift}, xhotkey.KeySpace),
		keydown: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (h *globalHotkey) Register() error {
	if err := h.hk.Register(); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-h.stop:
				return
			case <-h.hk.Keydown():
				select {
				case h.keydown <- struct{}{}:
				default:
					// presses faster than the queue drains collapse into one
				}
			}
		}
	}()
	return nil
}

func (h *globalHotkey) Unregister() {
	close(h.stop)
	h.hk.Unregister()
}

func (h *globalHotkey) Keydown() <-chan struct{} { return h.keydown }

// Listen forwards presses to toggle until ctx is canceled. Registration
// failure is returned immediately; the daemon keeps running without a
// hotkey in that case.
func Listen(ctx context.Context, hk Hotkey, toggle func()) error {
	if err := hk.Register(); err != nil {
		return err
	}
	defer hk.Unregister()
	log.Info("global hotkey registered: Ctrl+Shift+Space")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hk.Keydown():
			toggle()
		}
	}
}
