package hotkey

// FakeHotkey drives the listener from tests and headless environments.
type FakeHotkey struct {
	keydown chan struct{}

	RegisterErr error
	registered  bool
}

func NewFake() *FakeHotkey {
	return &FakeHotkey{keydown: make(chan struct{}, 1)}
}

func (f *FakeHotkey) Register() error {
	if f.RegisterErr != nil {
		return f.RegisterErr
	}
	f.registered = true
	return nil
}

func (f *FakeHotkey) Unregister()              { f.registered = false }
func (f *FakeHotkey) Registered() bool         { return f.registered }
func (f *FakeHotkey) Keydown() <-chan struct{} { return f.keydown }
func (f *FakeHotkey) Press()                   { f.keydown <- struct{}{} }
