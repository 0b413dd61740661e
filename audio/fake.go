package audio

import (
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

// FakeContext feeds in-memory PCM instead of a real device. Headless tests
// drive the engine and the session machine with it.
type FakeContext struct {
	pcm      []byte
	startErr error
	devices  []DeviceInfo
}

func NewFakeContext(pcm []byte) *FakeContext {
	return &FakeContext{
		pcm:     pcm,
		devices: []DeviceInfo{{ID: "fake0", Name: "fake"}},
	}
}

// FailStartWith makes every capture's Start return err.
func (f *FakeContext) FailStartWith(err error) { f.startErr = err }

func (f *FakeContext) Devices() ([]DeviceInfo, error) { return f.devices, nil }
func (f *FakeContext) Close()                         {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return &FakeCapture{pcm: f.pcm, startErr: f.startErr}, nil
}

type FakeCapture struct {
	pcm      []byte
	startErr error

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callbackLocked() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

// Start feeds the whole recording synchronously, then keeps feeding silence
// until Stop so tick-based monitors see an open stream.
func (f *FakeCapture) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	chunkBytes := fakeFrameSize * fakeBytesPerFrame

	if cb := f.callbackLocked(); cb != nil {
		for pos := 0; pos < len(f.pcm); pos += chunkBytes {
			end := min(pos+chunkBytes, len(f.pcm))
			chunk := make([]byte, end-pos)
			copy(chunk, f.pcm[pos:end])
			cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
		}
	}

	go func() {
		defer close(f.feedDone)
		silence := make([]byte, chunkBytes)
		for {
			select {
			case <-f.stopCh:
				return
			case <-time.After(time.Millisecond):
			}
			if cb := f.callbackLocked(); cb != nil {
				cb(silence, fakeFrameSize)
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.feedDone
}

func (f *FakeCapture) Close() {}
