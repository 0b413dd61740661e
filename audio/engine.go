package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"murmur/encoder"
	"murmur/log"
)

type Class int

const (
	DeviceDenied Class = iota
	DeviceError
	EmptyAudio
)

func (c Class) String() string {
	switch c {
	case DeviceDenied:
		return "device_denied"
	case DeviceError:
		return "device_error"
	case EmptyAudio:
		return "empty_audio"
	}
	return "unknown"
}

type CaptureError struct {
	Class Class
	Err   error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return "capture failed: " + e.Class.String()
	}
	return fmt.Sprintf("capture failed (%s): %v", e.Class, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// ErrBusy rejects a second concurrent acquisition of the input device.
var ErrBusy = errors.New("capture already active")

// Recordings shorter than this count as no audio at all.
const minCaptureFrames = encoder.SampleRate / 10

// Saver persists one finished capture; the artifact store implements it.
type Saver interface {
	Save(pcm []byte) (string, error)
}

// Capture is the opaque artifact one recording flushes into.
type Capture struct {
	PCM      []byte
	Duration time.Duration
	Path     string
}

type EngineConfig struct {
	Capture CaptureConfig
	// Silence window overrides, zero means default. Tests shrink these.
	WarnAfter     time.Duration
	AutoStopAfter time.Duration
}

// Engine owns exclusive access to one capture device per recording. While
// active it publishes normalized amplitude samples on Levels (informational
// only) and requests a stop on Notices when sustained silence is detected.
type Engine struct {
	ctx   Context
	cfg   EngineConfig
	saver Saver

	levels  chan float64
	notices chan struct{}

	speechTick atomic.Bool

	mu       sync.Mutex
	active   bool
	dev      CaptureDevice
	buf      []byte
	frames   uint64
	tickStop chan struct{}
	tickDone chan struct{}
}

func NewEngine(ctx Context, cfg EngineConfig, saver Saver) *Engine {
	if cfg.WarnAfter == 0 {
		cfg.WarnAfter = defaultWarnAfter
	}
	if cfg.AutoStopAfter == 0 {
		cfg.AutoStopAfter = defaultAutoStopAfter
	}
	return &Engine{
		ctx:     ctx,
		cfg:     cfg,
		saver:   saver,
		levels:  make(chan float64, 32),
		notices: make(chan struct{}, 1),
	}
}

// Levels emits 0..1 RMS samples while recording; slow readers lose samples,
// never block capture.
func (e *Engine) Levels() <-chan float64 { return e.levels }

// Notices fires when the engine enters its processing sub-state on its own
// (silence auto-stop). The receiver is expected to call Stop.
func (e *Engine) Notices() <-chan struct{} { return e.notices }

func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) Start(info *DeviceInfo) error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return ErrBusy
	}

	dev, err := e.ctx.NewCapture(info, e.cfg.Capture)
	if err != nil {
		e.mu.Unlock()
		return classifyDeviceErr(err)
	}

	e.buf = nil
	e.frames = 0
	e.speechTick.Store(false)
	dev.SetCallback(e.onData)

	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		e.mu.Unlock()
		return classifyDeviceErr(err)
	}

	e.active = true
	e.dev = dev
	e.tickStop = make(chan struct{})
	e.tickDone = make(chan struct{})
	stop, done := e.tickStop, e.tickDone
	e.mu.Unlock()

	go e.watchSilence(stop, done)
	log.Info("recording_device: " + dev.DeviceName())
	return nil
}

func (e *Engine) onData(data []byte, frameCount uint32) {
	e.mu.Lock()
	if !e.active && e.dev != nil {
		// chunks racing Stop are dropped
		e.mu.Unlock()
		return
	}
	e.buf = append(e.buf, data...)
	e.frames += uint64(frameCount)
	e.mu.Unlock()

	if len(data) < 2 {
		return
	}
	var sumSquares float64
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(data[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	rms := math.Sqrt(sumSquares / float64(len(data)/2))
	if rms > speechRMSThreshold {
		e.speechTick.Store(true)
	}
	select {
	case e.levels <- math.Min(rms, 1.0):
	default:
	}
}

func (e *Engine) watchSilence(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	mon := newSilenceMonitor(e.cfg.WarnAfter, e.cfg.AutoStopAfter)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			switch mon.Tick(e.speechTick.Swap(false)) {
			case silenceWarn:
				log.Info("no_voice_warning")
			case silenceWarnClear:
				log.Info("voice_resumed")
			case silenceAutoStop:
				log.Info("silence_auto_stop")
				select {
				case e.notices <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// Stop flushes the buffered chunks into one artifact. An empty capture is a
// failure, not an empty success.
func (e *Engine) Stop() (Capture, error) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return Capture{}, &CaptureError{Class: DeviceError, Err: errors.New("capture not active")}
	}
	dev := e.dev
	stop, done := e.tickStop, e.tickDone
	e.active = false
	e.mu.Unlock()

	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done

	dev.Stop()
	dev.ClearCallback()
	dev.Close()

	e.mu.Lock()
	pcm := e.buf
	frames := e.frames
	e.buf = nil
	e.dev = nil
	e.mu.Unlock()

	if frames < minCaptureFrames {
		return Capture{}, &CaptureError{Class: EmptyAudio, Err: fmt.Errorf("only %d frames captured", frames)}
	}

	cap := Capture{
		PCM:      pcm,
		Duration: time.Duration(float64(frames) / float64(e.cfg.Capture.SampleRate) * float64(time.Second)),
	}
	if e.saver != nil {
		path, err := e.saver.Save(pcm)
		if err != nil {
			// best-effort persistence: the capture itself survives
			log.Warnf("artifact save failed: %v", err)
		} else {
			cap.Path = path
		}
	}
	return cap, nil
}

func classifyDeviceErr(err error) error {
	msg := strings.ToLower(err.Error())
	class := DeviceError
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") ||
		strings.Contains(msg, "not authorized") || strings.Contains(msg, "access") {
		class = DeviceDenied
	}
	return &CaptureError{Class: class, Err: err}
}
