package audio

import "time"

const (
	tickInterval         = 100 * time.Millisecond
	defaultWarnAfter     = 8 * time.Second
	defaultAutoStopAfter = 30 * time.Second
	speechMinRatio       = 0.10
	speechClearRatio     = 0.25 // higher threshold to clear the warning (hysteresis)
	speechRMSThreshold   = 0.015
)

type silenceEvent int

const (
	silenceNone silenceEvent = iota
	silenceWarn
	silenceWarnClear
	silenceAutoStop
)

// silenceMonitor watches a ring of per-tick speech flags. It warns after a
// short all-silent window and requests auto-stop once the full window is
// silent; the level stream itself never drives state.
type silenceMonitor struct {
	warnAt   int
	windowSz int

	ticks       int
	window      []bool
	speechCount int
	warned      bool
}

func newSilenceMonitor(warnAfter, autoStopAfter time.Duration) *silenceMonitor {
	warnAt := int(warnAfter / tickInterval)
	windowSz := int(autoStopAfter / tickInterval)
	if warnAt < 1 {
		warnAt = 1
	}
	if windowSz < warnAt {
		windowSz = warnAt
	}
	return &silenceMonitor{
		warnAt:   warnAt,
		windowSz: windowSz,
		window:   make([]bool, windowSz),
	}
}

func (m *silenceMonitor) recentRatio(n int) float64 {
	if m.ticks < n {
		n = m.ticks
	}
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasSpeech bool) silenceEvent {
	idx := m.ticks % m.windowSz
	if m.ticks >= m.windowSz && m.window[idx] {
		m.speechCount--
	}
	m.window[idx] = hasSpeech
	if hasSpeech {
		m.speechCount++
	}
	m.ticks++

	if m.ticks >= m.windowSz && float64(m.speechCount)/float64(m.windowSz) < speechMinRatio {
		return silenceAutoStop
	}

	r := m.recentRatio(m.warnAt)
	if m.ticks >= m.warnAt && r < speechMinRatio && !m.warned {
		m.warned = true
		return silenceWarn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return silenceWarnClear
	}

	return silenceNone
}
