package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Monitor folds the host's connectivity and visibility signals into two
// level-triggered booleans and fires callbacks on transitions. Callers re-read
// the booleans at each scheduling decision; the callbacks only exist to kick
// work immediately instead of waiting for the next poll tick.
type Monitor struct {
	logger   zerolog.Logger
	debounce time.Duration

	online     atomic.Bool
	foreground atomic.Bool

	mu            sync.Mutex
	debounceTimer *time.Timer
	onOnline      func()
	onOffline     func()
	onForeground  func()
	onBackground  func()
}

// New builds a monitor that starts online and foregrounded; hosts that know
// better push the real state right after construction.
func New(logger zerolog.Logger, debounce time.Duration) *Monitor {
	m := &Monitor{logger: logger, debounce: debounce}
	m.online.Store(true)
	m.foreground.Store(true)
	return m
}

func (m *Monitor) Online() bool     { return m.online.Load() }
func (m *Monitor) Foreground() bool { return m.foreground.Load() }

// OnOnline registers the callback fired (debounced) after an offline→online
// transition. Registration is expected before signals start flowing.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = fn
}

func (m *Monitor) OnForeground(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onForeground = fn
}

func (m *Monitor) OnBackground(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBackground = fn
}

// SetOnline records the connectivity level. Repeated same-level signals are
// ignored; a rising edge schedules the online callback after the debounce
// window, and a falling edge inside that window cancels it.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if online {
		m.logger.Info().Msg("connectivity restored")
		if m.onOnline == nil {
			return
		}
		if m.debounceTimer != nil {
			m.debounceTimer.Stop()
		}
		fn := m.onOnline
		if m.debounce <= 0 {
			go fn()
			return
		}
		m.debounceTimer = time.AfterFunc(m.debounce, fn)
		return
	}

	m.logger.Warn().Msg("connectivity lost")
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	if m.onOffline != nil {
		go m.onOffline()
	}
}

// SetForeground records the visibility level; transitions fire the matching
// callback synchronously with the signal.
func (m *Monitor) SetForeground(foreground bool) {
	if m.foreground.Swap(foreground) == foreground {
		return
	}

	m.mu.Lock()
	fn := m.onBackground
	if foreground {
		fn = m.onForeground
	}
	m.mu.Unlock()

	if foreground {
		m.logger.Debug().Msg("foregrounded")
	} else {
		m.logger.Debug().Msg("backgrounded")
	}
	if fn != nil {
		fn()
	}
}
