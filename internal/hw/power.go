package hw

import (
	"sync"
	"time"
)

// Power is the runtime power-management boundary the decoder depends on.
// Resume may block while clocks ramp and may fail; PutAutosuspend releases
// the reference taken by Resume and schedules a delayed suspend once the
// device goes idle.
type Power interface {
	Resume() error
	MarkLastBusy()
	PutAutosuspend()
}

// RuntimePM is a reference-counted Power implementation with delayed
// autosuspend, driving resume/suspend callbacks that gate engine clocks.
type RuntimePM struct {
	delay   time.Duration
	resume  func() error
	suspend func()

	mu       sync.Mutex
	users    int
	active   bool
	lastBusy time.Time
	timer    *time.Timer
}

// NewRuntimePM creates a power manager. resume and suspend may be nil.
func NewRuntimePM(delay time.Duration, resume func() error, suspend func()) *RuntimePM {
	return &RuntimePM{delay: delay, resume: resume, suspend: suspend}
}

// Resume takes a usage reference, powering the device up if it was idle.
// On resume failure no reference is held.
func (pm *RuntimePM) Resume() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.timer != nil {
		pm.timer.Stop()
		pm.timer = nil
	}

	if !pm.active {
		if pm.resume != nil {
			if err := pm.resume(); err != nil {
				return err
			}
		}
		pm.active = true
	}
	pm.users++
	return nil
}

// MarkLastBusy records activity, delaying a pending autosuspend.
func (pm *RuntimePM) MarkLastBusy() {
	pm.mu.Lock()
	pm.lastBusy = time.Now()
	pm.mu.Unlock()
}

// PutAutosuspend drops a usage reference. When the last reference goes away
// the suspend callback runs after the autosuspend delay, unless the device
// is resumed again first.
func (pm *RuntimePM) PutAutosuspend() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.users == 0 {
		return
	}
	pm.users--
	if pm.users > 0 {
		return
	}

	if pm.timer != nil {
		pm.timer.Stop()
	}
	pm.timer = time.AfterFunc(pm.delay, pm.trySuspend)
}

func (pm *RuntimePM) trySuspend() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.users > 0 || !pm.active {
		return
	}
	if pm.suspend != nil {
		pm.suspend()
	}
	pm.active = false
	pm.timer = nil
}

// Active reports whether the device is currently powered.
func (pm *RuntimePM) Active() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.active
}
