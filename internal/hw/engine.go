package hw

import (
	"log/slog"
	"sync"
	"time"
)

// EngineMode selects how the simulated engine completes a decode.
type EngineMode int

const (
	// EngineComplete finishes each decode successfully.
	EngineComplete EngineMode = iota
	// EngineFault raises the interrupt without the decode-ready bit set.
	EngineFault
	// EngineHang never completes; recovery is the caller's watchdog.
	EngineHang
	// EngineSoftReset completes successfully but reports an internal
	// soft reset, forcing a translation purge.
	EngineSoftReset
)

// Engine simulates the decode hardware behind the register window. A write
// to the decode-enable register starts an asynchronous "decode" that, after
// the configured latency, latches completion status and raises the
// interrupt line.
type Engine struct {
	log     *slog.Logger
	latency time.Duration

	mu      sync.Mutex
	regs    map[uint32]uint32
	irq     func()
	mode    EngineMode
	clocked bool
	decodes int
}

// NewEngine creates a simulated engine. If log is nil, slog.Default() is used.
func NewEngine(latency time.Duration, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:     log.With("component", "engine"),
		latency: latency,
		regs:    make(map[uint32]uint32),
	}
}

// SetIRQHandler installs the interrupt delivery callback. The callback runs
// on the engine's completion goroutine and must not block.
func (e *Engine) SetIRQHandler(irq func()) {
	e.mu.Lock()
	e.irq = irq
	e.mu.Unlock()
}

// SetMode changes how subsequent decodes complete.
func (e *Engine) SetMode(m EngineMode) {
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
}

// EnableClocks powers the register window up. Decode-enable writes while
// unclocked are discarded.
func (e *Engine) EnableClocks() error {
	e.mu.Lock()
	e.clocked = true
	e.mu.Unlock()
	return nil
}

// DisableClocks powers the register window down.
func (e *Engine) DisableClocks() {
	e.mu.Lock()
	e.clocked = false
	e.mu.Unlock()
}

// Decodes returns the number of decode operations started.
func (e *Engine) Decodes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decodes
}

// Read32 implements Regs.
func (e *Engine) Read32(off uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regs[off]
}

// Write32 implements Regs.
func (e *Engine) Write32(off uint32, val uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.regs[off] = val

	if off == RegDecE && val&DecEnable != 0 {
		if !e.clocked {
			e.log.Warn("decode enable written while unclocked, ignoring")
			return
		}
		e.decodes++
		mode := e.mode
		go e.complete(mode)
	}
}

func (e *Engine) complete(mode EngineMode) {
	time.Sleep(e.latency)

	e.mu.Lock()
	if mode == EngineHang || e.regs[RegDecE]&DecEnable == 0 {
		// Hung, or quiesced by the watchdog in the meantime.
		e.mu.Unlock()
		return
	}

	var status uint32
	switch mode {
	case EngineComplete:
		status = StaIntDecRdy
	case EngineSoftReset:
		status = StaIntDecRdy | StaIntSoftResetRdy
	case EngineFault:
		status = StaIntBusErr
	}
	e.regs[RegStaInt] = status
	e.regs[RegDecE] = 0
	irq := e.irq
	masked := e.regs[RegImportantEn]&DecIRQDisable != 0
	e.mu.Unlock()

	if irq != nil && !masked {
		irq()
	}
}
