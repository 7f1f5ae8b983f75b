// Package decoder implements the control path of a stateless video decode
// engine: format negotiation, per-stream scratch memory, job scheduling and
// completion, and session lifecycle. The engine itself sits behind the hw
// package's collaborator interfaces.
package decoder

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hwdec/vdec/internal/hw"
	"github.com/hwdec/vdec/internal/m2m"
	"github.com/hwdec/vdec/internal/vbq"
)

// DefaultWatchdogTimeout bounds how long a kicked decode may stay silent
// before the job is failed and the engine quiesced.
const DefaultWatchdogTimeout = 2 * time.Second

// Config assembles a Device from its hardware collaborators.
type Config struct {
	Regs hw.Regs
	DMA  hw.Allocator
	PM   hw.Power

	// SRAM is the optional on-chip scratch pool.
	SRAM *hw.Pool
	// TLB, LiveDomain and EmptyDomain model the engine's address
	// translation unit. All three are nil when translation is disabled.
	TLB         *hw.TLB
	LiveDomain  *hw.Domain
	EmptyDomain *hw.Domain

	Formats         []*CodedFmtDesc
	WatchdogTimeout time.Duration
	Logger          *slog.Logger
}

// Device is one decode engine instance. Sessions opened on it share the
// engine through the job scheduler, which runs at most one decode at a time.
type Device struct {
	log  *slog.Logger
	regs hw.Regs
	dma  hw.Allocator
	pm   hw.Power

	sram        *hw.Pool
	tlb         *hw.TLB
	liveDomain  *hw.Domain
	emptyDomain *hw.Domain

	formats   []*CodedFmtDesc
	wdTimeout time.Duration

	sched *m2m.Dev
	wd    watchdog

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New validates the configuration and builds a Device.
func New(cfg Config) (*Device, error) {
	if cfg.Regs == nil || cfg.DMA == nil || cfg.PM == nil {
		return nil, errors.New("decoder: register window, DMA allocator and power manager are required")
	}
	if len(cfg.Formats) == 0 {
		return nil, errors.New("decoder: at least one coded format is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	wdTimeout := cfg.WatchdogTimeout
	if wdTimeout <= 0 {
		wdTimeout = DefaultWatchdogTimeout
	}

	d := &Device{
		log:         log.With("component", "decoder"),
		regs:        cfg.Regs,
		dma:         cfg.DMA,
		pm:          cfg.PM,
		sram:        cfg.SRAM,
		tlb:         cfg.TLB,
		liveDomain:  cfg.LiveDomain,
		emptyDomain: cfg.EmptyDomain,
		formats:     cfg.Formats,
		wdTimeout:   wdTimeout,
		sessions:    make(map[*Session]struct{}),
	}
	d.sched = m2m.NewDev(d.deviceRun)
	return d, nil
}

// deviceRun is the scheduler's dispatch callback: it applies the source
// buffer's control request, resumes the engine, and hands off to the active
// codec. Completion arrives via IRQ or, failing that, the watchdog.
func (d *Device) deviceRun(c *m2m.Ctx) {
	s := c.Priv.(*Session)
	src := c.Src.NextQueued()
	dst := c.Dst.NextQueued()
	if src == nil || dst == nil {
		// Queues were torn down between scheduling and dispatch.
		c.BufDoneAndJobFinish(vbq.StateError)
		return
	}

	if src.Request != nil {
		if err := src.Request.Setup(s.ctrls); err != nil {
			s.log.Error("request setup failed", "err", err)
			d.jobFinishNoPM(c, vbq.StateError)
			return
		}
	}
	vbq.CopyMetadata(dst, src)

	if err := d.pm.Resume(); err != nil {
		s.log.Error("engine resume failed", "err", err)
		d.jobFinishNoPM(c, vbq.StateError)
		return
	}

	if err := s.desc.Ops.Run(s); err != nil {
		s.log.Error("codec run failed", "err", err)
		// Run arms the watchdog just before kicking the engine, so a
		// failed run may or may not have armed it.
		d.wd.Cancel()
		d.jobFinish(c, vbq.StateError)
	}
}

// ArmWatchdog starts the completion watchdog for the job being kicked.
// Codecs call this immediately before writing the decode-enable register.
func (d *Device) ArmWatchdog() {
	d.wd.Arm(d.wdTimeout, d.watchdogExpired)
}

// watchdogExpired handles a decode that never raised its interrupt: mask
// further interrupts, quiesce the engine, and fail the job. The watchdog
// only runs here after winning the claim against a late interrupt.
func (d *Device) watchdogExpired() {
	d.log.Error("frame processing timed out, resetting engine")
	d.regs.Write32(hw.RegImportantEn, hw.DecIRQDisable)
	d.regs.Write32(hw.RegDecE, 0)

	c := d.sched.Curr()
	if c == nil {
		return
	}
	d.jobFinish(c, vbq.StateError)
}

// IRQ is the interrupt entry point, wired to the engine's interrupt line.
// It latches and clears the status register, restores address translation
// after a faulted decode, and finishes the job unless the watchdog already
// claimed it.
func (d *Device) IRQ() {
	status := d.regs.Read32(hw.RegStaInt)
	d.regs.Write32(hw.RegStaInt, 0)

	state := vbq.StateDone
	if status&hw.StaIntDecRdy == 0 {
		state = vbq.StateError
	}
	// Any unsuccessful decode, or a soft reset behind a successful one, may
	// leave stale translations behind.
	if state != vbq.StateDone || status&hw.StaIntSoftResetRdy != 0 {
		d.log.Warn("decode did not complete cleanly, purging translations", "status", status)
		d.tlbRestore()
	}

	if !d.wd.Cancel() {
		// The watchdog fired first and owns this job's completion.
		return
	}
	c := d.sched.Curr()
	if c == nil {
		d.log.Warn("interrupt with no job in flight", "status", status)
		return
	}
	d.jobFinish(c, state)
}

// tlbRestore purges the translation unit after an engine fault by cycling
// it through the empty domain and reattaching the live one.
func (d *Device) tlbRestore() {
	if d.tlb == nil || d.emptyDomain == nil {
		return
	}
	d.tlb.Attach(d.emptyDomain)
	d.tlb.Detach(d.emptyDomain)
	d.tlb.Attach(d.liveDomain)
}

func (d *Device) jobFinish(c *m2m.Ctx, state vbq.BufState) {
	d.pm.MarkLastBusy()
	d.pm.PutAutosuspend()
	d.jobFinishNoPM(c, state)
}

// jobFinishNoPM finishes the job without releasing a power reference, for
// paths where the engine was never resumed.
func (d *Device) jobFinishNoPM(c *m2m.Ctx, state vbq.BufState) {
	s := c.Priv.(*Session)
	if ops := s.desc.Ops; ops != nil {
		ops.Done(s, c.Src.NextQueued(), c.Dst.NextQueued(), state)
	}
	c.BufDoneAndJobFinish(state)
}

type watchdog struct {
	mu    sync.Mutex
	timer *time.Timer
	armed bool
}

// Arm schedules fn after d. The previous arming, if still pending, is
// replaced. fn only runs if the timer claims the completion before a
// concurrent Cancel does.
func (w *watchdog) Arm(d time.Duration, fn func()) {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.armed = true
	w.timer = time.AfterFunc(d, func() {
		if w.Cancel() {
			fn()
		}
	})
	w.mu.Unlock()
}

// Cancel claims the pending completion. Exactly one caller between the
// interrupt path and the expiry callback sees true per arming.
func (w *watchdog) Cancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return false
	}
	w.armed = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return true
}
