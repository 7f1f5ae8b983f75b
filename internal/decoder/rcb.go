package decoder

import (
	"fmt"

	"github.com/hwdec/vdec/internal/hw"
)

// The engine keeps per-row and per-column intermediate state in a set of
// rollback (RCB) scratch buffers whose sizes scale linearly with one coded
// dimension. They are allocated when the coded queue starts streaming,
// preferably from on-chip SRAM, and handed to the codec to program into the
// engine's RCB register pairs.

// rcbAlign is the translation-unit page granule; SRAM blocks must sit on
// such a boundary to be identity-mappable.
const rcbAlign = 4096

type rcbDim int

const (
	rcbWidth rcbDim = iota
	rcbHeight
)

var rcbSizes = [...]struct {
	mult uint32
	dim  rcbDim
}{
	{6, rcbWidth},   // intra prediction row
	{1, rcbWidth},   // transform row
	{1, rcbHeight},  // transform column
	{3, rcbWidth},   // stream parse row
	{6, rcbWidth},   // inter prediction row
	{3, rcbHeight},  // inter prediction column
	{22, rcbWidth},  // deblocking filter row
	{6, rcbWidth},   // sample adaptive offset row
	{11, rcbWidth},  // frame compression row
	{67, rcbHeight}, // loop filter column
}

// NumRCB is the number of scratch buffers a running stream holds.
const NumRCB = len(rcbSizes)

// rcbBuf is one allocated scratch buffer. mapped is the identity-mapped span
// length when the block came from SRAM behind the translation unit, zero
// otherwise.
type rcbBuf struct {
	mem    hw.Mem
	size   int
	mapped int
}

func rcbSize(n int, width, height uint32) int {
	e := rcbSizes[n]
	d := width
	if e.dim == rcbHeight {
		d = height
	}
	return int(e.mult * d)
}

// allocateRCB sizes and allocates every scratch buffer for the session's
// decoded geometry. On any failure all buffers allocated so far are released
// and the session is left without scratch state.
func (s *Session) allocateRCB() error {
	decoded := s.DecodedFmt()
	rcbs := make([]rcbBuf, NumRCB)
	for i := range rcbSizes {
		size := rcbSize(i, decoded.Width, decoded.Height)
		b, err := s.dev.allocRCB(size)
		if err != nil {
			s.rcbs = rcbs
			s.freeRCB()
			return fmt.Errorf("decoder: scratch buffer %d (%d bytes): %w", i, size, err)
		}
		rcbs[i] = b
	}
	s.rcbs = rcbs
	return nil
}

// freeRCB releases the session's scratch buffers. Safe to call when none
// are held.
func (s *Session) freeRCB() {
	for i := range s.rcbs {
		b := &s.rcbs[i]
		if b.mem == nil {
			continue
		}
		if b.mapped > 0 {
			if err := s.dev.liveDomain.Unmap(b.mem.BusAddr(), b.mapped); err != nil {
				s.log.Warn("scratch unmap failed", "index", i, "err", err)
			}
		}
		b.mem.Free()
		b.mem = nil
	}
	s.rcbs = nil
}

// allocRCB allocates one scratch buffer, preferring the SRAM pool. An SRAM
// block behind the translation unit needs an identity mapping so the engine
// reaches it at its bus address; the block is rounded up to the page granule
// first so the whole mapped span is pool-backed, and that rounded size is
// what the codec programs. If the mapping cannot be installed the block goes
// back to the pool. System memory is the fallback either way, at the
// un-rounded formula size.
func (d *Device) allocRCB(size int) (rcbBuf, error) {
	if d.sram != nil {
		poolSize := size
		if d.liveDomain != nil {
			poolSize = roundUpPage(size)
		}
		if mem, err := d.sram.Alloc(poolSize, rcbAlign); err == nil {
			if d.liveDomain == nil {
				return rcbBuf{mem: mem, size: poolSize}, nil
			}
			if err := d.liveDomain.Map(mem.BusAddr(), mem.BusAddr(), poolSize); err == nil {
				return rcbBuf{mem: mem, size: poolSize, mapped: poolSize}, nil
			}
			mem.Free()
		}
	}

	mem, err := d.dma.Alloc(size)
	if err != nil {
		return rcbBuf{}, ErrNoMem
	}
	return rcbBuf{mem: mem, size: size}, nil
}

func roundUpPage(size int) int {
	return (size + rcbAlign - 1) / rcbAlign * rcbAlign
}

// ProgramRCB writes the scratch buffer base/size register pairs. Called by
// the codec while it owns the register window.
func (s *Session) ProgramRCB() {
	regs := s.dev.regs
	for i := range s.rcbs {
		b := &s.rcbs[i]
		if b.mem == nil {
			continue
		}
		regs.Write32(hw.RegRcbBase(i), uint32(b.mem.BusAddr()))
		regs.Write32(hw.RegRcbSize(i), uint32(b.size))
	}
}
