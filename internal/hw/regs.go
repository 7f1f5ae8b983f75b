// Package hw defines the hardware collaborator boundary of the decoder:
// the memory-mapped register window, coherent DMA memory, the on-chip SRAM
// pool, the address translation unit, runtime power management, and a
// simulated decode engine that stands in for silicon in tests and the
// simulator binary.
package hw

// Regs is the memory-mapped register window of the decode engine. Register
// access is only valid while the engine clocks are running; the scheduler
// guarantees at most one job touches the window at a time.
type Regs interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// Register offsets within the engine's function window.
const (
	RegImportantEn = 0x02c // interrupt routing and masking
	RegDecE        = 0x030 // decode enable, self-clearing on completion
	RegPicPar      = 0x034 // picture geometry in macroblocks
	RegStrmBase    = 0x038 // coded bitstream base address
	RegStrmLen     = 0x03c // coded bitstream length in bytes
	RegDecOutBase  = 0x040 // decoded picture base address
	RegColmvBase   = 0x044 // co-located motion vector area base address
	RegRcbBase0    = 0x100 // first RCB base/size register pair
	RegStaInt      = 0x380 // interrupt status, write zero to clear
)

// RegRcbBase returns the base-address register of the nth RCB buffer.
// Each RCB occupies a base/size register pair.
func RegRcbBase(n int) uint32 { return RegRcbBase0 + uint32(n)*8 }

// RegRcbSize returns the size register of the nth RCB buffer.
func RegRcbSize(n int) uint32 { return RegRcbBase0 + uint32(n)*8 + 4 }

// RegImportantEn bits.
const (
	DecIRQEnable  = 1 << 0
	DecIRQDisable = 1 << 4
)

// RegDecE bits.
const DecEnable = 1 << 0

// RegStaInt bits.
const (
	StaIntDecRdy       = 1 << 2 // picture decoded successfully
	StaIntBusErr       = 1 << 4 // bus access fault
	StaIntTimeout      = 1 << 5 // internal engine timeout
	StaIntSoftResetRdy = 1 << 9 // engine performed an internal soft reset
)
