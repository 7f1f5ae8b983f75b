// Package ctrl implements the per-session control-parameter store: typed
// control descriptors with legal-value ranges, a handler that validates and
// applies changes, and per-buffer request snapshots that carry control values
// alongside a queued bitstream buffer.
package ctrl

import (
	"errors"
	"fmt"
	"sync"
)

// ID identifies a control parameter kind.
type ID uint32

// Control parameter kinds. The H.264 set mirrors the stateless decode
// parameters a client supplies per picture.
const (
	H264DecodeParams ID = iota + 1
	H264SPS
	H264PPS
	H264ScalingMatrix
	H264DecodeMode
	H264StartCode
	H264Profile
	H264Level
)

func (id ID) String() string {
	switch id {
	case H264DecodeParams:
		return "h264-decode-params"
	case H264SPS:
		return "h264-sps"
	case H264PPS:
		return "h264-pps"
	case H264ScalingMatrix:
		return "h264-scaling-matrix"
	case H264DecodeMode:
		return "h264-decode-mode"
	case H264StartCode:
		return "h264-start-code"
	case H264Profile:
		return "h264-profile"
	case H264Level:
		return "h264-level"
	default:
		return fmt.Sprintf("ctrl-%d", uint32(id))
	}
}

// Sentinel errors for control handling.
var (
	ErrUnknownCtrl = errors.New("ctrl: unknown control")
	ErrOutOfRange  = errors.New("ctrl: value out of range")
)

// ValueError wraps a rejected control change with the control it targeted.
type ValueError struct {
	ID  ID
	Err error
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("ctrl: set %s: %v", e.ID, e.Err)
}

func (e *ValueError) Unwrap() error { return e.Err }

// Hook receives try/set callbacks for controls registered with one, letting
// the owning session veto or react to value changes.
type Hook interface {
	TryCtrl(id ID, val any) error
	SetCtrl(id ID, val any) error
}

// Config describes one control: its identity, the legal range for integer
// controls (Min == Max == 0 means unrestricted), a menu skip mask, the
// default value, and an optional session hook.
type Config struct {
	ID       ID
	Min      int64
	Max      int64
	Def      int64
	SkipMask uint64 // bit n set: integer value n is not selectable
	Hook     Hook
}

type control struct {
	cfg Config
	val any
}

// Handler owns the control state of one session. All codecs' control sets
// are registered at session open so values persist across format switches.
type Handler struct {
	mu    sync.Mutex
	ctrls map[ID]*control
}

// NewHandler creates an empty control handler.
func NewHandler() *Handler {
	return &Handler{ctrls: make(map[ID]*control)}
}

// Add registers a control. Integer controls start at their default value.
func (h *Handler) Add(cfg Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ctrls[cfg.ID]; ok {
		return fmt.Errorf("ctrl: duplicate control %s", cfg.ID)
	}
	c := &control{cfg: cfg}
	if cfg.Min != 0 || cfg.Max != 0 {
		c.val = cfg.Def
	}
	h.ctrls[cfg.ID] = c
	return nil
}

// Len returns the number of registered controls.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ctrls)
}

func (h *Handler) lookup(id ID) (*control, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.ctrls[id]
	if !ok {
		return nil, &ValueError{ID: id, Err: ErrUnknownCtrl}
	}
	return c, nil
}

func (c *control) validate(val any) error {
	iv, isInt := val.(int64)
	if !isInt {
		return nil // compound control, validated by the codec hook
	}
	cfg := c.cfg
	if cfg.Min == 0 && cfg.Max == 0 {
		return nil
	}
	if iv < cfg.Min || iv > cfg.Max {
		return &ValueError{ID: cfg.ID, Err: ErrOutOfRange}
	}
	if iv >= 0 && iv < 64 && cfg.SkipMask&(1<<uint(iv)) != 0 {
		return &ValueError{ID: cfg.ID, Err: ErrOutOfRange}
	}
	return nil
}

// Try validates a candidate value without applying it.
func (h *Handler) Try(id ID, val any) error {
	c, err := h.lookup(id)
	if err != nil {
		return err
	}
	if err := c.validate(val); err != nil {
		return err
	}
	if c.cfg.Hook != nil {
		return c.cfg.Hook.TryCtrl(id, val)
	}
	return nil
}

// Set validates and applies a value, running the control's hook if any.
func (h *Handler) Set(id ID, val any) error {
	c, err := h.lookup(id)
	if err != nil {
		return err
	}
	if err := c.validate(val); err != nil {
		return err
	}
	if c.cfg.Hook != nil {
		if err := c.cfg.Hook.TryCtrl(id, val); err != nil {
			return err
		}
		if err := c.cfg.Hook.SetCtrl(id, val); err != nil {
			return err
		}
	}
	h.mu.Lock()
	c.val = val
	h.mu.Unlock()
	return nil
}

// Get returns the current value of a control, or nil if never set.
func (h *Handler) Get(id ID) (any, error) {
	c, err := h.lookup(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.val, nil
}

// GetInt returns the current value of an integer control.
func (h *Handler) GetInt(id ID) (int64, error) {
	v, err := h.Get(id)
	if err != nil {
		return 0, err
	}
	iv, ok := v.(int64)
	if !ok {
		return 0, &ValueError{ID: id, Err: errors.New("not an integer control")}
	}
	return iv, nil
}

// Request is a snapshot of control values attached to one queued bitstream
// buffer. Values are validated against the handler when staged, applied just
// before the hardware job runs, and the request is completed when the buffer
// finishes or is drained.
type Request struct {
	mu        sync.Mutex
	values    map[ID]any
	order     []ID
	completed bool
}

// NewRequest creates an empty control request.
func NewRequest() *Request {
	return &Request{values: make(map[ID]any)}
}

// Stage validates the value against the handler and records it in the
// request without touching the handler's live state.
func (r *Request) Stage(h *Handler, id ID, val any) error {
	if err := h.Try(id, val); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[id]; !ok {
		r.order = append(r.order, id)
	}
	r.values[id] = val
	return nil
}

// Setup applies the staged values to the handler in staging order.
func (r *Request) Setup(h *Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if err := h.Set(id, r.values[id]); err != nil {
			return err
		}
	}
	return nil
}

// Complete marks the request finished. Safe to call more than once.
func (r *Request) Complete() {
	r.mu.Lock()
	r.completed = true
	r.mu.Unlock()
}

// Completed reports whether the request has finished.
func (r *Request) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}
