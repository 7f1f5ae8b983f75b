// Command vdecsim runs the decode control path against the simulated
// engine: it parses an H.264 Annex B file, negotiates formats from the
// stream's SPS, and pushes every picture through the hardware job machinery.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/hwdec/vdec/internal/config"
	"github.com/hwdec/vdec/internal/ctrl"
	"github.com/hwdec/vdec/internal/decoder"
	"github.com/hwdec/vdec/internal/h264"
	"github.com/hwdec/vdec/internal/hw"
	"github.com/hwdec/vdec/internal/nalu"
	"github.com/hwdec/vdec/internal/pixfmt"
	"github.com/hwdec/vdec/internal/vbq"
)

var version = "dev"

const numBuffers = 4

func main() {
	cfgPath := flag.String("config", envOr("VDEC_CONFIG", ""), "configuration file")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] <input.h264>\n", os.Args[0])
		os.Exit(2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if os.Getenv("DEBUG") != "" {
		cfg.LogLevel = "debug"
	}

	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	if err := run(cfg, flag.Arg(0)); err != nil {
		slog.Error("vdecsim failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, inputPath string) error {
	log := slog.Default()
	log.Info("vdecsim starting", "version", version, "input", inputPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	engine := hw.NewEngine(cfg.EngineLatency(), log)
	pm := hw.NewRuntimePM(cfg.AutosuspendDelay(), engine.EnableClocks,
		func() { engine.DisableClocks() })

	devCfg := decoder.Config{
		Regs:            engine,
		DMA:             hw.NewSysAllocator(),
		PM:              pm,
		Formats:         []*decoder.CodedFmtDesc{h264.Desc()},
		WatchdogTimeout: cfg.WatchdogTimeout(),
		Logger:          log,
	}
	if cfg.SRAM.Enabled {
		devCfg.SRAM = hw.NewPool(cfg.SRAM.Base, cfg.SRAM.Size)
	}
	if cfg.Translation {
		live := hw.NewDomain()
		devCfg.LiveDomain = live
		devCfg.EmptyDomain = hw.NewDomain()
		devCfg.TLB = hw.NewTLB(live)
	}

	dev, err := decoder.New(devCfg)
	if err != nil {
		return err
	}
	engine.SetIRQHandler(dev.IRQ)

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	st, err := parseStream(data)
	if err != nil {
		return err
	}
	log.Info("stream parsed",
		"codec", st.sps.CodecString(),
		"coded_width", st.sps.CodedWidth(),
		"coded_height", st.sps.CodedHeight(),
		"pictures", len(st.pictures),
	)

	sess, err := dev.Open()
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := negotiate(sess, st); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed(ctx, sess, st) })
	g.Go(func() error { return collect(ctx, log, sess, len(st.pictures)) })
	return g.Wait()
}

type stream struct {
	sps      nalu.SPSInfo
	pictures [][]byte // one Annex B access unit per picture
}

// parseStream splits an Annex B file into pictures, one per slice NAL, and
// extracts the stream's SPS.
func parseStream(data []byte) (*stream, error) {
	units := nalu.ParseAnnexB(data)
	if len(units) == 0 {
		return nil, errors.New("no NAL units found in input")
	}

	st := &stream{}
	haveSPS := false
	for _, u := range units {
		switch {
		case nalu.IsSPS(u.Type):
			info, err := nalu.ParseSPS(u.Data)
			if err != nil {
				return nil, fmt.Errorf("parse sps: %w", err)
			}
			st.sps = info
			haveSPS = true
		case u.Type == nalu.NALTypeSlice || nalu.IsKeyframe(u.Type):
			au := make([]byte, 0, len(u.Data)+4)
			au = binary.BigEndian.AppendUint32(au, 1)
			au = append(au, u.Data...)
			st.pictures = append(st.pictures, au)
		}
	}
	if !haveSPS {
		return nil, errors.New("input carries no SPS")
	}
	if len(st.pictures) == 0 {
		return nil, errors.New("input carries no slices")
	}
	return st, nil
}

// negotiate sets the coded format from the stream geometry, installs the
// SPS control, picks the first compatible decoded format, and allocates and
// starts both queues.
func negotiate(sess *decoder.Session, st *stream) error {
	coded := pixfmt.Format{
		PixelFormat: pixfmt.H264Slice,
		Width:       uint32(st.sps.CodedWidth()),
		Height:      uint32(st.sps.CodedHeight()),
	}
	if err := sess.SetOutputFmt(&coded); err != nil {
		return fmt.Errorf("set coded format: %w", err)
	}

	if err := sess.Ctrls().Set(ctrl.H264SPS, controlSPS(st.sps)); err != nil {
		return fmt.Errorf("set sps: %w", err)
	}

	fourcc, err := sess.EnumDecodedFmt(0)
	if err != nil {
		return fmt.Errorf("no decoded format for stream: %w", err)
	}
	decoded := pixfmt.Format{PixelFormat: fourcc}
	if err := sess.SetCaptureFmt(&decoded); err != nil {
		return fmt.Errorf("set decoded format: %w", err)
	}

	for _, q := range []*vbq.Queue{sess.Output(), sess.Capture()} {
		if err := q.RequestBuffers(numBuffers, vbq.SetupParams{}); err != nil {
			return fmt.Errorf("allocate %s buffers: %w", q.Dir, err)
		}
		if err := q.StreamOn(); err != nil {
			return fmt.Errorf("start %s streaming: %w", q.Dir, err)
		}
	}
	// Prime the decoded side; collect recycles these as pictures come back.
	for i := 0; i < numBuffers; i++ {
		if err := sess.Capture().Enqueue(i, vbq.EnqueueOptions{}); err != nil {
			return fmt.Errorf("queue decoded buffer %d: %w", i, err)
		}
	}
	return nil
}

func controlSPS(info nalu.SPSInfo) *h264.SPS {
	sps := &h264.SPS{
		ProfileIDC:                  info.ProfileIDC,
		ConstraintSetFlags:          info.ConstraintFlags,
		LevelIDC:                    info.LevelIDC,
		SeqParameterSetID:           uint8(info.SeqParameterSetID),
		ChromaFormatIDC:             uint8(info.ChromaFormatIDC),
		BitDepthLumaMinus8:          uint8(info.BitDepthLumaMinus8),
		BitDepthChromaMinus8:        uint8(info.BitDepthChromaMinus8),
		Log2MaxFrameNumMinus4:       uint8(info.Log2MaxFrameNumMinus4),
		PicOrderCntType:             uint8(info.PicOrderCntType),
		Log2MaxPicOrderCntLsbMinus4: uint8(info.Log2MaxPicOrderCntLsbMinus4),
		MaxNumRefFrames:             uint8(info.MaxNumRefFrames),
		PicWidthInMbsMinus1:         uint16(info.PicWidthInMbsMinus1),
		PicHeightInMapUnitsMinus1:   uint16(info.PicHeightInMapUnitsMinus1),
	}
	if info.FrameMbsOnly {
		sps.Flags |= h264.SPSFlagFrameMbsOnly
	}
	if info.SeparateColourPlane {
		sps.Flags |= h264.SPSFlagSeparateColourPlane
	}
	return sps
}

// feed copies each picture's bitstream into the next coded buffer, attaches
// its control request, and queues it. Capture buffers are recycled by
// collect; coded buffers recycle here once the job machinery returns them.
func feed(ctx context.Context, sess *decoder.Session, st *stream) error {
	out := sess.Output()
	free := make([]int, 0, numBuffers)
	for i := 0; i < numBuffers; i++ {
		free = append(free, i)
	}

	for n, pic := range st.pictures {
		var idx int
		if len(free) > 0 {
			idx = free[0]
			free = free[1:]
		} else {
			b, err := out.Dequeue(ctx)
			if err != nil {
				return err
			}
			idx = b.Index
		}

		req := ctrl.NewRequest()
		if err := req.Stage(sess.Ctrls(), ctrl.H264DecodeParams,
			&h264.DecodeParams{FrameNum: uint16(n)}); err != nil {
			return fmt.Errorf("stage decode params: %w", err)
		}

		// Direct access to the plane backing store stands in for mmap.
		buf := out.Buffer(idx)
		copy(buf.Planes[0].Mem.Buf(), pic)
		if err := out.Enqueue(idx, vbq.EnqueueOptions{
			Timestamp: int64(n),
			BytesUsed: len(pic),
			Request:   req,
		}); err != nil {
			return fmt.Errorf("queue picture %d: %w", n, err)
		}
	}
	return nil
}

// collect dequeues decoded pictures until every queued one came back,
// recycling the capture buffers as it goes.
func collect(ctx context.Context, log *slog.Logger, sess *decoder.Session, want int) error {
	capQ := sess.Capture()
	start := time.Now()
	done, failed := 0, 0
	for done+failed < want {
		b, err := capQ.Dequeue(ctx)
		if err != nil {
			return err
		}
		if b.State == vbq.StateDone {
			done++
		} else {
			failed++
		}
		log.Debug("picture decoded", "timestamp", b.Timestamp, "state", b.State.String())
		if err := capQ.Enqueue(b.Index, vbq.EnqueueOptions{}); err != nil {
			return fmt.Errorf("recycle decoded buffer: %w", err)
		}
	}
	log.Info("decode finished",
		"decoded", done,
		"failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if failed > 0 {
		return fmt.Errorf("%d of %d pictures failed", failed, want)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
