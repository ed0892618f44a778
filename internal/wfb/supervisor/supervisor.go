// Package supervisor implements the link supervisor (spec §4.G): device
// enumeration, start/stop lifecycle, and the worker goroutine that wires
// the radio driver through the classifier, session manager, block
// aggregator, signal-quality estimator and RTP sink, plus the independent
// adaptive-link goroutine.
//
// The ctx/cancel/WaitGroup lifecycle and mutex-serialized start/stop are
// grounded directly on the teacher's pkg/relay.CameraRelay and
// pkg/relay.MultiCameraRelay (ticket: a relay owns one ctx/cancel pair and
// a WaitGroup joining its worker goroutines; a multi-relay mutex-serializes
// Start/Stop across a map of relays). This package plays both roles at
// once: one Supervisor owns one link's workers, matching CameraRelay, and
// its exported lifecycle methods are serialized the way MultiCameraRelay
// serializes access to its relay map.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openipc/wfb-link-engine/internal/wfb/alink"
	"github.com/openipc/wfb-link-engine/internal/wfb/block"
	"github.com/openipc/wfb-link-engine/internal/wfb/classify"
	"github.com/openipc/wfb-link-engine/internal/wfb/driver"
	"github.com/openipc/wfb-link-engine/internal/wfb/quality"
	"github.com/openipc/wfb-link-engine/internal/wfb/rtpsink"
	"github.com/openipc/wfb-link-engine/internal/wfb/session"
	"github.com/openipc/wfb-link-engine/internal/wfb/wire"
	"github.com/openipc/wfb-link-engine/pkg/logger"
)

// StartParams bundles the arguments to Start (spec §4.G).
type StartParams struct {
	Device       driver.DeviceID
	Channel      uint8
	ChannelWidth int
	KeypairPath  string

	RTPSinkEndpoint string
	SDPOutputPath   string

	AlinkEnabled   bool
	AlinkEndpoint  string
	AlinkTXPowerMW int
}

// Supervisor owns one link's workers: the RX pipeline goroutine and the
// optional adaptive-link goroutine. Exported lifecycle methods are
// serialized by mu, per spec §5 ("start, stop serialize via a mutex").
type Supervisor struct {
	lister driver.Lister
	opener func(driver.DeviceID) (driver.Device, error)
	log    *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	estimator  *quality.Estimator
	alinkCtrl  *alink.Controller
	sink       *rtpsink.Sink
	packetLoss atomic.Uint64
}

// New creates a Supervisor. opener abstracts USB claim/open so tests can
// substitute a fake driver.Device without touching hardware.
func New(lister driver.Lister, opener func(driver.DeviceID) (driver.Device, error), log *logger.Logger) *Supervisor {
	return &Supervisor{lister: lister, opener: opener, log: log}
}

// ListDevices enumerates candidate USB devices; not filtered by driver
// claim state (spec §4.G).
func (s *Supervisor) ListDevices() ([]driver.DeviceID, error) {
	return s.lister.ListDevices()
}

// Start claims the device and spawns the RX and (if enabled) adaptive-link
// worker goroutines. Returns false (with a non-nil error) on USB open/claim
// failure or a missing/malformed keypair file, per spec §7's
// DeviceOpenFailed/BadKey policy: start fails, nothing is left running.
func (s *Supervisor) Start(ctx context.Context, params StartParams, keypairBytes []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false, fmt.Errorf("supervisor already running")
	}

	kp, err := session.LoadKeypair(keypairBytes)
	if err != nil {
		return false, fmt.Errorf("%w: %v", wire.ErrBadKey, err)
	}

	dev, err := s.opener(params.Device)
	if err != nil {
		return false, fmt.Errorf("%w: %v", wire.ErrDeviceOpenFailed, err)
	}

	s.estimator = quality.New()
	s.packetLoss.Store(0)

	sink, err := rtpsink.New(params.RTPSinkEndpoint, params.SDPOutputPath, s.log, nil)
	if err != nil {
		dev.Interrupt()
		return false, fmt.Errorf("create rtp sink: %w", err)
	}
	s.sink = sink

	if params.AlinkEnabled {
		ctrl, err := alink.New(s.estimator, params.AlinkEndpoint, dev.SetTXPower)
		if err != nil {
			sink.Close()
			dev.Interrupt()
			return false, fmt.Errorf("create alink controller: %w", err)
		}
		if err := ctrl.SetTXPower(params.AlinkTXPowerMW); err != nil {
			ctrl.Close()
			sink.Close()
			dev.Interrupt()
			return false, fmt.Errorf("set initial tx power: %w", err)
		}
		s.alinkCtrl = ctrl
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	mgr := session.NewManager(kp)
	cls := classify.New()

	s.wg.Add(1)
	go s.runRX(runCtx, dev, cls, mgr, params)

	if s.alinkCtrl != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.alinkCtrl.Run(runCtx)
		}()
	}

	s.running = true
	return true, nil
}

// Stop signals every worker to exit and waits for them to join. Safe to
// call at any point, including before Start completes (spec §4.G).
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	if s.sink != nil {
		s.sink.Close()
	}
	if s.alinkCtrl != nil {
		s.alinkCtrl.Close()
	}
	s.running = false
	s.mu.Unlock()
}

// EnableAlink toggles telemetry emission on the running controller, if any.
func (s *Supervisor) EnableAlink(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alinkCtrl != nil {
		s.alinkCtrl.SetEnabled(enabled)
	}
}

// SetAlinkTXPower validates and forwards a transmit-power change.
func (s *Supervisor) SetAlinkTXPower(mW int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alinkCtrl == nil {
		return fmt.Errorf("adaptive link not enabled")
	}
	return s.alinkCtrl.SetTXPower(mW)
}

// GetLinkScore returns the latest per-antenna link score.
func (s *Supervisor) GetLinkScore() [2]float32 {
	s.mu.Lock()
	est := s.estimator
	s.mu.Unlock()
	if est == nil {
		return [2]float32{}
	}
	q := est.Calculate()
	return [2]float32{float32(q.LinkScore[0]), float32(q.LinkScore[1])}
}

// GetPacketLoss returns the cumulative lost-fragment count observed across
// the lifetime of the running link.
func (s *Supervisor) GetPacketLoss() int {
	return int(s.packetLoss.Load())
}

// runRX is the single RX goroutine that owns the driver, classifier,
// session manager, per-channel aggregators, and RTP sink (spec §5: "All of
// §4.A–§4.C execute there. No lock is required... single-writer").
func (s *Supervisor) runRX(ctx context.Context, dev driver.Device, cls *classify.Classifier, mgr *session.Manager, params StartParams) {
	defer s.wg.Done()
	defer dev.Interrupt()

	aggregators := make(map[wire.ChannelID]*block.Aggregator)
	prevCounters := make(map[wire.ChannelID]block.Counters)
	lastEpoch := make(map[wire.ChannelID]uint64)

	handlePacket := func(pkt driver.Packet) {
		ch, payload, err := cls.Classify(pkt)
		if err != nil {
			return // counted internally; §5 "must not block", never propagates
		}

		packetType, dataBody, err := mgr.HandlePacket(ch, payload)
		if err != nil {
			return
		}

		if packetType == wire.PacketTypeKey {
			// A strictly larger epoch atomically resets all session state
			// (session.Manager.AcceptKey already did that); propagate the
			// reset to this channel's ring and the RTP sink so no state
			// from the old epoch survives into the new one.
			sess, err := mgr.Get(ch)
			if err != nil {
				return
			}
			if sess.Epoch > lastEpoch[ch] {
				lastEpoch[ch] = sess.Epoch
				delete(aggregators, ch)
				delete(prevCounters, ch)
				s.sink.Reset()
			}
			return
		}
		if packetType != wire.PacketTypeData {
			return
		}

		sess, err := mgr.Get(ch)
		if err != nil {
			return
		}

		agg, ok := aggregators[ch]
		if !ok || agg == nil {
			newAgg, err := block.New(sess.FECK, sess.FECN)
			if err != nil {
				return
			}
			agg = newAgg
			aggregators[ch] = agg
		}

		if len(dataBody) < wire.DataNonceSize {
			return
		}
		nonceBytes := dataBody[:wire.DataNonceSize]
		ciphertext := dataBody[wire.DataNonceSize:]
		var nonceVal uint64
		for _, b := range nonceBytes {
			nonceVal = (nonceVal << 8) | uint64(b)
		}

		plaintext, err := sess.Open(nonceVal, ciphertext)
		if err != nil {
			return
		}

		// RSSI/SNR only count once a frame has cleared AEAD authentication:
		// a BadMac frame must not influence the signal-quality window.
		s.estimator.AddRSSI(pkt.RSSI[0], pkt.RSSI[1])
		s.estimator.AddSNR(pkt.SNR[0], pkt.SNR[1])

		blockIdx, fragmentIdx := wire.UnpackDataNonce(nonceVal)
		delivered, _ := agg.Accept(blockIdx, fragmentIdx, plaintext)

		counters := agg.Counters()
		prev := prevCounters[ch]
		s.packetLoss.Add(counters.Lost - prev.Lost)

		s.estimator.AddFEC(
			uint32(counters.Total-prev.Total),
			uint32(counters.Recovered-prev.Recovered),
			uint32(counters.Lost-prev.Lost),
		)
		prevCounters[ch] = counters

		for _, frag := range delivered {
			if err := s.sink.Forward(frag.Payload); err != nil && s.log != nil {
				s.log.Debug("rtp forward failed", "error", err)
			}
		}
	}

	selected := driver.SelectedChannel{Channel: params.Channel, ChannelWidth: params.ChannelWidth}
	if err := dev.Open(ctx, selected, handlePacket); err != nil && s.log != nil {
		s.log.Error("radio device closed", "error", err)
	}
}
