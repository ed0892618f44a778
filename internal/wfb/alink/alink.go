// Package alink implements the adaptive-link controller (spec §4.E): a
// 10 Hz tick that reduces the signal-quality estimator's latest snapshot to
// an FEC "bump" level, applies decay, and emits a length-prefixed ASCII
// telemetry datagram to a UDP endpoint consumed by the airborne transmitter.
// Telemetry is only ever written to that dialed UDP socket; there is no TUN
// output path.
//
// The goroutine/ticker/context-cancellation shape mirrors the teacher's
// CameraRelay.statsLoop (ticker-driven periodic reduction under a
// cancellable context), generalized from a logging loop to a UDP-emitting
// control loop.
package alink

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/openipc/wfb-link-engine/internal/wfb/quality"
)

// tickInterval is the controller's cadence (spec §4.E: "one UDP datagram
// every 100 ms").
const tickInterval = 100 * time.Millisecond

// tickRate paces the controller at exactly 10 Hz with no burst, the same
// smooth-pacing-no-bursts idiom the camera relay uses for its outbound API
// calls (rate.NewLimiter(qps, 1)) rather than a bare ticker.
var tickRate = rate.Every(tickInterval)

// maxFECLevel is the top of the bump range (spec §4.E: fec_level ∈ {0..5}).
const maxFECLevel = 5

// MinTXPowerMW and MaxTXPowerMW bound the milliwatt value accepted by
// SetTXPower.
const (
	MinTXPowerMW = 1
	MaxTXPowerMW = 40
)

// Controller owns the FEC-level state machine and the telemetry socket. Its
// fec_level field is accessed only from the controller's own goroutine and
// from FECLevel (read via atomic load), matching spec §5's single-writer
// discipline without a mutex.
type Controller struct {
	estimator *quality.Estimator
	conn      *net.UDPConn
	limiter   *rate.Limiter
	setPower  func(mW int) error

	fecLevel  atomic.Int32
	txPowerMW atomic.Int32

	enabled atomic.Bool
}

// New creates a Controller that reads from estimator and writes telemetry
// datagrams to endpoint (spec default "127.0.0.1:8001"). setPower is the
// radio driver's SetTXPower call-through (spec §4.E: "on start, the
// controller invokes device.set_tx_power(configured_mW); live changes call
// through immediately"); it may be nil when no device is wired (tests).
func New(estimator *quality.Estimator, endpoint string, setPower func(mW int) error) (*Controller, error) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolve alink endpoint %q: %w", endpoint, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial alink endpoint %q: %w", endpoint, err)
	}

	c := &Controller{estimator: estimator, conn: conn, limiter: rate.NewLimiter(tickRate, 1), setPower: setPower}
	c.enabled.Store(true)
	c.txPowerMW.Store(MinTXPowerMW)
	return c, nil
}

// Close releases the telemetry socket.
func (c *Controller) Close() error {
	return c.conn.Close()
}

// SetEnabled toggles telemetry emission without tearing down the socket.
func (c *Controller) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// SetTXPower validates, calls through to the radio driver, and stores the
// configured transmit power; rejected or failed calls leave the prior
// setting untouched.
func (c *Controller) SetTXPower(mW int) error {
	if mW < MinTXPowerMW || mW > MaxTXPowerMW {
		return fmt.Errorf("tx power %d mW out of range [%d,%d]", mW, MinTXPowerMW, MaxTXPowerMW)
	}
	if c.setPower != nil {
		if err := c.setPower(mW); err != nil {
			return fmt.Errorf("set tx power %d mW: %w", mW, err)
		}
	}
	c.txPowerMW.Store(int32(mW))
	return nil
}

// FECLevel returns the current bump level.
func (c *Controller) FECLevel() int {
	return int(c.fecLevel.Load())
}

// Run drives the 10 Hz tick until ctx is cancelled. It is meant to be
// launched as its own goroutine alongside the RX loop (spec §5).
func (c *Controller) Run(ctx context.Context) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return // ctx cancelled while waiting for the next slot
		}
		c.tick()
	}
}

func (c *Controller) tick() {
	q := c.estimator.Calculate()

	level := int32(c.fecLevel.Load())
	bumped := bumpLevel(q.LostLastS, q.RecoveredLastS)
	if bumped > level {
		level = bumped
	} else if level > 0 {
		level-- // decay one step per tick absent a higher bump
	}
	c.fecLevel.Store(level)

	if !c.enabled.Load() {
		return
	}

	frame := buildTelemetryFrame(q, int(level))
	_, _ = c.conn.Write(frame) // best-effort; a dropped telemetry datagram is not fatal
}

// bumpLevel implements spec §4.E's transition table, evaluated from the
// latest SignalQuality.
func bumpLevel(lostLastS, recoveredLastS uint32) int32 {
	switch {
	case lostLastS > 2:
		return 5
	case recoveredLastS > 30:
		return 5
	case recoveredLastS > 24:
		return 3
	case recoveredLastS > 22:
		return 2
	case recoveredLastS > 18:
		return 1
	default:
		return 0
	}
}

// nowUnix is overridable in tests.
var nowUnix = func() int64 { return time.Now().Unix() }

func buildTelemetryFrame(q quality.SignalQuality, fecLevel int) []byte {
	score := q.LinkScore[0]
	if q.LinkScore[1] > score {
		score = q.LinkScore[1]
	}
	bestRSSI := q.RSSI[0]
	if q.RSSI[1] > bestRSSI {
		bestRSSI = q.RSSI[1]
	}
	bestSNR := q.SNR[0]
	if q.SNR[1] > bestSNR {
		bestSNR = q.SNR[1]
	}

	body := fmt.Sprintf("%d:%.0f:%.0f:%d:%d:%.0f:%.0f:0:-1:%d:%s\n",
		nowUnix(), score, score, q.RecoveredLastS, q.LostLastS, bestRSSI, bestSNR, fecLevel, q.IDRCode)

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame
}
