// Package quality implements the signal-quality estimator (spec §4.D): a
// 1-second sliding-window aggregator of per-antenna RSSI/SNR samples and FEC
// recovery/loss counters, reduced to a link_score and an idr_code.
//
// The pruned-time-series-vector shape mirrors the stats-window style of the
// teacher's own CameraRelay.statsLoop (periodic reduction of accumulated
// counters since the last read), generalized from scalar atomic counters to
// timestamped, windowed vectors because this estimator needs a moving
// average rather than a lifetime total.
package quality

import (
	"math/rand/v2"
	"sync"
	"time"
)

// window is the retention period for every sample vector (spec §4.D/§5).
const window = 1000 * time.Millisecond

const idrCodeLen = 4

type rssiSample struct {
	at         time.Time
	ant0, ant1 int8
}

type snrSample struct {
	at         time.Time
	ant0, ant1 int8
}

type fecSample struct {
	at                  time.Time
	total, recovered, lost uint32
}

// SignalQuality is a read snapshot of the estimator, consistent as of a
// single call (spec Invariant: "reads see a snapshot consistent with a
// single calculate_signal_quality call").
type SignalQuality struct {
	RSSI       [2]float64
	SNR        [2]float64
	LinkScore  [2]float64
	TotalLastS uint32
	RecoveredLastS uint32
	LostLastS  uint32
	IDRCode    string
}

// Estimator accumulates RSSI/SNR/FEC samples and reduces them to a
// SignalQuality on demand. It is shared between the RX goroutine (writes)
// and the adaptive-link goroutine (reads); a single mutex guards all three
// vectors, matching spec §5's "recursive because callers may read after
// writing under the same guard" requirement — Go mutexes aren't recursive,
// so AddFEC takes the lock itself and idrCode regeneration is folded into
// the same critical section rather than a nested call.
type Estimator struct {
	mu sync.Mutex

	rssi []rssiSample
	snr  []snrSample
	fec  []fecSample

	idrCode string
}

// New creates an Estimator with an initial idr_code.
func New() *Estimator {
	e := &Estimator{}
	e.idrCode = generateIDRCode()
	return e
}

// now is overridable in tests.
var now = time.Now

// AddRSSI records one DATA packet's per-antenna RSSI sample.
func (e *Estimator) AddRSSI(ant0, ant1 int8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rssi = append(e.rssi, rssiSample{at: now(), ant0: ant0, ant1: ant1})
}

// AddSNR records one DATA packet's per-antenna SNR sample.
func (e *Estimator) AddSNR(ant0, ant1 int8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snr = append(e.snr, snrSample{at: now(), ant0: ant0, ant1: ant1})
}

// AddFEC records one batch of aggregator counters. A lost count greater
// than zero regenerates idr_code (spec §4.D); otherwise it carries forward.
func (e *Estimator) AddFEC(total, recovered, lost uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fec = append(e.fec, fecSample{at: now(), total: total, recovered: recovered, lost: lost})
	if lost > 0 {
		e.idrCode = generateIDRCode()
	}
}

// Calculate prunes every vector to the retention window and reduces the
// remaining samples to a SignalQuality snapshot.
func (e *Estimator) Calculate() SignalQuality {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now().Add(-window)
	e.rssi = pruneRSSI(e.rssi, cutoff)
	e.snr = pruneSNR(e.snr, cutoff)
	e.fec = pruneFEC(e.fec, cutoff)

	var q SignalQuality
	q.RSSI[0], q.RSSI[1] = meanRSSI(e.rssi)
	q.SNR[0], q.SNR[1] = meanSNR(e.snr)
	for i := 0; i < 2; i++ {
		q.LinkScore[i] = linkScore(q.RSSI[i], q.SNR[i])
	}
	for _, s := range e.fec {
		q.TotalLastS += s.total
		q.RecoveredLastS += s.recovered
		q.LostLastS += s.lost
	}
	q.IDRCode = e.idrCode

	return q
}

func pruneRSSI(s []rssiSample, cutoff time.Time) []rssiSample {
	i := 0
	for ; i < len(s); i++ {
		if s[i].at.After(cutoff) {
			break
		}
	}
	return s[i:]
}

func pruneSNR(s []snrSample, cutoff time.Time) []snrSample {
	i := 0
	for ; i < len(s); i++ {
		if s[i].at.After(cutoff) {
			break
		}
	}
	return s[i:]
}

func pruneFEC(s []fecSample, cutoff time.Time) []fecSample {
	i := 0
	for ; i < len(s); i++ {
		if s[i].at.After(cutoff) {
			break
		}
	}
	return s[i:]
}

func meanRSSI(s []rssiSample) (ant0, ant1 float64) {
	if len(s) == 0 {
		return 0, 0
	}
	var sum0, sum1 float64
	for _, v := range s {
		sum0 += float64(v.ant0)
		sum1 += float64(v.ant1)
	}
	return sum0 / float64(len(s)), sum1 / float64(len(s))
}

func meanSNR(s []snrSample) (ant0, ant1 float64) {
	if len(s) == 0 {
		return 0, 0
	}
	var sum0, sum1 float64
	for _, v := range s {
		sum0 += float64(v.ant0)
		sum1 += float64(v.ant1)
	}
	return sum0 / float64(len(s)), sum1 / float64(len(s))
}

// mapRange linearly maps v from [inLo, inHi] to [0, 100], clamped.
func mapRange(v, inLo, inHi float64) float64 {
	if inHi == inLo {
		return 0
	}
	scaled := (v - inLo) / (inHi - inLo) * 100
	if scaled < 0 {
		return 0
	}
	if scaled > 100 {
		return 100
	}
	return scaled
}

func linkScore(rssi, snr float64) float64 {
	score := 0.3*mapRange(rssi, 0, 126) + 0.7*mapRange(snr, 0, 60)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

const idrAlphabet = "abcdefghijklmnopqrstuvwxyz"

func generateIDRCode() string {
	b := make([]byte, idrCodeLen)
	for i := range b {
		b[i] = idrAlphabet[rand.IntN(len(idrAlphabet))]
	}
	return string(b)
}
