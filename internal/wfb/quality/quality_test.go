package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func withFakeClock(t *testing.T, start time.Time) func() time.Time {
	t.Helper()
	cur := start
	orig := now
	now = func() time.Time { return cur }
	t.Cleanup(func() { now = orig })
	return func() time.Time { return cur }
}

func advance(t *testing.T, cur *time.Time, d time.Duration) {
	t.Helper()
	*cur = cur.Add(d)
	now = func() time.Time { return *cur }
}

func TestLinkScoreMapping(t *testing.T) {
	require.InDelta(t, 0, linkScore(0, 0), 0.001)
	require.InDelta(t, 100, linkScore(126, 60), 0.001)
	require.InDelta(t, 100, linkScore(999, 999), 0.001) // clamped above range
}

func TestCalculateMeansOverWindow(t *testing.T) {
	start := time.Unix(1000, 0)
	withFakeClock(t, start)

	e := New()
	e.AddRSSI(60, 40)
	e.AddSNR(30, 20)

	q := e.Calculate()
	require.InDelta(t, 60, q.RSSI[0], 0.001)
	require.InDelta(t, 40, q.RSSI[1], 0.001)
	require.InDelta(t, 30, q.SNR[0], 0.001)
	require.InDelta(t, 20, q.SNR[1], 0.001)
}

func TestCalculatePrunesOldSamples(t *testing.T) {
	start := time.Unix(1000, 0)
	cur := start
	withFakeClock(t, start)

	e := New()
	e.AddRSSI(100, 100)

	advance(t, &cur, 1500*time.Millisecond)

	q := e.Calculate()
	require.Zero(t, q.RSSI[0])
	require.Zero(t, q.RSSI[1])
}

func TestAddFECRegeneratesIDRCodeOnlyOnLoss(t *testing.T) {
	start := time.Unix(1000, 0)
	withFakeClock(t, start)

	e := New()
	initial := e.Calculate().IDRCode
	require.Len(t, initial, idrCodeLen)

	e.AddFEC(12, 0, 0)
	require.Equal(t, initial, e.Calculate().IDRCode)

	e.AddFEC(12, 2, 1)
	require.NotEqual(t, initial, e.Calculate().IDRCode)
}

func TestCalculateAggregatesFECCounters(t *testing.T) {
	start := time.Unix(1000, 0)
	withFakeClock(t, start)

	e := New()
	for i := 0; i < 10; i++ {
		e.AddFEC(12, 0, 0)
	}

	q := e.Calculate()
	require.EqualValues(t, 120, q.TotalLastS)
	require.EqualValues(t, 0, q.RecoveredLastS)
	require.EqualValues(t, 0, q.LostLastS)
}

func TestScenarioSixTelemetryInputs(t *testing.T) {
	start := time.Unix(1000, 0)
	withFakeClock(t, start)

	e := New()
	e.AddRSSI(60, 40)
	e.AddSNR(30, 20)
	for i := 0; i < 10; i++ {
		e.AddFEC(12, 0, 0)
	}

	q := e.Calculate()
	bestRSSI := q.RSSI[0]
	if q.RSSI[1] > bestRSSI {
		bestRSSI = q.RSSI[1]
	}
	bestSNR := q.SNR[0]
	if q.SNR[1] > bestSNR {
		bestSNR = q.SNR[1]
	}

	require.InDelta(t, 60, bestRSSI, 0.001)
	require.InDelta(t, 30, bestSNR, 0.001)
	require.InDelta(t, 49.29, q.LinkScore[0], 0.01) // 0.3*(60/126*100) + 0.7*(30/60*100)
}
