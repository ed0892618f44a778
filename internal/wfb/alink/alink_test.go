package alink

import (
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openipc/wfb-link-engine/internal/wfb/quality"
)

func TestBumpLevelTransitions(t *testing.T) {
	require.EqualValues(t, 5, bumpLevel(3, 0))
	require.EqualValues(t, 5, bumpLevel(0, 31))
	require.EqualValues(t, 3, bumpLevel(0, 25))
	require.EqualValues(t, 2, bumpLevel(0, 23))
	require.EqualValues(t, 1, bumpLevel(0, 19))
	require.EqualValues(t, 0, bumpLevel(0, 18))
}

func TestSetTXPowerValidatesRange(t *testing.T) {
	c := &Controller{}
	require.Error(t, c.SetTXPower(0))
	require.Error(t, c.SetTXPower(41))
	require.NoError(t, c.SetTXPower(30))
	require.EqualValues(t, 30, c.txPowerMW.Load())
}

func TestBuildTelemetryFrameFormat(t *testing.T) {
	nowUnix = func() int64 { return 1700000000 }
	t.Cleanup(func() { nowUnix = func() int64 { return time.Now().Unix() } })

	q := quality.SignalQuality{
		RSSI:           [2]float64{60, 40},
		SNR:            [2]float64{30, 20},
		LinkScore:      [2]float64{47, 30},
		RecoveredLastS: 5,
		LostLastS:      1,
		IDRCode:        "abcd",
	}

	frame := buildTelemetryFrame(q, 2)
	length := binary.BigEndian.Uint32(frame[:4])
	body := string(frame[4:])

	require.EqualValues(t, len(body), length)
	require.True(t, strings.HasSuffix(body, "\n"))

	fields := strings.Split(strings.TrimSuffix(body, "\n"), ":")
	require.Len(t, fields, 11)
	require.Equal(t, "1700000000", fields[0])
	require.Equal(t, "47", fields[1])
	require.Equal(t, "47", fields[2]) // score duplicated
	require.Equal(t, "5", fields[3])
	require.Equal(t, "1", fields[4])
	require.Equal(t, "60", fields[5]) // best_rssi
	require.Equal(t, "30", fields[6]) // best_snr
	require.Equal(t, "0", fields[7])
	require.Equal(t, "-1", fields[8])
	require.Equal(t, "2", fields[9])
	require.Equal(t, "abcd", fields[10])
}

func TestControllerTickEmitsDatagramAndDecays(t *testing.T) {
	rx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer rx.Close()

	est := quality.New()
	c, err := New(est, rx.LocalAddr().String(), nil)
	require.NoError(t, err)
	defer c.Close()

	est.AddFEC(12, 0, 5) // lost_last_s > 2 -> bump to 5
	c.tick()
	require.Equal(t, 5, c.FECLevel())

	buf := make([]byte, 512)
	rx.SetReadDeadline(time.Now().Add(time.Second))
	n, err := rx.Read(buf)
	require.NoError(t, err)
	require.Greater(t, n, 4)

	// Good conditions on the next ticks: level decays one step per tick.
	for i := 0; i < 3; i++ {
		c.tick()
		_, err := rx.Read(buf)
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.FECLevel())
}
