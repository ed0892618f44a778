package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/openipc/wfb-link-engine/internal/wfb/driver"
	"github.com/openipc/wfb-link-engine/internal/wfb/wire"
)

type fakeDevice struct {
	packets []driver.Packet
	openErr error

	mu          sync.Mutex
	interrupted chan struct{}
	once        sync.Once
}

func newFakeDevice(packets []driver.Packet) *fakeDevice {
	return &fakeDevice{packets: packets, interrupted: make(chan struct{})}
}

func (d *fakeDevice) Open(ctx context.Context, ch driver.SelectedChannel, cb func(driver.Packet)) error {
	if d.openErr != nil {
		return d.openErr
	}
	for _, p := range d.packets {
		cb(p)
	}
	select {
	case <-ctx.Done():
	case <-d.interrupted:
	}
	return nil
}

func (d *fakeDevice) SetTXPower(mW int) error { return nil }

func (d *fakeDevice) Interrupt() {
	d.once.Do(func() { close(d.interrupted) })
}

type fakeLister struct{ devices []driver.DeviceID }

func (l *fakeLister) ListDevices() ([]driver.DeviceID, error) { return l.devices, nil }

func radiotapFrame(chID wire.ChannelID, payload []byte) []byte {
	rtLen := 8
	b := make([]byte, 0, rtLen+wire.FixedHeaderSize+len(payload)+4)
	b = append(b, 0x00, 0x00)
	b = binary.LittleEndian.AppendUint16(b, uint16(rtLen))
	b = binary.LittleEndian.AppendUint32(b, 0)

	hdr := make([]byte, wire.FixedHeaderSize)
	idBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(idBytes, uint32(chID))
	copy(hdr[14:18], idBytes)
	copy(hdr[18:22], idBytes)
	b = append(b, hdr...)
	b = append(b, payload...)
	b = append(b, 0, 0, 0, 0) // FCS
	return b
}

func buildKeyPayload(t *testing.T, rxPub, txPriv *[32]byte, epoch uint64, ch wire.ChannelID, k, n uint8, sessionKey [32]byte) []byte {
	t.Helper()

	plain := make([]byte, 0, 8+4+1+1+1+32)
	plain = binary.BigEndian.AppendUint64(plain, epoch)
	plain = binary.BigEndian.AppendUint32(plain, uint32(ch))
	plain = append(plain, byte(wire.FECTypeVandermondeRS), k, n)
	plain = append(plain, sessionKey[:]...)

	var nonce [wire.SessionNonceSize]byte
	_, err := rand.Read(nonce[:])
	require.NoError(t, err)

	ciphertext := box.Seal(nil, plain, &nonce, rxPub, txPriv)

	body := append([]byte{byte(wire.PacketTypeKey)}, nonce[:]...)
	body = append(body, ciphertext...)
	return body
}

func buildDataPayload(t *testing.T, sessionKey [32]byte, blockIdx uint64, fragmentIdx uint8, plaintext []byte) []byte {
	t.Helper()

	aead, err := chacha20poly1305.New(sessionKey[:])
	require.NoError(t, err)

	nonce := wire.PackDataNonce(blockIdx, fragmentIdx)
	nonceBytes := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonceBytes[chacha20poly1305.NonceSize-8:], nonce)

	ciphertext := aead.Seal(nil, nonceBytes, plaintext, nil)

	nonceBE := make([]byte, wire.DataNonceSize)
	binary.BigEndian.PutUint64(nonceBE, nonce)

	body := append([]byte{byte(wire.PacketTypeData)}, nonceBE...)
	body = append(body, ciphertext...)
	return body
}

func fragmentPlaintext(payload []byte) []byte {
	b := make([]byte, 0, 3+len(payload))
	b = append(b, 0x00)
	b = append(b, byte(len(payload)>>8), byte(len(payload)))
	return append(b, payload...)
}

func TestListDevices(t *testing.T) {
	lister := &fakeLister{devices: []driver.DeviceID{{DisplayName: "rtl8812au"}}}
	sv := New(lister, nil, nil)
	devices, err := sv.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
}

func TestStartFailsOnBadKeypair(t *testing.T) {
	sv := New(&fakeLister{}, func(driver.DeviceID) (driver.Device, error) {
		return newFakeDevice(nil), nil
	}, nil)

	ok, err := sv.Start(context.Background(), StartParams{}, []byte("too short"))
	require.False(t, ok)
	require.ErrorIs(t, err, wire.ErrBadKey)
}

func TestStartFailsOnDeviceOpenError(t *testing.T) {
	openErr := wire.ErrDeviceOpenFailed
	sv := New(&fakeLister{}, func(driver.DeviceID) (driver.Device, error) {
		return nil, openErr
	}, nil)

	kp := make([]byte, wire.KeypairFileSize)
	ok, err := sv.Start(context.Background(), StartParams{}, kp)
	require.False(t, ok)
	require.ErrorIs(t, err, wire.ErrDeviceOpenFailed)
}

func TestStopBeforeStartIsSafe(t *testing.T) {
	sv := New(&fakeLister{}, nil, nil)
	sv.Stop() // must not panic or block
}

func TestStartDeliversRTPEndToEnd(t *testing.T) {
	rxPub, rxPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	txPub, txPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var sessionKey [32]byte
	_, err = rand.Read(sessionKey[:])
	require.NoError(t, err)

	ch := wire.NewChannelID(7669206, wire.RadioPortVideo)
	k, n := uint8(2), uint8(3)

	keyBody := buildKeyPayload(t, rxPub, txPriv, 1, ch, k, n, sessionKey)
	keyFrame := radiotapFrame(ch, keyBody)

	// RTP-shaped plaintext payloads so the sink accepts them.
	rtpPayload0 := append([]byte{0x80, 0x60, 0x00, 0x01, 0, 0, 0, 1, 0, 0, 0, 1}, 24)
	rtpPayload1 := append([]byte{0x80, 0x60, 0x00, 0x02, 0, 0, 0, 2, 0, 0, 0, 1}, 24)

	data0 := buildDataPayload(t, sessionKey, 0, 0, fragmentPlaintext(rtpPayload0))
	data1 := buildDataPayload(t, sessionKey, 0, 1, fragmentPlaintext(rtpPayload1))

	frame0 := radiotapFrame(ch, data0)
	frame1 := radiotapFrame(ch, data1)

	dev := newFakeDevice([]driver.Packet{
		{Bytes: keyFrame},
		{Bytes: frame0},
		{Bytes: frame1},
	})

	rxUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer rxUDP.Close()

	sdpPath := filepath.Join(t.TempDir(), "stream.sdp")

	sv := New(&fakeLister{}, func(driver.DeviceID) (driver.Device, error) {
		return dev, nil
	}, nil)

	var rxPrivArr, txPubArr [32]byte
	rxPrivArr = *rxPriv
	txPubArr = *txPub
	keypairBytes := append(append([]byte{}, rxPrivArr[:]...), txPubArr[:]...)

	ok, err := sv.Start(context.Background(), StartParams{
		RTPSinkEndpoint: rxUDP.LocalAddr().String(),
		SDPOutputPath:   sdpPath,
	}, keypairBytes)
	require.NoError(t, err)
	require.True(t, ok)
	defer sv.Stop()

	rxUDP.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)

	seen := 0
	for seen < 2 {
		n, err := rxUDP.Read(buf)
		require.NoError(t, err)
		require.Greater(t, n, 0)
		seen++
	}

	_, err = os.Stat(sdpPath)
	require.NoError(t, err)
}
