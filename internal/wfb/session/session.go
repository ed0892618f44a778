// Package session implements the wfb session layer (spec §4.B): KEY-packet
// handshake, per-session AEAD state, and epoch bookkeeping. It keeps no
// per-nonce replay state; duplicate fragments are dropped by the block
// aggregator.
//
// KEY decryption uses golang.org/x/crypto/nacl/box — curve25519 plus
// xsalsa20poly1305 with a 24-byte nonce, matching the spec's crypto_box
// wire format byte for byte. DATA decryption uses
// golang.org/x/crypto/chacha20poly1305; the package only exposes the IETF
// 12-byte-nonce construction, so the spec's 8-byte big-endian data_nonce is
// zero-extended on the left to 12 bytes before use (see DESIGN.md).
package session

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/openipc/wfb-link-engine/internal/wfb/wire"
)

// Keypair holds the receiver's long-term X25519 secret key and the
// transmitter's public key, as loaded from the 64-byte keypair file.
type Keypair struct {
	ReceiverSecret [32]byte
	TransmitterPub [32]byte
}

// LoadKeypair parses a 64-byte keypair file (receiver secret ‖ transmitter
// public, per spec §6).
func LoadKeypair(raw []byte) (Keypair, error) {
	if len(raw) != wire.KeypairFileSize {
		return Keypair{}, fmt.Errorf("%w: expected %d bytes, got %d", wire.ErrBadKey, wire.KeypairFileSize, len(raw))
	}
	var kp Keypair
	copy(kp.ReceiverSecret[:], raw[:32])
	copy(kp.TransmitterPub[:], raw[32:64])
	return kp, nil
}

// Data is the decrypted payload of an accepted KEY packet.
type Data struct {
	Epoch     uint64
	ChannelID wire.ChannelID
	FECType   wire.FECType
	FECK      uint8
	FECN      uint8
	SessionKey [wire.AEADKeySize]byte
}

const plaintextSessionDataSize = 8 + 4 + 1 + 1 + 1 + wire.AEADKeySize

func parseSessionData(plain []byte) (Data, error) {
	if len(plain) < plaintextSessionDataSize {
		return Data{}, wire.ErrBadFraming
	}
	d := Data{
		Epoch:     binary.BigEndian.Uint64(plain[0:8]),
		ChannelID: wire.ChannelID(binary.BigEndian.Uint32(plain[8:12])),
		FECType:   wire.FECType(plain[12]),
		FECK:      plain[13],
		FECN:      plain[14],
	}
	copy(d.SessionKey[:], plain[15:15+wire.AEADKeySize])
	return d, nil
}

// Session holds the accepted parameters for one channel ID.
type Session struct {
	Epoch   uint64
	FECK    uint8
	FECN    uint8
	FECType wire.FECType

	aead cipher.AEAD
}

// Open decrypts a DATA fragment's ciphertext with this session's AEAD key.
// associatedData is always empty, per spec §6.
func (s *Session) Open(nonce uint64, ciphertext []byte) ([]byte, error) {
	nonceBytes := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonceBytes[chacha20poly1305.NonceSize-8:], nonce)

	plain, err := s.aead.Open(nil, nonceBytes, ciphertext, nil)
	if err != nil {
		return nil, wire.ErrBadMAC
	}
	return plain, nil
}

// Manager dispatches KEY and DATA packets to per-channel sessions. It is
// driven synchronously from the RX goroutine (spec §5) and needs no lock.
type Manager struct {
	keypair  Keypair
	sessions map[wire.ChannelID]*Session
}

// NewManager creates a session manager for the given long-term keypair.
func NewManager(kp Keypair) *Manager {
	return &Manager{
		keypair:  kp,
		sessions: make(map[wire.ChannelID]*Session),
	}
}

// Get returns the established session for a channel, or
// (nil, wire.ErrNoSession) if no KEY has been accepted yet.
func (m *Manager) Get(ch wire.ChannelID) (*Session, error) {
	s, ok := m.sessions[ch]
	if !ok {
		return nil, wire.ErrNoSession
	}
	return s, nil
}

// AcceptKey decrypts and installs a KEY packet's session_nonce‖ciphertext
// body. An epoch greater than or equal to the current one replaces any
// existing session for the embedded channel ID; a smaller epoch is rejected
// as stale. Invariant 4 (atomic reset on epoch bump) is satisfied because
// installation replaces the *Session wholesale — no partial field updates.
func (m *Manager) AcceptKey(body []byte) (wire.ChannelID, error) {
	if len(body) < wire.SessionNonceSize {
		return 0, wire.ErrBadFraming
	}

	var nonce [wire.SessionNonceSize]byte
	copy(nonce[:], body[:wire.SessionNonceSize])
	ciphertext := body[wire.SessionNonceSize:]

	plain, ok := box.Open(nil, ciphertext, &nonce, &m.keypair.TransmitterPub, &m.keypair.ReceiverSecret)
	if !ok {
		return 0, wire.ErrBadMAC
	}

	data, err := parseSessionData(plain)
	if err != nil {
		return 0, err
	}

	if data.FECType != wire.FECTypeVandermondeRS {
		return data.ChannelID, wire.ErrUnsupportedFEC
	}

	existing, hasExisting := m.sessions[data.ChannelID]
	if hasExisting && data.Epoch < existing.Epoch {
		return data.ChannelID, wire.ErrStaleEpoch
	}

	aead, err := chacha20poly1305.New(data.SessionKey[:])
	if err != nil {
		return data.ChannelID, fmt.Errorf("build aead: %w", err)
	}

	m.sessions[data.ChannelID] = &Session{
		Epoch:   data.Epoch,
		FECK:    data.FECK,
		FECN:    data.FECN,
		FECType: data.FECType,
		aead:    aead,
	}

	return data.ChannelID, nil
}

// HandlePacket dispatches a classified wfb payload (packet-type byte
// onward) to the KEY or DATA path. dataBody is only valid when the returned
// error is nil and the packet type was DATA.
func (m *Manager) HandlePacket(ch wire.ChannelID, payload []byte) (packetType wire.PacketType, dataBody []byte, err error) {
	if len(payload) < 1 {
		return 0, nil, wire.ErrBadFraming
	}

	packetType = wire.PacketType(payload[0])
	body := payload[1:]

	switch packetType {
	case wire.PacketTypeKey:
		_, err := m.AcceptKey(body)
		return packetType, nil, err
	case wire.PacketTypeData:
		if _, ok := m.sessions[ch]; !ok {
			return packetType, nil, wire.ErrNoSession
		}
		return packetType, body, nil
	default:
		return packetType, nil, wire.ErrBadFraming
	}
}
