// Package rtpsink implements the RTP sink (spec §4.F): sequence-gap
// logging, one-shot codec detection from the first NAL unit, a one-shot SDP
// announcement file, and verbatim forwarding to a local UDP endpoint.
//
// Stateless-except-latches design and the pion/rtp header parsing are
// grounded on the teacher's pkg/rtp package, which already depends on
// github.com/pion/rtp for the same purpose; pion/sdp/v3 is adopted fresh
// from the rest of the pack (retrieved alongside pion/webrtc) and
// repurposed here from offer/answer negotiation to static file generation.
package rtpsink

import (
	"fmt"
	"net"
	"os"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/openipc/wfb-link-engine/pkg/logger"
)

// Codec identifies the video codec carried by the stream, latched from the
// first payload's NAL unit type.
type Codec string

const (
	CodecH264 Codec = "H264"
	CodecH265 Codec = "H265"
)

const minRTPPacketSize = 12

// nalUnitTypeMask extracts the NAL unit type from an H.264-style header
// byte. It is applied to every first payload byte, H.265 included; only
// reserved or unspecified H.265 NAL types map to 24 or 28 under it.
const nalUnitTypeMask = 0x1F

const (
	nalTypeSTAPA = 24
	nalTypeFUA   = 28
)

// RtpStreamReady is emitted once per session, the instant the sink has
// enough information (pt, ssrc, codec) to announce the stream.
type RtpStreamReady struct {
	PayloadType uint8
	SSRC        uint32
	Port        int
	Codec       Codec
}

// Sink forwards decrypted RTP packets verbatim to a local UDP endpoint,
// detecting the codec once and writing a one-shot SDP file.
type Sink struct {
	conn *net.UDPConn
	port int

	sdpPath string

	log *logger.Logger

	codecDetected bool
	prevSeq       uint16
	havePrevSeq   bool

	onReady func(RtpStreamReady)
}

// New creates a Sink that forwards to endpoint (host:port) and writes the
// SDP announcement to sdpPath on stream start.
func New(endpoint string, sdpPath string, log *logger.Logger, onReady func(RtpStreamReady)) (*Sink, error) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolve rtp sink endpoint %q: %w", endpoint, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial rtp sink endpoint %q: %w", endpoint, err)
	}

	return &Sink{
		conn:    conn,
		port:    addr.Port,
		sdpPath: sdpPath,
		log:     log,
		onReady: onReady,
	}, nil
}

// Close releases the sink's UDP socket.
func (s *Sink) Close() error {
	return s.conn.Close()
}

// Reset clears the codec-detection latch and sequence memory. The
// supervisor calls it when a KEY packet raises a channel's epoch.
func (s *Sink) Reset() {
	s.codecDetected = false
	s.havePrevSeq = false
}

// Forward parses packet as an RTP datagram, runs one-shot codec detection
// and sequence-gap logging, then forwards the packet verbatim.
func (s *Sink) Forward(packet []byte) error {
	if len(packet) < minRTPPacketSize {
		return fmt.Errorf("rtp packet too short: %d bytes", len(packet))
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		return fmt.Errorf("unmarshal rtp packet: %w", err)
	}

	if !s.codecDetected {
		s.codecDetected = true
		codec := detectCodec(pkt.Payload)
		if err := s.announce(pkt.PayloadType, codec); err != nil && s.log != nil {
			s.log.Error("sdp announce failed", "error", err)
		}
		if s.onReady != nil {
			s.onReady(RtpStreamReady{
				PayloadType: pkt.PayloadType,
				SSRC:        pkt.SSRC,
				Port:        s.port,
				Codec:       codec,
			})
		}
	}

	if s.havePrevSeq {
		gap := int32(pkt.SequenceNumber) - int32(s.prevSeq)
		if gap > 1 && s.log != nil {
			s.log.Info("rtp sequence gap", "gap", gap-1, "seq", pkt.SequenceNumber, "prev_seq", s.prevSeq)
		}
	}
	s.prevSeq = pkt.SequenceNumber
	s.havePrevSeq = true

	_, err := s.conn.Write(packet)
	return err
}

// detectCodec inspects the first payload byte's NAL unit type: 24 (STAP-A)
// or 28 (FU-A) imply an H.264 stream; anything else is treated as H.265.
func detectCodec(payload []byte) Codec {
	if len(payload) == 0 {
		return CodecH265
	}
	nalType := payload[0] & nalUnitTypeMask
	if nalType == nalTypeSTAPA || nalType == nalTypeFUA {
		return CodecH264
	}
	return CodecH265
}

func (s *Sink) announce(pt uint8, codec Codec) error {
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "No Name",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "127.0.0.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "video",
					Port:    sdp.RangedPort{Value: s.port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{fmt.Sprintf("%d", pt)},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%d %s/90000", pt, codec)},
				},
			},
		},
	}

	raw, err := sd.Marshal()
	if err != nil {
		return fmt.Errorf("marshal sdp: %w", err)
	}
	return os.WriteFile(s.sdpPath, raw, 0o644)
}
