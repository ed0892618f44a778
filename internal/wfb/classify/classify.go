// Package classify implements the wfb frame classifier (spec §4.A): strip
// the radiotap preamble, check that the embedded 802.11 header carries the
// same channel ID in both wfb address slots, and route the payload to that
// channel ID. The frame-control field is not inspected, so the frame type
// (data or otherwise) is not checked, and the radiotap header is only read
// for its length.
//
// The header-walking style — a cursor plus explicit short-read errors
// instead of panics — mirrors the radiotap/802.11 parsers retrieved
// alongside this repo (heistp/wanonpcap, 0x9ef/ethernet).
package classify

import (
	"bytes"
	"encoding/binary"

	"github.com/openipc/wfb-link-engine/internal/wfb/driver"
	"github.com/openipc/wfb-link-engine/internal/wfb/wire"
)

// radiotapHeader is the fixed-size prefix of a radiotap capture header; Len
// gives the total length of the (possibly larger, field-bearing) header that
// follows it, which the classifier skips wholesale.
type radiotapHeader struct {
	Version uint8
	Pad     uint8
	Len     uint16
	Present uint32
}

const (
	fcsSize = 4

	// Within the 24-byte 802.11 header, the address block spans bytes
	// [4:22). The wfb template overwrites the last eight of those bytes —
	// [14:22) — with channel_id_be, repeated twice.
	addrBlockStart  = 4
	addrBlockEnd    = 22
	channelIDOffset = 14
	channelIDRepeat = 18
)

// Counters tracks frames the classifier silently drops, per spec §7.
type Counters struct {
	Dropped     uint64
	NotWfb      uint64
	ShortFrames uint64
}

// Classifier strips radiotap, validates the wfb 802.11 template, and
// extracts the routed channel ID. Its only state is the drop counters, which
// are not locked; it is shared across channels on the single RX goroutine
// that drives it (spec §5).
type Classifier struct {
	counters Counters
}

// New creates a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Counters returns a snapshot of the drop counters.
func (c *Classifier) Counters() Counters {
	return c.counters
}

// Classify strips the radiotap preamble and trailing FCS from pkt, validates
// the wfb 802.11 address template, and returns the routed channel ID plus
// the wfb payload (packet-type byte onward). Non-wfb and short frames are
// counted and returned as wire.ErrNotWfb / wire.ErrBadFraming; callers must
// drop on any error without propagating it further.
func (c *Classifier) Classify(pkt driver.Packet) (wire.ChannelID, []byte, error) {
	b := pkt.Bytes

	var rh radiotapHeader
	r := bytes.NewReader(b)
	if err := binary.Read(r, binary.LittleEndian, &rh); err != nil {
		c.counters.ShortFrames++
		return 0, nil, wire.ErrBadFraming
	}

	minLen := int(rh.Len) + wire.FixedHeaderSize + 1 + wire.AEADTagSize
	if len(b) < minLen {
		c.counters.ShortFrames++
		return 0, nil, wire.ErrBadFraming
	}

	hdr := b[int(rh.Len) : int(rh.Len)+wire.FixedHeaderSize]
	if len(hdr) < addrBlockEnd {
		c.counters.ShortFrames++
		return 0, nil, wire.ErrBadFraming
	}

	first := hdr[channelIDOffset : channelIDOffset+4]
	second := hdr[channelIDRepeat : channelIDRepeat+4]
	if !bytes.Equal(first, second) {
		c.counters.NotWfb++
		return 0, nil, wire.ErrNotWfb
	}

	chID := wire.ChannelID(binary.BigEndian.Uint32(first))

	payloadStart := int(rh.Len) + wire.FixedHeaderSize
	payloadEnd := len(b) - fcsSize
	if payloadEnd <= payloadStart {
		c.counters.ShortFrames++
		return 0, nil, wire.ErrBadFraming
	}

	return chID, b[payloadStart:payloadEnd], nil
}
