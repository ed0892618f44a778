// Package driver declares the seams this engine plugs into but does not
// implement: the RTL8812AU/RTL8812EU USB radio driver and the 802.11
// injector used by the adaptive-link uplink. Both are out of scope per
// spec.md §1 — they are external collaborators named here only by the
// interface they expose.
package driver

import "context"

// RxAttributes carries the per-antenna radio metadata a monitor-mode driver
// attaches to every captured frame.
type RxAttributes struct {
	RSSI [2]int8
	SNR  [2]int8
}

// Packet is one captured 802.11 frame as handed up by the radio driver,
// radiotap header and all.
type Packet struct {
	Bytes []byte
	RxAttributes
}

// DeviceID identifies a claimable USB radio adapter.
type DeviceID struct {
	VendorID    uint16
	ProductID   uint16
	Bus         uint8
	Port        uint8
	DisplayName string
}

// SelectedChannel is the monitor-mode tuning requested of a Device.
type SelectedChannel struct {
	Channel      uint8
	ChannelWidth int
}

// Device is the interface exposed by the out-of-scope USB radio driver.
// Open blocks the calling goroutine inside the frame-read loop until
// Interrupt is called or the device is lost; enumeration is Lister's job.
// Callback must not block.
type Device interface {
	Open(ctx context.Context, channel SelectedChannel, callback func(Packet)) error
	SetTXPower(mW int) error
	Interrupt()
}

// Lister enumerates USB devices exposing the adapter's per-interface class,
// independent of any particular Device instance.
type Lister interface {
	ListDevices() ([]DeviceID, error)
}

// Injector is the out-of-scope 802.11 frame injector used by the adaptive
// link's uplink telemetry path when TUN routing is disabled.
type Injector interface {
	Inject(payload []byte) error
	Close() error
}
