// Package descriptor parses the USB descriptor tree observed in
// control traffic and maintains a live model of every device on the
// bus. The decoder goroutine is the single writer; readers obtain an
// immutable snapshot rebuilt after each change.
package descriptor

import (
	"fmt"
	"sync/atomic"
	"unicode/utf16"

	"usblens/internal/usb"
)

// DeviceDescriptor is the standard 18-byte device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubclass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerStrID uint8
	ProductStrID      uint8
	SerialStrID       uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor decodes a device descriptor. Short reads (the
// initial 8-byte fetch during enumeration) are rejected; over-length
// payloads are accepted with the excess ignored.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, bool) {
	if len(data) < 18 {
		return DeviceDescriptor{}, false
	}
	return DeviceDescriptor{
		Length:            data[0],
		DescriptorType:    data[1],
		USBVersion:        le16(data[2:]),
		DeviceClass:       data[4],
		DeviceSubclass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          le16(data[8:]),
		ProductID:         le16(data[10:]),
		DeviceVersion:     le16(data[12:]),
		ManufacturerStrID: data[14],
		ProductStrID:      data[15],
		SerialStrID:       data[16],
		NumConfigurations: data[17],
	}, true
}

// ConfigDescriptor is the standard 9-byte configuration descriptor.
type ConfigDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationStrID uint8
	Attributes         uint8
	MaxPower           uint8
}

// InterfaceDescriptor is the standard 9-byte interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubclass uint8
	InterfaceProtocol uint8
	InterfaceStrID    uint8
}

// EndpointDescriptor is the standard 7-byte endpoint descriptor.
type EndpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
}

// Number returns the endpoint number encoded in the address.
func (e EndpointDescriptor) Number() uint8 { return e.EndpointAddr & 0x7F }

// Direction returns the direction encoded in the address.
func (e EndpointDescriptor) Direction() usb.Direction {
	if e.EndpointAddr&0x80 != 0 {
		return usb.DirIn
	}
	return usb.DirOut
}

// Type returns the transfer type from bmAttributes.
func (e EndpointDescriptor) Type() usb.EndpointType {
	return usb.EndpointType(e.Attributes & 0x03)
}

// InterfaceAssociation is the standard 8-byte interface association
// descriptor.
type InterfaceAssociation struct {
	Length           uint8
	DescriptorType   uint8
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubclass uint8
	FunctionProtocol uint8
	FunctionStrID    uint8
}

// HIDDescriptor is the class descriptor attached to HID interfaces.
type HIDDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	HIDVersion        uint16
	CountryCode       uint8
	NumDescriptors    uint8
	ReportDescriptors []ReportDescriptorRef
}

// ReportDescriptorRef names one report descriptor announced by a HID
// descriptor.
type ReportDescriptorRef struct {
	DescriptorType uint8
	Length         uint16
}

// ClassSpecific preserves a class-specific or unknown descriptor as an
// opaque blob with its decoded subtype name where the layout is known
// (audio and CDC interfaces).
type ClassSpecific struct {
	DescriptorType uint8
	Subtype        uint8
	SubtypeName    string
	Data           []byte
}

// Endpoint is one parsed endpoint of an interface.
type Endpoint struct {
	Descriptor EndpointDescriptor
	Extra      []ClassSpecific
}

// Interface is one (number, alternate setting) sibling of a
// configuration. Alternate settings are distinct Interface values with
// the same number.
type Interface struct {
	Descriptor InterfaceDescriptor
	Endpoints  []Endpoint
	HID        *HIDDescriptor
	Extra      []ClassSpecific
	// ConfigIndex is the position of the owning configuration within
	// the device; back-references are indices, never pointers.
	ConfigIndex int
}

// Configuration is one parsed configuration with its full tree.
type Configuration struct {
	Descriptor   ConfigDescriptor
	Interfaces   []Interface
	Associations []InterfaceAssociation
	Extra        []ClassSpecific
}

// Device is the model of one device generation on the bus.
type Device struct {
	ID      uint64
	Address uint8

	Descriptor     *DeviceDescriptor
	Configurations map[uint8]*Configuration
	Strings        map[uint8]string
	ActiveConfig   uint8
	ConfigSet      bool
	// InterfaceAlts maps interface number to its active alternate.
	InterfaceAlts map[uint8]uint8
}

// endpointDetail caches what descriptors declared about an endpoint.
type endpointDetail struct {
	epType usb.EndpointType
	maxPkt int
	known  bool
}

type epKey struct {
	number uint8
	dir    usb.Direction
}

// Engine tracks the descriptor state of every device. All mutating
// calls come from the decoder goroutine; Snapshot may be called from
// any goroutine.
type Engine struct {
	devices  map[uint64]*Device
	details  map[uint64]map[epKey]endpointDetail
	snapshot atomic.Pointer[[]*Device]
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	e := &Engine{
		devices: make(map[uint64]*Device),
		details: make(map[uint64]map[epKey]endpointDetail),
	}
	empty := []*Device{}
	e.snapshot.Store(&empty)
	return e
}

// AddDevice registers a fresh, descriptor-less device record.
func (e *Engine) AddDevice(id uint64, address uint8) {
	e.devices[id] = &Device{
		ID:             id,
		Address:        address,
		Configurations: make(map[uint8]*Configuration),
		Strings:        make(map[uint8]string),
		InterfaceAlts:  make(map[uint8]uint8),
	}
	e.details[id] = make(map[epKey]endpointDetail)
	e.publish()
}

// AdoptPending moves the descriptor state gathered during enumeration
// at the old device id (usually address zero) to the new record. The
// old record keeps an empty tree; descriptors never leak across an
// address reuse.
func (e *Engine) AdoptPending(oldID, newID uint64) {
	oldDev, ok := e.devices[oldID]
	if !ok {
		return
	}
	newDev, ok := e.devices[newID]
	if !ok {
		return
	}
	newDev.Descriptor = oldDev.Descriptor
	for k, v := range oldDev.Configurations {
		newDev.Configurations[k] = v
	}
	for k, v := range oldDev.Strings {
		newDev.Strings[k] = v
	}
	oldDev.Descriptor = nil
	oldDev.Configurations = make(map[uint8]*Configuration)
	oldDev.Strings = make(map[uint8]string)
	for k, v := range e.details[oldID] {
		e.details[newID][k] = v
	}
	e.details[oldID] = make(map[epKey]endpointDetail)
	e.publish()
}

// HandleDescriptorRead routes the payload of a completed
// GET_DESCRIPTOR control transfer into the device's tree.
func (e *Engine) HandleDescriptorRead(id uint64, fields usb.SetupFields, payload []byte) {
	dev, ok := e.devices[id]
	if !ok || fields.Recipient != usb.RecipientDevice {
		return
	}
	descType := uint8(fields.Value >> 8)
	index := uint8(fields.Value)
	switch descType {
	case usb.DescTypeDevice:
		if desc, ok := ParseDeviceDescriptor(payload); ok {
			dev.Descriptor = &desc
		}
	case usb.DescTypeConfiguration:
		if cfg, ok := parseConfiguration(payload); ok {
			dev.Configurations[cfg.Descriptor.ConfigurationValue] = cfg
			e.updateDetails(id, dev)
		}
	case usb.DescTypeString:
		if len(payload) >= 2 {
			if index == 0 {
				// String zero carries the supported language ids.
				return
			}
			dev.Strings[index] = DecodeUTF16String(payload[2:])
		}
	default:
		// Other recipients and types are not modelled at device scope.
		return
	}
	e.publish()
}

// SetConfiguration records the active configuration and resets every
// interface to alternate setting zero.
func (e *Engine) SetConfiguration(id uint64, value uint8) {
	dev, ok := e.devices[id]
	if !ok {
		return
	}
	dev.ActiveConfig = value
	dev.ConfigSet = true
	dev.InterfaceAlts = make(map[uint8]uint8)
	if cfg, ok := dev.Configurations[value]; ok {
		for i := range cfg.Interfaces {
			num := cfg.Interfaces[i].Descriptor.InterfaceNumber
			if _, seen := dev.InterfaceAlts[num]; !seen {
				dev.InterfaceAlts[num] = 0
			}
		}
	}
	e.updateDetails(id, dev)
	e.publish()
}

// SetInterface records an interface's active alternate setting.
func (e *Engine) SetInterface(id uint64, ifaceNum, alt uint8) {
	dev, ok := e.devices[id]
	if !ok {
		return
	}
	dev.InterfaceAlts[ifaceNum] = alt
	e.updateDetails(id, dev)
	e.publish()
}

// SetEndpointType notes an endpoint type learned outside descriptors,
// such as from a SPLIT token header. Descriptor knowledge wins.
func (e *Engine) SetEndpointType(id uint64, number uint8, dir usb.Direction, t usb.EndpointType) {
	det, ok := e.details[id]
	if !ok {
		return
	}
	key := epKey{number: number, dir: dir}
	if _, exists := det[key]; !exists {
		det[key] = endpointDetail{epType: t, known: true}
	}
}

// EndpointType reports the endpoint's transfer type, if known.
func (e *Engine) EndpointType(id uint64, number uint8, dir usb.Direction) (usb.EndpointType, bool) {
	if det, ok := e.details[id]; ok {
		if d, ok := det[epKey{number: number, dir: dir}]; ok && d.known {
			return d.epType, true
		}
	}
	return usb.EndpointControl, false
}

// MaxPacketSize reports the endpoint's wMaxPacketSize, if declared.
func (e *Engine) MaxPacketSize(id uint64, number uint8, dir usb.Direction) (int, bool) {
	if det, ok := e.details[id]; ok {
		if d, ok := det[epKey{number: number, dir: dir}]; ok && d.maxPkt > 0 {
			return d.maxPkt, true
		}
	}
	return 0, false
}

// updateDetails rebuilds the endpoint detail cache from the active
// configuration and alternate settings.
func (e *Engine) updateDetails(id uint64, dev *Device) {
	det := e.details[id]
	cfg := dev.activeConfiguration()
	if cfg == nil {
		return
	}
	for i := range cfg.Interfaces {
		iface := &cfg.Interfaces[i]
		num := iface.Descriptor.InterfaceNumber
		alt := dev.InterfaceAlts[num]
		if iface.Descriptor.AlternateSetting != alt {
			continue
		}
		for _, ep := range iface.Endpoints {
			key := epKey{number: ep.Descriptor.Number(), dir: ep.Descriptor.Direction()}
			det[key] = endpointDetail{
				epType: ep.Descriptor.Type(),
				maxPkt: int(ep.Descriptor.MaxPacketSize & 0x07FF),
				known:  true,
			}
		}
	}
}

// activeConfiguration returns the configuration selected by
// SET_CONFIGURATION, or the only one seen so far.
func (d *Device) activeConfiguration() *Configuration {
	if d.ConfigSet {
		return d.Configurations[d.ActiveConfig]
	}
	if len(d.Configurations) == 1 {
		for _, cfg := range d.Configurations {
			return cfg
		}
	}
	return nil
}

// InterfaceNumbers returns the distinct interface numbers of a configuration.
func (c *Configuration) InterfaceNumbers() []uint8 {
	var nums []uint8
	seen := make(map[uint8]bool)
	for i := range c.Interfaces {
		n := c.Interfaces[i].Descriptor.InterfaceNumber
		if !seen[n] {
			seen[n] = true
			nums = append(nums, n)
		}
	}
	return nums
}

// Snapshot returns the published device list, ordered by device id.
func (e *Engine) Snapshot() []*Device {
	return *e.snapshot.Load()
}

// publish rebuilds the reader-visible snapshot. Device structures are
// copied shallowly; parsed descriptors are immutable once attached.
func (e *Engine) publish() {
	out := make([]*Device, 0, len(e.devices))
	maxID := uint64(0)
	for id := range e.devices {
		if id > maxID {
			maxID = id
		}
	}
	for id := uint64(0); id <= maxID; id++ {
		dev, ok := e.devices[id]
		if !ok {
			continue
		}
		cp := *dev
		cp.Configurations = make(map[uint8]*Configuration, len(dev.Configurations))
		for k, v := range dev.Configurations {
			cp.Configurations[k] = v
		}
		cp.Strings = make(map[uint8]string, len(dev.Strings))
		for k, v := range dev.Strings {
			cp.Strings[k] = v
		}
		cp.InterfaceAlts = make(map[uint8]uint8, len(dev.InterfaceAlts))
		for k, v := range dev.InterfaceAlts {
			cp.InterfaceAlts[k] = v
		}
		out = append(out, &cp)
	}
	e.snapshot.Store(&out)
}

// DecodeUTF16String decodes the UTF-16LE body of a string descriptor.
func DecodeUTF16String(data []byte) string {
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		units = append(units, le16(data[i:]))
	}
	return string(utf16.Decode(units))
}

// Describe renders a short identification line for the device.
func (d *Device) Describe() string {
	if d.Descriptor == nil {
		return fmt.Sprintf("Device %d", d.Address)
	}
	return fmt.Sprintf("Device %d [%04X:%04X]", d.Address,
		d.Descriptor.VendorID, d.Descriptor.ProductID)
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
