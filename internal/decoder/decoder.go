// Package decoder turns an ordered stream of raw USB 2.0 packets into
// the transactions, transfers, and display groups of a capture store,
// while feeding control traffic to the descriptor engine. The decoder
// is the store's single writer and runs on one goroutine.
package decoder

import (
	"usblens/internal/capture"
	"usblens/internal/descriptor"
	"usblens/internal/usb"
)

// endpointKey identifies an endpoint by its bus address.
type endpointKey struct {
	devAddr uint8
	number  uint8
	dir     usb.Direction
}

// Decoder decodes packets into a capture store.
type Decoder struct {
	store   *capture.Store
	devices *descriptor.Engine

	deviceIndex   map[uint8]capture.DeviceID
	endpointIndex map[endpointKey]capture.EndpointID
	endpointData  []*endpointData

	transaction *transactionState
}

// New creates a decoder writing into the given store. The store's
// reserved invalid and framing endpoints are adopted as-is.
func New(store *capture.Store, devices *descriptor.Engine) *Decoder {
	d := &Decoder{
		store:         store,
		devices:       devices,
		deviceIndex:   map[uint8]capture.DeviceID{0: 0},
		endpointIndex: make(map[endpointKey]capture.EndpointID),
	}
	d.devices.AddDevice(0, 0)
	// Reserved endpoints occupy slots 0 and 1 of every store.
	d.endpointData = []*endpointData{
		newEndpointData(capture.InvalidEpID, 0, endpointKey{}),
		newEndpointData(capture.FramingEpID, 0, endpointKey{}),
	}
	return d
}

// HandlePacket records a raw packet and advances the decode state
// machines. Decode-level problems never return an error; only store
// failures (such as a full store) do.
func (d *Decoder) HandlePacket(tsNs uint64, packet []byte) error {
	packetID, err := d.store.RecordPacket(tsNs, packet)
	if err != nil {
		return err
	}
	pid, status := classify(d.transaction, packet)

	// Any non-SOF activity ends a SOF run's group, and any valid
	// packet ends an invalid group.
	if pid != usb.PIDSof {
		d.closeFramingGroup()
	}
	if pid != usb.PIDMalformed {
		d.closeInvalidGroup()
	}
	// An isochronous service interval is delimited by SOF boundaries.
	if pid == usb.PIDSof {
		d.closeIsochronousGroups()
	}

	success := status != txFail
	complete := false
	if t := d.transaction; t != nil {
		switch {
		case t.split == nil:
			complete = true
		case t.splitSC == usb.SplitComplete:
			complete = status != txRetry
		}
	}
	if status != txInvalid && d.transaction != nil {
		d.transaction.extractPayload(pid, packet)
	}

	switch status {
	case txNew:
		d.transactionEnd(false, false)
		d.transactionStart(packetID, pid, packet)
	case txContinue:
		d.transactionAppend(pid, packet)
	case txDone, txRetry, txFail:
		d.transactionAppend(pid, packet)
		d.transactionEnd(success, complete)
	case txAmbiguous:
		d.transactionAppend(pid, packet)
	case txInvalid:
		d.transactionEnd(false, false)
		d.transactionStart(packetID, pid, packet)
		d.transactionEnd(false, false)
	}
	return nil
}

// Finish flushes any in-flight transaction and closes every open group
// as truncated, then marks the store complete.
func (d *Decoder) Finish() {
	d.transactionEnd(false, false)
	for _, ep := range d.endpointData {
		if ep.active != nil {
			d.groupClose(ep, capture.StatusTruncated)
		}
	}
	d.store.SetComplete()
}

func (d *Decoder) transactionStart(packetID capture.PacketID, pid usb.PID, packet []byte) {
	t := &transactionState{
		id:    d.store.OpenTransaction(packetID),
		first: pid,
		last:  pid,
	}
	switch {
	case pid == usb.PIDMalformed:
		t.endpoint = capture.InvalidEpID
		t.endpointSet = true
	case pid == usb.PIDSof:
		t.endpoint = capture.FramingEpID
		t.endpointSet = true
	case pid == usb.PIDSplit:
		f := usb.ParseSplit(packet)
		t.split = &f
		t.splitSC = f.SC
		t.endpointType = f.EndpointType
		t.typeKnown = true
	case pid.IsToken():
		t.endpoint = d.resolveEndpoint(pid, packet)
		t.endpointSet = true
		t.endpointType, t.typeKnown = d.endpointType(t.endpoint)
	}
	d.transaction = t
}

func (d *Decoder) transactionAppend(pid usb.PID, packet []byte) {
	t := d.transaction
	if t == nil {
		return
	}
	// The token inside a split transaction resolves its endpoint and
	// fixes the endpoint type announced in the SPLIT header.
	if t.split != nil && !t.endpointSet && pid.IsToken() {
		t.first = pid
		t.endpoint = d.resolveEndpoint(pid, packet)
		t.endpointSet = true
		ep := d.endpointData[t.endpoint]
		d.devices.SetEndpointType(ep.device, ep.key.number, ep.key.dir, t.split.EndpointType)
	}
	t.last = pid
}

// transactionEnd closes the in-flight transaction, if any, feeding it
// into the group state machine of its endpoint.
func (d *Decoder) transactionEnd(success, complete bool) {
	t := d.transaction
	if t == nil {
		return
	}
	d.transaction = nil
	if !t.endpointSet {
		// Packets that never resolved to an endpoint, such as a stray
		// handshake or an abandoned SPLIT header, join the invalid set.
		t.endpoint = capture.InvalidEpID
		t.endpointSet = true
	}
	d.groupUpdate(t, success, complete)
	d.store.CloseTransaction(capture.TransactionMeta{
		Endpoint: t.endpoint,
		Token:    t.startPID(),
		Result:   t.result(success, complete),
		Split:    t.split != nil,
	})
}

// resolveEndpoint maps a token packet to an endpoint id, creating the
// endpoint, and if needed its device, on first sight.
func (d *Decoder) resolveEndpoint(pid usb.PID, packet []byte) capture.EndpointID {
	fields := usb.ParseToken(packet)
	number := fields.EndpointNumber
	dir := usb.DirectionOf(pid)
	if pid == usb.PIDSetup && number != 0 {
		// Tolerance for malformed captures: a SETUP aimed at a nonzero
		// endpoint is treated as control endpoint zero of that device.
		number = 0
	}
	if number == 0 {
		// The control endpoint is shared between directions; model it
		// as OUT so both directions land on one endpoint record.
		dir = usb.DirOut
	}
	key := endpointKey{devAddr: fields.DeviceAddress, number: number, dir: dir}
	if id, ok := d.endpointIndex[key]; ok {
		return id
	}
	devID, ok := d.deviceIndex[fields.DeviceAddress]
	if !ok {
		devID = d.store.AddDevice(fields.DeviceAddress)
		d.deviceIndex[fields.DeviceAddress] = devID
		d.devices.AddDevice(devID, fields.DeviceAddress)
	}
	id := d.store.AddEndpoint(devID, fields.DeviceAddress, number, dir)
	d.endpointIndex[key] = id
	d.endpointData = append(d.endpointData, newEndpointData(id, devID, key))
	return id
}

// endpointType looks up the endpoint's transfer type: control for
// endpoint zero, otherwise whatever the descriptor engine has learned.
func (d *Decoder) endpointType(id capture.EndpointID) (usb.EndpointType, bool) {
	ep := d.endpointData[id]
	if id == capture.InvalidEpID || id == capture.FramingEpID {
		return usb.EndpointControl, false
	}
	if ep.key.number == 0 {
		return usb.EndpointControl, true
	}
	return d.devices.EndpointType(ep.device, ep.key.number, ep.key.dir)
}

// maxPacketSize returns the endpoint's wMaxPacketSize if a descriptor
// has declared it.
func (d *Decoder) maxPacketSize(id capture.EndpointID) (int, bool) {
	ep := d.endpointData[id]
	return d.devices.MaxPacketSize(ep.device, ep.key.number, ep.key.dir)
}

func (d *Decoder) closeFramingGroup() {
	ep := d.endpointData[capture.FramingEpID]
	if ep.active != nil {
		d.groupClose(ep, capture.StatusComplete)
	}
}

func (d *Decoder) closeInvalidGroup() {
	ep := d.endpointData[capture.InvalidEpID]
	if ep.active != nil {
		d.groupClose(ep, capture.StatusInvalid)
	}
}

// closeIsochronousGroups ends the open service-interval group of every
// isochronous endpoint when a SOF marks the interval boundary.
func (d *Decoder) closeIsochronousGroups() {
	for _, ep := range d.endpointData {
		if ep.active == nil {
			continue
		}
		if t, known := d.endpointType(ep.id); known && t == usb.EndpointIsochronous {
			d.groupClose(ep, capture.StatusComplete)
		}
	}
}
