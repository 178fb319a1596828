package decoder

import (
	"usblens/internal/capture"
	"usblens/internal/usb"
)

// groupStatus classifies what a finished transaction does to the group
// in progress on its endpoint.
type groupStatus int

const (
	grpSingle groupStatus = iota // new group, complete immediately
	grpNew
	grpContinue
	grpRetry // failed or repeated attempt, group stays open
	grpDone
	grpInvalid
)

// groupState is the group currently open on one endpoint.
type groupState struct {
	id         capture.EndpointGroupID
	first      usb.PID
	last       usb.PID
	lastSet    bool
	anySuccess bool
	stalled    bool
}

// endpointData is the decoder-private state of one endpoint.
type endpointData struct {
	id     capture.EndpointID
	device capture.DeviceID
	key    endpointKey

	active      *groupState
	lastSuccess bool
	setup       *usb.SetupFields
	payload     []byte // accumulated transfer payload
	pending     []byte // split OUT data awaiting the complete half
}

func newEndpointData(id capture.EndpointID, device capture.DeviceID, key endpointKey) *endpointData {
	return &endpointData{id: id, device: device, key: key}
}

// groupUpdate feeds a finished transaction into the group state
// machine of its endpoint. Payload is committed only after the group
// it belongs to has been opened, so a group's payload range in the
// endpoint arena always covers exactly its own data.
func (d *Decoder) groupUpdate(t *transactionState, success, complete bool) {
	ep := d.endpointData[t.endpoint]
	payload, fromPending := d.takePayload(ep, t)
	status, commit := d.groupStatusFor(ep, t, success, complete, payload, fromPending)
	switch status {
	case grpSingle:
		d.groupStart(ep, t, true, success)
		if commit {
			d.commitPayload(ep, t, payload)
		}
		d.groupClose(ep, d.closeStatus(t))
	case grpNew:
		d.groupStart(ep, t, complete, success)
		if commit {
			d.commitPayload(ep, t, payload)
		}
	case grpContinue:
		d.groupAppend(ep, t, true, success)
		if commit {
			d.commitPayload(ep, t, payload)
		}
	case grpRetry:
		d.groupAppend(ep, t, false, success)
		if commit {
			d.commitPayload(ep, t, payload)
		}
	case grpDone:
		d.groupAppend(ep, t, true, success)
		if commit {
			d.commitPayload(ep, t, payload)
		}
		d.groupClose(ep, d.closeStatus(t))
	case grpInvalid:
		d.groupStart(ep, t, false, false)
		d.groupClose(ep, capture.StatusInvalid)
	}
}

// groupStatusFor is the transfer aggregation table: per endpoint type
// and transaction outcome it decides whether the transaction opens,
// continues, or closes a group, and whether its payload belongs to the
// transfer reassembly.
func (d *Decoder) groupStatusFor(ep *endpointData, t *transactionState, success, complete bool, payload []byte, fromPending bool) (groupStatus, bool) {
	// Reserved endpoints: SOF runs and malformed runs form singleton
	// groups that stay open until a foreign packet closes them.
	if ep.id == capture.FramingEpID || ep.id == capture.InvalidEpID {
		if ep.active == nil {
			return grpNew, false
		}
		return grpContinue, false
	}

	epType, typeKnown := d.endpointType(ep.id)
	next := t.startPID()

	if typeKnown && epType == usb.EndpointControl {
		return d.controlStatus(ep, t, next, success, complete)
	}

	hasData := t.payloadSet || fromPending
	short := false
	if max, ok := d.maxPacketSize(ep.id); ok && hasData {
		short = len(payload) < max
	}

	switch {
	// An IN or OUT transaction with no group open starts a new group:
	// either a data transfer or a polling run.
	case ep.active == nil && (next == usb.PIDIn || next == usb.PIDOut):
		if !complete {
			return grpNew, success
		}
		ep.lastSuccess = success
		if success && short && epType != usb.EndpointIsochronous {
			return grpSingle, true
		}
		return grpNew, success

	// IN and OUT repeat within a group of the same direction.
	case ep.active != nil && ep.active.first == next &&
		(next == usb.PIDIn || next == usb.PIDOut):
		if !complete {
			return grpRetry, success
		}
		changed := success != ep.lastSuccess
		ep.lastSuccess = success
		if changed {
			// The run's outcome flipped: a transfer follows a polling
			// run, or vice versa, so a fresh group starts.
			d.groupClose(ep, capture.StatusComplete)
			if success && short && epType != usb.EndpointIsochronous {
				return grpSingle, true
			}
			return grpNew, success
		}
		if success {
			if short && epType != usb.EndpointIsochronous {
				return grpDone, true
			}
			return grpContinue, true
		}
		return grpRetry, false

	// PING probes are tolerated wherever OUT would be.
	case ep.active != nil && ep.active.first == usb.PIDOut && next == usb.PIDPing:
		return grpRetry, false

	// A direction change closes the open group and starts another.
	case ep.active != nil && (next == usb.PIDIn || next == usb.PIDOut):
		d.groupClose(ep, capture.StatusComplete)
		ep.lastSuccess = success
		if success && complete && short && epType != usb.EndpointIsochronous {
			return grpSingle, true
		}
		return grpNew, success
	}
	return grpInvalid, false
}

// takePayload resolves the payload of this transaction, preferring
// data held over from the start half of a split.
func (d *Decoder) takePayload(ep *endpointData, t *transactionState) ([]byte, bool) {
	if t.payloadSet {
		return t.payload, false
	}
	if ep.pending != nil {
		p := ep.pending
		ep.pending = nil
		return p, true
	}
	return nil, false
}

// commitPayload appends transaction data to the transfer reassembly,
// or parks it until the complete half of a split confirms delivery.
func (d *Decoder) commitPayload(ep *endpointData, t *transactionState, payload []byte) {
	if payload == nil {
		return
	}
	if t.split != nil && t.splitSC == usb.SplitStart && t.startPID() == usb.PIDOut {
		ep.pending = payload
		return
	}
	ep.payload = append(ep.payload, payload...)
}

// controlStatus drives the control transfer state machine: setup
// stage, optional data stage in the request direction, then a status
// stage in the opposite direction.
func (d *Decoder) controlStatus(ep *endpointData, t *transactionState, next usb.PID, success, complete bool) (groupStatus, bool) {
	if next == usb.PIDSetup {
		if t.split != nil && t.splitSC == usb.SplitComplete {
			return grpContinue, false
		}
		// A SETUP while a control transfer is open aborts it.
		if ep.active != nil {
			d.groupClose(ep, capture.StatusAborted)
		}
		ep.setup = t.setup
		return grpNew, false
	}
	if ep.setup == nil || ep.active == nil || !ep.active.lastSet {
		return grpInvalid, false
	}

	fields := *ep.setup
	withData := fields.Length != 0
	reqDir := fields.Direction
	last := ep.active.last

	dataStage := withData &&
		((reqDir == usb.DirIn && next == usb.PIDIn &&
			(last == usb.PIDSetup || last == usb.PIDIn)) ||
			(reqDir == usb.DirOut && next == usb.PIDOut &&
				(last == usb.PIDSetup || last == usb.PIDOut)))
	statusStage := (reqDir == usb.DirIn && next == usb.PIDOut &&
		((last == usb.PIDSetup && !withData) || (withData && last == usb.PIDIn))) ||
		(reqDir == usb.DirOut && next == usb.PIDIn &&
			((last == usb.PIDSetup && !withData) || (withData && last == usb.PIDOut)))
	pingStage := next == usb.PIDPing &&
		((reqDir == usb.DirOut && (last == usb.PIDSetup || last == usb.PIDOut)) ||
			(reqDir == usb.DirIn && ((last == usb.PIDSetup && !withData) || last == usb.PIDIn)))

	switch {
	case dataStage:
		if success {
			return grpContinue, true
		}
		if t.last == usb.PIDStall {
			ep.active.stalled = true
			return grpDone, false
		}
		return grpRetry, false
	case statusStage:
		if success && complete {
			d.decodeRequest(ep, fields)
			return grpDone, false
		}
		if t.last == usb.PIDStall {
			ep.active.stalled = true
			return grpDone, false
		}
		return grpRetry, false
	case pingStage:
		return grpRetry, false
	}
	return grpInvalid, false
}

// groupStart opens a group for the transaction, registering the
// transaction in the endpoint's list first so the group's index range
// resolves immediately.
func (d *Decoder) groupStart(ep *endpointData, t *transactionState, done, success bool) {
	if ep.active != nil {
		d.groupClose(ep, capture.StatusComplete)
	}
	d.indexTransaction(ep, t)
	id := d.store.OpenGroup(ep.id, t.epTxnID)
	ep.active = &groupState{
		id:         id,
		first:      t.startPID(),
		last:       t.startPID(),
		lastSet:    done,
		anySuccess: success,
	}
	ep.payload = ep.payload[:0]
}

func (d *Decoder) groupAppend(ep *endpointData, t *transactionState, done, success bool) {
	if ep.active == nil {
		d.groupStart(ep, t, done, success)
		return
	}
	d.indexTransaction(ep, t)
	if done {
		ep.active.last = t.startPID()
		ep.active.lastSet = true
	}
	if success {
		ep.active.anySuccess = true
	}
}

func (d *Decoder) indexTransaction(ep *endpointData, t *transactionState) {
	if t.epTxnAdded {
		return
	}
	t.epTxnID = d.store.AddEndpointTransaction(ep.id, t.id)
	t.epTxnAdded = true
}

// groupClose writes the group's metadata, interning the reassembled
// payload and, for control transfers, the request description.
func (d *Decoder) groupClose(ep *endpointData, status capture.GroupStatus) {
	g := ep.active
	if g == nil {
		return
	}
	ep.active = nil

	meta := capture.GroupMeta{
		Kind:   d.groupKind(ep, g),
		Status: status,
		First:  g.first,
		Last:   g.last,
	}
	if status == capture.StatusComplete && g.stalled {
		meta.Status = capture.StatusStalled
	}
	if len(ep.payload) > 0 {
		meta.Payload = d.store.AppendTransferData(ep.id, ep.payload)
	}
	if ep.setup != nil && d.isControl(ep) {
		meta.Summary = d.store.InternString(usb.DescribeRequest(*ep.setup))
	}
	d.store.CloseGroup(ep.id, meta)

	if d.isControl(ep) {
		ep.setup = nil
	}
	ep.payload = ep.payload[:0]
	ep.pending = nil
}

func (d *Decoder) isControl(ep *endpointData) bool {
	if ep.id == capture.InvalidEpID || ep.id == capture.FramingEpID {
		return false
	}
	epType, known := d.endpointType(ep.id)
	return known && epType == usb.EndpointControl
}

func (d *Decoder) groupKind(ep *endpointData, g *groupState) capture.GroupKind {
	switch ep.id {
	case capture.FramingEpID:
		return capture.GroupSOF
	case capture.InvalidEpID:
		return capture.GroupInvalid
	}
	if g.first == usb.PIDMalformed {
		return capture.GroupInvalid
	}
	if !g.anySuccess && (g.first == usb.PIDIn || g.first == usb.PIDOut) && !d.isControl(ep) {
		return capture.GroupPolling
	}
	return capture.GroupTransfer
}

func (d *Decoder) closeStatus(t *transactionState) capture.GroupStatus {
	if t.last == usb.PIDStall {
		return capture.StatusStalled
	}
	return capture.StatusComplete
}

// decodeRequest applies the effect of a completed control transfer:
// descriptor reads feed the descriptor engine, SET_ADDRESS renames the
// device, SET_CONFIGURATION and SET_INTERFACE update active settings.
func (d *Decoder) decodeRequest(ep *endpointData, fields usb.SetupFields) {
	if fields.RequestType != usb.RequestStandard {
		return
	}
	switch fields.Request {
	case usb.ReqGetDescriptor:
		d.devices.HandleDescriptorRead(ep.device, fields, append([]byte(nil), ep.payload...))
	case usb.ReqSetAddress:
		d.setAddress(ep, uint8(fields.Value&0x7F))
	case usb.ReqSetConfiguration:
		d.devices.SetConfiguration(ep.device, uint8(fields.Value))
	case usb.ReqSetInterface:
		d.devices.SetInterface(ep.device, uint8(fields.Index), uint8(fields.Value))
	}
}

// setAddress moves the device being enumerated to its new address. The
// fresh record starts out with only the descriptors read during this
// enumeration; whatever was known about a previous occupant of the
// address stays archived under the old device id.
func (d *Decoder) setAddress(ep *endpointData, newAddr uint8) {
	if newAddr == 0 || newAddr == ep.key.devAddr {
		return
	}
	devID := d.store.AddDevice(newAddr)
	d.deviceIndex[newAddr] = devID
	d.devices.AddDevice(devID, newAddr)
	d.devices.AdoptPending(ep.device, devID)
	// The old address begins a fresh enumeration generation, and
	// endpoints cached for either address must re-resolve.
	delete(d.deviceIndex, ep.key.devAddr)
	for key := range d.endpointIndex {
		if key.devAddr == newAddr || key.devAddr == ep.key.devAddr {
			delete(d.endpointIndex, key)
		}
	}
}
