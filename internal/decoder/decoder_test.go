package decoder

import (
	"testing"

	"usblens/internal/capture"
	"usblens/internal/descriptor"
	"usblens/internal/usb"
)

// harness feeds packets through a decoder with microsecond spacing.
type harness struct {
	t       *testing.T
	store   *capture.Store
	devices *descriptor.Engine
	dec     *Decoder
	ts      uint64
}

func newHarness(t *testing.T) *harness {
	store := capture.NewStore(0)
	devices := descriptor.NewEngine()
	return &harness{
		t:       t,
		store:   store,
		devices: devices,
		dec:     New(store, devices),
	}
}

func (h *harness) feed(packets ...[]byte) {
	for _, p := range packets {
		h.ts += 1000
		if err := h.dec.HandlePacket(h.ts, p); err != nil {
			h.t.Fatalf("HandlePacket failed: %v", err)
		}
	}
}

func (h *harness) finish() {
	h.dec.Finish()
}

// controlOut builds a full control transfer with no data stage.
func controlOut(addr uint8, fields usb.SetupFields) [][]byte {
	return [][]byte{
		usb.BuildToken(usb.PIDSetup, addr, 0),
		usb.BuildSetupData(fields),
		usb.BuildHandshake(usb.PIDAck),
		usb.BuildToken(usb.PIDIn, addr, 0),
		usb.BuildData(usb.PIDData1, nil),
		usb.BuildHandshake(usb.PIDAck),
	}
}

// controlIn builds a control transfer reading data from the device.
func controlIn(addr uint8, fields usb.SetupFields, payload []byte) [][]byte {
	return [][]byte{
		usb.BuildToken(usb.PIDSetup, addr, 0),
		usb.BuildSetupData(fields),
		usb.BuildHandshake(usb.PIDAck),
		usb.BuildToken(usb.PIDIn, addr, 0),
		usb.BuildData(usb.PIDData1, payload),
		usb.BuildHandshake(usb.PIDAck),
		usb.BuildToken(usb.PIDOut, addr, 0),
		usb.BuildData(usb.PIDData1, nil),
		usb.BuildHandshake(usb.PIDAck),
	}
}

func getDescriptorFields(descType uint8, length uint16) usb.SetupFields {
	return usb.SetupFields{
		RequestType: usb.RequestStandard,
		Recipient:   usb.RecipientDevice,
		Direction:   usb.DirIn,
		Request:     usb.ReqGetDescriptor,
		Value:       uint16(descType) << 8,
		Length:      length,
	}
}

func setAddressFields(addr uint16) usb.SetupFields {
	return usb.SetupFields{
		RequestType: usb.RequestStandard,
		Recipient:   usb.RecipientDevice,
		Direction:   usb.DirOut,
		Request:     usb.ReqSetAddress,
		Value:       addr,
	}
}

// deviceDescriptorBytes builds an 18-byte device descriptor.
func deviceDescriptorBytes(vid, pid uint16) []byte {
	return []byte{
		18, usb.DescTypeDevice,
		0x00, 0x02, // USB 2.0
		0, 0, 0, 64,
		byte(vid), byte(vid >> 8),
		byte(pid), byte(pid >> 8),
		0x01, 0x00,
		1, 2, 3,
		1,
	}
}

// configDescriptorBytes builds a one-interface configuration blob.
// Each endpoint address becomes a bulk endpoint with wMaxPacketSize 64.
func configDescriptorBytes(t *testing.T, epAddrs []uint8) []byte {
	t.Helper()
	total := 9 + 9 + 7*len(epAddrs)
	blob := []byte{
		9, usb.DescTypeConfiguration,
		byte(total), byte(total >> 8),
		1, 1, 0, 0x80, 50,
	}
	blob = append(blob,
		9, usb.DescTypeInterface,
		0, 0, byte(len(epAddrs)), 0xFF, 0, 0, 0,
	)
	for _, addr := range epAddrs {
		blob = append(blob,
			7, usb.DescTypeEndpoint,
			addr, byte(usb.EndpointBulk), 64, 0, 0,
		)
	}
	return blob
}

func setConfigurationFields(value uint16) usb.SetupFields {
	return usb.SetupFields{
		RequestType: usb.RequestStandard,
		Recipient:   usb.RecipientDevice,
		Direction:   usb.DirOut,
		Request:     usb.ReqSetConfiguration,
		Value:       value,
	}
}

// closedGroups collects the closed groups of all items in order.
func closedGroups(t *testing.T, store *capture.Store) []capture.Group {
	t.Helper()
	var out []capture.Group
	snap := store.TakeSnapshot()
	for i := uint64(0); i < snap.Items; i++ {
		g, err := store.ItemGroup(i)
		if err != nil {
			t.Fatalf("ItemGroup(%d) failed: %v", i, err)
		}
		out = append(out, g)
	}
	return out
}

func TestControlTransferComplete(t *testing.T) {
	h := newHarness(t)
	h.feed(controlIn(0, getDescriptorFields(usb.DescTypeDevice, 18),
		deviceDescriptorBytes(0x1D50, 0x6018))...)
	h.finish()

	groups := closedGroups(t, h.store)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.Meta == nil {
		t.Fatalf("group still open after capture finished")
	}
	if g.Meta.Kind != capture.GroupTransfer {
		t.Errorf("expected transfer group, got %s", g.Meta.Kind)
	}
	if g.Meta.Status != capture.StatusComplete {
		t.Errorf("expected complete, got %s", g.Meta.Status)
	}
	if g.TransactionCount != 3 {
		t.Errorf("expected 3 transactions (setup, data, status), got %d", g.TransactionCount)
	}
	payload, err := h.store.GroupPayload(g.Endpoint, g.Meta)
	if err != nil {
		t.Fatalf("GroupPayload failed: %v", err)
	}
	if len(payload) != 18 {
		t.Errorf("expected 18 reassembled bytes, got %d", len(payload))
	}
	summary, err := h.store.GroupSummary(g.Meta)
	if err != nil || summary != "Getting device descriptor #0" {
		t.Errorf("unexpected request summary %q (err %v)", summary, err)
	}

	devs := h.devices.Snapshot()
	if len(devs) == 0 || devs[0].Descriptor == nil {
		t.Fatalf("device descriptor was not captured")
	}
	if devs[0].Descriptor.VendorID != 0x1D50 || devs[0].Descriptor.ProductID != 0x6018 {
		t.Errorf("wrong identification: %04X:%04X",
			devs[0].Descriptor.VendorID, devs[0].Descriptor.ProductID)
	}
}

func TestDoubleSetupAbortsFirstTransfer(t *testing.T) {
	h := newHarness(t)
	// First SETUP with no status stage, then a second complete transfer.
	h.feed(
		usb.BuildToken(usb.PIDSetup, 0, 0),
		usb.BuildSetupData(getDescriptorFields(usb.DescTypeDevice, 18)),
		usb.BuildHandshake(usb.PIDAck),
	)
	h.feed(controlOut(0, setAddressFields(7))...)
	h.finish()

	groups := closedGroups(t, h.store)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Meta == nil || groups[0].Meta.Status != capture.StatusAborted {
		t.Errorf("first transfer should be aborted, got %+v", groups[0].Meta)
	}
	if groups[1].Meta == nil || groups[1].Meta.Status != capture.StatusComplete {
		t.Errorf("second transfer should be complete, got %+v", groups[1].Meta)
	}
}

func TestSetAddressMovesDevice(t *testing.T) {
	h := newHarness(t)
	h.feed(controlIn(0, getDescriptorFields(usb.DescTypeDevice, 18),
		deviceDescriptorBytes(0xAAAA, 0x0001))...)
	h.feed(controlOut(0, setAddressFields(27))...)
	h.feed(controlIn(27, getDescriptorFields(usb.DescTypeConfiguration, 9),
		configDescriptorBytes(t, nil))...)
	h.finish()

	devs := h.devices.Snapshot()
	var at27 *descriptor.Device
	for _, d := range devs {
		if d.Address == 27 {
			at27 = d
		}
	}
	if at27 == nil {
		t.Fatalf("no device record at address 27")
	}
	if at27.Descriptor == nil || at27.Descriptor.VendorID != 0xAAAA {
		t.Errorf("device descriptor did not move with the address change")
	}
	// The address-zero record must be left empty for the next
	// enumeration.
	for _, d := range devs {
		if d.Address == 0 && d.Descriptor != nil {
			t.Errorf("address 0 record still holds a descriptor after SET_ADDRESS")
		}
	}
}

// Address reuse: two different devices enumerated at the same address
// must yield two records with disjoint descriptor sets.
func TestAddressReuseKeepsRecordsDistinct(t *testing.T) {
	h := newHarness(t)
	h.feed(controlIn(0, getDescriptorFields(usb.DescTypeDevice, 18),
		deviceDescriptorBytes(0x1111, 0x0001))...)
	h.feed(controlOut(0, setAddressFields(5))...)

	// Second device enumerates at the freed address zero and is then
	// assigned the same address 5.
	h.feed(controlIn(0, getDescriptorFields(usb.DescTypeDevice, 18),
		deviceDescriptorBytes(0x2222, 0x0002))...)
	h.feed(controlOut(0, setAddressFields(5))...)
	h.finish()

	devs := h.devices.Snapshot()
	var at5 []*descriptor.Device
	for _, d := range devs {
		if d.Address == 5 {
			at5 = append(at5, d)
		}
	}
	if len(at5) != 2 {
		t.Fatalf("expected 2 device records at address 5, got %d", len(at5))
	}
	if at5[0].Descriptor == nil || at5[1].Descriptor == nil {
		t.Fatalf("both generations should hold their own descriptor")
	}
	if at5[0].Descriptor.VendorID != 0x1111 || at5[1].Descriptor.VendorID != 0x2222 {
		t.Errorf("descriptors merged across address reuse: %04X, %04X",
			at5[0].Descriptor.VendorID, at5[1].Descriptor.VendorID)
	}
}

func TestSOFGroupClosedByForeignPacket(t *testing.T) {
	h := newHarness(t)
	h.feed(
		usb.BuildSOF(100),
		usb.BuildSOF(101),
		usb.BuildSOF(102),
	)
	h.feed(controlOut(0, setAddressFields(9))...)
	h.finish()

	groups := closedGroups(t, h.store)
	if len(groups) != 2 {
		t.Fatalf("expected SOF group and transfer group, got %d", len(groups))
	}
	sof := groups[0]
	if sof.Meta == nil || sof.Meta.Kind != capture.GroupSOF {
		t.Fatalf("first group should be a closed SOF group, got %+v", sof.Meta)
	}
	// Every packet inside the SOF group must be a SOF packet.
	for i := uint64(0); i < sof.TransactionCount; i++ {
		txnID, err := h.store.EndpointTransactionAt(sof.Endpoint, sof.FirstTransaction+i)
		if err != nil {
			t.Fatalf("EndpointTransactionAt failed: %v", err)
		}
		txn, err := h.store.TransactionAt(txnID)
		if err != nil {
			t.Fatalf("TransactionAt failed: %v", err)
		}
		for p := uint64(0); p < txn.PacketCount; p++ {
			pkt, err := h.store.PacketAt(txn.FirstPacket + p)
			if err != nil {
				t.Fatalf("PacketAt failed: %v", err)
			}
			if pkt.PID != usb.PIDSof {
				t.Errorf("non-SOF packet %s inside SOF group", pkt.PID)
			}
		}
	}
}

func TestPollingRunCoalesced(t *testing.T) {
	h := newHarness(t)
	// Interrupt-style endpoint polled with NAKs; type is unknown to the
	// decoder, which must still coalesce the failed attempts.
	for i := 0; i < 5; i++ {
		h.feed(
			usb.BuildToken(usb.PIDIn, 5, 1),
			usb.BuildHandshake(usb.PIDNak),
		)
	}
	h.finish()

	groups := closedGroups(t, h.store)
	if len(groups) != 1 {
		t.Fatalf("expected one coalesced polling group, got %d", len(groups))
	}
	g := groups[0]
	if g.Meta == nil || g.Meta.Kind != capture.GroupPolling {
		t.Fatalf("expected polling group, got %+v", g.Meta)
	}
	if g.TransactionCount != 5 {
		t.Errorf("expected 5 coalesced transactions, got %d", g.TransactionCount)
	}
}

func TestBulkTransferEndsOnShortPacket(t *testing.T) {
	h := newHarness(t)
	// Enumerate a device with a bulk IN endpoint so the decoder knows
	// the endpoint type and max packet size.
	h.feed(controlIn(0, getDescriptorFields(usb.DescTypeDevice, 18),
		deviceDescriptorBytes(0x1234, 0x5678))...)
	h.feed(controlOut(0, setAddressFields(5))...)
	cfgBlob := configDescriptorBytes(t, []uint8{0x82})
	h.feed(controlIn(5, getDescriptorFields(usb.DescTypeConfiguration, uint16(len(cfgBlob))), cfgBlob)...)
	h.feed(controlOut(5, setConfigurationFields(1))...)

	full := make([]byte, 64)
	for i := range full {
		full[i] = byte(i)
	}
	short := make([]byte, 10)
	h.feed(
		usb.BuildToken(usb.PIDIn, 5, 2),
		usb.BuildData(usb.PIDData0, full),
		usb.BuildHandshake(usb.PIDAck),
		usb.BuildToken(usb.PIDIn, 5, 2),
		usb.BuildData(usb.PIDData1, short),
		usb.BuildHandshake(usb.PIDAck),
	)
	h.finish()

	groups := closedGroups(t, h.store)
	last := groups[len(groups)-1]
	if last.Meta == nil || last.Meta.Kind != capture.GroupTransfer {
		t.Fatalf("expected closed bulk transfer, got %+v", last.Meta)
	}
	if last.Meta.Status != capture.StatusComplete {
		t.Errorf("short packet should complete the transfer, got %s", last.Meta.Status)
	}
	if last.TransactionCount != 2 {
		t.Errorf("expected 2 transactions in the transfer, got %d", last.TransactionCount)
	}
	payload, err := h.store.GroupPayload(last.Endpoint, last.Meta)
	if err != nil {
		t.Fatalf("GroupPayload failed: %v", err)
	}
	if len(payload) != 74 {
		t.Errorf("expected 74 reassembled bytes, got %d", len(payload))
	}
	ep, err := h.store.EndpointAt(last.Endpoint)
	if err != nil {
		t.Fatalf("EndpointAt failed: %v", err)
	}
	if ep.DevAddress != 5 || ep.Number != 2 || ep.Direction != usb.DirIn {
		t.Errorf("transfer on wrong endpoint: %d.%d %s", ep.DevAddress, ep.Number, ep.Direction)
	}
}

func TestEveryPacketBelongsToOneTransaction(t *testing.T) {
	h := newHarness(t)
	h.feed(usb.BuildSOF(1), usb.BuildSOF(2))
	h.feed(controlIn(0, getDescriptorFields(usb.DescTypeDevice, 18),
		deviceDescriptorBytes(1, 2))...)
	h.feed([]byte{0x77, 0x01}) // malformed
	h.feed(
		usb.BuildToken(usb.PIDIn, 3, 2),
		usb.BuildHandshake(usb.PIDNak),
	)
	h.finish()

	snap := h.store.TakeSnapshot()
	covered := make([]int, snap.Packets)
	for i := uint64(0); i < snap.Transactions; i++ {
		txn, err := h.store.TransactionAt(i)
		if err != nil {
			t.Fatalf("TransactionAt(%d) failed: %v", i, err)
		}
		if txn.Meta == nil {
			t.Errorf("transaction %d left open after finish", i)
		}
		for p := txn.FirstPacket; p < txn.FirstPacket+txn.PacketCount; p++ {
			covered[p]++
		}
	}
	for i, c := range covered {
		if c != 1 {
			t.Errorf("packet %d belongs to %d transactions, want exactly 1", i, c)
		}
	}
}

func TestMalformedPacketsFormInvalidGroup(t *testing.T) {
	h := newHarness(t)
	h.feed([]byte{0x77, 0x01}, []byte{0x13})
	h.finish()

	groups := closedGroups(t, h.store)
	if len(groups) != 1 {
		t.Fatalf("expected one invalid group, got %d", len(groups))
	}
	if groups[0].Meta == nil || groups[0].Meta.Kind != capture.GroupInvalid {
		t.Errorf("expected invalid group, got %+v", groups[0].Meta)
	}
}

func TestTransactionRangesContiguous(t *testing.T) {
	h := newHarness(t)
	h.feed(controlIn(0, getDescriptorFields(usb.DescTypeDevice, 18),
		deviceDescriptorBytes(1, 2))...)
	h.feed(usb.BuildSOF(7))
	h.finish()

	snap := h.store.TakeSnapshot()
	var next uint64
	for i := uint64(0); i < snap.Transactions; i++ {
		txn, err := h.store.TransactionAt(i)
		if err != nil {
			t.Fatalf("TransactionAt failed: %v", err)
		}
		if txn.FirstPacket != next {
			t.Errorf("transaction %d starts at %d, expected %d", i, txn.FirstPacket, next)
		}
		next = txn.FirstPacket + txn.PacketCount
	}
	if next != snap.Packets {
		t.Errorf("transactions cover %d packets, store has %d", next, snap.Packets)
	}
}
