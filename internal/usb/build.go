package usb

// Builders for well-formed packets. Tests and the capture generator
// construct traffic with these; the decoder never uses them.

// BuildToken assembles a SETUP/IN/OUT/PING token packet with a valid
// CRC5.
func BuildToken(pid PID, addr, ep uint8) []byte {
	data := uint32(addr&0x7F) | uint32(ep&0x0F)<<7
	crc := CRC5(data, 11)
	return []byte{
		byte(pid),
		byte(data),
		byte(data>>8) | crc<<3,
	}
}

// BuildSOF assembles a SOF packet for the given frame number.
func BuildSOF(frame uint16) []byte {
	data := uint32(frame & 0x07FF)
	crc := CRC5(data, 11)
	return []byte{
		byte(PIDSof),
		byte(data),
		byte(data>>8) | crc<<3,
	}
}

// BuildData assembles a DATA0/DATA1 packet with a valid CRC16.
func BuildData(pid PID, payload []byte) []byte {
	crc := CRC16(payload)
	out := make([]byte, 0, len(payload)+3)
	out = append(out, byte(pid))
	out = append(out, payload...)
	out = append(out, byte(crc), byte(crc>>8))
	return out
}

// BuildHandshake assembles a single-byte handshake packet.
func BuildHandshake(pid PID) []byte {
	return []byte{byte(pid)}
}

// BuildSplit assembles a SPLIT token with a valid CRC5 over its 19
// payload bits.
func BuildSplit(hubAddr uint8, sc StartComplete, port uint8, start, end bool, epType EndpointType) []byte {
	data := uint32(hubAddr&0x7F) |
		uint32(sc&1)<<7 |
		uint32(port&0x7F)<<8
	if start {
		data |= 1 << 15
	}
	if end {
		data |= 1 << 16
	}
	data |= uint32(epType&0x03) << 17
	crc := CRC5(data, 19)
	return []byte{
		byte(PIDSplit),
		byte(data),
		byte(data >> 8),
		byte(data>>16) | crc<<3,
	}
}

// BuildSetupData assembles the DATA0 packet of a SETUP transaction
// from its request fields.
func BuildSetupData(f SetupFields) []byte {
	bm := uint8(f.Recipient&0x1F) | uint8(f.RequestType&0x03)<<5 | uint8(f.Direction)<<7
	payload := []byte{
		bm,
		f.Request,
		byte(f.Value), byte(f.Value >> 8),
		byte(f.Index), byte(f.Index >> 8),
		byte(f.Length), byte(f.Length >> 8),
	}
	return BuildData(PIDData0, payload)
}
