package descriptor

import "usblens/internal/usb"

// Class codes with known class-specific descriptor layouts.
const (
	classAudio = 0x01
	classCDC   = 0x02
	classHID   = 0x03
)

// Class-specific descriptor types.
const (
	csInterface = 0x24
	csEndpoint  = 0x25
)

// parseConfiguration walks a configuration blob bounded by its
// wTotalLength. Descriptors longer than their standard size are
// accepted and the excess retained; truncated descriptors end the walk.
// Unknown descriptor types are preserved opaquely at whatever level of
// the tree the walk has reached.
func parseConfiguration(data []byte) (*Configuration, bool) {
	if len(data) < 9 || data[1] != usb.DescTypeConfiguration {
		return nil, false
	}
	cfg := &Configuration{
		Descriptor: ConfigDescriptor{
			Length:             data[0],
			DescriptorType:     data[1],
			TotalLength:        le16(data[2:]),
			NumInterfaces:      data[4],
			ConfigurationValue: data[5],
			ConfigurationStrID: data[6],
			Attributes:         data[7],
			MaxPower:           data[8],
		},
	}
	total := int(cfg.Descriptor.TotalLength)
	if total > len(data) {
		total = len(data)
	}

	// Indices into cfg.Interfaces and the owning interface's endpoint
	// list; the slices grow during the walk, so pointers are unsafe.
	ifaceIdx := -1
	epIdx := -1
	ifaceClass := uint8(0)

	pos := int(data[0])
	for pos+2 <= total {
		length := int(data[pos])
		dtype := data[pos+1]
		if length < 2 || pos+length > total {
			break
		}
		body := data[pos : pos+length]

		switch dtype {
		case usb.DescTypeInterface:
			if length >= 9 {
				cfg.Interfaces = append(cfg.Interfaces, Interface{
					Descriptor: InterfaceDescriptor{
						Length:            body[0],
						DescriptorType:    body[1],
						InterfaceNumber:   body[2],
						AlternateSetting:  body[3],
						NumEndpoints:      body[4],
						InterfaceClass:    body[5],
						InterfaceSubclass: body[6],
						InterfaceProtocol: body[7],
						InterfaceStrID:    body[8],
					},
				})
				ifaceIdx = len(cfg.Interfaces) - 1
				epIdx = -1
				ifaceClass = body[5]
			}
		case usb.DescTypeEndpoint:
			if ifaceIdx >= 0 && length >= 7 {
				iface := &cfg.Interfaces[ifaceIdx]
				iface.Endpoints = append(iface.Endpoints, Endpoint{
					Descriptor: EndpointDescriptor{
						Length:         body[0],
						DescriptorType: body[1],
						EndpointAddr:   body[2],
						Attributes:     body[3],
						MaxPacketSize:  le16(body[4:]),
						Interval:       body[6],
					},
				})
				epIdx = len(iface.Endpoints) - 1
			}
		case usb.DescTypeInterfaceAssociation:
			if length >= 8 {
				cfg.Associations = append(cfg.Associations, InterfaceAssociation{
					Length:           body[0],
					DescriptorType:   body[1],
					FirstInterface:   body[2],
					InterfaceCount:   body[3],
					FunctionClass:    body[4],
					FunctionSubclass: body[5],
					FunctionProtocol: body[6],
					FunctionStrID:    body[7],
				})
			}
		case usb.DescTypeHID:
			if ifaceIdx >= 0 && length >= 9 {
				cfg.Interfaces[ifaceIdx].HID = parseHIDDescriptor(body)
			}
		default:
			cs := classSpecific(dtype, ifaceClass, body)
			switch {
			case ifaceIdx >= 0 && epIdx >= 0:
				ep := &cfg.Interfaces[ifaceIdx].Endpoints[epIdx]
				ep.Extra = append(ep.Extra, cs)
			case ifaceIdx >= 0:
				iface := &cfg.Interfaces[ifaceIdx]
				iface.Extra = append(iface.Extra, cs)
			default:
				cfg.Extra = append(cfg.Extra, cs)
			}
		}
		pos += length
	}
	return cfg, true
}

// classSpecific wraps a descriptor blob, naming the subtype where the
// owning interface class has a known layout.
func classSpecific(dtype, ifaceClass uint8, body []byte) ClassSpecific {
	cs := ClassSpecific{
		DescriptorType: dtype,
		Data:           append([]byte(nil), body...),
	}
	if (dtype == csInterface || dtype == csEndpoint) && len(body) >= 3 {
		cs.Subtype = body[2]
		switch ifaceClass {
		case classAudio:
			cs.SubtypeName = audioSubtypeName(body[2])
		case classCDC:
			cs.SubtypeName = cdcSubtypeName(body[2])
		}
	}
	return cs
}

func audioSubtypeName(subtype uint8) string {
	switch subtype {
	case 0x01:
		return "header"
	case 0x02:
		return "input terminal"
	case 0x03:
		return "output terminal"
	case 0x04:
		return "mixer unit"
	case 0x05:
		return "selector unit"
	case 0x06:
		return "feature unit"
	}
	return ""
}

func cdcSubtypeName(subtype uint8) string {
	switch subtype {
	case 0x00:
		return "header"
	case 0x01:
		return "call management"
	case 0x02:
		return "abstract control management"
	case 0x06:
		return "union"
	}
	return ""
}

func parseHIDDescriptor(body []byte) *HIDDescriptor {
	h := &HIDDescriptor{
		Length:         body[0],
		DescriptorType: body[1],
		HIDVersion:     le16(body[2:]),
		CountryCode:    body[4],
		NumDescriptors: body[5],
	}
	for pos := 6; pos+3 <= len(body); pos += 3 {
		h.ReportDescriptors = append(h.ReportDescriptors, ReportDescriptorRef{
			DescriptorType: body[pos],
			Length:         le16(body[pos+1:]),
		})
	}
	return h
}
