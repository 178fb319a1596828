// Generates a synthetic USB 2.0 capture file for testing: SOF traffic,
// a device enumeration at address 5, and a polled interrupt endpoint.
package main

import (
	"flag"
	"log"

	"usblens/internal/usb"
	"usblens/pkg/pcapfile"
)

func main() {
	out := flag.String("o", "testdata.pcap", "Output file path.")
	ngFormat := flag.Bool("ng", false, "Write pcapng instead of pcap.")
	flag.Parse()

	format := pcapfile.FormatPcap
	if *ngFormat {
		format = pcapfile.FormatPcapng
	}
	w, path, err := pcapfile.Create(*out, format)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}

	ts := uint64(0)
	add := func(packets ...[]byte) {
		for _, p := range packets {
			ts += 1000
			if err := w.AddPacket(ts, p); err != nil {
				log.Fatalf("Failed to write packet: %v", err)
			}
		}
	}

	if *ngFormat {
		w.AddEvent(pcapfile.Event{TsNs: 0, Code: pcapfile.EventCaptureStart})
		w.AddEvent(pcapfile.Event{TsNs: 1, Code: pcapfile.EventSpeedChange,
			Payload: []byte{byte(usb.SpeedFull)}})
	}

	for frame := uint16(0); frame < 8; frame++ {
		add(usb.BuildSOF(frame))
	}

	getDeviceDescriptor := usb.SetupFields{
		RequestType: usb.RequestStandard,
		Recipient:   usb.RecipientDevice,
		Direction:   usb.DirIn,
		Request:     usb.ReqGetDescriptor,
		Value:       uint16(usb.DescTypeDevice) << 8,
		Length:      18,
	}
	deviceDescriptor := []byte{
		18, usb.DescTypeDevice, 0x00, 0x02, 0, 0, 0, 64,
		0x50, 0x1D, 0x18, 0x60, 0x01, 0x00, 1, 2, 3, 1,
	}
	add(
		usb.BuildToken(usb.PIDSetup, 0, 0),
		usb.BuildSetupData(getDeviceDescriptor),
		usb.BuildHandshake(usb.PIDAck),
		usb.BuildToken(usb.PIDIn, 0, 0),
		usb.BuildData(usb.PIDData1, deviceDescriptor),
		usb.BuildHandshake(usb.PIDAck),
		usb.BuildToken(usb.PIDOut, 0, 0),
		usb.BuildData(usb.PIDData1, nil),
		usb.BuildHandshake(usb.PIDAck),
	)

	setAddress := usb.SetupFields{
		RequestType: usb.RequestStandard,
		Recipient:   usb.RecipientDevice,
		Direction:   usb.DirOut,
		Request:     usb.ReqSetAddress,
		Value:       5,
	}
	add(
		usb.BuildToken(usb.PIDSetup, 0, 0),
		usb.BuildSetupData(setAddress),
		usb.BuildHandshake(usb.PIDAck),
		usb.BuildToken(usb.PIDIn, 0, 0),
		usb.BuildData(usb.PIDData1, nil),
		usb.BuildHandshake(usb.PIDAck),
	)

	for i := 0; i < 16; i++ {
		add(
			usb.BuildToken(usb.PIDIn, 5, 1),
			usb.BuildHandshake(usb.PIDNak),
		)
	}

	if *ngFormat {
		w.AddEvent(pcapfile.Event{TsNs: ts + 1, Code: pcapfile.EventCaptureStop})
	}
	if err := w.Close(); err != nil {
		log.Fatalf("Failed to close output file: %v", err)
	}
	log.Printf("Wrote synthetic capture to '%s'.", path)
}
