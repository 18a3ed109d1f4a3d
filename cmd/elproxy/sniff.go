package main

import (
	"fmt"
	"io"
	"math"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/spf13/cobra"

	"github.com/openrelay/elproxy/internal/wire"
)

var sniffDevice string
var sniffPort uint16

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Capture and decode live EchoLink control-channel traffic for troubleshooting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSniff(sniffDevice, sniffPort)
	},
}

func init() {
	sniffCmd.Flags().StringVarP(&sniffDevice, "device", "d", "en0", "Network device to capture on")
	sniffCmd.Flags().Uint16VarP(&sniffPort, "port", "p", 8100, "Client-facing proxy port to filter on")
}

func runSniff(device string, port uint16) error {
	handle, err := pcap.OpenLive(device, math.MaxInt32, false, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("opening capture handle on %s: %w", device, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter(fmt.Sprintf("tcp port %d", port)); err != nil {
		return fmt.Errorf("setting capture filter: %w", err)
	}

	codec := wire.NewCodec(0)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range packetSource.Packets() {
		appLayer := packet.ApplicationLayer()
		if appLayer == nil {
			continue
		}

		payload := appLayer.Payload()
		if len(payload) < wire.HeaderSize {
			continue
		}

		frame, err := codec.Decode(&byteReader{b: payload})
		if err != nil {
			continue
		}
		fmt.Printf("%v %s dst=%s size=%d\n", packet.TransportLayer().TransportFlow(), frame.Opcode, frame.DstIP, len(frame.Payload))
	}

	return nil
}

// byteReader adapts a byte slice to io.Reader for a single Decode call;
// a captured application-layer payload may contain more than one frame,
// but decoding just the first is enough for a troubleshooting dump.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
