package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestCodec_RoundTrip(t *testing.T) {
	tests := map[string]Frame{
		"tcp open":  {Opcode: TCPOpen, DstIP: net.IPv4(127, 0, 0, 1)},
		"tcp data":  {Opcode: TCPData, Payload: []byte("hello")},
		"udp data":  {Opcode: UDPData, DstIP: net.IPv4(8, 8, 8, 8), Payload: []byte{1, 2, 3}},
		"empty ip":  {Opcode: TCPClose},
		"max sized": {Opcode: UDPCtrl, Payload: bytes.Repeat([]byte{0xAB}, DefaultMaxPayloadSize)},
	}

	codec := NewCodec(0)
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := codec.Encode(&buf, f); err != nil {
				t.Fatalf("Encode() error: %v", err)
			}

			got, err := codec.Decode(&buf)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}

			wantIP := f.DstIP.To4()
			if wantIP == nil {
				wantIP = net.IPv4zero.To4()
			}
			want := Frame{Opcode: f.Opcode, DstIP: net.IP(wantIP), Payload: f.Payload}

			isField := func(name string) func(p cmp.Path) bool {
				return func(p cmp.Path) bool {
					sf, ok := p.Last().(cmp.StructField)
					return ok && sf.Name() == name
				}
			}

			diff := cmp.Diff(want, got,
				cmp.FilterPath(isField("Payload"), cmpopts.EquateEmpty()),
				cmp.FilterPath(isField("DstIP"), cmp.Comparer(func(a, b net.IP) bool { return a.Equal(b) })),
			)
			if diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodec_RejectsOversizeFrame(t *testing.T) {
	codec := NewCodec(4)
	var buf bytes.Buffer

	err := codec.Encode(&buf, Frame{Opcode: TCPData, Payload: []byte("too long")})
	if err == nil {
		t.Fatal("Encode() expected an error for an oversize payload")
	}
}

func TestCodec_RejectsOversizeOnDecode(t *testing.T) {
	encodeCodec := NewCodec(100)
	decodeCodec := NewCodec(4)

	var buf bytes.Buffer
	if err := encodeCodec.Encode(&buf, Frame{Opcode: TCPData, Payload: []byte("too long")}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	if _, err := decodeCodec.Decode(&buf); err == nil {
		t.Fatal("Decode() expected an oversize error")
	}
}

func TestCodec_RejectsUnknownOpcode(t *testing.T) {
	codec := NewCodec(0)
	header := []byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0}

	if _, err := codec.Decode(bytes.NewReader(header)); err == nil {
		t.Fatal("Decode() expected an unknown opcode error")
	}
}

func TestSystemFrame_WireBytes(t *testing.T) {
	codec := NewCodec(0)
	var buf bytes.Buffer

	if err := codec.Encode(&buf, Frame{Opcode: System, Payload: []byte{SystemBadPassword}}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	want := []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes = % x, want % x", buf.Bytes(), want)
	}
}

func TestTCPStatus_Encoding(t *testing.T) {
	if got, want := EncodeTCPStatus(0), []byte{0, 0, 0, 0}; !bytes.Equal(got, want) {
		t.Errorf("EncodeTCPStatus(0) = % x, want % x", got, want)
	}
	if got, want := EncodeTCPStatus(1), []byte{0, 0, 0, 1}; !bytes.Equal(got, want) {
		t.Errorf("EncodeTCPStatus(1) = % x, want % x", got, want)
	}
}
