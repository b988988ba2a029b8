package trace

import (
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// cellWireSize is the on-wire size of a Tor cell (circuit ID, command,
// 509-byte payload) as recorded in the capture.
const cellWireSize = 514

// PcapSink renders streams as synthetic UDP packets in a pcap file, one
// packet per cell, so standard capture tooling can inspect simulated
// traffic timing. Addressing is synthetic: the source encodes the user,
// the destination port encodes the stream.
type PcapSink struct {
	w      *pcapgo.Writer
	closer io.Closer
	opts   gopacket.SerializeOptions
}

// NewPcapSink writes a pcap file header to w and returns the sink. Packets
// are written inline by WriteCells; sinks are driven by one goroutine so
// no buffering loop is needed.
func NewPcapSink(w io.Writer) (*PcapSink, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("pcap sink: file header: %w", err)
	}
	s := &PcapSink{
		w: pw,
		opts: gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		},
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// WriteEvent is a no-op; the capture carries cells only.
func (s *PcapSink) WriteEvent(Event) error { return nil }

// WriteCells writes one synthetic packet per cell arrival.
func (s *PcapSink) WriteCells(user, stream uint64, ts []time.Time) error {
	eth := &layers.Ethernet{
		SrcMAC:       []byte{0x02, 0x00, byte(user >> 24), byte(user >> 16), byte(user >> 8), byte(user)},
		DstMAC:       []byte{0x02, 0x01, 0x00, 0x00, 0x00, 0x01},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    []byte{10, 255, byte(user >> 8), byte(user)},
		DstIP:    []byte{10, 254, 0, 1},
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(9001),
		DstPort: layers.UDPPort(uint16(stream%63000) + 1024),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("pcap sink: checksum layer: %w", err)
	}

	payload := make([]byte, cellWireSize-42) // cell size minus eth/ip/udp headers

	buf := gopacket.NewSerializeBuffer()
	for i, arrival := range ts {
		if err := buf.Clear(); err != nil {
			return fmt.Errorf("pcap sink: clear buffer: %w", err)
		}
		if err := gopacket.SerializeLayers(buf, s.opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
			return fmt.Errorf("pcap sink: serialize cell %d of stream %d: %w", i, stream, err)
		}
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     arrival,
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := s.w.WritePacket(ci, data); err != nil {
			return fmt.Errorf("pcap sink: write cell %d of stream %d: %w", i, stream, err)
		}
	}
	return nil
}

// Close closes the underlying writer if it is closable.
func (s *PcapSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
