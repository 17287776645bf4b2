/*
Copyright 2016 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fixture

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DefaultPort is the well known iSCSI port.
const DefaultPort = 3260

const maxSegment = 1460

var (
	initiatorIP  = net.IPv4(10, 0, 0, 1)
	targetIP     = net.IPv4(10, 0, 0, 2)
	initiatorMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	targetMAC    = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	captureStart = time.Date(2016, 9, 1, 0, 0, 0, 0, time.UTC)
)

// Segment is a chunk of one TCP stream of an iSCSI connection.
type Segment struct {
	ToTarget bool
	Payload  []byte
}

// WritePCAP writes segments as a single TCP conversation between an
// initiator and a target listening on port. Payloads larger than a
// segment are split.
func WritePCAP(w io.Writer, port uint16, segments []Segment) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return err
	}
	const initiatorPort = 51000
	var seqToTarget, seqFromTarget uint32 = 1000, 5000
	ts := captureStart
	for _, seg := range segments {
		for off := 0; off < len(seg.Payload); off += maxSegment {
			end := off + maxSegment
			if end > len(seg.Payload) {
				end = len(seg.Payload)
			}
			chunk := seg.Payload[off:end]
			eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
			ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP}
			tcp := &layers.TCP{PSH: true, ACK: true, Window: 65535}
			if seg.ToTarget {
				eth.SrcMAC, eth.DstMAC = initiatorMAC, targetMAC
				ip.SrcIP, ip.DstIP = initiatorIP, targetIP
				tcp.SrcPort, tcp.DstPort = initiatorPort, layers.TCPPort(port)
				tcp.Seq, tcp.Ack = seqToTarget, seqFromTarget
				seqToTarget += uint32(len(chunk))
			} else {
				eth.SrcMAC, eth.DstMAC = targetMAC, initiatorMAC
				ip.SrcIP, ip.DstIP = targetIP, initiatorIP
				tcp.SrcPort, tcp.DstPort = layers.TCPPort(port), initiatorPort
				tcp.Seq, tcp.Ack = seqFromTarget, seqToTarget
				seqFromTarget += uint32(len(chunk))
			}
			if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
				return err
			}
			buf := gopacket.NewSerializeBuffer()
			opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
			if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(chunk)); err != nil {
				return fmt.Errorf("serialize packet: %v", err)
			}
			data := buf.Bytes()
			ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
			if err := pw.WritePacket(ci, data); err != nil {
				return err
			}
			ts = ts.Add(time.Millisecond)
		}
	}
	return nil
}

// ReadPCAP returns the TCP payloads to and from port in capture order.
// Consecutive payloads in the same direction are merged and packets of
// other conversations are skipped. The capture is expected to be free
// of retransmissions.
func ReadPCAP(r io.Reader, port uint16) ([]Segment, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %v", err)
	}
	var segs []Segment
	src := gopacket.NewPacketSource(pr, pr.LinkType())
	for pkt := range src.Packets() {
		tcpLayer := pkt.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp := tcpLayer.(*layers.TCP)
		if len(tcp.Payload) == 0 {
			continue
		}
		var toTarget bool
		switch layers.TCPPort(port) {
		case tcp.DstPort:
			toTarget = true
		case tcp.SrcPort:
		default:
			continue
		}
		payload := append([]byte(nil), tcp.Payload...)
		if n := len(segs); n > 0 && segs[n-1].ToTarget == toTarget {
			segs[n-1].Payload = append(segs[n-1].Payload, payload...)
			continue
		}
		segs = append(segs, Segment{ToTarget: toTarget, Payload: payload})
	}
	return segs, nil
}

// Stream concatenates the payloads flowing in one direction.
func Stream(segs []Segment, toTarget bool) []byte {
	var b bytes.Buffer
	for _, s := range segs {
		if s.ToTarget == toTarget {
			b.Write(s.Payload)
		}
	}
	return b.Bytes()
}
