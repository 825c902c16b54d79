// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flytrap/internal/netutil"
	"grimm.is/flytrap/internal/protocol"
)

const (
	snapLen = 65535

	// Ethernet + IPv4 + TCP headers; payload beyond this splits into
	// multiple frames.
	headerOverhead = 14 + 20 + 20
	maxPayload     = snapLen - headerOverhead

	tcpWindow = 65535
	hopLimit  = 64
)

// seqState tracks the synthetic TCP sequence space of one flow. Initial
// values follow a notional handshake with ISNs 1000 (client) and
// 1000000 (server) that is not itself written.
type seqState struct {
	seqClient uint32
	seqServer uint32
	ackClient uint32
	ackServer uint32
}

func newSeqState() *seqState {
	return &seqState{
		seqClient: 1001,
		seqServer: 1000001,
		ackClient: 1000001,
		ackServer: 1001,
	}
}

// frames renders one traffic unit as data frames, splitting at
// maxPayload, and advances the sequence numbers. PSH is set on the
// final fragment of the unit.
func (st *seqState) frames(meta FlowMeta, dir protocol.Direction, data []byte) ([][]byte, error) {
	var out [][]byte
	for off := 0; off < len(data); {
		end := off + maxPayload
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		off = end
		psh := end == len(data)

		var frame []byte
		var err error
		if dir == protocol.ClientToServer {
			frame, err = buildFrame(
				netutil.ClientMAC, netutil.ServerMAC,
				meta.ClientIP, meta.ServerIP, meta.ClientPort, meta.ServerPort,
				st.seqClient, st.ackClient, psh, chunk)
			st.seqClient += uint32(len(chunk))
			st.ackServer = st.seqClient
		} else {
			frame, err = buildFrame(
				netutil.ServerMAC, netutil.ClientMAC,
				meta.ServerIP, meta.ClientIP, meta.ServerPort, meta.ClientPort,
				st.seqServer, st.ackServer, psh, chunk)
			st.seqServer += uint32(len(chunk))
			st.ackClient = st.seqServer
		}
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
	}
	return out, nil
}

func buildFrame(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, psh bool, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		ACK:     true,
		PSH:     psh,
		Window:  tcpWindow,
	}

	var ip gopacket.SerializableLayer
	if v4 := srcIP.To4(); v4 != nil {
		dst := dstIP.To4()
		if dst == nil {
			return nil, fmt.Errorf("mixed address families %s -> %s", srcIP, dstIP)
		}
		l := &layers.IPv4{
			Version:  4,
			TTL:      hopLimit,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    v4,
			DstIP:    dst,
		}
		eth.EthernetType = layers.EthernetTypeIPv4
		if err := tcp.SetNetworkLayerForChecksum(l); err != nil {
			return nil, err
		}
		ip = l
	} else {
		dst := dstIP.To16()
		if dst == nil || dstIP.To4() != nil {
			return nil, fmt.Errorf("mixed address families %s -> %s", srcIP, dstIP)
		}
		l := &layers.IPv6{
			Version:    6,
			HopLimit:   hopLimit,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      srcIP.To16(),
			DstIP:      dst,
		}
		eth.EthernetType = layers.EthernetTypeIPv6
		if err := tcp.SetNetworkLayerForChecksum(l); err != nil {
			return nil, err
		}
		ip = l
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
