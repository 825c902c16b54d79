// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flytrap/internal/events"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/netutil"
	"grimm.is/flytrap/internal/protocol"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Format: "text", Output: io.Discard})
}

func testOptions(dir string) Options {
	return Options{
		Service:     "vault",
		ListenIP:    "10.0.0.1",
		ListenPort:  4441,
		BackendHost: "10.0.0.2",
		BackendPort: 4441,
		Directory:   dir,
		Format:      "{service}-{timestamp}.pcap",
		Interval:    time.Hour,
		MaxPackets:  512,
		QueueSize:   400,
	}
}

func testMeta(flowID uint64) FlowMeta {
	return FlowMeta{
		FlowID:     flowID,
		Service:    "vault",
		ClientIP:   net.ParseIP("172.16.5.9"),
		ClientPort: 51000,
		ServerIP:   net.ParseIP("10.0.0.2"),
		ServerPort: 4441,
	}
}

func readFrames(t *testing.T, path string) [][]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	var frames [][]byte
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames = append(frames, append([]byte(nil), data...))
	}
	return frames
}

func captureFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "vault-*"))
	require.NoError(t, err)
	return files
}

func tcpLayer(t *testing.T, frame []byte) *layers.TCP {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	l := pkt.Layer(layers.LayerTypeTCP)
	require.NotNil(t, l, "frame must carry TCP")
	return l.(*layers.TCP)
}

func TestRotationOnPacketCount(t *testing.T) {
	dir := t.TempDir()
	hub := events.NewHub(16)
	ch, cancel := hub.Subscribe()
	defer cancel()

	opts := testOptions(dir)
	opts.MaxPackets = 256
	s, err := NewSession(opts, testLogger(), hub, nil)
	require.NoError(t, err)

	meta := testMeta(1)
	for i := 0; i < 257; i++ {
		s.Submit(protocol.ClientToServer, []byte("x"), meta)
	}
	s.Close()

	first := <-ch
	require.Equal(t, events.CaptureRotated, first.Type)
	assert.Equal(t, 256, first.Fields["packets"], "full file must close first")

	second := <-ch
	require.Equal(t, events.CaptureRotated, second.Type)
	assert.Equal(t, 1, second.Fields["packets"])

	files := captureFiles(t, dir)
	require.Len(t, files, 2)

	var counts []int
	for _, f := range files {
		counts = append(counts, len(readFrames(t, f)))
	}
	assert.ElementsMatch(t, []int{256, 1}, counts)

	// No stray temp files once the session is done.
	hidden, err := filepath.Glob(filepath.Join(dir, ".*.pcap"))
	require.NoError(t, err)
	assert.Empty(t, hidden)
}

func TestFrameSynthesis(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSession(testOptions(dir), testLogger(), nil, nil)
	require.NoError(t, err)

	meta := testMeta(7)
	s.Submit(protocol.ClientToServer, []byte("hello"), meta)
	s.Submit(protocol.ServerToClient, []byte("world!"), meta)
	s.FlowClosed(meta)
	s.Close()

	files := captureFiles(t, dir)
	require.Len(t, files, 1)
	frames := readFrames(t, files[0])
	require.Len(t, frames, 2)

	// Client to server.
	pkt := gopacket.NewPacket(frames[0], layers.LayerTypeEthernet, gopacket.Default)
	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, netutil.ClientMAC.String(), eth.SrcMAC.String())
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, "172.16.5.9", ip.SrcIP.String())
	assert.Equal(t, "10.0.0.2", ip.DstIP.String())
	tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	assert.Equal(t, uint32(1001), tcp.Seq)
	assert.Equal(t, uint32(1000001), tcp.Ack)
	assert.True(t, tcp.ACK)
	assert.True(t, tcp.PSH)
	assert.Equal(t, layers.TCPPort(51000), tcp.SrcPort)
	assert.Equal(t, "hello", string(tcp.Payload))

	// Server to client acknowledges the five client bytes.
	pkt = gopacket.NewPacket(frames[1], layers.LayerTypeEthernet, gopacket.Default)
	ip = pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, "10.0.0.2", ip.SrcIP.String())
	tcp = pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	assert.Equal(t, uint32(1000001), tcp.Seq)
	assert.Equal(t, uint32(1006), tcp.Ack)
	assert.Equal(t, "world!", string(tcp.Payload))
}

func TestUnitSplitsAtMaxPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSession(testOptions(dir), testLogger(), nil, nil)
	require.NoError(t, err)

	payload := make([]byte, maxPayload+10)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	s.Submit(protocol.ClientToServer, payload, testMeta(1))
	s.Close()

	files := captureFiles(t, dir)
	require.Len(t, files, 1)
	frames := readFrames(t, files[0])
	require.Len(t, frames, 2)

	first := tcpLayer(t, frames[0])
	assert.Len(t, first.Payload, maxPayload)
	assert.False(t, first.PSH, "only the final fragment pushes")

	second := tcpLayer(t, frames[1])
	assert.Len(t, second.Payload, 10)
	assert.True(t, second.PSH)
	assert.Equal(t, uint32(1001+maxPayload), second.Seq)
}

func TestFlowClosedResetsSequence(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSession(testOptions(dir), testLogger(), nil, nil)
	require.NoError(t, err)

	meta := testMeta(3)
	s.Submit(protocol.ClientToServer, []byte("abc"), meta)
	s.FlowClosed(meta)
	s.Submit(protocol.ClientToServer, []byte("def"), meta)
	s.Close()

	frames := readFrames(t, captureFiles(t, dir)[0])
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(1001), tcpLayer(t, frames[0]).Seq)
	assert.Equal(t, uint32(1001), tcpLayer(t, frames[1]).Seq, "sequence state must reset after flow close")
}

func TestIPv6Synthesis(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSession(testOptions(dir), testLogger(), nil, nil)
	require.NoError(t, err)

	meta := FlowMeta{
		FlowID:     1,
		Service:    "vault",
		ClientIP:   net.ParseIP("fd00::9"),
		ClientPort: 51000,
		ServerIP:   net.ParseIP("fd00::2"),
		ServerPort: 4441,
	}
	s.Submit(protocol.ClientToServer, []byte("ping6"), meta)
	s.Close()

	frames := readFrames(t, captureFiles(t, dir)[0])
	require.Len(t, frames, 1)
	pkt := gopacket.NewPacket(frames[0], layers.LayerTypeEthernet, gopacket.Default)
	ip6 := pkt.Layer(layers.LayerTypeIPv6)
	require.NotNil(t, ip6)
	assert.Equal(t, "fd00::9", ip6.(*layers.IPv6).SrcIP.String())
	assert.Equal(t, "ping6", string(tcpLayer(t, frames[0]).Payload))
}

func TestEmptySessionLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSession(testOptions(dir), testLogger(), nil, nil)
	require.NoError(t, err)
	s.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "empty session must not leave files behind")
}

func TestTemplateValidatedAtStart(t *testing.T) {
	cases := []struct {
		name   string
		format string
	}{
		{"unknown key", "{bogus}.pcap"},
		{"unterminated", "cap-{service.pcap"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions(t.TempDir())
			opts.Format = tc.format
			_, err := NewSession(opts, testLogger(), nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestTemplateResolution(t *testing.T) {
	vars := map[string]string{"service": "vault", "timestamp": "123", "from_ip": "1.2.3.4"}

	got, err := resolveTemplate("{service}_{from_ip}_{timestamp}.pcap", vars)
	require.NoError(t, err)
	assert.Equal(t, "vault_1.2.3.4_123.pcap", got)

	got, err = resolveTemplate("plain.pcap", vars)
	require.NoError(t, err)
	assert.Equal(t, "plain.pcap", got)
}

func TestCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "pcaps")
	opts := testOptions(dir)
	s, err := NewSession(opts, testLogger(), nil, nil)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriteFailureDisablesCapture(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pcaps")
	hub := events.NewHub(16)
	ch, cancel := hub.Subscribe()
	defer cancel()

	opts := testOptions(dir)
	opts.MaxPackets = 1
	s, err := NewSession(opts, testLogger(), hub, nil)
	require.NoError(t, err)
	defer s.Close()

	meta := testMeta(1)
	s.Submit(protocol.ClientToServer, []byte("a"), meta)

	// Pull the directory out from under the session; the next rotation's
	// rename must fail and disable capture without touching the flow.
	require.NoError(t, os.RemoveAll(dir))
	s.Submit(protocol.ClientToServer, []byte("b"), meta)

	require.Eventually(t, func() bool {
		select {
		case ev := <-ch:
			return ev.Type == events.CaptureFailed
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return s.disabled.Load() }, time.Second, 10*time.Millisecond)

	// Disabled sessions absorb submissions without blocking.
	doneCh := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Submit(protocol.ClientToServer, []byte("c"), meta)
		}
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked after capture was disabled")
	}
}

func TestUniquePathSuffixes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "cap-1.pcap")

	assert.Equal(t, base, uniquePath(base))

	require.NoError(t, os.WriteFile(base, nil, 0o644))
	next := uniquePath(base)
	assert.Equal(t, filepath.Join(dir, "cap-1.1.pcap"), next)

	require.NoError(t, os.WriteFile(next, nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "cap-1.2.pcap"), uniquePath(base))
}
