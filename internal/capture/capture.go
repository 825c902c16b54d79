// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture persists relayed traffic as rotating pcap files. Each
// service owns one Session; flows submit accepted units and the session
// synthesizes TCP frames into the current capture file, rotating on a
// packet-count threshold or a time interval. Files are written to a
// dot-prefixed temp name and renamed into place on rotation, so readers
// only ever see complete captures.
package capture

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/events"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/metrics"
	"grimm.is/flytrap/internal/protocol"
)

// FlowMeta identifies one flow's endpoints for packet synthesis.
type FlowMeta struct {
	FlowID     uint64
	Service    string
	ClientIP   net.IP
	ClientPort uint16
	ServerIP   net.IP
	ServerPort uint16
}

// Options configure one capture session.
type Options struct {
	Service     string
	ListenIP    string
	ListenPort  uint16
	BackendHost string
	BackendPort uint16

	Directory  string
	Format     string
	Interval   time.Duration
	MaxPackets int
	QueueSize  int
}

type record struct {
	meta   FlowMeta
	dir    protocol.Direction
	data   []byte
	ts     time.Time
	closed bool
}

// Session is the single writer for one service's capture output.
type Session struct {
	id   uuid.UUID
	opts Options
	vars map[string]string

	log *logging.Logger
	hub *events.Hub
	mx  *metrics.Metrics

	queue    chan record
	disabled atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// openFile is the current capture window's temp file.
type openFile struct {
	path  string
	f     *os.File
	buf   *bufio.Writer
	w     *pcapgo.Writer
	count int
}

// NewSession validates the filename template, prepares the output
// directory, and starts the writer. hub and mx may be nil (tests).
func NewSession(opts Options, log *logging.Logger, hub *events.Hub, mx *metrics.Metrics) (*Session, error) {
	if opts.MaxPackets <= 0 || opts.Interval <= 0 || opts.QueueSize <= 0 {
		return nil, errors.New(errors.KindValidation, "capture interval, max packets, and queue size must be positive")
	}

	info, err := os.Stat(opts.Directory)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, errors.Errorf(errors.KindValidation, "capture path %s is not a directory", opts.Directory)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
			return nil, errors.Wrapf(err, errors.KindCaptureWrite, "create capture directory")
		}
	default:
		return nil, errors.Wrapf(err, errors.KindCaptureWrite, "stat capture directory")
	}

	listenIP := opts.ListenIP
	backend := opts.BackendHost
	vars := map[string]string{
		"service":     opts.Service,
		"client_ip":   listenIP,
		"client_port": strconv.Itoa(int(opts.ListenPort)),
		"server_ip":   backend,
		"server_port": strconv.Itoa(int(opts.BackendPort)),
		"from_ip":     listenIP,
		"from_port":   strconv.Itoa(int(opts.ListenPort)),
		"to_ip":       backend,
		"to_port":     strconv.Itoa(int(opts.BackendPort)),
		"timestamp":   "0",
	}
	if _, err := resolveTemplate(opts.Format, vars); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "capture filename template")
	}

	s := &Session{
		id:    uuid.New(),
		opts:  opts,
		vars:  vars,
		log:   log.WithComponent("capture"),
		hub:   hub,
		mx:    mx,
		queue: make(chan record, opts.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	s.log.Info("capture session started",
		"service", opts.Service, "session", s.id.String(),
		"dir", opts.Directory, "interval", opts.Interval, "max_packets", opts.MaxPackets)
	return s, nil
}

// Submit queues one accepted unit. It blocks while the queue is full;
// once the session is disabled after a write failure it returns
// immediately.
func (s *Session) Submit(dir protocol.Direction, data []byte, meta FlowMeta) {
	if len(data) == 0 || s.disabled.Load() {
		return
	}
	rec := record{
		meta: meta,
		dir:  dir,
		data: append([]byte(nil), data...),
		ts:   time.Now(),
	}
	select {
	case s.queue <- rec:
	case <-s.stop:
	}
}

// FlowClosed releases the per-flow sequence state. Ordered behind any
// Submit the flow already made.
func (s *Session) FlowClosed(meta FlowMeta) {
	select {
	case s.queue <- record{meta: meta, closed: true}:
	case <-s.stop:
	}
}

// Close drains queued records, finalizes the current file, and stops
// the writer.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)

	seqs := make(map[uint64]*seqState)
	cur, err := s.openTemp()
	if err != nil {
		s.fail(nil, err)
		cur = nil
	}

	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case rec := <-s.queue:
			cur = s.handle(cur, seqs, rec, timer)
		case <-timer.C:
			if cur != nil && cur.count > 0 {
				cur = s.rotateAndReopen(cur)
			}
			timer.Reset(s.opts.Interval)
		case <-s.stop:
			for {
				select {
				case rec := <-s.queue:
					cur = s.handle(cur, seqs, rec, timer)
				default:
					s.finalize(cur)
					return
				}
			}
		}
	}
}

// handle writes one record, rotating first when the file is full.
func (s *Session) handle(cur *openFile, seqs map[uint64]*seqState, rec record, timer *time.Timer) *openFile {
	if rec.closed {
		delete(seqs, rec.meta.FlowID)
		return cur
	}
	if s.disabled.Load() || cur == nil {
		return cur
	}

	st, ok := seqs[rec.meta.FlowID]
	if !ok {
		st = newSeqState()
		seqs[rec.meta.FlowID] = st
	}

	frames, err := st.frames(rec.meta, rec.dir, rec.data)
	if err != nil {
		// Synthesis failures are per-flow, not a file problem.
		s.log.WithError(err).Warn("dropping unit from capture",
			"service", s.opts.Service, "flow", rec.meta.FlowID)
		return cur
	}

	for _, frame := range frames {
		if cur.count >= s.opts.MaxPackets {
			cur = s.rotateAndReopen(cur)
			if cur == nil {
				return nil
			}
			resetTimer(timer, s.opts.Interval)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     rec.ts,
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := cur.w.WritePacket(ci, frame); err != nil {
			s.fail(cur, err)
			return nil
		}
		cur.count++
		if s.mx != nil {
			s.mx.CapturePacket(s.opts.Service, 1)
		}
	}
	return cur
}

// rotateAndReopen closes and renames the current file, then opens a
// fresh temp file. The old file is fully flushed and closed before the
// new one can accept a packet.
func (s *Session) rotateAndReopen(cur *openFile) *openFile {
	if err := s.rotate(cur); err != nil {
		os.Remove(cur.path)
		s.fail(nil, err)
		return nil
	}
	next, err := s.openTemp()
	if err != nil {
		s.fail(nil, err)
		return nil
	}
	return next
}

func (s *Session) rotate(cur *openFile) error {
	if err := cur.buf.Flush(); err != nil {
		cur.f.Close()
		return err
	}
	if err := cur.f.Close(); err != nil {
		return err
	}

	s.vars["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)
	name, err := resolveTemplate(s.opts.Format, s.vars)
	if err != nil {
		return err
	}
	final := uniquePath(filepath.Join(s.opts.Directory, name))
	if err := os.Rename(cur.path, final); err != nil {
		return err
	}

	s.log.Info("capture file rotated",
		"service", s.opts.Service, "file", final, "packets", cur.count)
	if s.mx != nil {
		s.mx.CaptureRotated(s.opts.Service)
	}
	if s.hub != nil {
		s.hub.Publish(events.Event{
			Type:    events.CaptureRotated,
			Service: s.opts.Service,
			Fields: map[string]any{
				"file":    final,
				"packets": cur.count,
			},
		})
	}
	return nil
}

// finalize ends the session: a non-empty window is rotated into place,
// an empty one is discarded.
func (s *Session) finalize(cur *openFile) {
	if cur == nil {
		return
	}
	if cur.count == 0 {
		cur.buf.Flush()
		cur.f.Close()
		os.Remove(cur.path)
		return
	}
	if err := s.rotate(cur); err != nil {
		s.log.WithError(err).Error("finalizing capture file failed", "service", s.opts.Service)
	}
}

func (s *Session) openTemp() (*openFile, error) {
	path := filepath.Join(s.opts.Directory, fmt.Sprintf(".%s.pcap", uuid.New().String()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	w := pcapgo.NewWriter(buf)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &openFile{path: path, f: f, buf: buf, w: w}, nil
}

// fail disables capture for the rest of the session. Flows keep
// relaying; their submissions are discarded from here on.
func (s *Session) fail(cur *openFile, err error) {
	if cur != nil {
		cur.f.Close()
		os.Remove(cur.path)
	}
	if s.disabled.Swap(true) {
		return
	}
	s.log.WithError(err).Error("capture disabled after write failure",
		"service", s.opts.Service, "session", s.id.String())
	if s.mx != nil {
		s.mx.CaptureError(s.opts.Service)
	}
	if s.hub != nil {
		s.hub.Publish(events.Event{
			Type:    events.CaptureFailed,
			Service: s.opts.Service,
			Fields:  map[string]any{"error": err.Error()},
		})
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// uniquePath dodges an earlier rotation that resolved to the same name;
// the template timestamp has one-second resolution, so back-to-back
// rotations collide.
func uniquePath(path string) string {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; i < 10000; i++ {
		cand := fmt.Sprintf("%s.%d%s", stem, i, ext)
		if _, err := os.Lstat(cand); os.IsNotExist(err) {
			return cand
		}
	}
	return path
}
