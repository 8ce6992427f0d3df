// Package transport implements the UDP request/response and bulk-read
// protocol described in spec.md §4.B: first-byte opcodes, little-endian
// payloads, optional packet-identifier sequencing (protocol revisions
// >= "2008"), per-call timeout/retry, and link-interface arbitration.
//
// The transport is strictly request-then-wait: at most one request is
// outstanding on the socket at a time, matching spec.md §5's
// single-threaded cooperative scheduling model.
package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sis3316/daq/internal/logging"
	"github.com/sis3316/daq/internal/regmap"
)

// Opcodes, per spec.md §4.B.
const (
	OpReadLink   byte = 0x10
	OpWriteLink  byte = 0x11
	OpReadVME    byte = 0x20
	OpWriteVME   byte = 0x21
	OpBulkRead   byte = 0x30
	OpBulkWrite  byte = 0x31
)

// MaxVMEBatch is the largest number of VME-space registers that may be
// read or written in a single packet.
const MaxVMEBatch = 64

// Status byte bits, per spec.md §4.B.
const (
	statusNoGrant       = 1 << 4
	statusFifoTimeout   = 1 << 5
	statusProtocolError = 1 << 6
)

// Errors, per the error-kind table in spec.md §7.
var (
	ErrInvalidArgument   = errors.New("transport: invalid argument")
	ErrTimeout           = errors.New("transport: timeout")
	ErrMalformed         = errors.New("transport: malformed response")
	ErrWrongResponse     = errors.New("transport: wrong response")
	ErrPacketsLost       = errors.New("transport: packets lost (pid mismatch)")
	ErrUnorderedPacket   = errors.New("transport: unordered bulk data packet")
	ErrNoGrant           = errors.New("transport: link arbitration grant refused")
	ErrFifoTimeout       = errors.New("transport: device FIFO timeout")
	ErrProtocolError     = errors.New("transport: device rejected request")
	ErrTransferLogicBusy = errors.New("transport: FIFO transfer control register busy")
)

// RetryPolicy controls how many times, and with what backoff, a failed
// call is retried. Reads are retried on timeout; writes are not (they
// are not idempotent in general).
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries int
}

// DefaultRetryPolicy matches spec.md §4.B's defaults: 100ms timeout, up
// to 10 retries with random backoff in [timeout/2, timeout).
var DefaultRetryPolicy = RetryPolicy{
	Timeout:    100 * time.Millisecond,
	MaxRetries: 10,
}

func (p RetryPolicy) backoff() time.Duration {
	lo := p.Timeout / 2
	span := p.Timeout - lo
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(span)))
}

// socket is the minimal interface Transport needs from a UDP
// connection. It is satisfied by *net.UDPConn and, in tests, by a fake
// implementation that can inject drops, reordering, and corruption.
type socket interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Transport owns one UDP socket talking to one module. It is not safe
// for concurrent use: the host-side protocol has no pipelining, and a
// Session (see BeginSession) should be held by a single goroutine for the
// duration of a scripted sequence.
type Transport struct {
	mu       sync.Mutex
	sock     socket
	peer     *net.UDPAddr
	pidMode  bool
	pid      byte
	retry    RetryPolicy
	granted  bool
	log      log_Logger

	scriptMu sync.Mutex // held for the duration of a scripted sequence, see Session
}

// Session serializes scripted sequences of writes: while one Session
// is open, BeginSession blocks. It guards a separate lock from the one
// individual Read/Write calls take, so code holding a Session may
// still issue ordinary reads/writes through it; reads and writes
// issued by other code outside a Session are not blocked by it.
type Session struct {
	t *Transport
}

// BeginSession acquires the transport's script lock, blocking until
// any concurrent session ends.
func (t *Transport) BeginSession() *Session {
	t.scriptMu.Lock()
	return &Session{t: t}
}

// End releases the script lock.
func (s *Session) End() { s.t.scriptMu.Unlock() }

// log_Logger is a narrow alias so this file does not need to import the
// concrete charmbracelet type name twice; see logging package.
type log_Logger = interface {
	Debug(msg interface{}, kv ...interface{})
	Info(msg interface{}, kv ...interface{})
	Warn(msg interface{}, kv ...interface{})
	Error(msg interface{}, kv ...interface{})
}

// Dial opens a UDP socket bound to the same local port as the
// destination port (the device replies to the port it received the
// request from, per spec.md §6), and targets (host, port).
func Dial(host string, port int) (*Transport, error) {
	peer, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve peer: %w", err)
	}
	local := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("transport: bind local port %d: %w", port, err)
	}
	return New(conn, peer), nil
}

// New builds a Transport around an already-established socket and
// peer address, for tests and alternative socket implementations.
func New(sock socket, peer *net.UDPAddr) *Transport {
	return &Transport{
		sock:  sock,
		peer:  peer,
		retry: DefaultRetryPolicy,
		log:   logging.For("transport"),
	}
}

// SetRetryPolicy overrides the default retry/backoff policy.
func (t *Transport) SetRetryPolicy(p RetryPolicy) { t.retry = p }

// EnablePacketIDs turns on the mod-256 packet-identifier byte carried
// by every request/response once the device's firmware reports a
// protocol revision >= "2008" (spec.md §4.B).
func (t *Transport) EnablePacketIDs(enable bool) { t.pidMode = enable }

// Close releases the socket.
func (t *Transport) Close() error { return t.sock.Close() }

// drainStale non-blockingly empties the receive queue so that stale
// datagrams left by the kernel from a prior exchange are not mistaken
// for the next response (spec.md §4.B transport contract).
func (t *Transport) drainStale() {
	_ = t.sock.SetReadDeadline(time.Now())
	buf := make([]byte, 65536)
	for {
		_, _, err := t.sock.ReadFromUDP(buf)
		if err != nil {
			return
		}
	}
}

func (t *Transport) nextPID() byte {
	p := t.pid
	t.pid++
	return p
}

// exchange sends frame and waits for exactly one datagram matching
// validate, applying the retry policy. retryable controls whether a
// Timeout is retried (true for reads, false for writes).
func (t *Transport) exchange(frame []byte, retryable bool, validate func([]byte) error) ([]byte, error) {
	var lastErr error
	attempts := 1
	if retryable {
		attempts = t.retry.MaxRetries
	}
	for attempt := 0; attempt < attempts; attempt++ {
		t.drainStale()
		if _, err := t.sock.WriteToUDP(frame, t.peer); err != nil {
			return nil, fmt.Errorf("transport: write: %w", err)
		}
		_ = t.sock.SetReadDeadline(time.Now().Add(t.retry.Timeout))
		buf := make([]byte, 65536)
		n, _, err := t.sock.ReadFromUDP(buf)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrTimeout, err)
			if retryable {
				time.Sleep(t.retry.backoff())
				continue
			}
			return nil, lastErr
		}
		resp := buf[:n]
		if verr := validate(resp); verr != nil {
			lastErr = verr
			if retryable && errors.Is(verr, ErrTimeout) {
				time.Sleep(t.retry.backoff())
				continue
			}
			return nil, verr
		}
		return resp, nil
	}
	return nil, lastErr
}

func checkStatus(status byte, onWritePath bool) error {
	if status&statusNoGrant != 0 {
		return ErrNoGrant
	}
	if status&statusProtocolError != 0 {
		return ErrProtocolError
	}
	if status&statusFifoTimeout != 0 {
		if onWritePath {
			return nil // benign on writes
		}
		return ErrFifoTimeout
	}
	return nil
}

// Acquire writes 1 to the link-interface arbitration register (addr)
// and verifies bit 20 (the grant bit) is set. Failure is fatal per
// spec.md §4.B: the caller must re-open the session.
func (t *Transport) Acquire(arbitrationReg regmap.Addr) error {
	if err := t.WriteLink(arbitrationReg, 1); err != nil {
		return fmt.Errorf("transport: acquire write: %w", err)
	}
	word, err := t.ReadLink(arbitrationReg)
	if err != nil {
		return fmt.Errorf("transport: acquire verify: %w", err)
	}
	if word&(1<<20) == 0 {
		t.log.Warn("link arbitration grant refused", "reg", arbitrationReg)
		return ErrNoGrant
	}
	t.granted = true
	t.log.Debug("link arbitration granted", "reg", arbitrationReg)
	return nil
}

// Release writes 0 to the arbitration register, relinquishing the
// grant.
func (t *Transport) Release(arbitrationReg regmap.Addr) error {
	t.granted = false
	return t.WriteLink(arbitrationReg, 0)
}

// ReadLink reads one link-space register (op 0x10). Retried on
// timeout.
func (t *Transport) ReadLink(addr regmap.Addr) (uint32, error) {
	if addr.Space() != regmap.LinkSpace {
		return 0, fmt.Errorf("%w: address %#x is not link-space", ErrInvalidArgument, addr)
	}
	req := make([]byte, 5)
	req[0] = OpReadLink
	binary.LittleEndian.PutUint32(req[1:], uint32(addr))

	resp, err := t.exchange(req, true, func(b []byte) error {
		if len(b) < 9 || b[0] != OpReadLink {
			return fmt.Errorf("%w: got %d bytes opcode %#x", ErrWrongResponse, len(b), safeOp(b))
		}
		gotAddr := binary.LittleEndian.Uint32(b[1:5])
		if regmap.Addr(gotAddr) != addr {
			return fmt.Errorf("%w: echoed addr %#x != requested %#x", ErrWrongResponse, gotAddr, addr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(resp[5:9]), nil
}

// WriteLink writes one link-space register (op 0x11). There is no
// response and no retry (writes are not idempotent in general).
func (t *Transport) WriteLink(addr regmap.Addr, data uint32) error {
	if addr.Space() != regmap.LinkSpace {
		return fmt.Errorf("%w: address %#x is not link-space", ErrInvalidArgument, addr)
	}
	req := make([]byte, 9)
	req[0] = OpWriteLink
	binary.LittleEndian.PutUint32(req[1:5], uint32(addr))
	binary.LittleEndian.PutUint32(req[5:9], data)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.drainStale()
	_, err := t.sock.WriteToUDP(req, t.peer)
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func safeOp(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// ReadVME reads a batch of VME-space registers, splitting into chunks
// of at most MaxVMEBatch addresses per request (spec.md scenario 2).
func (t *Transport) ReadVME(addrs []regmap.Addr) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]uint32, 0, len(addrs))
	for len(addrs) > 0 {
		n := len(addrs)
		if n > MaxVMEBatch {
			n = MaxVMEBatch
		}
		chunk := addrs[:n]
		addrs = addrs[n:]

		vals, err := t.readVMEChunk(chunk)
		if err != nil {
			return out, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

func (t *Transport) readVMEChunk(addrs []regmap.Addr) ([]uint32, error) {
	for _, a := range addrs {
		if a.Space() != regmap.VMESpace {
			return nil, fmt.Errorf("%w: address %#x is not VME-space", ErrInvalidArgument, a)
		}
	}
	n := len(addrs)
	var pid byte
	if t.pidMode {
		pid = t.nextPID()
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(OpReadVME)
	if t.pidMode {
		buf.WriteByte(pid)
	}
	_ = binary.Write(buf, binary.LittleEndian, uint16(n-1))
	for _, a := range addrs {
		_ = binary.Write(buf, binary.LittleEndian, uint32(a))
	}

	resp, err := t.exchange(buf.Bytes(), true, func(b []byte) error {
		minLen := 2 + 4*n
		if t.pidMode {
			minLen++
		}
		if len(b) < minLen || b[0] != OpReadVME {
			return fmt.Errorf("%w: short/mismatched VME read response", ErrMalformed)
		}
		status := b[1]
		idx := 2
		if t.pidMode {
			gotPID := b[2]
			if gotPID != pid {
				return fmt.Errorf("%w: pid %d != %d", ErrPacketsLost, gotPID, pid)
			}
			idx = 3
		}
		if err := checkStatus(status, false); err != nil {
			return err
		}
		if len(b) < idx+4*n {
			return fmt.Errorf("%w: truncated data", ErrMalformed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	idx := 2
	if t.pidMode {
		idx = 3
	}
	vals := make([]uint32, n)
	for i := 0; i < n; i++ {
		vals[i] = binary.LittleEndian.Uint32(resp[idx+4*i:])
	}
	return vals, nil
}

// WriteVME writes a batch of (addr, data) pairs, chunked like ReadVME.
// Not retried on timeout.
func (t *Transport) WriteVME(addrs []regmap.Addr, data []uint32) error {
	if len(addrs) != len(data) {
		return fmt.Errorf("%w: addrs/data length mismatch", ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(addrs) > 0 {
		n := len(addrs)
		if n > MaxVMEBatch {
			n = MaxVMEBatch
		}
		if err := t.writeVMEChunk(addrs[:n], data[:n]); err != nil {
			return err
		}
		addrs, data = addrs[n:], data[n:]
	}
	return nil
}

func (t *Transport) writeVMEChunk(addrs []regmap.Addr, data []uint32) error {
	for _, a := range addrs {
		if a.Space() != regmap.VMESpace {
			return fmt.Errorf("%w: address %#x is not VME-space", ErrInvalidArgument, a)
		}
	}
	n := len(addrs)
	var pid byte
	if t.pidMode {
		pid = t.nextPID()
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(OpWriteVME)
	if t.pidMode {
		buf.WriteByte(pid)
	}
	_ = binary.Write(buf, binary.LittleEndian, uint16(n-1))
	for i := range addrs {
		_ = binary.Write(buf, binary.LittleEndian, uint32(addrs[i]))
		_ = binary.Write(buf, binary.LittleEndian, data[i])
	}

	_, err := t.exchange(buf.Bytes(), false, func(b []byte) error {
		minLen := 2
		if t.pidMode {
			minLen++
		}
		if len(b) < minLen || b[0] != OpWriteVME {
			return fmt.Errorf("%w: short/mismatched VME write response", ErrMalformed)
		}
		status := b[1]
		if t.pidMode {
			gotPID := b[2]
			if gotPID != pid {
				return fmt.Errorf("%w: pid %d != %d", ErrPacketsLost, gotPID, pid)
			}
		}
		return checkStatus(status, true)
	})
	return err
}

// SendBulkReadRequest issues the op 0x30 request for nwords starting at
// fifoAddr. The caller (internal/readout) then drains the resulting
// burst of data datagrams with RecvBulkBurst.
func (t *Transport) SendBulkReadRequest(fifoAddr regmap.Addr, nwords uint32) error {
	if nwords == 0 || nwords > 0x10000 {
		return fmt.Errorf("%w: nwords %d out of range", ErrInvalidArgument, nwords)
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(OpBulkRead)
	if t.pidMode {
		buf.WriteByte(t.nextPID())
	}
	_ = binary.Write(buf, binary.LittleEndian, uint16(nwords-1))
	_ = binary.Write(buf, binary.LittleEndian, uint32(fifoAddr))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.drainStale()
	_, err := t.sock.WriteToUDP(buf.Bytes(), t.peer)
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// BulkBurstResult is the outcome of draining one burst of bulk-read
// datagrams.
type BulkBurstResult struct {
	Data      []byte
	Timeout   bool // congestion: no datagram arrived within the deadline
	Unordered bool // a packet counter skip was detected mid-burst
}

// RecvBulkBurst reads datagrams following a SendBulkReadRequest until
// expectedBytes have arrived or an error/timeout occurs. Each datagram
// carries a 4-bit packet counter in the low nibble of its status byte,
// which must increment mod-16; a skip aborts the burst with Unordered
// set and the data collected so far (the caller resumes from
// offset+len(Data), per spec.md §4.D).
func (t *Transport) RecvBulkBurst(expectedBytes int, timeout time.Duration) BulkBurstResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out bytes.Buffer
	var haveCounter bool
	var counter byte
	buf := make([]byte, 65536+16)
	for out.Len() < expectedBytes {
		_ = t.sock.SetReadDeadline(time.Now().Add(timeout))
		n, _, err := t.sock.ReadFromUDP(buf)
		if err != nil {
			return BulkBurstResult{Data: out.Bytes(), Timeout: true}
		}
		b := buf[:n]
		idx := 2
		if len(b) < 2 || b[0] != OpBulkRead {
			continue // trash in socket; keep waiting within deadline budget
		}
		status := b[1]
		if t.pidMode {
			idx = 3
		}
		if err := checkStatus(status, false); err != nil {
			continue
		}
		pc := status & 0x0F
		if !haveCounter {
			haveCounter = true
			counter = pc
		} else {
			counter = (counter + 1) & 0x0F
			if pc != counter {
				t.log.Warn("unordered bulk packet", "want", counter, "got", pc)
				return BulkBurstResult{Data: out.Bytes(), Unordered: true}
			}
		}
		if idx < len(b) {
			out.Write(b[idx:])
		}
	}
	data := out.Bytes()
	if len(data) > expectedBytes {
		data = data[:expectedBytes]
	}
	return BulkBurstResult{Data: data}
}
