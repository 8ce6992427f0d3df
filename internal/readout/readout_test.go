package readout

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sis3316/daq/internal/regmap"
	"github.com/sis3316/daq/internal/regsvc"
	"github.com/sis3316/daq/internal/transport"
)

// fakeModule is a minimal VME-space register file plus a bulk-read
// FIFO simulator, enough to exercise Controller.Arm/Disarm/Toggle and
// Drain over a real socket.
type fakeModule struct {
	conn           *net.UDPConn
	mem            map[uint32]uint32
	transferOffset uint32
	bulkReqCount   int

	// Fault injection for the congestion-control exercise (scenario 5
	// and the hard-timeout test). Request numbers are 1-based.
	dropPacketReqIndex  int // one datagram mid-burst never arrives
	silenceOnceReqIndex int // one whole burst goes unanswered
	silenceForeverFrom  int // every burst from this number on goes unanswered (0 = disabled)
}

func startFakeModule(t *testing.T) (*fakeModule, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	d := &fakeModule{conn: conn, mem: make(map[uint32]uint32)}
	go d.serve()
	t.Cleanup(func() { conn.Close() })
	return d, conn.LocalAddr().(*net.UDPAddr)
}

func (d *fakeModule) serve() {
	buf := make([]byte, 70000)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req := append([]byte(nil), buf[:n]...)
		switch req[0] {
		case transport.OpReadVME:
			n := int(binary.LittleEndian.Uint16(req[1:3])) + 1
			addrs := make([]uint32, n)
			for i := 0; i < n; i++ {
				addrs[i] = binary.LittleEndian.Uint32(req[3+4*i:])
			}
			resp := make([]byte, 2+4*n)
			resp[0] = transport.OpReadVME
			for i, a := range addrs {
				binary.LittleEndian.PutUint32(resp[2+4*i:], d.mem[a])
			}
			d.conn.WriteToUDP(resp, addr)
		case transport.OpWriteVME:
			n := int(binary.LittleEndian.Uint16(req[1:3])) + 1
			for i := 0; i < n; i++ {
				a := binary.LittleEndian.Uint32(req[3+8*i:])
				v := binary.LittleEndian.Uint32(req[3+8*i+4:])
				d.mem[a] = v
				if a == uint32(regTransferControlBase) || isTransferControlReg(a) {
					d.transferOffset = v & 0x0FFFFFFF
				}
			}
			d.conn.WriteToUDP([]byte{transport.OpWriteVME, 0}, addr)
		case transport.OpBulkRead:
			d.bulkReqCount++
			nwords := int(binary.LittleEndian.Uint16(req[1:3])) + 1
			d.handleBulkRead(addr, d.transferOffset, nwords, d.bulkReqCount)
		}
	}
}

func isTransferControlReg(a uint32) bool {
	for g := 0; g < 4; g++ {
		if a == uint32(regTransferControlBase)+uint32(g)*uint32(transferControlStride) {
			return true
		}
	}
	return false
}

func prevBankReg(chanIdx int) regmap.Addr {
	return regPreviousBankBase + regmap.Addr(chanIdx)*bankRegStride
}

func prevBankEndReg(chanIdx int) regmap.Addr {
	return regPreviousBankEndBase + regmap.Addr(chanIdx)*bankRegStride
}

const wordsPerPacket = 512

func (d *fakeModule) handleBulkRead(addr *net.UDPAddr, startWord uint32, nwords, reqCount int) {
	if d.silenceForeverFrom != 0 && reqCount >= d.silenceForeverFrom {
		return // every burst from silenceForeverFrom on goes unanswered
	}
	if reqCount == d.silenceOnceReqIndex {
		return // this burst goes entirely unanswered: client times out
	}
	skip := -1
	if reqCount == d.dropPacketReqIndex {
		skip = 10 // the 11th datagram (0-indexed) of this burst never arrives
	}

	counter := byte(0)
	word := startWord
	remaining := nwords
	pktIdx := 0
	for remaining > 0 {
		n := wordsPerPacket
		if n > remaining {
			n = remaining
		}
		if pktIdx != skip {
			payload := make([]byte, 2+4*n)
			payload[0] = transport.OpBulkRead
			payload[1] = counter & 0x0F
			for i := 0; i < n; i++ {
				binary.LittleEndian.PutUint32(payload[2+4*i:], word+uint32(i))
			}
			d.conn.WriteToUDP(payload, addr)
		}
		counter++
		word += uint32(n)
		remaining -= n
		pktIdx++
	}
}

func newTestController(t *testing.T) (*Controller, *fakeModule) {
	t.Helper()
	d, peer := startFakeModule(t)
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	tr := transport.New(local, peer)
	tr.SetRetryPolicy(transport.RetryPolicy{Timeout: 50 * time.Millisecond, MaxRetries: 3})
	svc := regsvc.New(tr)
	c := New(svc, tr)
	c.SetBulkTimeout(30 * time.Millisecond)
	return c, d
}

func TestController_ArmDisarmToggle(t *testing.T) {
	c, _ := newTestController(t)
	require.Equal(t, Disarmed, c.State())

	require.NoError(t, c.Arm(0))
	require.Equal(t, ArmedBank0, c.State())

	require.NoError(t, c.Toggle())
	require.Equal(t, ArmedBank1, c.State())

	require.NoError(t, c.Disarm())
	require.Equal(t, Disarmed, c.State())
}

func TestController_ArmRejectsWhenNotDisarmed(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.Arm(0))
	err := c.Arm(1)
	require.Error(t, err)
}

// TestDrain_EmptyBankIsNoop covers end==0: no bulk read is issued.
func TestDrain_EmptyBankIsNoop(t *testing.T) {
	c, d := newTestController(t)
	chanIdx := 3
	setBankIdentity(t, c, chanIdx, 0, 0)

	sink := &MemSink{}
	require.NoError(t, c.Drain(context.Background(), chanIdx, sink))
	assert.Equal(t, uint64(0), sink.Index())
	assert.Equal(t, 0, d.bulkReqCount)
}

func setBankIdentity(t *testing.T, c *Controller, chanIdx int, bank int, end uint32) {
	t.Helper()
	require.NoError(t, c.Svc.Write(prevBankReg(chanIdx), uint32(bank)))
	require.NoError(t, c.Svc.Write(prevBankEndReg(chanIdx), end))
}

// TestDrain_SurvivesMildLoss reproduces end-to-end scenario 5: a sink
// receives 256 KiB via the drain operation while one packet is
// dropped mid-burst; the congestion window halves (on a later,
// separately injected full-burst timeout) and then recovers. The
// result must contain exactly 256 KiB with no duplicated or missing
// words.
func TestDrain_SurvivesMildLoss(t *testing.T) {
	c, d := newTestController(t)
	chanIdx := 5
	const totalWords = 65536 // 256 KiB
	setBankIdentity(t, c, chanIdx, 0, totalWords)

	d.dropPacketReqIndex = 2
	d.silenceOnceReqIndex = 3

	sink := &MemSink{}
	require.NoError(t, c.Drain(context.Background(), chanIdx, sink))

	data := sink.Bytes()
	require.Equal(t, totalWords*4, len(data))

	// Every word must appear exactly once, in increasing order: the
	// sink is the concatenation of contiguous, non-overlapping bursts.
	for i := 0; i < totalWords; i++ {
		got := binary.LittleEndian.Uint32(data[i*4:])
		require.Equal(t, uint32(i), got, "word %d", i)
	}

	require.GreaterOrEqual(t, d.bulkReqCount, 4) // dropped packet, timeout, and recovery bursts
}

// TestDrain_HardTimeoutSurfacesWhenWindowCollapses forces a timeout on
// every burst so the congestion window collapses to zero words,
// exercising the "hard timeout" exit.
func TestDrain_HardTimeoutSurfacesWhenWindowCollapses(t *testing.T) {
	c, d := newTestController(t)
	chanIdx := 7
	setBankIdentity(t, c, chanIdx, 0, 65536)
	c.SetBulkTimeout(5 * time.Millisecond)

	// Silence every burst from the first one on.
	d.silenceForeverFrom = 1

	sink := &MemSink{}
	err := c.Drain(context.Background(), chanIdx, sink)
	require.Error(t, err)
	require.ErrorIs(t, err, transport.ErrTimeout)
}

func TestDrain_DetectsBankSwap(t *testing.T) {
	c, _ := newTestController(t)
	chanIdx := 2
	setBankIdentity(t, c, chanIdx, 0, 4096)

	// Mutate bank identity mid-drain by wrapping the sink with one
	// that rewrites the previous-bank end-address register after the
	// first push.
	sink := &bankFlippingSink{t: t, c: c, chanIdx: chanIdx}
	err := c.Drain(context.Background(), chanIdx, sink)
	require.ErrorIs(t, err, ErrBankSwapDuringRead)
}

type bankFlippingSink struct {
	t       *testing.T
	c       *Controller
	chanIdx int
	flipped bool
}

func (s *bankFlippingSink) Push(p []byte) error {
	if !s.flipped {
		s.flipped = true
		require.NoError(s.t, s.c.Svc.Write(prevBankEndReg(s.chanIdx), 999))
	}
	return nil
}
func (s *bankFlippingSink) Index() uint64 { return 0 }

func TestChannelFileName(t *testing.T) {
	assert.Equal(t, "run00.dat", ChannelFileName("run", 0))
	assert.Equal(t, "run15.dat", ChannelFileName("run", 15))
}

func TestRotatedFileName(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	name, err := RotatedFileName("run-%Y%m%d-%H%M%S.dat", ts)
	require.NoError(t, err)
	assert.Equal(t, "run-20260102-030405.dat", name)
}
