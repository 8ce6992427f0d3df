package transport

import (
	"net"
	"time"
)

// fakeSocket is a deterministic in-memory stand-in for a UDP socket,
// grounded on the pack's "fake transport for deterministic tests"
// idiom (see DESIGN.md). The device side is modeled as a function that
// inspects each outgoing request and enqueues zero or more responses.
type fakeSocket struct {
	peer      *net.UDPAddr
	inbox     chan []byte
	handle    func(req []byte, enqueue func([]byte))
	deadline  time.Time
	noTimeout bool
}

func newFakeSocket(handle func(req []byte, enqueue func([]byte))) *fakeSocket {
	return &fakeSocket{
		peer:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999},
		inbox:  make(chan []byte, 1024),
		handle: handle,
	}
}

func (f *fakeSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	cp := append([]byte(nil), b...)
	f.handle(cp, func(resp []byte) {
		f.inbox <- append([]byte(nil), resp...)
	})
	return len(b), nil
}

func (f *fakeSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	var timeout <-chan time.Time
	if !f.noTimeout {
		d := time.Until(f.deadline)
		if d <= 0 {
			d = time.Microsecond
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case msg := <-f.inbox:
		n := copy(b, msg)
		return n, f.peer, nil
	case <-timeout:
		return 0, nil, errTimeout
	}
}

func (f *fakeSocket) SetReadDeadline(t time.Time) error {
	f.deadline = t
	return nil
}

func (f *fakeSocket) Close() error { return nil }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var errTimeout = timeoutErr{}
