// Package mux implements the gateway I/O multiplexer (spec.md §4.2): a
// single-owner component that holds every UDP/TCP socket the core
// needs and exposes a command/response-channel message bus to the rest
// of the system. Mapper drivers and the discovery engine never touch a
// net.Conn directly; they submit commands here and await a reply.
//
// The event loop itself (Mux.Run) is a single goroutine, matching
// spec.md §5's "single cooperative task [that] never blocks except on
// its readiness primitive." Actual byte-level I/O against the OS
// necessarily blocks, so each socket gets its own reader/writer
// goroutine — this is the idiomatic Go substitute for a manual
// readiness poll: the runtime's netpoller already multiplexes blocking
// Read/Write calls efficiently, so re-implementing epoll by hand would
// fight the runtime rather than use it. Ownership stays exclusive
// because only that socket's goroutines ever call its conn.
package mux

import (
	"container/heap"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/natgateway/portmap/pkg/interfaces"
	"github.com/natgateway/portmap/pkg/lib/log"
	"github.com/natgateway/portmap/pkg/types"
)

var logger = log.Logger("mux")

// DefaultSendBufferCap is the per-socket backpressure cap from spec.md
// §4.2 ("a per-socket cap (e.g., 64 KiB)").
const DefaultSendBufferCap = 64 * 1024

// ReadResult is a Read command's reply payload.
type ReadResult struct {
	Data []byte
	Addr netip.AddrPort // populated for UDP sockets
}

type createReq struct {
	kind       interfaces.SocketKind
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
	mcastGroup netip.Addr
	reply      chan<- createReply
}

type createReply struct {
	handle interfaces.SocketHandle
	err    error
}

type writeReq struct {
	handle interfaces.SocketHandle
	data   []byte
	reply  chan<- error
}

type readReq struct {
	handle   interfaces.SocketHandle
	maxBytes int
	deadline time.Time
	reply    chan<- readOutcome
}

type readOutcome struct {
	res ReadResult
	err error
}

type closeReq struct {
	handle interfaces.SocketHandle
	reply  chan<- error
}

type getLocalIPsReq struct {
	reply chan<- getLocalIPsReply
}

type getLocalIPsReply struct {
	addrs []netip.Addr
	err   error
}

// internal loop events posted by per-socket goroutines
type ioEvent struct {
	handle interfaces.SocketHandle
	kind   ioEventKind
	data   []byte
	addr   netip.AddrPort
	err    error
}

type ioEventKind uint8

const (
	ioEventReadDone ioEventKind = iota
	ioEventWriteDone
)

// socket is the multiplexer's bookkeeping for one open handle. Only the
// run loop mutates its fields except sendQueue, which the writer
// goroutine drains and only the run loop appends to (guarded by mu).
type socket struct {
	handle interfaces.SocketHandle
	kind   interfaces.SocketKind

	packetConn net.PacketConn // set for UDP
	streamConn net.Conn       // set for TCP
	remoteAddr netip.AddrPort // fixed send destination for UDP; unused for TCP

	mu          sync.Mutex
	sendQueue   []writeReq
	queuedBytes int
	writing     bool

	readReqCh chan readReq
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Mux is the gateway I/O multiplexer described in spec.md §4.2.
type Mux struct {
	net   interfaces.NetFacility
	clock clock.Clock

	cmdCreate  chan createReq
	cmdWrite   chan writeReq
	cmdRead    chan readReq
	cmdClose   chan closeReq
	cmdLocalIP chan getLocalIPsReq
	killCh     chan chan struct{}

	ioCh chan ioEvent

	sockets     map[interfaces.SocketHandle]*socket
	pending     deadlineHeap
	pendingByID map[uint64]*readReq
	readPendIDs map[interfaces.SocketHandle]uint64
	nextPendID  uint64

	sendCap int

	killOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a Mux bound to the given network facility and clock.
// Call Run in its own goroutine before submitting commands.
func New(nf interfaces.NetFacility, clk clock.Clock) *Mux {
	if clk == nil {
		clk = clock.New()
	}
	return &Mux{
		net:         nf,
		clock:       clk,
		cmdCreate:   make(chan createReq),
		cmdWrite:    make(chan writeReq),
		cmdRead:     make(chan readReq),
		cmdClose:    make(chan closeReq),
		cmdLocalIP:  make(chan getLocalIPsReq),
		killCh:      make(chan chan struct{}),
		ioCh:        make(chan ioEvent, 64),
		sockets:     make(map[interfaces.SocketHandle]*socket),
		pendingByID: make(map[uint64]*readReq),
		readPendIDs: make(map[interfaces.SocketHandle]uint64),
		sendCap:     DefaultSendBufferCap,
		doneCh:      make(chan struct{}),
	}
}

// Run drives the event loop until Kill is called. Call it in its own
// goroutine.
func (m *Mux) Run() {
	defer close(m.doneCh)
	for {
		var timerC <-chan time.Time
		var timer *clock.Timer
		if len(m.pending) > 0 {
			next := m.pending[0]
			d := next.deadline.Sub(m.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = m.clock.Timer(d)
			timerC = timer.C
		}

		select {
		case req := <-m.cmdCreate:
			m.handleCreate(req)
		case req := <-m.cmdWrite:
			m.handleWrite(req)
		case req := <-m.cmdRead:
			m.handleRead(req)
		case req := <-m.cmdClose:
			m.handleClose(req)
		case req := <-m.cmdLocalIP:
			addrs, err := m.net.ListLocalAddresses()
			req.reply <- getLocalIPsReply{addrs: addrs, err: err}
		case ev := <-m.ioCh:
			m.handleIOEvent(ev)
		case <-timerC:
			m.expireTimeouts()
		case done := <-m.killCh:
			m.shutdown()
			close(done)
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// CreateUDP opens a UDP socket, optionally joining mcastGroup. remoteAddr
// is the fixed destination subsequent Write calls send to (a UDP socket
// has no remoteAddress in spec.md's socket model, but every mux caller —
// a NAT-PMP/PCP probe to a gateway, an SSDP M-SEARCH to its multicast
// group — writes to exactly one peer for the socket's lifetime, so the
// mux fixes it at creation rather than threading a destination through
// every Write). Leave remoteAddr zero for a receive-only socket.
func (m *Mux) CreateUDP(localAddr, remoteAddr netip.AddrPort, mcastGroup netip.Addr) (interfaces.SocketHandle, error) {
	reply := make(chan createReply, 1)
	m.cmdCreate <- createReq{kind: interfaces.SocketUDP, localAddr: localAddr, remoteAddr: remoteAddr, mcastGroup: mcastGroup, reply: reply}
	r := <-reply
	return r.handle, r.err
}

// CreateTCP dials remoteAddr.
func (m *Mux) CreateTCP(localAddr, remoteAddr netip.AddrPort) (interfaces.SocketHandle, error) {
	reply := make(chan createReply, 1)
	m.cmdCreate <- createReq{kind: interfaces.SocketTCP, localAddr: localAddr, remoteAddr: remoteAddr, reply: reply}
	r := <-reply
	return r.handle, r.err
}

// Write appends data to handle's send queue and blocks until it is
// fully flushed, or returns WouldBlock immediately if the per-socket
// cap would be exceeded (spec.md §4.2).
func (m *Mux) Write(handle interfaces.SocketHandle, data []byte) error {
	reply := make(chan error, 1)
	m.cmdWrite <- writeReq{handle: handle, data: data, reply: reply}
	return <-reply
}

// Read requests up to maxBytes from handle, blocking until data
// arrives, the deadline elapses, or the socket errors.
func (m *Mux) Read(handle interfaces.SocketHandle, maxBytes int, deadline time.Time) (ReadResult, error) {
	reply := make(chan readOutcome, 1)
	m.cmdRead <- readReq{handle: handle, maxBytes: maxBytes, deadline: deadline, reply: reply}
	o := <-reply
	return o.res, o.err
}

// Close releases handle's OS resource.
func (m *Mux) Close(handle interfaces.SocketHandle) error {
	reply := make(chan error, 1)
	m.cmdClose <- closeReq{handle: handle, reply: reply}
	return <-reply
}

// GetLocalIPs enumerates local addresses via the network facility.
func (m *Mux) GetLocalIPs() ([]netip.Addr, error) {
	reply := make(chan getLocalIPsReply, 1)
	m.cmdLocalIP <- getLocalIPsReq{reply: reply}
	r := <-reply
	return r.addrs, r.err
}

// Kill shuts the loop down, closing every socket and failing every
// outstanding operation with Shutdown.
func (m *Mux) Kill() {
	done := make(chan struct{})
	m.killOnce.Do(func() {
		m.killCh <- done
		<-done
	})
}

// Done returns a channel closed once Run has fully exited.
func (m *Mux) Done() <-chan struct{} { return m.doneCh }

func (m *Mux) handleCreate(req createReq) {
	handle := interfaces.SocketHandle(uuid.New())
	sock := &socket{
		handle:    handle,
		kind:      req.kind,
		readReqCh: make(chan readReq, 1),
		closeCh:   make(chan struct{}),
	}

	switch req.kind {
	case interfaces.SocketUDP:
		pc, err := m.net.CreateUDP(req.localAddr, req.mcastGroup)
		if err != nil {
			logger.Debug("create udp failed", "err", err)
			req.reply <- createReply{err: err}
			return
		}
		sock.packetConn = pc
		sock.remoteAddr = req.remoteAddr
	case interfaces.SocketTCP:
		conn, err := m.net.CreateTCP(req.localAddr, req.remoteAddr)
		if err != nil {
			logger.Debug("create tcp failed", "err", err, "remote", req.remoteAddr)
			req.reply <- createReply{err: err}
			return
		}
		sock.streamConn = conn
	}

	m.sockets[handle] = sock
	go m.readerLoop(sock)
	logger.Debug("socket created", "handle", handle.String(), "kind", req.kind)
	req.reply <- createReply{handle: handle}
}

func (m *Mux) handleWrite(req writeReq) {
	sock, ok := m.sockets[req.handle]
	if !ok {
		req.reply <- types.NewError("mux.Write", types.KindShutdown, nil)
		return
	}

	sock.mu.Lock()
	if sock.queuedBytes+len(req.data) > m.sendCap {
		sock.mu.Unlock()
		req.reply <- types.NewError("mux.Write", types.KindWouldBlock, nil)
		return
	}
	sock.queuedBytes += len(req.data)
	sock.sendQueue = append(sock.sendQueue, req)
	shouldKick := !sock.writing
	if shouldKick {
		sock.writing = true
	}
	sock.mu.Unlock()

	if shouldKick {
		m.kickWriter(sock)
	}
}

func (m *Mux) handleRead(req readReq) {
	sock, ok := m.sockets[req.handle]
	if !ok {
		req.reply <- readOutcome{err: types.NewError("mux.Read", types.KindShutdown, nil)}
		return
	}
	if prev, busy := m.readPendIDs[req.handle]; busy {
		if _, live := m.pendingByID[prev]; live {
			// An earlier Read on this handle is still unanswered.
			req.reply <- readOutcome{err: types.NewError("mux.Read", types.KindInvalidArgument, nil)}
			return
		}
	}

	m.nextPendID++
	id := m.nextPendID
	pend := &pendingIO{id: id, deadline: req.deadline}
	pend.fire = func() {
		if pend.consumed {
			return
		}
		pend.consumed = true
		delete(m.pendingByID, id)
		req.reply <- readOutcome{err: types.NewError("mux.Read", types.KindTimeout, nil)}
	}
	heap.Push(&m.pending, pend)
	m.pendingByID[id] = &req

	select {
	case sock.readReqCh <- readReq{handle: req.handle, maxBytes: req.maxBytes, deadline: req.deadline, reply: req.reply}:
	default:
		// A read is already outstanding on this socket; spec.md §4.2
		// delivers exactly one reply per command, in arrival order, so a
		// second concurrent Read on the same handle is rejected rather
		// than silently queued.
		heap.Remove(&m.pending, pend.index)
		delete(m.pendingByID, id)
		req.reply <- readOutcome{err: types.NewError("mux.Read", types.KindInvalidArgument, nil)}
		return
	}
	m.readPendIDs[req.handle] = id
}

func (m *Mux) handleClose(req closeReq) {
	sock, ok := m.sockets[req.handle]
	if !ok {
		req.reply <- nil
		return
	}
	delete(m.sockets, req.handle)
	closeSocket(sock)
	req.reply <- nil
}

func (m *Mux) handleIOEvent(ev ioEvent) {
	switch ev.kind {
	case ioEventReadDone:
		id, ok := m.readPendIDs[ev.handle]
		if !ok {
			return
		}
		delete(m.readPendIDs, ev.handle)
		req, ok := m.pendingByID[id]
		if !ok {
			return // already timed out and consumed
		}
		delete(m.pendingByID, id)
		for i, p := range m.pending {
			if p.id == id {
				p.consumed = true
				heap.Remove(&m.pending, i)
				break
			}
		}
		if ev.err != nil {
			req.reply <- readOutcome{err: ev.err}
			return
		}
		req.reply <- readOutcome{res: ReadResult{Data: ev.data, Addr: ev.addr}}
	case ioEventWriteDone:
		sock, ok := m.sockets[ev.handle]
		if !ok {
			return
		}
		sock.mu.Lock()
		if len(sock.sendQueue) == 0 {
			sock.mu.Unlock()
			return
		}
		completed := sock.sendQueue[0]
		sock.sendQueue = sock.sendQueue[1:]
		sock.queuedBytes -= len(completed.data)
		more := len(sock.sendQueue) > 0
		if !more {
			sock.writing = false
		}
		sock.mu.Unlock()

		completed.reply <- ev.err
		if more {
			m.kickWriter(sock)
		}
	}
}

func (m *Mux) expireTimeouts() {
	now := m.clock.Now()
	for len(m.pending) > 0 && !m.pending[0].deadline.After(now) {
		p := heap.Pop(&m.pending).(*pendingIO)
		p.fire()
	}
}

func (m *Mux) shutdown() {
	logger.Info("multiplexer shutting down", "sockets", len(m.sockets), "pending", len(m.pendingByID))
	for _, req := range m.pendingByID {
		req.reply <- readOutcome{err: types.NewError("mux.shutdown", types.KindShutdown, nil)}
	}
	m.pendingByID = make(map[uint64]*readReq)
	m.readPendIDs = make(map[interfaces.SocketHandle]uint64)
	m.pending = nil

	for _, sock := range m.sockets {
		sock.mu.Lock()
		for _, w := range sock.sendQueue {
			w.reply <- types.NewError("mux.shutdown", types.KindShutdown, nil)
		}
		sock.sendQueue = nil
		sock.queuedBytes = 0
		sock.mu.Unlock()
		closeSocket(sock)
	}
	m.sockets = make(map[interfaces.SocketHandle]*socket)
}

func closeSocket(sock *socket) {
	sock.closeOnce.Do(func() { close(sock.closeCh) })
	if sock.packetConn != nil {
		_ = sock.packetConn.Close()
	}
	if sock.streamConn != nil {
		_ = sock.streamConn.Close()
	}
}

func (m *Mux) kickWriter(sock *socket) {
	sock.mu.Lock()
	if len(sock.sendQueue) == 0 {
		sock.mu.Unlock()
		return
	}
	next := sock.sendQueue[0]
	sock.mu.Unlock()

	go func() {
		var err error
		if sock.packetConn != nil {
			dst := net.UDPAddrFromAddrPort(sock.remoteAddr)
			_, err = sock.packetConn.WriteTo(next.data, dst)
		} else {
			err = writeAll(sock.streamConn, next.data)
		}
		m.ioCh <- ioEvent{handle: sock.handle, kind: ioEventWriteDone, err: err}
	}()
}

func writeAll(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// readerLoop services at most one outstanding Read at a time per
// socket, preserving spec.md §4.2's "reads delivered in socket arrival
// order" for a single handle.
func (m *Mux) readerLoop(sock *socket) {
	buf := make([]byte, 65536)
	for {
		select {
		case req := <-sock.readReqCh:
			n := req.maxBytes
			if n <= 0 || n > len(buf) {
				n = len(buf)
			}
			var addr netip.AddrPort
			var readErr error
			var count int
			if sock.packetConn != nil {
				if !req.deadline.IsZero() {
					_ = sock.packetConn.SetReadDeadline(req.deadline)
				}
				count, readErr, addr = readUDP(sock.packetConn, buf[:n])
			} else {
				if !req.deadline.IsZero() {
					_ = sock.streamConn.SetReadDeadline(req.deadline)
				}
				count, readErr = sock.streamConn.Read(buf[:n])
			}

			var out []byte
			var evErr error
			if readErr != nil {
				evErr = classifyReadError(readErr)
			} else {
				out = make([]byte, count)
				copy(out, buf[:count])
			}
			m.ioCh <- ioEvent{handle: sock.handle, kind: ioEventReadDone, data: out, addr: addr, err: evErr}
		case <-sock.closeCh:
			return
		}
	}
}

func readUDP(pc net.PacketConn, buf []byte) (int, error, netip.AddrPort) {
	n, addr, err := pc.ReadFrom(buf)
	var ap netip.AddrPort
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		ap = udpAddr.AddrPort()
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return n, err, ap
}

func classifyReadError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return types.NewError("mux.Read", types.KindTimeout, err)
	}
	return types.NewError("mux.Read", types.KindConnectionReset, err)
}

