package mcpool

import (
	"time"

	"github.com/go-mcpool/mcpool/hashkit"
	"golang.org/x/sys/unix"
)

// ServerSpec names one server endpoint. Identity for ring hashing
// uses Alias if set, else "Host:Port". Weight defaults to 1.
type ServerSpec struct {
	Host   string
	Port   uint16
	Alias  string
	Weight int
}

// StoreItem is one entry of a storage batch (set/add/replace/append/
// prepend/cas).
type StoreItem struct {
	Key       []byte
	Value     []byte
	Flags     uint32
	Exptime   int64
	CasUnique uint64 // only read for the CAS op
	NoReply   bool
}

type storageOp uint8

const (
	opSet storageOp = iota
	opAdd
	opReplace
	opAppend
	opPrepend
	opCAS
)

func (op storageOp) token() []byte {
	switch op {
	case opSet:
		return kSET
	case opAdd:
		return kADD
	case opReplace:
		return kREPLACE
	case opAppend:
		return kAPPEND
	case opPrepend:
		return kPREPEND
	case opCAS:
		return kCAS
	default:
		panic("mcpool: unknown storage op")
	}
}

type retrievalOp uint8

const (
	opGet retrievalOp = iota
	opGets
)

// ConnectionPool owns a fixed set of server connections and the
// consistent-hash ring that maps keys onto them. A pool is
// single-threaded: at most one dispatch/wait/collect cycle runs at a
// time.
type ConnectionPool struct {
	cfg config

	conns    []*Connection
	selector *hashkit.Ketama

	nInvalidKey int
	activeConns []*Connection

	pollTimeout time.Duration
	closed      bool
}

// NewPool builds a pool from options; call Init to attach servers.
func NewPool(opts ...Option) (*ConnectionPool, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	p := &ConnectionPool{
		cfg:         cfg,
		selector:    hashkit.New(cfg.hashFunc),
		pollTimeout: cfg.pollTimeout,
	}
	if cfg.failover {
		p.selector.EnableFailover()
	}
	return p, nil
}

// Alive implements hashkit.AliveChecker. A dead connection whose
// cool-down has elapsed is redialed before it is reported.
func (p *ConnectionPool) Alive(serverIndex int) bool {
	return p.conns[serverIndex].tryReconnect()
}

// Init rebuilds the connection set and the ring from scratch. It
// returns the count of servers whose initial connect attempt failed
// (a non-fatal count, matching the original's `init` return value —
// those connections simply start dead and are retried lazily).
func (p *ConnectionPool) Init(servers []ServerSpec, failover bool) (int, error) {
	if len(servers) == 0 {
		return 0, ErrNoServers
	}
	if failover {
		p.selector.EnableFailover()
	} else {
		p.selector.DisableFailover()
	}

	conns := make([]*Connection, len(servers))
	ringServers := make([]hashkit.Server, len(servers))
	failures := 0
	for i, s := range servers {
		c := newConnection(s.Host, s.Port, s.Alias, p.cfg.connTimeout, p.cfg.retryTimeout, p.cfg.readBufSize, p.cfg.sendChunkSize, p.cfg.logger)
		if !c.tryReconnect() {
			failures++
		}
		conns[i] = c
		weight := s.Weight
		if weight <= 0 {
			weight = 1
		}
		ringServers[i] = hashkit.Server{Identity: c.name, Weight: weight}
	}
	p.conns = conns
	p.selector.Reset()
	p.selector.SetHashFunc(p.cfg.hashFunc)
	if failover {
		p.selector.EnableFailover()
	}
	p.selector.AddServers(ringServers)
	return failures, nil
}

// SetPollTimeout overrides the per-iteration readiness-poll timeout.
func (p *ConnectionPool) SetPollTimeout(d time.Duration) {
	p.pollTimeout = d
}

// Close marks the pool closed and closes every connection's socket.
// Calling Close again is a no-op. Every dispatching method returns
// ErrClosed once the pool is closed.
func (p *ConnectionPool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	for _, c := range p.conns {
		c.markDead(reasonClosed, 0)
	}
	return nil
}

// GetServerAddressByKey returns the identity of the ring's nominal
// server for key, ignoring liveness: it reports the ring's mapping
// regardless of whether that server is currently reachable.
func (p *ConnectionPool) GetServerAddressByKey(key []byte) (string, bool) {
	idx, ok := p.selector.GetConn(key, false, p)
	if !ok {
		return "", false
	}
	return p.conns[idx].name, true
}

func (p *ConnectionPool) getConn(key []byte) *Connection {
	idx, ok := p.selector.GetConn(key, true, p)
	if !ok {
		return nil
	}
	conn := p.conns[idx]
	if !conn.tryReconnect() {
		return nil
	}
	return conn
}

// --- dispatch -------------------------------------------------------

func (p *ConnectionPool) beginBatch() {
	p.activeConns = nil
	p.nInvalidKey = 0
}

func (p *ConnectionPool) dispatchStorage(op storageOp, items []StoreItem) {
	p.beginBatch()
	for _, item := range items {
		if !validateKey(item.Key) {
			p.nInvalidKey++
			continue
		}
		conn := p.getConn(item.Key)
		if conn == nil {
			continue
		}

		conn.takeBuffer(op.token())
		conn.takeBuffer(item.Key)
		conn.takeBuffer(kSPACE)
		conn.takeNumber(uint64(item.Flags))
		conn.takeBuffer(kSPACE)
		conn.takeSignedNumber(item.Exptime)
		conn.takeBuffer(kSPACE)
		conn.takeNumber(uint64(len(item.Value)))
		if op == opCAS {
			conn.takeBuffer(kSPACE)
			conn.takeNumber(item.CasUnique)
		}
		if item.NoReply {
			conn.takeBuffer(kNOREPLY)
		} else {
			conn.addRequestKey(item.Key)
		}
		conn.sendCount++
		conn.takeBuffer(kCRLF)
		conn.takeBuffer(item.Value)
		conn.takeBuffer(kCRLF)
	}
	p.activateCounting()
}

func (p *ConnectionPool) dispatchRetrieval(op retrievalOp, keys [][]byte) {
	p.beginBatch()
	touched := make(map[*Connection]bool)
	for _, key := range keys {
		if !validateKey(key) {
			p.nInvalidKey++
			continue
		}
		conn := p.getConn(key)
		if conn == nil {
			continue
		}
		if !touched[conn] {
			touched[conn] = true
			if op == opGets {
				conn.takeBuffer(kGETS)
			} else {
				conn.takeBuffer(kGET)
			}
		}
		conn.takeBuffer(kSPACE)
		conn.takeBuffer(key)
		conn.addRequestKey(key)
		conn.sendCount++
	}

	for _, conn := range p.conns {
		if conn.sendCount > 0 {
			conn.takeBuffer(kCRLF)
			conn.setParserMode(modeEndState)
			p.activeConns = append(p.activeConns, conn)
			conn.recvCount = conn.requestKeyCount()
		}
	}
}

func (p *ConnectionPool) dispatchDeletion(keys [][]byte, noreply bool) {
	p.beginBatch()
	for _, key := range keys {
		if !validateKey(key) {
			p.nInvalidKey++
			continue
		}
		conn := p.getConn(key)
		if conn == nil {
			continue
		}
		conn.takeBuffer(kDELETE)
		conn.takeBuffer(key)
		if noreply {
			conn.takeBuffer(kNOREPLY)
		} else {
			conn.addRequestKey(key)
		}
		conn.sendCount++
		conn.takeBuffer(kCRLF)
	}
	p.activateCounting()
}

func (p *ConnectionPool) dispatchTouch(keys [][]byte, exptime int64, noreply bool) {
	p.beginBatch()
	for _, key := range keys {
		if !validateKey(key) {
			p.nInvalidKey++
			continue
		}
		conn := p.getConn(key)
		if conn == nil {
			continue
		}
		conn.takeBuffer(kTOUCH)
		conn.takeBuffer(key)
		conn.takeBuffer(kSPACE)
		conn.takeSignedNumber(exptime)
		if noreply {
			conn.takeBuffer(kNOREPLY)
		} else {
			conn.addRequestKey(key)
		}
		conn.sendCount++
		conn.takeBuffer(kCRLF)
	}
	p.activateCounting()
}

func (p *ConnectionPool) dispatchIncrDecr(incr bool, key []byte, delta uint64, noreply bool) {
	p.beginBatch()
	if !validateKey(key) {
		p.nInvalidKey++
		return
	}
	conn := p.getConn(key)
	if conn == nil {
		return
	}
	if incr {
		conn.takeBuffer(kINCR)
	} else {
		conn.takeBuffer(kDECR)
	}
	conn.takeBuffer(key)
	conn.takeBuffer(kSPACE)
	conn.takeNumber(delta)
	if noreply {
		conn.takeBuffer(kNOREPLY)
	} else {
		conn.addRequestKey(key)
	}
	conn.sendCount++
	conn.takeBuffer(kCRLF)

	conn.setParserMode(modeCounting)
	p.activeConns = append(p.activeConns, conn)
	conn.recvCount = conn.requestKeyCount()
}

// broadcastCommand appends cmd to every connection, reconnecting dead
// ones first. singleLine distinguishes VERSION (no END sentinel) from
// STATS (END-terminated), and both run in lenient token mode.
func (p *ConnectionPool) broadcastCommand(cmd []byte, singleLine bool) {
	p.beginBatch()
	for _, conn := range p.conns {
		if !conn.alive() {
			if !conn.tryReconnect() {
				continue
			}
		}
		conn.takeBuffer(cmd)
		conn.sendCount++
		conn.takeBuffer(kCRLF)
		conn.setParserMode(modeEndState)
		conn.lenient = true
		conn.singleLine = singleLine
		// A broadcast command is never sent noreply, so a reply is
		// always expected; this only feeds waitPoll's "drained with
		// nothing left to receive" shortcut, not completion itself.
		conn.recvCount = 1
		p.activeConns = append(p.activeConns, conn)
	}
}

// activateCounting is the shared tail of the COUNTING-mode dispatch
// methods: any connection that queued output becomes active, and its
// counter flips from send-count to recv-count.
func (p *ConnectionPool) activateCounting() {
	for _, conn := range p.conns {
		if conn.sendCount > 0 {
			conn.setParserMode(modeCounting)
			p.activeConns = append(p.activeConns, conn)
		}
		conn.recvCount = conn.requestKeyCount()
	}
}

// --- wait/poll --------------------------------------------------------

// waitState tracks which readiness events one active connection still
// needs during the wait loop.
type waitState struct {
	conn      *Connection
	wantWrite bool
	wantRead  bool
}

// waitPoll drives the readiness-poll loop to completion, dispatching
// sends and receives as connections become writable and readable. It
// returns the batch's overall error code and, when that error is
// attributable to one connection, that connection's identity.
func (p *ConnectionPool) waitPoll() (ErrCode, string) {
	if len(p.activeConns) == 0 {
		if p.nInvalidKey > 0 {
			return InvalidKeyErr, ""
		}
		return MCServerErr, ""
	}

	states := make([]waitState, len(p.activeConns))
	for i, c := range p.activeConns {
		states[i] = waitState{conn: c, wantWrite: true}
	}
	remaining := len(states)
	retCode := OK
	retConn := ""

	for remaining > 0 {
		fds := make([]unix.PollFd, 0, len(states))
		idxOf := make([]int, 0, len(states))
		for i, st := range states {
			if st.conn == nil {
				continue
			}
			var events int16
			if st.wantWrite {
				events |= unix.POLLOUT
			}
			if st.wantRead {
				events |= unix.POLLIN
			}
			if events == 0 {
				continue
			}
			fds = append(fds, unix.PollFd{Fd: int32(st.conn.socketFd()), Events: events})
			idxOf = append(idxOf, i)
		}

		n, err := unix.Poll(fds, int(p.pollTimeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.markDeadMany(states, reasonPollError, 0)
			return PollErr, ""
		}
		if n == 0 {
			p.markDeadMany(states, reasonPollTimeout, 0)
			return PollTimeoutErr, ""
		}

		for j, fd := range fds {
			i := idxOf[j]
			st := &states[i]
			if st.conn == nil {
				continue
			}

			if fd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				retConn = st.conn.name
				st.conn.markDead(reasonConnPollError, p.cfg.retryTimeout)
				st.conn = nil
				remaining--
				retCode = ConnPollErr
				continue
			}

			if fd.Revents&unix.POLLOUT != 0 {
				n, err := st.conn.send()
				if err != nil {
					retConn = st.conn.name
					st.conn.markDead(reasonSendError, 0)
					st.conn = nil
					remaining--
					retCode = SendErr
					continue
				}
				st.wantRead = true
				if n == 0 {
					st.wantWrite = false
					if st.conn.recvCount == 0 {
						remaining--
						st.conn = nil
						continue
					}
				}
			}

			if st.conn != nil && fd.Revents&unix.POLLIN != 0 {
				n, err := st.conn.recv()
				if err != nil || n == 0 {
					retConn = st.conn.name
					st.conn.markDead(reasonRecvError, 0)
					st.conn = nil
					remaining--
					retCode = RecvErr
					continue
				}
				code, complete := st.conn.process()
				if !complete {
					continue
				}
				switch code {
				case OK:
					st.wantRead = false
					remaining--
					st.conn = nil
				case ProgrammingErr:
					retConn = st.conn.name
					st.conn.markDead(reasonProgrammingErr, p.cfg.retryTimeout)
					remaining--
					st.conn = nil
					retCode = ProgrammingErr
				case MCServerErr:
					retConn = st.conn.name
					st.conn.markDead(reasonServerError, 0)
					remaining--
					st.conn = nil
					retCode = MCServerErr
				}
			}
		}
	}

	return retCode, retConn
}

func (p *ConnectionPool) markDeadMany(states []waitState, reason string, delay time.Duration) {
	for i := range states {
		if states[i].conn != nil {
			states[i].conn.markDead(reason, delay)
			states[i].conn = nil
		}
	}
}

// --- collect ----------------------------------------------------------

func (p *ConnectionPool) collectRetrievalResults() []RetrievalResult {
	var out []RetrievalResult
	for _, conn := range p.activeConns {
		for _, rr := range conn.retrievalResults {
			if rr.BytesRemain > 0 {
				continue
			}
			out = append(out, rr)
		}
	}
	return out
}

func (p *ConnectionPool) collectMessageResults() []MessageResult {
	var out []MessageResult
	for _, conn := range p.activeConns {
		out = append(out, conn.messageResults...)
	}
	return out
}

func (p *ConnectionPool) collectBroadcastResults() []BroadcastResult {
	out := make([]BroadcastResult, len(p.conns))
	for i, conn := range p.conns {
		out[i] = BroadcastResult{Host: conn.name, Lines: conn.lineResults}
	}
	return out
}

// collectUnsignedResult is only meaningful for a single-connection
// numeric op (INCR/DECR); it reports false when more than one
// connection was active.
func (p *ConnectionPool) collectUnsignedResult() (*UnsignedResult, bool) {
	if len(p.activeConns) != 1 {
		return nil, false
	}
	conn := p.activeConns[0]
	if len(conn.unsignedResults) == 1 {
		return &conn.unsignedResults[0], true
	}
	if len(conn.messageResults) == 1 && conn.messageResults[0].Kind == MsgNotFound {
		return nil, true
	}
	return nil, false
}

// Reset clears per-connection transient state after a collect phase.
// Sockets and dead/alive status are preserved.
func (p *ConnectionPool) Reset() {
	for _, conn := range p.activeConns {
		conn.reset()
	}
	p.activeConns = nil
	p.nInvalidKey = 0
}
