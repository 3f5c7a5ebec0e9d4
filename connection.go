package mcpool

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	deque "github.com/edwingeng/deque/v2"
	"golang.org/x/sys/unix"
)

// parserMode selects how process() recognises a response as complete.
type parserMode uint8

const (
	modeCounting parserMode = iota
	modeEndState
)

// Connection owns one TCP socket to one server. It is never used from
// more than one goroutine at a time; the pool's wait loop is the only
// thing that drives it.
type Connection struct {
	host  string
	port  uint16
	alias string
	name  string

	connTimeout  time.Duration
	retryTimeout time.Duration
	logger       *slog.Logger

	fd   int
	file *os.File
	dead bool
	// deadUntil is the instant tryReconnect is next allowed to dial.
	deadUntil time.Time

	// recvGrow is the receive buffer's growth unit; sendChunk caps how
	// many bytes one send() burst writes per readiness-poll iteration.
	recvGrow  int
	sendChunk int

	sendQueue       *deque.Deque[[]byte]
	sendPending     []byte
	sendQueuedBytes int

	requestKeys *deque.Deque[[]byte]

	recvBuf   []byte
	recvStart int

	mode parserMode
	// pendingValue holds a RetrievalResult still waiting for its body
	// across recv() calls; see parser.go.
	pendingValue *RetrievalResult
	// singleLine marks a MODE_END_STATE connection (VERSION) complete
	// after exactly one line, instead of waiting for an END sentinel.
	singleLine bool
	// lenient scopes the broadcast dispatcher's relaxed token
	// recognition (any unrecognised line becomes a LineResult) to
	// VERSION/STATS; GET/GETS stay MODE_END_STATE but strict.
	lenient bool

	sendCount int
	recvCount int

	retrievalResults []RetrievalResult
	messageResults   []MessageResult
	unsignedResults  []UnsignedResult
	lineResults      []LineResult
}

func newConnection(host string, port uint16, alias string, connTimeout, retryTimeout time.Duration, recvGrow, sendChunk int, logger *slog.Logger) *Connection {
	id := alias
	if id == "" {
		id = net.JoinHostPort(host, strconv.Itoa(int(port)))
	}
	return &Connection{
		host:         host,
		port:         port,
		alias:        alias,
		name:         id,
		connTimeout:  connTimeout,
		retryTimeout: retryTimeout,
		recvGrow:     recvGrow,
		sendChunk:    sendChunk,
		logger:       logger,
		fd:           -1,
		dead:         true,
		sendQueue:    deque.NewDeque[[]byte](),
		requestKeys:  deque.NewDeque[[]byte](),
	}
}

func (c *Connection) socketFd() int { return c.fd }

func (c *Connection) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(int(c.port)))
}

func (c *Connection) alive() bool { return !c.dead }

// tryReconnect dials a fresh non-blocking socket if the cool-down has
// elapsed. It reports whether a usable socket exists afterward.
func (c *Connection) tryReconnect() bool {
	if !c.dead {
		return true
	}
	if time.Now().Before(c.deadUntil) {
		return false
	}

	tcpConn, err := net.DialTimeout("tcp", c.addr(), c.connTimeout)
	if err != nil {
		c.logWarn("mcpool: dial failed", "conn", c.name, "err", err)
		c.deadUntil = time.Now().Add(c.retryTimeout)
		return false
	}
	tc, ok := tcpConn.(*net.TCPConn)
	if !ok {
		tcpConn.Close()
		return false
	}
	file, err := tc.File()
	if err != nil {
		tc.Close()
		c.deadUntil = time.Now().Add(c.retryTimeout)
		return false
	}
	fd := int(file.Fd())
	tc.Close()
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		c.deadUntil = time.Now().Add(c.retryTimeout)
		return false
	}

	c.fd = fd
	c.file = file
	c.dead = false
	c.deadUntil = time.Time{}
	return true
}

// markDead closes the socket and starts a cool-down before the next
// reconnect attempt.
func (c *Connection) markDead(reason string, delay time.Duration) {
	c.logWarn("mcpool: connection marked dead", "conn", c.name, "reason", reason, "delay", delay)
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
	c.fd = -1
	c.dead = true
	c.deadUntil = time.Now().Add(delay)
}

// takeBuffer appends an outgoing slice to the send queue without
// copying it.
func (c *Connection) takeBuffer(b []byte) {
	if len(b) == 0 {
		return
	}
	c.sendQueue.PushFront(b)
	c.sendQueuedBytes += len(b)
}

// takeNumber formats n in decimal and appends it as an owned chunk
// (numbers are synthesized, so there is nothing to take zero-copy).
func (c *Connection) takeNumber(n uint64) {
	c.takeBuffer([]byte(strconv.FormatUint(n, 10)))
}

func (c *Connection) takeSignedNumber(n int64) {
	c.takeBuffer([]byte(strconv.FormatInt(n, 10)))
}

// addRequestKey enqueues the key expecting a reply, FIFO paired
// against MessageResults as they are parsed.
func (c *Connection) addRequestKey(key []byte) {
	c.requestKeys.PushFront(key)
}

func (c *Connection) requestKeyCount() int {
	return c.requestKeys.Len()
}

func (c *Connection) popRequestKey() []byte {
	return c.requestKeys.PopBack()
}

func (c *Connection) setParserMode(m parserMode) {
	c.mode = m
}

// send writes from the send queue in readiness-poll-sized bursts,
// advancing the head chunk in place on a partial write. It returns
// the number of bytes still queued (0 once fully drained).
func (c *Connection) send() (int, error) {
	for {
		if len(c.sendPending) == 0 {
			if c.sendQueue.Len() == 0 {
				return 0, nil
			}
			c.sendPending = c.sendQueue.PopBack()
		}
		burst := c.sendPending
		if len(burst) > c.sendChunk {
			burst = burst[:c.sendChunk]
		}
		n, err := unix.Write(c.fd, burst)
		if n > 0 {
			c.sendQueuedBytes -= n
			c.sendPending = c.sendPending[n:]
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return c.sendQueuedBytes, nil
			}
			return -1, err
		}
		if len(c.sendPending) > 0 {
			return c.sendQueuedBytes, nil
		}
	}
}

// recv reads whatever is ready into the receive buffer, growing it as
// needed. It returns bytes read, 0 on EOF, and a non-nil error only
// for a real socket error (EAGAIN/EWOULDBLOCK is reported as 0 reads,
// nil error — the caller is only invoked on POLLIN, so EAGAIN here
// reflects a spurious wakeup, not exhaustion).
func (c *Connection) recv() (int, error) {
	headroom := c.recvGrow / 4
	if cap(c.recvBuf)-len(c.recvBuf) < headroom {
		grown := make([]byte, len(c.recvBuf), len(c.recvBuf)+c.recvGrow)
		copy(grown, c.recvBuf)
		c.recvBuf = grown
	}
	start := len(c.recvBuf)
	c.recvBuf = c.recvBuf[:start+headroom]
	n, err := unix.Read(c.fd, c.recvBuf[start:])
	if n >= 0 {
		c.recvBuf = c.recvBuf[:start+n]
	} else {
		c.recvBuf = c.recvBuf[:start]
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

// reset drops result lists, clears queues and the parser's cursor,
// but preserves the socket and dead/alive status.
func (c *Connection) reset() {
	c.sendQueue = deque.NewDeque[[]byte]()
	c.sendPending = nil
	c.sendQueuedBytes = 0
	c.requestKeys = deque.NewDeque[[]byte]()
	if c.recvStart >= len(c.recvBuf) {
		c.recvBuf = c.recvBuf[:0]
	} else {
		remaining := c.recvBuf[c.recvStart:]
		buf := make([]byte, len(remaining))
		copy(buf, remaining)
		c.recvBuf = buf
	}
	c.recvStart = 0
	c.pendingValue = nil
	c.singleLine = false
	c.lenient = false
	c.sendCount = 0
	c.recvCount = 0
	c.retrievalResults = nil
	c.messageResults = nil
	c.unsignedResults = nil
	c.lineResults = nil
}

func (c *Connection) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{%s dead=%v}", c.name, c.dead)
}
