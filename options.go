package mcpool

import (
	"errors"
	"log/slog"
	"time"

	"github.com/go-mcpool/mcpool/hashkit"
)

// Logger is an alias of slog.Logger used by options.
type Logger = slog.Logger

// Option configures a ConnectionPool.
type Option func(*config) error

type config struct {
	pollTimeout   time.Duration
	connTimeout   time.Duration
	retryTimeout  time.Duration
	hashFunc      hashkit.HashFunc
	failover      bool
	logger        *Logger
	readBufSize   int
	sendChunkSize int
}

func defaultConfig() config {
	return config{
		pollTimeout:   300 * time.Millisecond,
		connTimeout:   1 * time.Second,
		retryTimeout:  2 * time.Second,
		hashFunc:      hashkit.HashMD5,
		readBufSize:   16 * 1024,
		sendChunkSize: 16 * 1024,
	}
}

// WithPollTimeout sets the timeout passed to every poll(2) call in the
// wait loop. The spec's default is 300ms.
func WithPollTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.New("mcpool: poll timeout must be > 0")
		}
		c.pollTimeout = d
		return nil
	}
}

// WithConnectTimeout sets the dial timeout used when a connection is
// first established or reconnected.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.New("mcpool: connect timeout must be > 0")
		}
		c.connTimeout = d
		return nil
	}
}

// WithRetryTimeout sets how long a connection stays marked dead before
// the pool attempts to reconnect it.
func WithRetryTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return errors.New("mcpool: retry timeout must be >= 0")
		}
		c.retryTimeout = d
		return nil
	}
}

// WithHashFunc selects the function used to locate a key on the ring.
// Ring construction itself is always MD5-based; this only changes
// lookup, per hashkit.Ketama.SetHashFunc.
func WithHashFunc(hf hashkit.HashFunc) Option {
	return func(c *config) error {
		if hf == nil {
			return errors.New("mcpool: hash func must not be nil")
		}
		c.hashFunc = hf
		return nil
	}
}

// WithFailover sets skip-dead-walk failover on the ring until Init
// runs; Init then applies its own failover argument in place of it.
func WithFailover(enabled bool) Option {
	return func(c *config) error {
		c.failover = enabled
		return nil
	}
}

// WithLogger sets a slog logger for internal diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) error {
		c.logger = l
		return nil
	}
}

// WithBufferSize sets the recv buffer growth unit and the max bytes
// written per unix.Write call inside send().
func WithBufferSize(readSize, sendChunkSize int) Option {
	return func(c *config) error {
		if readSize <= 0 || sendChunkSize <= 0 {
			return errors.New("mcpool: buffer sizes must be > 0")
		}
		c.readBufSize = readSize
		c.sendChunkSize = sendChunkSize
		return nil
	}
}
