package mcpool

import (
	"fmt"
)

// Client is a Go-idiomatic single-key facade over a ConnectionPool,
// mirroring the ergonomics of single-key get/set/delete calls while
// returning ordinary Go errors instead of batch result slices.
type Client struct {
	pool *ConnectionPool
}

// New builds a Client and initializes its pool against servers.
func New(servers []ServerSpec, failover bool, opts ...Option) (*Client, error) {
	pool, err := NewPool(opts...)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Init(servers, failover); err != nil {
		return nil, err
	}
	return &Client{pool: pool}, nil
}

// Item is the single-key view of a RetrievalResult.
type Item struct {
	Value     []byte
	Flags     uint32
	CasUnique uint64
}

// Get fetches one key, returning ErrNotFound if it is absent.
func (c *Client) Get(key []byte) (*Item, error) {
	results, err := c.pool.Get([][]byte{key})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	rr := results[0]
	return &Item{Value: rr.Data, Flags: rr.Flags}, nil
}

// Gets fetches one key along with its CAS token.
func (c *Client) Gets(key []byte) (*Item, error) {
	results, err := c.pool.Gets([][]byte{key})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	rr := results[0]
	return &Item{Value: rr.Data, Flags: rr.Flags, CasUnique: rr.CasUnique}, nil
}

// Set stores value for key unconditionally.
func (c *Client) Set(key, value []byte, flags uint32, exptime int64) error {
	return c.store(opSet, StoreItem{Key: key, Value: value, Flags: flags, Exptime: exptime})
}

// Add stores value for key only if the key does not already exist.
func (c *Client) Add(key, value []byte, flags uint32, exptime int64) error {
	return c.store(opAdd, StoreItem{Key: key, Value: value, Flags: flags, Exptime: exptime})
}

// Replace stores value for key only if the key already exists.
func (c *Client) Replace(key, value []byte, flags uint32, exptime int64) error {
	return c.store(opReplace, StoreItem{Key: key, Value: value, Flags: flags, Exptime: exptime})
}

// Append appends value to the existing value for key.
func (c *Client) Append(key, value []byte) error {
	return c.store(opAppend, StoreItem{Key: key, Value: value})
}

// Prepend prepends value to the existing value for key.
func (c *Client) Prepend(key, value []byte) error {
	return c.store(opPrepend, StoreItem{Key: key, Value: value})
}

// CAS stores value for key only if casUnique still matches the
// server's current token, returning ErrExists otherwise.
func (c *Client) CAS(key, value []byte, flags uint32, exptime int64, casUnique uint64) error {
	return c.store(opCAS, StoreItem{Key: key, Value: value, Flags: flags, Exptime: exptime, CasUnique: casUnique})
}

func (c *Client) store(op storageOp, item StoreItem) error {
	results, err := c.pool.store(op, []StoreItem{item})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		// The selector had no connection for this key; treat it like
		// a hard server error rather than silently succeeding.
		return ErrServer
	}
	return messageToErr(results[0])
}

// Delete removes key.
func (c *Client) Delete(key []byte) error {
	results, err := c.pool.Delete([][]byte{key}, false)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return ErrServer
	}
	return messageToErr(results[0])
}

// Touch updates key's expiration to exptime.
func (c *Client) Touch(key []byte, exptime int64) error {
	results, err := c.pool.Touch([][]byte{key}, exptime, false)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return ErrServer
	}
	return messageToErr(results[0])
}

// Incr increments key by delta, returning ErrNotFound if it is absent.
func (c *Client) Incr(key []byte, delta uint64) (uint64, error) {
	result, err := c.pool.Incr(key, delta, false)
	if err != nil {
		return 0, err
	}
	if result == nil {
		return 0, ErrNotFound
	}
	return result.Value, nil
}

// Decr decrements key by delta, returning ErrNotFound if it is absent.
func (c *Client) Decr(key []byte, delta uint64) (uint64, error) {
	result, err := c.pool.Decr(key, delta, false)
	if err != nil {
		return 0, err
	}
	if result == nil {
		return 0, ErrNotFound
	}
	return result.Value, nil
}

// Version broadcasts VERSION and returns each server's reported version line.
func (c *Client) Version() ([]BroadcastResult, error) {
	return c.pool.Version()
}

// Stats broadcasts STATS and returns each server's stat lines.
func (c *Client) Stats() ([]BroadcastResult, error) {
	return c.pool.Stats()
}

// GetServerAddressByKey reports the ring's nominal server for key.
func (c *Client) GetServerAddressByKey(key []byte) (string, bool) {
	return c.pool.GetServerAddressByKey(key)
}

// Close closes the client's pool and all of its connections.
func (c *Client) Close() error {
	return c.pool.Close()
}

func messageToErr(m MessageResult) error {
	switch m.Kind {
	case MsgStored, MsgDeleted, MsgTouched, MsgOK:
		return nil
	case MsgNotStored:
		return ErrNotStored
	case MsgExists:
		return ErrExists
	case MsgNotFound:
		return ErrNotFound
	case MsgError:
		return fmt.Errorf("mcpool: %w", ErrProgramming)
	case MsgClientError:
		return fmt.Errorf("mcpool: client error: %s", m.Text)
	case MsgServerError:
		return fmt.Errorf("mcpool: server error: %s", m.Text)
	default:
		return ErrProgramming
	}
}
