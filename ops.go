package mcpool

// Get fetches the given keys without CAS tokens.
func (p *ConnectionPool) Get(keys [][]byte) ([]RetrievalResult, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.dispatchRetrieval(opGet, keys)
	code, conn := p.waitPoll()
	results := p.collectRetrievalResults()
	p.Reset()
	return results, codeToErr(code, conn)
}

// Gets fetches the given keys with CAS tokens populated.
func (p *ConnectionPool) Gets(keys [][]byte) ([]RetrievalResult, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.dispatchRetrieval(opGets, keys)
	code, conn := p.waitPoll()
	results := p.collectRetrievalResults()
	p.Reset()
	return results, codeToErr(code, conn)
}

// Set stores items unconditionally.
func (p *ConnectionPool) Set(items []StoreItem) ([]MessageResult, error) {
	return p.store(opSet, items)
}

// Add stores items only if the key does not already exist.
func (p *ConnectionPool) Add(items []StoreItem) ([]MessageResult, error) {
	return p.store(opAdd, items)
}

// Replace stores items only if the key already exists.
func (p *ConnectionPool) Replace(items []StoreItem) ([]MessageResult, error) {
	return p.store(opReplace, items)
}

// Append appends to the existing value without changing its flags/TTL.
func (p *ConnectionPool) Append(items []StoreItem) ([]MessageResult, error) {
	return p.store(opAppend, items)
}

// Prepend prepends to the existing value without changing its flags/TTL.
func (p *ConnectionPool) Prepend(items []StoreItem) ([]MessageResult, error) {
	return p.store(opPrepend, items)
}

// CAS stores items only if each item's CasUnique still matches the
// server's current value.
func (p *ConnectionPool) CAS(items []StoreItem) ([]MessageResult, error) {
	return p.store(opCAS, items)
}

func (p *ConnectionPool) store(op storageOp, items []StoreItem) ([]MessageResult, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.dispatchStorage(op, items)
	code, conn := p.waitPoll()
	results := p.collectMessageResults()
	p.Reset()
	return results, codeToErr(code, conn)
}

// Delete removes the given keys.
func (p *ConnectionPool) Delete(keys [][]byte, noreply bool) ([]MessageResult, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.dispatchDeletion(keys, noreply)
	code, conn := p.waitPoll()
	results := p.collectMessageResults()
	p.Reset()
	return results, codeToErr(code, conn)
}

// Touch updates the expiration of the given keys.
func (p *ConnectionPool) Touch(keys [][]byte, exptime int64, noreply bool) ([]MessageResult, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.dispatchTouch(keys, exptime, noreply)
	code, conn := p.waitPoll()
	results := p.collectMessageResults()
	p.Reset()
	return results, codeToErr(code, conn)
}

// Incr increments key by delta. The returned pointer is nil when the
// server reported NOT_FOUND.
func (p *ConnectionPool) Incr(key []byte, delta uint64, noreply bool) (*UnsignedResult, error) {
	return p.incrDecr(true, key, delta, noreply)
}

// Decr decrements key by delta, floored at zero by the server.
func (p *ConnectionPool) Decr(key []byte, delta uint64, noreply bool) (*UnsignedResult, error) {
	return p.incrDecr(false, key, delta, noreply)
}

func (p *ConnectionPool) incrDecr(incr bool, key []byte, delta uint64, noreply bool) (*UnsignedResult, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.dispatchIncrDecr(incr, key, delta, noreply)
	code, conn := p.waitPoll()
	result, _ := p.collectUnsignedResult()
	p.Reset()
	return result, codeToErr(code, conn)
}

// Version broadcasts VERSION to every connection.
func (p *ConnectionPool) Version() ([]BroadcastResult, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.broadcastCommand(kVERSION, true)
	code, conn := p.waitPoll()
	results := p.collectBroadcastResults()
	p.Reset()
	return results, codeToErr(code, conn)
}

// Stats broadcasts STATS to every connection.
func (p *ConnectionPool) Stats() ([]BroadcastResult, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.broadcastCommand(kSTATS, false)
	code, conn := p.waitPoll()
	results := p.collectBroadcastResults()
	p.Reset()
	return results, codeToErr(code, conn)
}

// codeToErr translates an ErrCode into a Go error, nil for OK. When
// conn is non-empty the error is attributed to that connection
// (*PoolError.Conn); otherwise the bare sentinel for code is returned.
func codeToErr(code ErrCode, conn string) error {
	if code == OK {
		return nil
	}
	if conn != "" {
		return newPoolErr(code, conn)
	}
	switch code {
	case InvalidKeyErr:
		return ErrInvalidKey
	case MCServerErr:
		return ErrServer
	case SendErr:
		return ErrSend
	case RecvErr:
		return ErrRecv
	case ConnPollErr:
		return ErrConnPoll
	case PollErr:
		return ErrPoll
	case PollTimeoutErr:
		return ErrPollTimeout
	case ProgrammingErr:
		return ErrProgramming
	default:
		return ErrProgramming
	}
}
