package mcpool

import (
	"bytes"
	"strconv"
)

// process runs the parser over whatever unconsumed bytes are in the
// receive buffer. With complete=true, code is one of OK,
// ProgrammingErr or MCServerErr. When the buffer holds an incomplete
// line or value body that must wait for more data from recv(), it
// returns OK with complete=false.
func (c *Connection) process() (code ErrCode, complete bool) {
	for {
		if c.pendingValue != nil {
			if !c.continueValue() {
				return OK, false
			}
			continue
		}

		line, ok := c.nextLine()
		if !ok {
			return OK, false
		}

		switch {
		case bytes.HasPrefix(line, kVALUE):
			rr, ok := parseValueHeader(line)
			if !ok {
				return ProgrammingErr, true
			}
			c.pendingValue = rr
			continue

		case bytes.Equal(line, kEND):
			if c.mode == modeEndState {
				return OK, true
			}
			return ProgrammingErr, true

		case bytes.Equal(line, kSTORED):
			c.appendMessage(MsgStored)
		case bytes.Equal(line, kNOTSTORED):
			c.appendMessage(MsgNotStored)
		case bytes.Equal(line, kEXISTS):
			c.appendMessage(MsgExists)
		case bytes.Equal(line, kNOTFOUND):
			c.appendMessage(MsgNotFound)
		case bytes.Equal(line, kDELETED):
			c.appendMessage(MsgDeleted)
		case bytes.Equal(line, kTOUCHED):
			c.appendMessage(MsgTouched)
		case bytes.Equal(line, kOKLINE):
			c.appendMessage(MsgOK)

		case bytes.Equal(line, kERROR):
			c.appendMessageText(MsgError, "")

		case bytes.HasPrefix(line, kCLIENTERR):
			c.appendMessageText(MsgClientError, string(trimPrefixSpace(line, kCLIENTERR)))

		case bytes.HasPrefix(line, kSERVERERR):
			c.appendMessageText(MsgServerError, string(trimPrefixSpace(line, kSERVERERR)))
			return MCServerErr, true

		case isAllDigits(line):
			v, err := strconv.ParseUint(string(line), 10, 64)
			if err != nil {
				return ProgrammingErr, true
			}
			c.unsignedResults = append(c.unsignedResults, UnsignedResult{Value: v})

		default:
			if c.lenient {
				// Broadcast responses (VERSION/STATS) tolerate any
				// line they do not otherwise recognise.
				c.lineResults = append(c.lineResults, LineResult{Line: append([]byte(nil), line...)})
				if c.singleLine {
					return OK, true
				}
				continue
			}
			return ProgrammingErr, true
		}

		if c.mode == modeCounting {
			c.recvCount--
			if c.recvCount <= 0 {
				return OK, true
			}
		} else if c.singleLine {
			return OK, true
		}
	}
}

// nextLine returns the next CRLF-terminated line (without the CRLF),
// advancing recvStart, or ok=false if no full line is buffered yet.
func (c *Connection) nextLine() ([]byte, bool) {
	buf := c.recvBuf[c.recvStart:]
	i := bytes.Index(buf, kCRLF)
	if i < 0 {
		return nil, false
	}
	line := buf[:i]
	c.recvStart += i + len(kCRLF)
	return line, true
}

// continueValue resumes a partially-buffered VALUE body. Returns true
// once the body (plus trailing CRLF) has fully arrived.
func (c *Connection) continueValue() bool {
	rr := c.pendingValue
	need := rr.BytesRemain
	avail := c.recvBuf[c.recvStart:]
	if len(avail) < need+len(kCRLF) {
		// Absorb whatever is available so a later continuation does
		// not re-copy bytes already seen.
		take := len(avail)
		if take > need {
			take = need
		}
		rr.Data = append(rr.Data, avail[:take]...)
		rr.BytesRemain -= take
		c.recvStart += take
		return false
	}
	rr.Data = append(rr.Data, avail[:need]...)
	rr.BytesRemain = 0
	c.recvStart += need + len(kCRLF)
	c.retrievalResults = append(c.retrievalResults, *rr)
	c.pendingValue = nil
	return true
}

// parseValueHeader parses `VALUE <key> <flags> <bytes> [<cas>]`.
func parseValueHeader(line []byte) (*RetrievalResult, bool) {
	fields := bytes.Fields(line)
	if len(fields) < 4 || len(fields) > 5 {
		return nil, false
	}
	key := append([]byte(nil), fields[1]...)
	flags, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		return nil, false
	}
	n, err := strconv.ParseUint(string(fields[3]), 10, 32)
	if err != nil {
		return nil, false
	}
	var cas uint64
	if len(fields) == 5 {
		cas, err = strconv.ParseUint(string(fields[4]), 10, 64)
		if err != nil {
			return nil, false
		}
	}
	return &RetrievalResult{
		Key:         key,
		Flags:       uint32(flags),
		CasUnique:   cas,
		Data:        make([]byte, 0, n),
		BytesRemain: int(n),
	}, true
}

func (c *Connection) appendMessage(kind MessageKind) {
	c.appendMessageText(kind, "")
}

func (c *Connection) appendMessageText(kind MessageKind, text string) {
	var key []byte
	if c.mode == modeCounting && c.requestKeys.Len() > 0 {
		key = c.popRequestKey()
	}
	c.messageResults = append(c.messageResults, MessageResult{Kind: kind, Key: key, Text: text})
}

func isAllDigits(line []byte) bool {
	if len(line) == 0 {
		return false
	}
	for _, b := range line {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

func trimPrefixSpace(line, prefix []byte) []byte {
	rest := line[len(prefix):]
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	return rest
}
