package mcpool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// testServer is a minimal in-process ASCII-protocol memcached stand-in,
// enough to drive Client against a real TCP listener without a real
// memcached binary.
type testServer struct {
	ln    net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newTestServer(t *testing.T, handler func(net.Conn)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ts := &testServer{ln: ln, conns: make(map[net.Conn]struct{})}
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.conns[conn] = struct{}{}
			ts.mu.Unlock()
			ts.wg.Add(1)
			go func(c net.Conn) {
				defer ts.wg.Done()
				defer func() {
					ts.mu.Lock()
					delete(ts.conns, c)
					ts.mu.Unlock()
				}()
				defer c.Close()
				handler(c)
			}(conn)
		}
	}()
	return ts
}

func (s *testServer) spec(t *testing.T) ServerSpec {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return ServerSpec{Host: host, Port: uint16(port)}
}

func (s *testServer) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// storeServer answers set/add/replace/append/prepend/get/gets/cas/
// delete/touch/incr/decr/version/stats against an in-memory map.
// Every stored value carries the fake CAS token "1".
func storeServer(t *testing.T) *testServer {
	var (
		mu   sync.Mutex
		data = map[string][]byte{}
	)
	return newTestServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		bw := bufio.NewWriter(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			parts := strings.Fields(line)
			if len(parts) == 0 {
				return
			}
			switch parts[0] {
			case "set", "add", "replace", "append", "prepend", "cas":
				if len(parts) < 5 {
					bw.WriteString("CLIENT_ERROR bad command line format\r\n")
					bw.Flush()
					continue
				}
				n, _ := strconv.Atoi(parts[4])
				buf := make([]byte, n+2)
				if _, err := io.ReadFull(br, buf); err != nil {
					return
				}
				v := append([]byte(nil), buf[:n]...)
				mu.Lock()
				old, exists := data[parts[1]]
				switch parts[0] {
				case "add":
					if exists {
						mu.Unlock()
						bw.WriteString("NOT_STORED\r\n")
						bw.Flush()
						continue
					}
					data[parts[1]] = v
				case "replace":
					if !exists {
						mu.Unlock()
						bw.WriteString("NOT_STORED\r\n")
						bw.Flush()
						continue
					}
					data[parts[1]] = v
				case "append":
					if !exists {
						mu.Unlock()
						bw.WriteString("NOT_STORED\r\n")
						bw.Flush()
						continue
					}
					data[parts[1]] = append(old, v...)
				case "prepend":
					if !exists {
						mu.Unlock()
						bw.WriteString("NOT_STORED\r\n")
						bw.Flush()
						continue
					}
					nv := append([]byte(nil), v...)
					nv = append(nv, old...)
					data[parts[1]] = nv
				case "cas":
					if !exists {
						mu.Unlock()
						bw.WriteString("NOT_FOUND\r\n")
						bw.Flush()
						continue
					}
					if len(parts) < 6 || parts[5] != "1" {
						mu.Unlock()
						bw.WriteString("EXISTS\r\n")
						bw.Flush()
						continue
					}
					data[parts[1]] = v
				default:
					data[parts[1]] = v
				}
				mu.Unlock()
				bw.WriteString("STORED\r\n")
				bw.Flush()
			case "get", "gets":
				if len(parts) != 2 {
					return
				}
				mu.Lock()
				v, ok := data[parts[1]]
				mu.Unlock()
				if ok {
					if parts[0] == "gets" {
						fmt.Fprintf(bw, "VALUE %s 0 %d 1\r\n", parts[1], len(v))
					} else {
						fmt.Fprintf(bw, "VALUE %s 0 %d\r\n", parts[1], len(v))
					}
					bw.Write(v)
					bw.WriteString("\r\n")
				}
				bw.WriteString("END\r\n")
				bw.Flush()
			case "delete":
				if len(parts) != 2 {
					return
				}
				mu.Lock()
				_, ok := data[parts[1]]
				delete(data, parts[1])
				mu.Unlock()
				if ok {
					bw.WriteString("DELETED\r\n")
				} else {
					bw.WriteString("NOT_FOUND\r\n")
				}
				bw.Flush()
			case "touch":
				if len(parts) != 3 {
					return
				}
				mu.Lock()
				_, ok := data[parts[1]]
				mu.Unlock()
				if ok {
					bw.WriteString("TOUCHED\r\n")
				} else {
					bw.WriteString("NOT_FOUND\r\n")
				}
				bw.Flush()
			case "incr", "decr":
				if len(parts) != 3 {
					return
				}
				delta, err := strconv.ParseUint(parts[2], 10, 64)
				if err != nil {
					bw.WriteString("CLIENT_ERROR bad command line format\r\n")
					bw.Flush()
					continue
				}
				mu.Lock()
				v, ok := data[parts[1]]
				if !ok {
					mu.Unlock()
					bw.WriteString("NOT_FOUND\r\n")
					bw.Flush()
					continue
				}
				n, err := strconv.ParseUint(string(v), 10, 64)
				if err != nil {
					mu.Unlock()
					bw.WriteString("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
					bw.Flush()
					continue
				}
				if parts[0] == "incr" {
					n += delta
				} else if delta >= n {
					n = 0
				} else {
					n -= delta
				}
				data[parts[1]] = []byte(strconv.FormatUint(n, 10))
				mu.Unlock()
				bw.WriteString(strconv.FormatUint(n, 10) + "\r\n")
				bw.Flush()
			case "version":
				bw.WriteString("VERSION 1.6.0-test\r\n")
				bw.Flush()
			case "stats":
				bw.WriteString("STAT pid 1\r\n")
				bw.WriteString("END\r\n")
				bw.Flush()
			default:
				return
			}
		}
	})
}

func TestClientBasicCommands(t *testing.T) {
	server := storeServer(t)
	defer server.Close()

	c, err := New([]ServerSpec{server.spec(t)}, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := c.Set([]byte("k1"), []byte("value-1"), 0, 10); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Add([]byte("k2"), []byte("v2"), 0, 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Add([]byte("k2"), []byte("x"), 0, 10); !errors.Is(err, ErrNotStored) {
		t.Fatalf("second add should return ErrNotStored: %v", err)
	}
	if err := c.Replace([]byte("k2"), []byte("r2"), 0, 10); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := c.Append([]byte("k2"), []byte("A")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.Prepend([]byte("k2"), []byte("B")); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	v2, err := c.Get([]byte("k2"))
	if err != nil {
		t.Fatalf("get k2: %v", err)
	}
	if string(v2.Value) != "Br2A" {
		t.Fatalf("unexpected merged value: %q", string(v2.Value))
	}

	v, err := c.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v.Value) != "value-1" {
		t.Fatalf("value mismatch: %q", string(v.Value))
	}
	if err := c.Touch([]byte("k1"), 20); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := c.Delete([]byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Get([]byte("k1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := c.Set([]byte("counter"), []byte("10"), 0, 10); err != nil {
		t.Fatalf("set counter: %v", err)
	}
	n, err := c.Incr([]byte("counter"), 7)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n != 17 {
		t.Fatalf("incr value mismatch: %d", n)
	}
	n, err = c.Decr([]byte("counter"), 20)
	if err != nil {
		t.Fatalf("decr: %v", err)
	}
	if n != 0 {
		t.Fatalf("decr value mismatch: %d", n)
	}

	if _, err := c.Version(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if _, err := c.Stats(); err != nil {
		t.Fatalf("stats: %v", err)
	}
}

func TestClientGetsAndCAS(t *testing.T) {
	server := storeServer(t)
	defer server.Close()

	c, err := New([]ServerSpec{server.spec(t)}, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := c.Set([]byte("ck"), []byte("v1"), 0, 10); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Gets([]byte("ck"))
	if err != nil {
		t.Fatalf("gets: %v", err)
	}
	if got.CasUnique != 1 {
		t.Fatalf("expected fake cas token 1, got %d", got.CasUnique)
	}
	if err := c.CAS([]byte("ck"), []byte("v2"), 0, 10, got.CasUnique); err != nil {
		t.Fatalf("cas with matching token: %v", err)
	}
	if err := c.CAS([]byte("ck"), []byte("v3"), 0, 10, 99); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists for stale token, got %v", err)
	}
}

func TestClientGetMiss(t *testing.T) {
	server := storeServer(t)
	defer server.Close()

	c, err := New([]ServerSpec{server.spec(t)}, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := c.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Incr([]byte("missing"), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for incr on missing key, got %v", err)
	}
}

func TestClientRejectsInvalidKey(t *testing.T) {
	server := storeServer(t)
	defer server.Close()

	c, err := New([]ServerSpec{server.spec(t)}, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, err = c.Get([]byte("bad key"))
	if err == nil {
		t.Fatalf("expected error for key containing a space")
	}
	var pe *PoolError
	if !errors.As(err, &pe) || pe.Code != InvalidKeyErr {
		t.Fatalf("expected InvalidKeyErr, got %v", err)
	}
}

func TestClientGetServerAddressByKey(t *testing.T) {
	server := storeServer(t)
	defer server.Close()

	c, err := New([]ServerSpec{server.spec(t)}, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	addr, ok := c.GetServerAddressByKey([]byte("anykey"))
	if !ok {
		t.Fatalf("expected a server to be selected")
	}
	if addr == "" {
		t.Fatalf("expected non-empty address")
	}
}
