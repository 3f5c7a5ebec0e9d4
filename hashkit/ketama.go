package hashkit

import (
	"crypto/md5"
	"encoding/binary"
	"sort"
	"strconv"
)

// vnodeFactor is the classic ketama virtual-node multiplier: each
// server contributes vnodeFactor*weight tokens, each token expanding
// to four ring points via one MD5 digest (so vnodeFactor*weight*4
// points per server at weight 1).
const vnodeFactor = 40

// Server is one entry in the set handed to AddServers. Identity is
// the string used to seed ring points: callers typically pass an
// alias if one is configured, falling back to host:port.
type Server struct {
	Identity string
	Weight   int
}

// RingNode is one point on the hash ring.
type RingNode struct {
	Hash        uint32
	ServerIndex uint16
}

// AliveChecker reports whether the server at a given index currently
// has a usable connection. The ring never owns connections itself —
// it only stores server indices — so liveness is always asked of the
// caller.
type AliveChecker interface {
	Alive(serverIndex int) bool
}

// Ketama is a consistent-hash ring over a fixed set of servers,
// selecting by 32-bit key hash with optional skip-dead-walk failover.
type Ketama struct {
	hashFunc HashFunc
	failover bool
	built    bool

	nodes    []RingNode
	nServers int
}

// New creates a ring using hashFunc to hash lookup keys. Ring-point
// construction itself is always MD5-based, per the classic ketama
// algorithm; hashFunc only affects how a caller's key is located on
// the already-built ring.
func New(hashFunc HashFunc) *Ketama {
	if hashFunc == nil {
		hashFunc = HashFNV1A_32
	}
	return &Ketama{hashFunc: hashFunc}
}

// SetHashFunc swaps the key-hash function. Legal only before the
// first AddServers call or immediately after Reset; once the ring has
// been built, the call is a silent no-op.
func (k *Ketama) SetHashFunc(hf HashFunc) {
	if k.built {
		return
	}
	k.hashFunc = hf
}

// EnableFailover turns on skip-dead-walk failover in GetConn.
func (k *Ketama) EnableFailover() { k.failover = true }

// DisableFailover turns off failover; GetConn then always returns the
// ring's nominal server.
func (k *Ketama) DisableFailover() { k.failover = false }

// Reset clears the ring, permitting a fresh SetHashFunc call.
func (k *Ketama) Reset() {
	k.nodes = nil
	k.nServers = 0
	k.built = false
}

// AddServers rebuilds the ring from scratch. Identical input produces
// an identical ring across runs and across processes, which matters
// for server-side cache locality across independently-started clients.
func (k *Ketama) AddServers(servers []Server) {
	k.built = true
	k.nServers = len(servers)

	points := make([]RingNode, 0, len(servers)*vnodeFactor*4)
	for idx, s := range servers {
		weight := s.Weight
		if weight <= 0 {
			weight = 1
		}
		vnodes := vnodeFactor * weight
		for i := 0; i < vnodes; i++ {
			token := s.Identity + "-" + strconv.Itoa(i)
			sum := md5.Sum([]byte(token))
			for j := 0; j < 4; j++ {
				h := binary.LittleEndian.Uint32(sum[j*4 : j*4+4])
				points = append(points, RingNode{Hash: h, ServerIndex: uint16(idx)})
			}
		}
	}

	sort.Slice(points, func(i, j int) bool {
		if points[i].Hash == points[j].Hash {
			return points[i].ServerIndex < points[j].ServerIndex
		}
		return points[i].Hash < points[j].Hash
	})
	k.nodes = points
}

// GetConn maps key to a server index. When checkAlive is false, or
// failover is disabled, it returns the ring's nominal server
// regardless of liveness. When failover is enabled and checkAlive is
// true, it walks the ring forward, skipping dead servers, visiting at
// most once per distinct server before giving up.
func (k *Ketama) GetConn(key []byte, checkAlive bool, alive AliveChecker) (int, bool) {
	if len(k.nodes) == 0 {
		return -1, false
	}
	h := k.hashFunc(key)
	i := k.search(h)

	if !checkAlive || !k.failover {
		return int(k.nodes[i].ServerIndex), true
	}

	visited := make([]bool, k.nServers)
	remaining := k.nServers
	idx := i
	for remaining > 0 {
		srv := int(k.nodes[idx].ServerIndex)
		if !visited[srv] {
			visited[srv] = true
			remaining--
			if alive.Alive(srv) {
				return srv, true
			}
		}
		idx++
		if idx == len(k.nodes) {
			idx = 0
		}
	}
	return -1, false
}

func (k *Ketama) search(h uint32) int {
	i := sort.Search(len(k.nodes), func(i int) bool {
		return k.nodes[i].Hash >= h
	})
	if i == len(k.nodes) {
		return 0
	}
	return i
}
