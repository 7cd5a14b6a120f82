package node

import (
	"fmt"
	"sync/atomic"
)

// ConnectionKey identifies a connection for the lifetime of the process.
// Keys are never reused.
type ConnectionKey uint64

var connectionKeySeq atomic.Uint64

func newConnectionKey() ConnectionKey {
	return ConnectionKey(connectionKeySeq.Add(1))
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("conn-%d", uint64(k))
}
