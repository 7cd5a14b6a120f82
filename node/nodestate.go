package node

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// nodeState holds the process-lifetime counters of a Node. It is guarded by
// Node.mu.
type nodeState struct {
	stateID     uint32
	endToEnd    uint32
	sessionHigh uint32
	sessionLow  uint32
}

func newNodeState(boot time.Time) *nodeState {
	secs := uint32(boot.Unix())
	return &nodeState{
		stateID:     secs,
		endToEnd:    secs<<20 | rand.Uint32()&0xfffff,
		sessionHigh: secs,
	}
}

func (s *nodeState) nextEndToEnd() uint32 {
	v := s.endToEnd
	s.endToEnd++
	return v
}

// nextSessionSuffix returns the "<high>;<low>" part of a session id. low
// rolls over into high.
func (s *nodeState) nextSessionSuffix() string {
	s.sessionLow++
	if s.sessionLow == 0 {
		s.sessionHigh++
	}
	return fmt.Sprintf("%d;%d", s.sessionHigh, s.sessionLow)
}
