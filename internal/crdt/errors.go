package crdt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedUpdate = errors.New("malformed update")
	ErrOutOfRange      = errors.New("position out of range")
)

// ReplicationGapError is returned by Apply when buffered operations waited on
// an anchor for too long and were discarded. The replica is missing history
// and needs a full state from a converged peer.
type ReplicationGapError struct {
	RoomID  string
	Missing []ID
}

func (e *ReplicationGapError) Error() string {
	ids := make([]string, 0, len(e.Missing))
	for _, id := range e.Missing {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("replication gap in room %s: missing %s", e.RoomID, strings.Join(ids, ","))
}

// IsReplicationGap unwraps err looking for a ReplicationGapError.
func IsReplicationGap(err error) bool {
	var gap *ReplicationGapError
	return errors.As(err, &gap)
}
