package consensus

import (
	"errors"
	"fmt"
)

var (
	ErrNoLeader      = errors.New("no leader")
	ErrNoQuorum      = errors.New("no quorum")
	ErrNotCommitted  = errors.New("command not committed")
	ErrStopped       = errors.New("node stopped")
	ErrEntryNotFound = errors.New("log entry not found")
)

// NotLeaderError is returned by a node which cannot accept a command. The
// leader identifier is empty if no leader is currently known.
type NotLeaderError struct {
	LeaderId NodeId
}

func (err *NotLeaderError) Error() string {
	if err.LeaderId == "" {
		return ErrNoLeader.Error()
	}

	return fmt.Sprintf("not the leader (current leader: %s)", err.LeaderId)
}

func (err *NotLeaderError) Unwrap() error {
	return ErrNoLeader
}
