package raft

import (
	"context"
	"fmt"

	"github.com/galdor/go-consensus/pkg/consensus"
)

var _ consensus.Client = (*Node)(nil)

// Submit appends a command to the log and waits until it is committed and
// applied. Followers reject the command with a *consensus.NotLeaderError
// carrying the identifier of the leader they know about, if any.
func (n *Node) Submit(ctx context.Context, command []byte) (consensus.LogIndex, consensus.Term, error) {
	if len(command) > consensus.MaxCommandSize {
		return 0, 0, consensus.ErrCommandTooLarge
	}

	var entry consensus.LogEntry
	var waiter *commitWaiter
	var err error

	callErr := n.call(ctx, func() {
		if n.state != consensus.RoleLeader {
			err = &consensus.NotLeaderError{LeaderId: n.currentLeader}
			return
		}

		entry, err = n.appendEntry(consensus.EntryTypeCommand, command)
		if err != nil {
			err = fmt.Errorf("cannot append entry: %w", err)
			return
		}

		waiter = n.addCommitWaiter(entry)
	})
	if callErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, 0, fmt.Errorf("%w: %w", consensus.ErrNoQuorum, ctxErr)
		}

		return 0, 0, callErr
	}

	if err != nil {
		return 0, 0, err
	}

	select {
	case err := <-waiter.resultChan:
		return entry.Index, entry.Term, err

	case <-ctx.Done():
		return entry.Index, entry.Term,
			fmt.Errorf("%w: %w", consensus.ErrNoQuorum, ctx.Err())

	case <-n.doneChan:
		return entry.Index, entry.Term, consensus.ErrStopped
	}
}

// Query returns the command stored at a log index and whether it is known
// to be committed.
func (n *Node) Query(index consensus.LogIndex) ([]byte, bool) {
	var command []byte
	var committed bool

	n.call(context.Background(), func() {
		entry, err := n.logStore.Read(index)
		if err != nil {
			return
		}

		command = entry.Command
		committed = index <= n.commitIndex
	})

	return command, committed
}

func (n *Node) Status() consensus.Status {
	status := consensus.Status{Id: n.Id}

	n.call(context.Background(), func() {
		status.Role = n.state
		status.Term = n.persistentState.CurrentTerm
		status.LeaderId = n.currentLeader
		status.CommitIndex = n.commitIndex
		status.LastApplied = n.lastApplied
	})

	return status
}

// call runs a function in the main goroutine and waits for it to return.
func (n *Node) call(ctx context.Context, fn func()) error {
	doneChan := make(chan struct{})

	select {
	case n.requestChan <- func() { fn(); close(doneChan) }:
	case <-n.doneChan:
		return consensus.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-doneChan:
		return nil
	case <-n.doneChan:
		return consensus.ErrStopped
	}
}
