package bft

import (
	"context"
	"fmt"

	"github.com/galdor/go-consensus/pkg/consensus"
)

var _ consensus.Client = (*Validator)(nil)

// Submit queues a command; the validator proposes it the next time it is
// the proposer of a round. The returned term is the deciding round.
// Empty commands are rejected: an empty value is a vote for nothing.
func (v *Validator) Submit(ctx context.Context, command []byte) (consensus.LogIndex, consensus.Term, error) {
	if len(command) == 0 {
		return 0, 0, fmt.Errorf("empty command")
	}

	if len(command) > consensus.MaxCommandSize {
		return 0, 0, consensus.ErrCommandTooLarge
	}

	cmd := pendingCommand{
		value:      command,
		resultChan: make(chan submitResult, 1),
	}

	err := v.call(ctx, func() {
		v.queue = append(v.queue, &cmd)

		if v.proposerOf(v.index, v.round) == v.Id {
			rs := v.roundState(v.round)

			v.propose(rs)
			v.processRound(rs)
		}
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, 0, fmt.Errorf("%w: %w", consensus.ErrNoQuorum, ctxErr)
		}

		return 0, 0, err
	}

	select {
	case res := <-cmd.resultChan:
		return res.index, consensus.Term(res.round), res.err

	case <-ctx.Done():
		// Commands which were not proposed yet are withdrawn.
		v.call(context.Background(), func() {
			v.removeQueuedCommand(&cmd)
		})

		// The command may have been decided in the meantime.
		select {
		case res := <-cmd.resultChan:
			return res.index, consensus.Term(res.round), res.err
		default:
		}

		return 0, 0, fmt.Errorf("%w: %w", consensus.ErrNoQuorum, ctx.Err())

	case <-v.doneChan:
		return 0, 0, consensus.ErrStopped
	}
}

func (v *Validator) removeQueuedCommand(cmd *pendingCommand) {
	for i, c := range v.queue {
		if c == cmd {
			v.queue = append(v.queue[:i], v.queue[i+1:]...)
			return
		}
	}
}

// Query returns the value stored at a log index. Every entry of the log
// was decided, in index order.
func (v *Validator) Query(index consensus.LogIndex) ([]byte, bool) {
	var value []byte
	var found bool

	v.call(context.Background(), func() {
		entry, err := v.logStore.Read(index)
		if err != nil {
			return
		}

		value = entry.Command
		found = true
	})

	return value, found
}

func (v *Validator) Status() consensus.Status {
	status := consensus.Status{Id: v.Id}

	v.call(context.Background(), func() {
		proposerId := v.proposerOf(v.index, v.round)

		status.Role = consensus.RoleValidator
		if proposerId == v.Id {
			status.Role = consensus.RoleProposer
		}

		status.Term = consensus.Term(v.round)
		status.LeaderId = proposerId

		lastIndex := v.logStore.LastIndex()
		status.CommitIndex = lastIndex
		status.LastApplied = lastIndex
	})

	return status
}

func (v *Validator) call(ctx context.Context, fn func()) error {
	doneChan := make(chan struct{})

	select {
	case v.requestChan <- func() { fn(); close(doneChan) }:
	case <-v.doneChan:
		return consensus.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-doneChan:
		return nil
	case <-v.doneChan:
		return consensus.ErrStopped
	}
}
