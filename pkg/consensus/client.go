package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Client is the command submission and query interface exposed by both
// engines.
type Client interface {
	// Submit blocks until the command is committed at the returned position,
	// is known to be superseded (ErrNotCommitted), or ctx is done
	// (ErrNoQuorum).
	Submit(context.Context, []byte) (LogIndex, Term, error)

	Query(LogIndex) ([]byte, bool)

	Status() Status
}

// Router is a Client dispatching commands to the node currently able to
// accept them, following the leader hints returned by the nodes.
type Router struct {
	RetryDelay time.Duration

	clients map[NodeId]Client
	ids     []NodeId

	leaderId NodeId
	mu       sync.Mutex
}

func NewRouter(clients map[NodeId]Client) *Router {
	view := make(ClusterView)
	for id := range clients {
		view[id] = NodeData{}
	}

	return &Router{
		RetryDelay: 10 * time.Millisecond,

		clients: clients,
		ids:     view.Ids(),
	}
}

func (r *Router) Submit(ctx context.Context, command []byte) (LogIndex, Term, error) {
	for {
		if id := r.target(); id != "" {
			index, term, err := r.clients[id].Submit(ctx, command)

			var notLeaderErr *NotLeaderError
			if !errors.As(err, &notLeaderErr) && !errors.Is(err, ErrStopped) {
				if err == nil {
					r.setLeader(id)
				}

				return index, term, err
			}

			if notLeaderErr != nil && notLeaderErr.LeaderId != id {
				r.setLeader(notLeaderErr.LeaderId)
			} else {
				r.setLeader("")
			}
		}

		select {
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("%w: %w", ErrNoLeader, ctx.Err())
		case <-time.After(r.RetryDelay):
		}
	}
}

func (r *Router) Query(index LogIndex) ([]byte, bool) {
	id := r.target()
	if id == "" {
		if len(r.ids) == 0 {
			return nil, false
		}

		id = r.ids[0]
	}

	return r.clients[id].Query(index)
}

func (r *Router) Status() Status {
	id := r.target()
	if id == "" {
		return Status{}
	}

	return r.clients[id].Status()
}

func (r *Router) target() NodeId {
	r.mu.Lock()
	leaderId := r.leaderId
	r.mu.Unlock()

	if _, found := r.clients[leaderId]; found {
		return leaderId
	}

	for _, id := range r.ids {
		status := r.clients[id].Status()

		if status.LeaderId != "" {
			if _, found := r.clients[status.LeaderId]; found {
				r.setLeader(status.LeaderId)
				return status.LeaderId
			}
		}
	}

	return ""
}

func (r *Router) setLeader(id NodeId) {
	r.mu.Lock()
	r.leaderId = id
	r.mu.Unlock()
}
