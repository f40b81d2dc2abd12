package bft

import (
	"fmt"

	"github.com/galdor/go-consensus/pkg/consensus"
)

type Round int64

// Vote is the content shared by all agreement messages. The signature
// covers the message type and every other field, so a message can neither
// be altered nor replayed as another kind of message. A vote with an empty
// value is a vote for nothing.
type Vote struct {
	Index     consensus.LogIndex `json:"index"`
	Round     Round              `json:"round"`
	Sender    consensus.NodeId   `json:"sender"`
	Value     []byte             `json:"value"`
	Signature []byte             `json:"signature,omitempty"`
}

// SignedMsg is implemented by Propose, Accept and Learn.
type SignedMsg interface {
	consensus.Msg

	GetVote() *Vote
}

func init() {
	consensus.RegisterMsgType("propose", func() consensus.Msg {
		return &Propose{}
	})

	consensus.RegisterMsgType("accept", func() consensus.Msg {
		return &Accept{}
	})

	consensus.RegisterMsgType("learn", func() consensus.Msg {
		return &Learn{}
	})

	consensus.RegisterMsgType("sync_request", func() consensus.Msg {
		return &SyncRequest{}
	})
}

// Propose is the proposal of a round when sent by the round proposer, and
// the value another validator supports (or relays) otherwise.
//
// ValidRound is the last round in which the proposer saw n-f validators
// support the value, or -1; it lets validators locked in an earlier round
// move to the value.
type Propose struct {
	Vote

	ValidRound Round `json:"validRound"`
}

func (msg *Propose) GetType() string {
	return "propose"
}

func (msg *Propose) GetVote() *Vote {
	return &msg.Vote
}

func (msg *Propose) String() string {
	return formatVote("Propose", &msg.Vote)
}

type Accept struct {
	Vote
}

func (msg *Accept) GetType() string {
	return "accept"
}

func (msg *Accept) GetVote() *Vote {
	return &msg.Vote
}

func (msg *Accept) String() string {
	return formatVote("Accept", &msg.Vote)
}

// Learn announces the value decided for a log index. The certificate, when
// present, holds the accept messages of the deciding round and is enough
// on its own to decide; a learn without certificate only counts toward the
// f+1 matching learns needed.
type Learn struct {
	Vote

	Certificate []*Accept `json:"certificate,omitempty"`
}

func (msg *Learn) GetType() string {
	return "learn"
}

func (msg *Learn) GetVote() *Vote {
	return &msg.Vote
}

func (msg *Learn) String() string {
	return formatVote("Learn", &msg.Vote)
}

// SyncRequest asks a validator for the values it decided from Index
// onward. It is not signed; the learns sent back are.
type SyncRequest struct {
	Index consensus.LogIndex `json:"index"`
}

func (msg *SyncRequest) GetType() string {
	return "sync_request"
}

func (msg *SyncRequest) String() string {
	return fmt.Sprintf("SyncRequest{index: %d}", msg.Index)
}

func formatVote(name string, vote *Vote) string {
	return fmt.Sprintf("%s{index: %d, round: %d, sender: %q, %d bytes}",
		name, vote.Index, vote.Round, vote.Sender, len(vote.Value))
}
