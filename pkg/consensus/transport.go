package consensus

// Transport moves messages between the nodes of a cluster. Delivery is
// unreliable and unordered; implementations drop frames they cannot decode
// before they reach the engine.
type Transport interface {
	Send(NodeId, Msg) error

	// Broadcast sends a message to every node of the cluster except the
	// local one.
	Broadcast(Msg) error

	Receive() <-chan IncomingMsg
}
