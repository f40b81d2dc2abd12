package consensus

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MaxMsgSize is the largest encoded message a transport accepts. It leaves
// room for a batch of entries or a certificate made of several values of
// MaxCommandSize bytes.
const MaxMsgSize = 64 * 1024 * 1024

// Msg is a protocol message. The set of concrete message types is closed:
// each engine registers its own variants with RegisterMsgType and
// dispatches on them with a type switch.
type Msg interface {
	GetType() string

	fmt.Stringer
}

type IncomingMsg struct {
	SourceId NodeId
	Msg      Msg
}

var (
	msgTypes   = make(map[string]func() Msg)
	msgTypesMu sync.RWMutex
)

func RegisterMsgType(name string, newMsg func() Msg) {
	msgTypesMu.Lock()
	defer msgTypesMu.Unlock()

	if _, found := msgTypes[name]; found {
		Panicf("duplicate message type %q", name)
	}

	msgTypes[name] = newMsg
}

func EncodeMsg(sourceId NodeId, msg Msg) ([]byte, error) {
	value := struct {
		Source NodeId `json:"source"`
		Type   string `json:"type"`
		Value  Msg    `json:"value"`
	}{
		Source: sourceId,
		Type:   msg.GetType(),
		Value:  msg,
	}

	return json.Marshal(value)
}

func DecodeMsg(data []byte) (IncomingMsg, error) {
	var value struct {
		Source NodeId          `json:"source"`
		Type   string          `json:"type"`
		Value  json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return IncomingMsg{}, err
	}

	if value.Source == "" {
		return IncomingMsg{}, fmt.Errorf("missing or empty message source")
	}

	msgTypesMu.RLock()
	newMsg, found := msgTypes[value.Type]
	msgTypesMu.RUnlock()

	if !found {
		return IncomingMsg{}, fmt.Errorf("unknown message type %q", value.Type)
	}

	msg := newMsg()

	if err := json.Unmarshal(value.Value, msg); err != nil {
		return IncomingMsg{}, fmt.Errorf("cannot decode %s message: %w",
			value.Type, err)
	}

	incomingMsg := IncomingMsg{
		SourceId: value.Source,
		Msg:      msg,
	}

	return incomingMsg, nil
}
