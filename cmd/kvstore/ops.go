package main

import (
	"bytes"
	"fmt"
)

const (
	UnitSeparator byte = 0x1f
)

// Op is a store mutation carried as a log command. The encoding is the op
// name and its arguments separated by the ASCII unit separator.
type Op interface {
	Name() string
	Encode(*bytes.Buffer)
	Decode([]byte) error
	Apply(*Store)
	fmt.Stringer
}

func EncodeOp(op Op) []byte {
	var buf bytes.Buffer

	buf.WriteString(op.Name())
	buf.WriteByte(UnitSeparator)
	op.Encode(&buf)

	return buf.Bytes()
}

func DecodeOp(data []byte) (Op, error) {
	sep := bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return nil, fmt.Errorf("missing op name")
	}

	var op Op

	name := string(data[:sep])
	switch name {
	case "put":
		op = &OpPut{}
	case "delete":
		op = &OpDelete{}
	default:
		return nil, fmt.Errorf("unknown op %q", name)
	}

	if err := op.Decode(data[sep+1:]); err != nil {
		return nil, fmt.Errorf("invalid %s op: %w", name, err)
	}

	return op, nil
}

type OpPut struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (op *OpPut) Name() string {
	return "put"
}

func (op *OpPut) Encode(buf *bytes.Buffer) {
	buf.WriteString(op.Key)
	buf.WriteByte(UnitSeparator)
	buf.WriteString(op.Value)
}

func (op *OpPut) Decode(data []byte) error {
	sep := bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return fmt.Errorf("missing value")
	}

	op.Key = string(data[:sep])
	op.Value = string(data[sep+1:])

	return nil
}

func (op *OpPut) Apply(s *Store) {
	s.Put(op.Key, op.Value)
}

func (op *OpPut) String() string {
	return fmt.Sprintf("put %q (%d bytes)", op.Key, len(op.Value))
}

type OpDelete struct {
	Key string `json:"key"`
}

func (op *OpDelete) Name() string {
	return "delete"
}

func (op *OpDelete) Encode(buf *bytes.Buffer) {
	buf.WriteString(op.Key)
}

func (op *OpDelete) Decode(data []byte) error {
	op.Key = string(data)
	return nil
}

func (op *OpDelete) Apply(s *Store) {
	s.Delete(op.Key)
}

func (op *OpDelete) String() string {
	return fmt.Sprintf("delete %q", op.Key)
}
