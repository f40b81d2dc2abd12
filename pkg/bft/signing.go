package bft

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/galdor/go-consensus/pkg/consensus"
)

// KeyRing holds the public key of every validator of the cluster.
type KeyRing map[consensus.NodeId]ed25519.PublicKey

func (r KeyRing) Check(cluster consensus.ClusterView) error {
	for _, id := range cluster.Ids() {
		key, found := r[id]
		if !found {
			return fmt.Errorf("missing public key for node %q", id)
		}

		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid public key for node %q", id)
		}
	}

	return nil
}

// Verify checks the signature of a message against the key of its sender.
func (r KeyRing) Verify(msg SignedMsg) bool {
	vote := msg.GetVote()

	key, found := r[vote.Sender]
	if !found {
		return false
	}

	return ed25519.Verify(key, signingPayload(msg), vote.Signature)
}

// VerifyCertificate checks that the certificate of a learn message holds
// valid accepts for its index, round and value from at least quorum
// distinct validators.
func (r KeyRing) VerifyCertificate(learn *Learn, quorum int) bool {
	if len(learn.Value) == 0 {
		return false
	}

	senders := make(map[consensus.NodeId]struct{})

	for _, accept := range learn.Certificate {
		if accept == nil {
			continue
		}

		vote := &accept.Vote

		if vote.Index != learn.Index || vote.Round != learn.Round ||
			!bytes.Equal(vote.Value, learn.Value) {
			continue
		}

		if _, found := senders[vote.Sender]; found {
			continue
		}

		if !r.Verify(accept) {
			continue
		}

		senders[vote.Sender] = struct{}{}
	}

	return len(senders) >= quorum
}

func Sign(msg SignedMsg, key ed25519.PrivateKey) {
	vote := msg.GetVote()
	vote.Signature = ed25519.Sign(key, signingPayload(msg))
}

func signingPayload(msg SignedMsg) []byte {
	var buf bytes.Buffer

	vote := msg.GetVote()

	writeField := func(data []byte) {
		binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		buf.Write(data)
	}

	writeField([]byte(msg.GetType()))
	binary.Write(&buf, binary.BigEndian, int64(vote.Index))
	binary.Write(&buf, binary.BigEndian, int64(vote.Round))
	writeField([]byte(vote.Sender))
	writeField(vote.Value)

	if propose, ok := msg.(*Propose); ok {
		binary.Write(&buf, binary.BigEndian, int64(propose.ValidRound))
	}

	return buf.Bytes()
}

func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	data, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}

	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid key size %d", len(data))
	}

	return ed25519.PublicKey(data), nil
}

// ParsePrivateKey decodes a hex-encoded 32 byte seed.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	data, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}

	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size %d", len(data))
	}

	return ed25519.NewKeyFromSeed(data), nil
}

// LoadOrCreatePrivateKey reads the seed stored in a file, generating and
// writing a new one if the file does not exist.
func LoadOrCreatePrivateKey(filePath string) (ed25519.PrivateKey, bool, error) {
	data, err := os.ReadFile(filePath)
	if err == nil {
		key, err := ParsePrivateKey(string(data))
		if err != nil {
			return nil, false, fmt.Errorf("cannot parse %s: %w", filePath, err)
		}

		return key, false, nil
	}

	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("cannot read %s: %w", filePath, err)
	}

	_, key, err := GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("cannot generate key: %w", err)
	}

	seed := hex.EncodeToString(key.Seed()) + "\n"

	if err := os.WriteFile(filePath, []byte(seed), 0600); err != nil {
		return nil, false, fmt.Errorf("cannot write %s: %w", filePath, err)
	}

	return key, true, nil
}

func FormatPublicKey(key ed25519.PublicKey) string {
	return hex.EncodeToString(key)
}
