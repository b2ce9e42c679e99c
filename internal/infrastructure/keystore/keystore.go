// Package keystore holds the signing keys of known servers and verifies
// event origin signatures with them.
package keystore

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hearth-im/hearth/internal/domain/eventauth"
	"github.com/hearth-im/hearth/internal/domain/room"
)

var ErrUnknownServer = errors.New("no keys known for server")

// StaticKeyStore is a simple in-memory keystore: server name to key id to
// ed25519 public key.
type StaticKeyStore struct {
	keys map[string]map[string]ed25519.PublicKey
}

var _ eventauth.SignatureVerifier = (*StaticKeyStore)(nil)

func New() *StaticKeyStore {
	return &StaticKeyStore{keys: map[string]map[string]ed25519.PublicKey{}}
}

// NewFromEnv builds a keystore from SERVER_KEYS.
func NewFromEnv() (*StaticKeyStore, error) {
	return Parse(os.Getenv("SERVER_KEYS"))
}

// Parse reads "server/keyId=base64,server2/keyId=base64". Key ids look like
// ed25519:abc.
func Parse(raw string) (*StaticKeyStore, error) {
	ks := New()
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, encoded, ok := strings.Cut(p, "=")
		server, keyID, ok2 := strings.Cut(name, "/")
		if !ok || !ok2 || server == "" || keyID == "" {
			return nil, fmt.Errorf("invalid SERVER_KEYS entry %q", p)
		}
		key, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, fmt.Errorf("key %s/%s: %w", server, keyID, err)
		}
		if err := ks.Add(server, keyID, key); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

func (s *StaticKeyStore) Add(server, keyID string, key []byte) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("key %s/%s: want %d bytes, got %d", server, keyID, ed25519.PublicKeySize, len(key))
	}
	if s.keys[server] == nil {
		s.keys[server] = map[string]ed25519.PublicKey{}
	}
	s.keys[server][keyID] = ed25519.PublicKey(key)
	return nil
}

func (s *StaticKeyStore) Len() int {
	n := 0
	for _, keys := range s.keys {
		n += len(keys)
	}
	return n
}

// VerifyEventSignatures requires a valid signature from the sender's server
// by one of its known keys.
func (s *StaticKeyStore) VerifyEventSignatures(event *room.Event) error {
	server, err := room.DomainFromID(event.Sender)
	if err != nil {
		return err
	}
	known := s.keys[server]
	if len(known) == 0 {
		return fmt.Errorf("%w %s", ErrUnknownServer, server)
	}
	sigs := event.Signatures[server]
	if len(sigs) == 0 {
		return fmt.Errorf("event is not signed by %s", server)
	}
	raw, err := event.JSON()
	if err != nil {
		return err
	}
	payload, err := eventauth.SigningPayload(raw)
	if err != nil {
		return err
	}
	for keyID, sig := range sigs {
		pub, ok := known[keyID]
		if !ok {
			continue
		}
		decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(sig, "="))
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, payload, decoded) {
			return nil
		}
	}
	return fmt.Errorf("no valid signature from %s", server)
}
