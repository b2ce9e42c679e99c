// Package protocol defines the signed envelope replicated between nodes.
package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hearth-im/hearth/internal/domain/room"
)

// Operation defines supported replicated writes.
type Operation string

const (
	// OpEventSubmit carries one room event for ingestion.
	OpEventSubmit Operation = "EVENT_SUBMIT"
)

var validOps = map[Operation]struct{}{
	OpEventSubmit: {},
}

// Tx is the signed, replicated command envelope. Origin is the server the
// submission comes from; it must own the sender of the carried event.
type Tx struct {
	TxID      string          `json:"tx_id"`
	RoomID    string          `json:"room_id,omitempty"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"` // base64 raw ed25519 public key
	Signature string          `json:"signature"`  // base64 raw signature
}

type txSignable struct {
	TxID      string          `json:"tx_id"`
	RoomID    string          `json:"room_id,omitempty"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (t Tx) CanonicalBytes() ([]byte, error) {
	signable := txSignable{
		TxID:      strings.TrimSpace(t.TxID),
		RoomID:    strings.TrimSpace(t.RoomID),
		Nonce:     strings.TrimSpace(t.Nonce),
		Timestamp: t.Timestamp.UTC(),
		Origin:    strings.TrimSpace(t.Origin),
		Op:        t.Op,
		Payload:   t.Payload,
		PublicKey: strings.TrimSpace(t.PublicKey),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks required immutable tx fields.
func (t Tx) ValidateBasic() error {
	if strings.TrimSpace(t.TxID) == "" {
		return errors.New("tx_id is required")
	}
	if strings.TrimSpace(t.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if strings.TrimSpace(t.Origin) == "" {
		return errors.New("origin is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validOps[t.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", t.Op)
	}
	if len(t.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(t.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(t.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets tx public key/signature for the given private key.
func (t *Tx) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	t.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	t.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, payload))
	return nil
}

// Verify validates tx signature using included public key.
func (t Tx) Verify() error {
	if err := t.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// EventSubmitPayload is the payload of OpEventSubmit.
type EventSubmitPayload struct {
	Event *room.Event `json:"event"`
}

// NewEventSubmit builds an unsigned submission of event.
func NewEventSubmit(txID, nonce, origin string, at time.Time, event *room.Event) (Tx, error) {
	payload, err := json.Marshal(EventSubmitPayload{Event: event})
	if err != nil {
		return Tx{}, err
	}
	return Tx{
		TxID:      txID,
		RoomID:    event.RoomID,
		Nonce:     nonce,
		Timestamp: at.UTC(),
		Origin:    origin,
		Op:        OpEventSubmit,
		Payload:   payload,
	}, nil
}

// DecodeEvent returns the event of an OpEventSubmit tx, checking it belongs
// to the envelope's room and that Origin owns its sender.
func (t Tx) DecodeEvent() (*room.Event, error) {
	if t.Op != OpEventSubmit {
		return nil, fmt.Errorf("op %s carries no event", t.Op)
	}
	payload, err := DecodePayload[EventSubmitPayload](t.Payload)
	if err != nil {
		return nil, room.Malformed("payload: " + err.Error())
	}
	if payload.Event == nil {
		return nil, room.Malformed("payload has no event")
	}
	ev := payload.Event
	if t.RoomID != "" && ev.RoomID != t.RoomID {
		return nil, room.Malformed("event room does not match envelope room")
	}
	domain, err := room.DomainFromID(ev.Sender)
	if err != nil {
		return nil, room.Malformed(err.Error())
	}
	if domain != strings.TrimSpace(t.Origin) {
		return nil, room.Denied(room.ReasonInvalidSignature, "origin %s cannot submit events sent by %s", t.Origin, ev.Sender)
	}
	return ev, nil
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
