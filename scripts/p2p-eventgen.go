package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-im/hearth/internal/domain/room"
	"github.com/hearth-im/hearth/internal/p2p/protocol"
)

type options struct {
	eventJSON string

	roomID      string
	eventID     string
	eventType   string
	sender      string
	stateKey    string
	noStateKey  bool
	contentJSON string
	prevEvents  string
	authEvents  string
	depth       int64
	redacts     string

	origin     string
	txID       string
	nonce      string
	timestamp  string
	privateKey string
}

func main() {
	var opt options

	flag.StringVar(&opt.eventJSON, "event-json", "", "full event JSON; @path reads a file. Overrides the event flags")

	flag.StringVar(&opt.roomID, "room-id", "!smoke:localhost", "room identifier")
	flag.StringVar(&opt.eventID, "event-id", "", "event identifier; auto-generated when empty")
	flag.StringVar(&opt.eventType, "type", room.TypeMessage, "event type")
	flag.StringVar(&opt.sender, "sender", "@smoke:localhost", "sender user id")
	flag.StringVar(&opt.stateKey, "state-key", "", "state key")
	flag.BoolVar(&opt.noStateKey, "no-state-key", true, "omit state_key (set false for state events)")
	flag.StringVar(&opt.contentJSON, "content-json", "{}", "event content JSON")
	flag.StringVar(&opt.prevEvents, "prev", "", "comma-separated prev_events")
	flag.StringVar(&opt.authEvents, "auth", "", "comma-separated auth_events")
	flag.Int64Var(&opt.depth, "depth", 1, "event depth")
	flag.StringVar(&opt.redacts, "redacts", "", "redaction target")

	flag.StringVar(&opt.origin, "origin", "", "submitting server; defaults to the sender's server")
	flag.StringVar(&opt.txID, "tx-id", "", "tx identifier; auto-generated when empty")
	flag.StringVar(&opt.nonce, "nonce", "", "nonce; auto-generated when empty")
	flag.StringVar(&opt.timestamp, "timestamp", "", "RFC3339 timestamp; default now UTC")
	flag.StringVar(&opt.privateKey, "private-key", "", "base64 private key (32-byte seed or 64-byte private key); default random")
	flag.Parse()

	ts, err := parseTimestamp(opt.timestamp)
	if err != nil {
		log.Fatal(err)
	}
	ev, err := buildEvent(opt, ts)
	if err != nil {
		log.Fatal(err)
	}
	if err := ev.Validate(); err != nil {
		log.Fatal(err)
	}

	origin := strings.TrimSpace(opt.origin)
	if origin == "" {
		if origin, err = room.DomainFromID(ev.Sender); err != nil {
			log.Fatal(err)
		}
	}
	privateKey, err := loadPrivateKey(opt.privateKey)
	if err != nil {
		log.Fatal(err)
	}

	txID := strings.TrimSpace(opt.txID)
	if txID == "" {
		txID = "tx-" + uuid.NewString()
	}
	nonce := strings.TrimSpace(opt.nonce)
	if nonce == "" {
		nonce = uuid.NewString()
	}
	tx, err := protocol.NewEventSubmit(txID, nonce, origin, ts, ev)
	if err != nil {
		log.Fatal(err)
	}
	if err := tx.Sign(privateKey); err != nil {
		log.Fatal(err)
	}

	out, err := json.Marshal(tx)
	if err != nil {
		log.Fatal(err)
	}
	_, _ = os.Stdout.Write(out)
}

func buildEvent(opt options, ts time.Time) (*room.Event, error) {
	if raw := strings.TrimSpace(opt.eventJSON); raw != "" {
		if strings.HasPrefix(raw, "@") {
			data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
			if err != nil {
				return nil, err
			}
			raw = string(data)
		}
		var ev room.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("invalid event-json: %w", err)
		}
		return &ev, nil
	}

	content := strings.TrimSpace(opt.contentJSON)
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("invalid content-json")
	}
	ev := &room.Event{
		EventID:        strings.TrimSpace(opt.eventID),
		RoomID:         strings.TrimSpace(opt.roomID),
		Sender:         strings.TrimSpace(opt.sender),
		Type:           strings.TrimSpace(opt.eventType),
		Content:        json.RawMessage(content),
		PrevEvents:     splitCSV(opt.prevEvents),
		AuthEvents:     splitCSV(opt.authEvents),
		Depth:          opt.depth,
		OriginServerTS: ts.UnixMilli(),
		Redacts:        strings.TrimSpace(opt.redacts),
	}
	if !opt.noStateKey {
		sk := opt.stateKey
		ev.StateKey = &sk
	}
	if ev.EventID == "" {
		domain, err := room.DomainFromID(ev.Sender)
		if err != nil {
			return nil, err
		}
		ev.EventID = "$" + strings.ReplaceAll(uuid.NewString(), "-", "") + ":" + domain
	}
	return ev, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, item := range parts {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Now().UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return parsed.UTC(), nil
}

func loadPrivateKey(raw string) (ed25519.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid private-key base64: %w", err)
	}
	switch len(decoded) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	default:
		return nil, fmt.Errorf("invalid private-key length: %d (expected 32 or 64 bytes)", len(decoded))
	}
}
