package eventauth

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/hearth-im/hearth/internal/domain/room"
)

// verifyThirdPartyInvite checks an invite carrying a signed third-party
// bundle against the m.room.third_party_invite event named by its token.
func verifyThirdPartyInvite(ctx *authContext, event *room.Event) error {
	signed := event.ContentField("third_party_invite.signed")
	if !signed.IsObject() {
		return room.Denied(room.ReasonInvalidThirdParty, "third party invite has no signed block")
	}
	mxid := signed.Get("mxid")
	token := signed.Get("token")
	if mxid.Type != gjson.String || token.Type != gjson.String {
		return room.Denied(room.ReasonInvalidThirdParty, "signed block lacks mxid or token")
	}

	invite := ctx.state.Get(room.TypeThirdPartyInvite, token.Str)
	if invite == nil {
		return room.Denied(room.ReasonInvalidThirdParty, "no third party invite for token %q", token.Str)
	}
	if invite.Sender != event.Sender {
		return room.Denied(room.ReasonInvalidThirdParty, "invite sender does not match third party invite sender")
	}
	if mxid.Str != event.StateKeyValue() {
		return room.Denied(room.ReasonInvalidThirdParty, "signed mxid does not match target %s", event.StateKeyValue())
	}

	payload, err := SigningPayload([]byte(signed.Raw))
	if err != nil {
		return room.Denied(room.ReasonInvalidThirdParty, "signed block: %v", err)
	}
	for _, key := range PublicKeys(invite) {
		pub, err := decodeBase64(key)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			continue
		}
		if verifiedBy(signed.Get("signatures"), ed25519.PublicKey(pub), payload) {
			return nil
		}
	}
	return room.Denied(room.ReasonInvalidSignature, "third party invite signature does not verify")
}

func verifiedBy(signatures gjson.Result, pub ed25519.PublicKey, payload []byte) bool {
	ok := false
	signatures.ForEach(func(_, block gjson.Result) bool {
		block.ForEach(func(keyName, sig gjson.Result) bool {
			if !strings.HasPrefix(keyName.String(), "ed25519:") {
				return true
			}
			raw, err := decodeBase64(sig.String())
			if err != nil {
				return true
			}
			ok = ed25519.Verify(pub, payload, raw)
			return !ok
		})
		return !ok
	})
	return ok
}

// PublicKeys lists the keys advertised by a third-party invite event.
func PublicKeys(invite *room.Event) []string {
	var keys []string
	if key := invite.ContentField("public_key"); key.Type == gjson.String {
		keys = append(keys, key.Str)
	}
	for _, obj := range invite.ContentField("public_keys").Array() {
		if key := obj.Get("public_key"); key.Type == gjson.String {
			keys = append(keys, key.Str)
		}
	}
	return keys
}

// SigningPayload returns the canonical JSON that signatures over obj cover:
// obj without its signatures and unsigned members.
func SigningPayload(obj []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil, err
	}
	delete(fields, "signatures")
	delete(fields, "unsigned")
	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return CanonicalJSON(stripped)
}

// CanonicalJSON re-encodes data with sorted keys, no insignificant
// whitespace and numbers preserved as written. Strings are written as raw
// UTF-8; input that is not valid UTF-8 is rejected.
func CanonicalJSON(data []byte) ([]byte, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("decode: invalid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode canonical: %w", err)
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeLineSeparators undoes encoding/json's \u2028 and \u2029 escapes.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if b[i+1] == 'u' && i+5 < len(b) && string(b[i+2:i+5]) == "202" && (b[i+5] == '8' || b[i+5] == '9') {
			out = utf8.AppendRune(out, rune(0x2028+int(b[i+5]-'8')))
			i += 5
			continue
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

// SignJSON adds an ed25519 signature by server/keyName to obj.
func SignJSON(obj []byte, server, keyName string, priv ed25519.PrivateKey) ([]byte, error) {
	payload, err := SigningPayload(obj)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	sigs, _ := fields["signatures"].(map[string]any)
	if sigs == nil {
		sigs = map[string]any{}
	}
	block, _ := sigs[server].(map[string]any)
	if block == nil {
		block = map[string]any{}
	}
	block[keyName] = base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, payload))
	sigs[server] = block
	fields["signatures"] = sigs
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return CanonicalJSON(out)
}

// decodeBase64 accepts padded or unpadded standard and URL-safe encodings.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
