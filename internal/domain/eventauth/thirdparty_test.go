package eventauth

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-im/hearth/internal/domain/room"
	rt "github.com/hearth-im/hearth/internal/domain/room/roomtest"
)

func testKey(seed byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

func thirdPartySetup(t *testing.T, signer ed25519.PrivateKey, mxid string) (room.StateEvents, *room.Event) {
	t.Helper()
	f := newFixture()
	idServer := testKey(1)
	pub := base64.RawStdEncoding.EncodeToString(idServer.Public().(ed25519.PublicKey))
	tpi := rt.Event("$tpi:hs1", room.TypeThirdPartyInvite, "@a:hs1",
		fmt.Sprintf(`{"display_name":"c...","public_key":"%s","public_keys":[{"public_key":"%s"}]}`, "bm90LWEta2V5", pub),
		rt.State("tok"))

	signed, err := SignJSON([]byte(fmt.Sprintf(`{"mxid":%q,"token":"tok"}`, mxid)), "id.example", "ed25519:0", signer)
	require.NoError(t, err)
	invite := rt.Event("$ic:hs1", room.TypeMember, "@a:hs1",
		fmt.Sprintf(`{"membership":"invite","third_party_invite":{"display_name":"c...","signed":%s}}`, signed),
		rt.State("@c:hs2"))
	return f.state(tpi), invite
}

func TestCheck_ThirdPartyInvite(t *testing.T) {
	a := newTestAuthorizer()

	t.Run("valid signature", func(t *testing.T) {
		state, invite := thirdPartySetup(t, testKey(1), "@c:hs2")
		require.NoError(t, a.Check(v1, invite, state, CheckOptions{}))
	})

	t.Run("forged signature", func(t *testing.T) {
		state, invite := thirdPartySetup(t, testKey(2), "@c:hs2")
		requireDenied(t, a.Check(v1, invite, state, CheckOptions{}), room.ReasonInvalidSignature)
	})

	t.Run("mxid mismatch", func(t *testing.T) {
		state, invite := thirdPartySetup(t, testKey(1), "@someone:hs2")
		requireDenied(t, a.Check(v1, invite, state, CheckOptions{}), room.ReasonInvalidThirdParty)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, invite := thirdPartySetup(t, testKey(1), "@c:hs2")
		requireDenied(t, a.Check(v1, invite, newFixture().state(), CheckOptions{}), room.ReasonInvalidThirdParty)
	})

	t.Run("different inviter", func(t *testing.T) {
		state, invite := thirdPartySetup(t, testKey(1), "@c:hs2")
		other := *invite
		other.Sender = "@b:hs1"
		requireDenied(t, a.Check(v1, &other, state, CheckOptions{}), room.ReasonInvalidThirdParty)
	})

	t.Run("tampered bundle", func(t *testing.T) {
		state, invite := thirdPartySetup(t, testKey(1), "@c:hs2")
		tampered := *invite
		tampered.Content = bytes.Replace(invite.Content, []byte(`"token":"tok"`), []byte(`"token":"tok","extra":1`), 1)
		requireDenied(t, a.Check(v1, &tampered, state, CheckOptions{}), room.ReasonInvalidSignature)
	})
}

func TestCanonicalJSON(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{ "b": 1, "a": {"d": [1, 2.50, "x<y"], "c": null} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":null,"d":[1,2.50,"x<y"]},"b":1}`, string(out))
}

func TestCanonicalJSON_LineSeparatorsAndUTF8(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"b":"\\u2028","a":"x\u2028y\u2029"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x`+"\u2028"+`y`+"\u2029"+`","b":"\\u2028"}`, string(out))

	_, err = CanonicalJSON([]byte("{\"a\":\"\xff\"}"))
	assert.Error(t, err)
}

func TestSigningPayload_StripsSignatures(t *testing.T) {
	a, err := SigningPayload([]byte(`{"token":"t","signatures":{"x":{"ed25519:0":"sig"}},"unsigned":{"age":1}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"token":"t"}`, string(a))
}
