package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hubgate/keys"
)

func newCodecs(t *testing.T) (site, hub *Codec) {
	t.Helper()
	sitePair, err := keys.Generate()
	require.NoError(t, err)
	hubPair, err := keys.Generate()
	require.NoError(t, err)

	siteRing, err := keys.New(keys.Material{
		SigningKey:    sitePair.SigningKey,
		PeerPublicKey: hubPair.PublicKey,
		Identity:      sitePair.Identity,
		PeerRecipient: hubPair.Recipient,
	})
	require.NoError(t, err)
	hubRing, err := keys.New(keys.Material{
		SigningKey:    hubPair.SigningKey,
		PeerPublicKey: sitePair.PublicKey,
		Identity:      hubPair.Identity,
		PeerRecipient: sitePair.Recipient,
	})
	require.NoError(t, err)
	return NewCodec(siteRing), NewCodec(hubRing)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	site, hub := newCodecs(t)

	env, err := hub.Pack(map[string]any{"site_id": "42", "count": true})
	require.NoError(t, err)

	p, err := site.Unpack(env)
	require.NoError(t, err)
	id, err := p.String("site_id")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	count, err := p.Bool("count")
	require.NoError(t, err)
	assert.True(t, count)

	// Responses travel the other way.
	resp, err := site.Pack(map[string]any{"error": false})
	require.NoError(t, err)
	back, err := hub.Unpack(resp)
	require.NoError(t, err)
	assert.JSONEq(t, "false", string(back["error"]))
}

func TestUnpackRejectsForgedSignature(t *testing.T) {
	site, hub := newCodecs(t)
	_, intruder := newCodecs(t)

	genuine, err := hub.Pack(map[string]any{"site_id": "1"})
	require.NoError(t, err)
	forged, err := intruder.Pack(map[string]any{"site_id": "1"})
	require.NoError(t, err)

	// Genuine package carrying someone else's signature.
	mixed := Envelope{Signature: forged.Signature, Package: genuine.Package}
	_, err = site.Unpack(mixed)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Package not addressed to this site.
	_, err = site.Unpack(forged)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestUnpackMalformed(t *testing.T) {
	site, hub := newCodecs(t)

	good, err := hub.Pack(map[string]any{"a": "b"})
	require.NoError(t, err)
	array, err := hub.Pack([]string{"not", "an", "object"})
	require.NoError(t, err)
	null, err := hub.Pack(nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		env  Envelope
	}{
		{"empty", Envelope{}},
		{"bad signature base64", Envelope{Signature: "%%%", Package: good.Package}},
		{"bad package base64", Envelope{Signature: good.Signature, Package: "%%%"}},
		{"array plaintext", array},
		{"null plaintext", null},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := site.Unpack(tt.env)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

// stubCrypto passes plaintext through and counts verifications.
type stubCrypto struct {
	verifyOK bool
	verified int
}

func (s *stubCrypto) Sign(p []byte) ([]byte, error) { return []byte("sig"), nil }
func (s *stubCrypto) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (s *stubCrypto) Decrypt(c []byte) ([]byte, error) { return c, nil }
func (s *stubCrypto) Verify(p, sig []byte) bool { s.verified++; return s.verifyOK }

func TestUnpackChecksSignatureBeforeParsing(t *testing.T) {
	stub := &stubCrypto{verifyOK: false}
	c := NewCodec(stub)

	env := Envelope{
		Signature: base64.StdEncoding.EncodeToString([]byte("sig")),
		Package:   base64.StdEncoding.EncodeToString([]byte("not json at all")),
	}
	_, err := c.Unpack(env)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 1, stub.verified)
}

func TestPackIsSortedJSON(t *testing.T) {
	stub := &stubCrypto{verifyOK: true}
	c := NewCodec(stub)

	env, err := c.Pack(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(env.Package)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(raw))

	_, err = c.Pack(func() {})
	assert.Error(t, err)
}

func payloadOf(t *testing.T, js string) Payload {
	t.Helper()
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(js), &p))
	return p
}

func TestPayloadString(t *testing.T) {
	p := payloadOf(t, `{"s":"v","empty":"","num":5,"nul":null}`)

	v, err := p.String("s")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	tests := []struct {
		key  string
		want error
	}{
		{"missing", ErrFieldMissing},
		{"nul", ErrFieldMissing},
		{"empty", ErrFieldEmpty},
		{"num", ErrFieldType},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := p.String(tt.key)
			assert.ErrorIs(t, err, tt.want)
			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.key, fe.Field)
		})
	}

	assert.Equal(t, "", p.OptionalString("num"))
	assert.Equal(t, "v", p.OptionalString("s"))
}

func TestPayloadBool(t *testing.T) {
	p := payloadOf(t, `{"t":true,"f":false,"st":"true","sf":"false","one":"1","zero":"0","yes":"yes","empty":"","num":1}`)

	for key, want := range map[string]bool{"t": true, "f": false, "st": true, "sf": false, "one": true, "zero": false} {
		got, err := p.Bool(key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}

	_, err := p.Bool("yes")
	assert.ErrorIs(t, err, ErrFieldType)
	_, err = p.Bool("empty")
	assert.ErrorIs(t, err, ErrFieldEmpty)
	_, err = p.Bool("num")
	assert.ErrorIs(t, err, ErrFieldType)
	_, err = p.Bool("missing")
	assert.ErrorIs(t, err, ErrFieldMissing)
}

func TestPayloadObjectAndList(t *testing.T) {
	p := payloadOf(t, `{"data":{"plugins":["a","b"],"core":true},"list":"x"}`)

	data, err := p.Object("data")
	require.NoError(t, err)
	plugins, err := data.StringList("plugins")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, plugins)
	assert.True(t, data.Has("core"))
	assert.False(t, data.Has("themes"))

	_, err = p.Object("list")
	assert.ErrorIs(t, err, ErrFieldType)
	_, err = p.StringList("list")
	assert.ErrorIs(t, err, ErrFieldType)
	_, err = p.Object("missing")
	assert.ErrorIs(t, err, ErrFieldMissing)
}
