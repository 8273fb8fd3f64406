package enclaveapi

import (
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/adexchange/core"
)

func TestAttestationCOSE_Base64RoundTrip(t *testing.T) {
	original := AttestationCOSE([]byte("commit-attestation"))

	decoded, err := original.EncodeBase64().Decode()
	check.Nil(t, err)
	check.Equal(t, original, decoded)
}

func TestAttestationCOSE_URLSafe(t *testing.T) {
	original := AttestationCOSE([]byte("commit-attestation-for-url"))

	encoded := original.EncodeURLSafe()
	check.False(t, strings.Contains(encoded.String(), "="))

	decoded, err := encoded.Decode()
	check.Nil(t, err)
	check.Equal(t, original, decoded)
}

func TestAttestationCOSEURLBase64_DecodeAcceptsPadding(t *testing.T) {
	tests := []struct {
		name     string
		input    AttestationCOSEURLBase64
		expected string
	}{
		{name: "no padding needed", input: "YWJj", expected: "abc"},
		{name: "two missing", input: "dGVzdA", expected: "test"},
		{name: "one missing", input: "dGVzdGluZw", expected: "testing"},
		{name: "padded input", input: "dGVzdA==", expected: "test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.input.Decode()
			check.Nil(t, err)
			check.Equal(t, AttestationCOSE(tt.expected), result)
		})
	}
}

func TestAttestationCOSEBase64_DecodeErrors(t *testing.T) {
	for _, input := range []AttestationCOSEBase64{"not-valid-base64!!!@@@", "abc"} {
		result, err := input.Decode()
		check.NotNil(t, err)
		check.True(t, strings.Contains(err.Error(), "decode COSE base64"))
		check.Nil(t, result)
	}
}

func TestAttestationCOSE_Gzip(t *testing.T) {
	original := AttestationCOSE([]byte(strings.Repeat("commit-attestation-", 16)))

	first, err := original.CompressGzip()
	assert.Nil(t, err)
	second, err := original.CompressGzip()
	assert.Nil(t, err)
	check.Equal(t, first, second)

	for _, char := range first.String() {
		check.False(t, strings.ContainsRune("+/=", char))
	}

	decompressed, err := first.Decompress()
	check.Nil(t, err)
	check.Equal(t, original, decompressed)

	viaBase64, err := original.EncodeBase64().CompressGzip()
	check.Nil(t, err)
	check.Equal(t, first, viaBase64)
}

func TestAttestationCOSEGzip_DecompressErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  AttestationCOSEGzip
		substr string
	}{
		{name: "invalid base64url", input: "!!!invalid!!!", substr: "decode base64url"},
		{name: "not gzip", input: "bW9jaw", substr: "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.input.Decompress()
			check.NotNil(t, err)
			check.Nil(t, result)
			check.True(t, strings.Contains(err.Error(), tt.substr))
		})
	}
}

func TestEnvelope_CBOR(t *testing.T) {
	body, err := cbor.Marshal(CommitRequest{
		Handles: []Handle{{Ref: core.RequestRef("publisher_a", core.ID{0x01}), Session: "s-1"}},
		Nonce:   "n-1",
	})
	assert.Nil(t, err)

	data, err := cbor.Marshal(Envelope{Type: TypeCommit, Body: body})
	assert.Nil(t, err)

	var env Envelope
	assert.Nil(t, cbor.Unmarshal(data, &env))
	check.Equal(t, TypeCommit, env.Type)

	var req CommitRequest
	assert.Nil(t, cbor.Unmarshal(env.Body, &req))
	check.Equal(t, "n-1", req.Nonce)
	check.Equal(t, 1, len(req.Handles))
	check.Equal(t, core.KindRequest, req.Handles[0].Ref.Kind)
	check.Equal(t, core.ID{0x01}, req.Handles[0].Ref.ID)
}

func TestCommitResponse_Digests(t *testing.T) {
	resp := CommitResponse{Records: []DelegatedRecord{{Digest: "b"}, {Digest: "a"}}}
	check.Equal(t, []string{"b", "a"}, resp.Digests())
}
