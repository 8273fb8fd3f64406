package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	nitro "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclaveapi"
	"github.com/cloudx-io/adexchange/enclaveapi/parsing"
)

// parseCommitAttestation parses COSE attestation bytes into a commit attestation document.
func parseCommitAttestation(t *testing.T, cose enclaveapi.AttestationCOSE) *enclaveapi.CommitAttestationDoc {
	t.Helper()

	doc, userDataBytes, err := parsing.ParseAttestationDoc(cose)
	assert.NoError(t, err)

	var userData enclaveapi.CommitAttestationUserData
	assert.NoError(t, json.Unmarshal(userDataBytes, &userData))

	return &enclaveapi.CommitAttestationDoc{AttestationDoc: doc, UserData: &userData}
}

func TestGenerateCommitAttestation(t *testing.T) {
	mock, err := CreateMockEnclave()
	assert.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cose, err := GenerateCommitAttestation(mock, "batch-hash", "nonce-1", 3, now)
	assert.NoError(t, err)

	doc := parseCommitAttestation(t, cose)
	check.Equal(t, "batch-hash", doc.UserData.BatchHash)
	check.Equal(t, "nonce-1", doc.UserData.Nonce)
	check.Equal(t, 3, doc.UserData.RecordCount)
	check.True(t, now.Equal(doc.UserData.Timestamp))
	check.Equal(t, MockPCR0, doc.PCRs.ImageFileHash)
	check.Equal(t, MockPCR2, doc.PCRs.ApplicationHash)
	check.Equal(t, "SHA384", doc.DigestAlgorithm)
	check.Equal(t, 1, len(doc.CABundle))
	check.Equal(t, 64, len(doc.Nonce))
}

func TestGenerateCommitAttestation_Failures(t *testing.T) {
	_, err := GenerateCommitAttestation(nil, "h", "n", 0, time.Now())
	check.Error(t, err)

	failing := &MockEnclaveHandle{AttestFunc: func(nitro.AttestationOptions) ([]byte, error) {
		return nil, errors.New("nsm offline")
	}}
	_, err = GenerateCommitAttestation(failing, "h", "n", 0, time.Now())
	check.Error(t, err)
}

func TestRuntime_AttestedCommit(t *testing.T) {
	mock, err := CreateMockEnclave()
	assert.NoError(t, err)
	f := newFixture(t, mock, 150, 120)
	_, err = f.process(t)
	assert.NoError(t, err)

	commit, err := f.runtime.Commit(context.Background(), &enclaveapi.CommitRequest{Handles: f.all(), Nonce: "primary-nonce"})
	assert.NoError(t, err)
	assert.NotNil(t, commit.Attestation)

	doc := parseCommitAttestation(t, commit.Attestation)
	check.Equal(t, commit.BatchHash, doc.UserData.BatchHash)
	check.Equal(t, "primary-nonce", doc.UserData.Nonce)
	check.Equal(t, len(f.all()), doc.UserData.RecordCount)
	check.Equal(t, core.ComputeBatchHash(commit.Digests(), "primary-nonce"), doc.UserData.BatchHash)
}

func TestRuntime_AttestationFailureFailsCommit(t *testing.T) {
	failing := &MockEnclaveHandle{AttestFunc: func(nitro.AttestationOptions) ([]byte, error) {
		return nil, errors.New("nsm offline")
	}}
	f := newFixture(t, failing, 150)

	_, err := f.runtime.Commit(context.Background(), &enclaveapi.CommitRequest{Handles: f.all(), Nonce: "n"})
	check.Error(t, err)
}
