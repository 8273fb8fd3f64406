package enclave

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	nitro "github.com/edgebitio/nitro-enclaves-sdk-go"

	"github.com/cloudx-io/adexchange/enclaveapi"
)

// EnclaveAttester interface for dependency injection and testing
type EnclaveAttester interface {
	Attest(options nitro.AttestationOptions) ([]byte, error)
}

// NewNitroAttester opens the Nitro Secure Module. It fails outside an enclave.
func NewNitroAttester() (EnclaveAttester, error) {
	handle, err := nitro.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("NSM not available: %w", err)
	}
	return handle, nil
}

// generateSecureRandomBytes generates cryptographically secure random bytes.
// Inside an enclave crypto/rand draws from the NSM-seeded kernel entropy pool.
func generateSecureRandomBytes(length int) ([]byte, error) {
	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("entropy generation failed: %w", err)
	}
	return randomBytes, nil
}

func generateNonce() (string, error) {
	randomBytes, err := generateSecureRandomBytes(32) // 256 bits of entropy
	if err != nil {
		return "", fmt.Errorf("failed to generate secure nonce - %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// GenerateCommitAttestation attests a commit batch. The user data carries the batch hash
// and the primary's nonce; the attestation's own nonce is fresh randomness.
func GenerateCommitAttestation(attester EnclaveAttester, batchHash, nonce string, recordCount int, now time.Time) (enclaveapi.AttestationCOSE, error) {
	if attester == nil {
		return nil, fmt.Errorf("enclave attester is nil")
	}

	userData := &enclaveapi.CommitAttestationUserData{
		BatchHash:   batchHash,
		Nonce:       nonce,
		RecordCount: recordCount,
		Timestamp:   now.UTC(),
	}
	userDataBytes, err := json.Marshal(userData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user data: %w", err)
	}

	randomNonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation nonce: %w", err)
	}

	attestationCBOR, err := attester.Attest(nitro.AttestationOptions{
		UserData: userDataBytes,
		Nonce:    []byte(randomNonce),
	})
	if err != nil {
		return nil, fmt.Errorf("NSM attestation failed: %w", err)
	}

	return enclaveapi.AttestationCOSE(attestationCBOR), nil
}
