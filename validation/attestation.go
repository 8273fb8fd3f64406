// Package validation verifies attestations produced by the secondary execution context.
package validation

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/enclaveapi"
	"github.com/cloudx-io/adexchange/enclaveapi/parsing"
)

// Verifier checks commit attestations against a set of trusted roots and known-good PCR
// measurements.
type Verifier struct {
	Roots   *x509.CertPool
	PCRSets []PCRSet
}

// NewVerifier returns a verifier trusting the AWS Nitro root.
func NewVerifier(pcrSets []PCRSet) (*Verifier, error) {
	roots, err := AWSNitroRoots()
	if err != nil {
		return nil, err
	}
	return &Verifier{Roots: roots, PCRSets: pcrSets}, nil
}

// validateCommonAttestation performs validation common to all attestation types:
// PCRs, certificate chain and signature. It returns the parsed document and raw user data
// alongside the results.
func (v *Verifier) validateCommonAttestation(cose enclaveapi.AttestationCOSE) (*BaseValidationResult, enclaveapi.AttestationDoc, []byte, error) {
	attestationDoc, userData, err := parsing.ParseAttestationDoc(cose)
	if err != nil {
		return nil, enclaveapi.AttestationDoc{}, nil, fmt.Errorf("parse attestation document: %w", err)
	}

	result := &BaseValidationResult{
		ValidationDetails: []string{},
	}

	pcrMatch, matchedSet := ValidatePCRs(attestationDoc.PCRs, v.PCRSets)
	result.PCRsValid = pcrMatch
	if !pcrMatch {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("PCR0: %s (no match)", attestationDoc.PCRs.ImageFileHash))
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("PCR1: %s (no match)", attestationDoc.PCRs.KernelHash))
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("PCR2: %s (no match)", attestationDoc.PCRs.ApplicationHash))
	} else {
		result.ValidationDetails = append(result.ValidationDetails, "PCR measurements valid")
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Matched PCR set: #%d (commit: %s)",
			matchedSet, v.PCRSets[matchedSet].CommitHash))
	}

	// Validate certificate chain at the attestation timestamp
	switch {
	case attestationDoc.Certificate == "":
		result.ValidationDetails = append(result.ValidationDetails, "Missing certificate")
	case len(attestationDoc.CABundle) == 0:
		result.ValidationDetails = append(result.ValidationDetails, "Missing CA bundle")
	default:
		err = ValidateCertificateChain(attestationDoc.Certificate, attestationDoc.CABundle, v.Roots, attestationDoc.Timestamp)
		if err != nil {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Certificate chain validation failed: %v", err))
		} else {
			result.CertificateValid = true
			result.ValidationDetails = append(result.ValidationDetails, "Certificate chain verified")
		}
	}

	if attestationDoc.Certificate != "" {
		if err := VerifyCOSESignature(cose, attestationDoc.Certificate); err != nil {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("COSE signature verification failed: %v", err))
		} else {
			result.SignatureValid = true
			result.ValidationDetails = append(result.ValidationDetails, "COSE signature verified")
		}
	}

	return result, attestationDoc, userData, nil
}

// CommitValidationInput names what a commit attestation is expected to bind.
type CommitValidationInput struct {
	Attestation enclaveapi.AttestationCOSE
	BatchHash   string
	Nonce       string

	// RecordCount is checked when positive.
	RecordCount int
}

// ValidateCommitAttestation validates a commit attestation and verifies that its user
// data carries the expected batch hash, nonce and record count.
//
// Returns:
//   - CommitValidationResult with detailed results (call result.IsValid() to check overall status)
//   - error if validation cannot be performed (e.g., malformed attestation)
func (v *Verifier) ValidateCommitAttestation(input *CommitValidationInput) (*CommitValidationResult, error) {
	baseResult, doc, userDataBytes, err := v.validateCommonAttestation(input.Attestation)
	if err != nil {
		return nil, err
	}

	result := &CommitValidationResult{BaseValidationResult: *baseResult}

	if len(userDataBytes) == 0 {
		result.ValidationDetails = append(result.ValidationDetails, "Attestation user data missing")
		return result, nil
	}
	var userData enclaveapi.CommitAttestationUserData
	if err := json.Unmarshal(userDataBytes, &userData); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Attestation user data unreadable: %v", err))
		return result, nil
	}
	parsed := &enclaveapi.CommitAttestationDoc{AttestationDoc: doc, UserData: &userData}

	result.BatchHashValid = validateBatchHash(input, parsed, result)
	result.NonceValid = validateNonce(input, parsed, result)
	result.RecordCountValid = validateRecordCount(input, parsed, result)

	return result, nil
}

func validateBatchHash(input *CommitValidationInput, attestation *enclaveapi.CommitAttestationDoc, result *CommitValidationResult) bool {
	if input.BatchHash == attestation.UserData.BatchHash {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Batch hash validation passed: %s", input.BatchHash))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Batch hash mismatch: expected %s, attestation has %s",
		input.BatchHash, attestation.UserData.BatchHash))
	return false
}

func validateNonce(input *CommitValidationInput, attestation *enclaveapi.CommitAttestationDoc, result *CommitValidationResult) bool {
	if input.Nonce != "" && input.Nonce == attestation.UserData.Nonce {
		result.ValidationDetails = append(result.ValidationDetails, "Nonce validation passed")
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Nonce mismatch: expected %q, attestation has %q",
		input.Nonce, attestation.UserData.Nonce))
	return false
}

func validateRecordCount(input *CommitValidationInput, attestation *enclaveapi.CommitAttestationDoc, result *CommitValidationResult) bool {
	if input.RecordCount <= 0 {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Record count not checked (attestation has %d)", attestation.UserData.RecordCount))
		return true
	}
	if input.RecordCount == attestation.UserData.RecordCount {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Record count validation passed: %d", input.RecordCount))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Record count mismatch: expected %d, attestation has %d",
		input.RecordCount, attestation.UserData.RecordCount))
	return false
}

// VerifyCommit checks that attestation binds batchHash and nonce. Any failed check is
// reported as core.ErrAttestationInvalid.
func (v *Verifier) VerifyCommit(attestation enclaveapi.AttestationCOSE, batchHash, nonce string) error {
	result, err := v.ValidateCommitAttestation(&CommitValidationInput{
		Attestation: attestation,
		BatchHash:   batchHash,
		Nonce:       nonce,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrAttestationInvalid, err)
	}
	if !result.IsValid() {
		return fmt.Errorf("%w: %s", core.ErrAttestationInvalid, strings.Join(result.ValidationDetails, "; "))
	}
	return nil
}
