package validation

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/cloudx-io/adexchange/enclaveapi"
	"github.com/cloudx-io/adexchange/enclaveapi/parsing"
)

// VerifyCOSESignature checks the ES384 signature of an attestation against the base64
// DER signing certificate carried in its document.
func VerifyCOSESignature(attestation enclaveapi.AttestationCOSE, certB64 string) error {
	cert, err := decodeCertificate(certB64)
	if err != nil {
		return err
	}
	key, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate public key is not ECDSA")
	}

	msg, err := parsing.DecodeSign1(attestation)
	if err != nil {
		return err
	}
	toBeSigned, err := msg.ToBeSigned()
	if err != nil {
		return fmt.Errorf("encode Sig_structure: %w", err)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES384, key)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := verifier.Verify(toBeSigned, msg.Signature); err != nil {
		return fmt.Errorf("COSE signature verification failed: %w", err)
	}
	return nil
}
