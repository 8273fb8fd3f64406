package enclave

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	nitro "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/adexchange/enclaveapi/parsing"
)

// Test PCR measurements reported by MockEnclaveHandle.
const (
	MockPCR0 = "3b4cef27e672fdbcc808960a88ddfe7329dd2e367b6850c9a8d910315f0b47e4224d6db361b75e010c87691d86ca9c57"
	MockPCR1 = "4b4d5b3661b3efc12920900c80e126e4ce783c522de6c02a2a5bf7af3a2b9327b86776f188e4be1c1c404a129dbda493"
	MockPCR2 = "2bdd28c1d85bb3872da3617a29a6bfeb50c65750c995f92e7dac6b5f2c4c72e0f9976bdee62a0b25864d10dffb535e11"
)

// MockEnclaveHandle stands in for the Nitro Secure Module. It signs untagged COSE_Sign1
// attestation documents with ES384 using a leaf certificate issued by its own root, so
// the output verifies end to end against Root.
type MockEnclaveHandle struct {
	AttestFunc func(options nitro.AttestationOptions) ([]byte, error)

	Root *x509.Certificate
	Now  func() time.Time

	leafKey  *ecdsa.PrivateKey
	leafDER  []byte
	rootDER  []byte
	moduleID string
}

func (m *MockEnclaveHandle) Attest(options nitro.AttestationOptions) ([]byte, error) {
	if m.AttestFunc != nil {
		return m.AttestFunc(options)
	}
	return m.sign(options)
}

// CreateMockEnclave creates a mock NSM with a fresh P-384 root and signing certificate.
func CreateMockEnclave() (*MockEnclaveHandle, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	leafKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	notBefore := time.Now().Add(-time.Hour)
	notAfter := time.Now().Add(24 * time.Hour)

	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mock.nitro-enclaves"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "i-mock-enclave"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate: %w", err)
	}

	return &MockEnclaveHandle{
		Root:     root,
		Now:      time.Now,
		leafKey:  leafKey,
		leafDER:  leafDER,
		rootDER:  rootDER,
		moduleID: "i-mock-enclave",
	}, nil
}

// RootPool returns a certificate pool trusting the mock root.
func (m *MockEnclaveHandle) RootPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.Root)
	return pool
}

func (m *MockEnclaveHandle) sign(options nitro.AttestationOptions) ([]byte, error) {
	if m.leafKey == nil {
		return nil, fmt.Errorf("mock not configured")
	}

	doc := map[string]any{
		"module_id": m.moduleID,
		"digest":    "SHA384",
		"timestamp": uint64(m.Now().UnixMilli()),
		"pcrs": map[uint64][]byte{
			0: mustDecodeHex(MockPCR0),
			1: mustDecodeHex(MockPCR1),
			2: mustDecodeHex(MockPCR2),
		},
		"certificate": m.leafDER,
		"cabundle":    [][]byte{m.rootDER},
		"public_key":  []byte{},
		"user_data":   options.UserData,
		"nonce":       options.Nonce,
	}
	payload, err := cbor.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode attestation document: %w", err)
	}

	// protected header {1: -35} selects ES384
	protected, err := cbor.Marshal(map[int]int{1: -35})
	if err != nil {
		return nil, fmt.Errorf("encode protected header: %w", err)
	}
	msg := &parsing.Sign1{Protected: protected, Unprotected: parsing.EmptyHeader, Payload: payload}
	toBeSigned, err := msg.ToBeSigned()
	if err != nil {
		return nil, fmt.Errorf("encode Sig_structure: %w", err)
	}

	signer, err := cose.NewSigner(cose.AlgorithmES384, m.leafKey)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	if msg.Signature, err = signer.Sign(rand.Reader, toBeSigned); err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}
	return msg.Encode()
}

func mustDecodeHex(hexStr string) []byte {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", hexStr))
	}
	return b
}
