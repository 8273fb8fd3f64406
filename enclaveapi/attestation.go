package enclaveapi

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// AttestationCOSE is a raw COSE_Sign1 attestation as returned by the Nitro Secure Module.
type AttestationCOSE []byte

// AttestationCOSEBase64 is an attestation in standard base64, the form used in JSON payloads.
type AttestationCOSEBase64 string

// AttestationCOSEURLBase64 is an attestation in unpadded URL-safe base64.
type AttestationCOSEURLBase64 string

// AttestationCOSEGzip is a gzip-compressed attestation in unpadded URL-safe base64.
type AttestationCOSEGzip string

func (a AttestationCOSE) EncodeBase64() AttestationCOSEBase64 {
	return AttestationCOSEBase64(base64.StdEncoding.EncodeToString(a))
}

func (a AttestationCOSE) EncodeURLSafe() AttestationCOSEURLBase64 {
	return AttestationCOSEURLBase64(base64.RawURLEncoding.EncodeToString(a))
}

// CompressGzip compresses the attestation. The output is deterministic: the gzip header
// carries no name or modification time.
func (a AttestationCOSE) CompressGzip() (AttestationCOSEGzip, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(a); err != nil {
		return "", fmt.Errorf("gzip attestation: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip attestation: %w", err)
	}
	return AttestationCOSEGzip(base64.RawURLEncoding.EncodeToString(buf.Bytes())), nil
}

func (a AttestationCOSEBase64) String() string {
	return string(a)
}

func (a AttestationCOSEBase64) Decode() (AttestationCOSE, error) {
	data, err := base64.StdEncoding.DecodeString(string(a))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64: %w", err)
	}
	return AttestationCOSE(data), nil
}

// CompressGzip re-encodes a base64 attestation in compressed form.
func (a AttestationCOSEBase64) CompressGzip() (AttestationCOSEGzip, error) {
	raw, err := a.Decode()
	if err != nil {
		return "", err
	}
	return raw.CompressGzip()
}

func (a AttestationCOSEURLBase64) String() string {
	return string(a)
}

// Decode accepts both padded and unpadded input.
func (a AttestationCOSEURLBase64) Decode() (AttestationCOSE, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(string(a), "="))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64url: %w", err)
	}
	return AttestationCOSE(data), nil
}

func (a AttestationCOSEGzip) String() string {
	return string(a)
}

func (a AttestationCOSEGzip) Decompress() (AttestationCOSE, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(string(a))
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read gzip stream: %w", err)
	}
	return AttestationCOSE(data), nil
}

// PCRs represents the Platform Configuration Registers from AWS Nitro Enclaves
type PCRs struct {
	// PCR0: Hash of the Enclave Image File (EIF)
	ImageFileHash string `json:"0"`

	// PCR1: Hash of the Linux kernel and initial RAM data (initramfs)
	KernelHash string `json:"1"`

	// PCR2: Hash of user applications, excluding the boot ramfs
	ApplicationHash string `json:"2"`

	// PCR3: Hash of the IAM role assigned to the parent instance
	IAMRoleHash string `json:"3"`

	// PCR4: Hash of the parent instance's ID
	InstanceIDHash string `json:"4"`

	// PCR8: Hash of the enclave image file's signing certificate
	SigningCertHash string `json:"8,omitempty"`
}

// AttestationDoc is the decoded payload of a Nitro attestation.
type AttestationDoc struct {
	ModuleID        string    `json:"module_id"`
	Timestamp       time.Time `json:"timestamp"`
	DigestAlgorithm string    `json:"digest"`
	PCRs            PCRs      `json:"pcrs"`

	// Certificate is the base64 DER of the signing certificate. CABundle holds the
	// intermediates, root first.
	Certificate string   `json:"certificate"`
	CABundle    []string `json:"cabundle"`

	PublicKey string `json:"public_key"`
	Nonce     string `json:"nonce"`
}

// CommitAttestationUserData is embedded in the attestation of a commit or undelegate batch.
// It binds the attested enclave to exactly the snapshots returned alongside it.
type CommitAttestationUserData struct {
	BatchHash   string    `json:"batch_hash"`
	Nonce       string    `json:"nonce"`
	RecordCount int       `json:"record_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// CommitAttestationDoc is a parsed commit attestation.
type CommitAttestationDoc struct {
	AttestationDoc
	UserData *CommitAttestationUserData `json:"user_data"`
}

// URLEncode encodes the attestation document for URLs.
func (a *CommitAttestationDoc) URLEncode() string {
	data, _ := json.Marshal(a)
	return url.QueryEscape(base64.StdEncoding.EncodeToString(data))
}
