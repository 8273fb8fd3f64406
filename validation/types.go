package validation

// BaseValidationResult contains common validation results for all attestation types
type BaseValidationResult struct {
	PCRsValid         bool
	CertificateValid  bool
	SignatureValid    bool
	ValidationDetails []string
}

// CommitValidationResult contains validation results specific to commit attestations
type CommitValidationResult struct {
	BaseValidationResult
	BatchHashValid   bool
	NonceValid       bool
	RecordCountValid bool
}

// IsValid returns true if all commit validation checks passed
func (r *CommitValidationResult) IsValid() bool {
	return r.PCRsValid && r.CertificateValid && r.SignatureValid &&
		r.BatchHashValid && r.NonceValid && r.RecordCountValid
}

// PCRSet represents a known-good set of PCR measurements
type PCRSet struct {
	PCR0       string `json:"pcr0" yaml:"pcr0"`
	PCR1       string `json:"pcr1" yaml:"pcr1"`
	PCR2       string `json:"pcr2" yaml:"pcr2"`
	CommitHash string `json:"commit_hash" yaml:"commit_hash"` // source commit the enclave image was built from
}

// PCRConfig represents the PCR configuration file structure
type PCRConfig struct {
	PCRSets []PCRSet `json:"pcr_sets" yaml:"pcr_sets"`
}
