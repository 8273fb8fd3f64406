package main

import (
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/cloudx-io/adexchange/enclaveapi"
	"github.com/cloudx-io/adexchange/validation"
)

// commitEvidence is what the exchange publishes for every attested commit.
type commitEvidence struct {
	AttestationCOSEBase64     string `json:"attestation_cose_base64"`
	AttestationCOSEGzipBase64 string `json:"attestation_cose_gzip_base64"`
	BatchHash                 string `json:"batch_hash"`
	Nonce                     string `json:"nonce"`
	RecordCount               int    `json:"record_count"`
}

func main() {
	var (
		commitInput  = flag.String("commit", "", "Commit evidence JSON (file path or inline JSON)")
		pcrsPath     = flag.String("pcrs", "pcrs.json", "Known PCR sets (JSON or YAML)")
		outputFormat = flag.String("format", "text", "Output format: text or json")
		help         = flag.Bool("help", false, "Show usage information")
	)

	flag.Parse()

	if *help {
		showUsage()
		os.Exit(0)
	}

	if *commitInput == "" {
		showUsage()
		fmt.Fprintf(os.Stderr, "\nError: --commit is required\n")
		os.Exit(1)
	}

	raw, err := readJSONInput(*commitInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading commit evidence: %v\n", err)
		os.Exit(2)
	}

	input, err := extractValidationInput(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error extracting validation data: %v\n", err)
		os.Exit(2)
	}

	pcrSets, err := validation.LoadPCRsFromFile(*pcrsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading PCR sets: %v\n", err)
		os.Exit(2)
	}

	verifier, err := validation.NewVerifier(pcrSets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating verifier: %v\n", err)
		os.Exit(2)
	}

	result, err := verifier.ValidateCommitAttestation(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(2)
	}

	if *outputFormat == "json" {
		outputJSON(result)
	} else {
		outputText(result)
	}

	if !result.IsValid() {
		os.Exit(1)
	}
	os.Exit(0)
}

func showUsage() {
	fmt.Println("Commit Attestation Validator")
	fmt.Println()
	fmt.Println("Validates that a commit batch was produced by a trusted secondary context.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  commit-validator --commit <json> [options]")
	fmt.Println()
	fmt.Println("Required Flags:")
	fmt.Println("  --commit <json>                   Commit evidence published by the exchange")
	fmt.Println()
	fmt.Println("Optional Flags:")
	fmt.Println("  --pcrs <path>                     Known PCR sets (default: pcrs.json)")
	fmt.Println("  --format <text|json>              Output format (default: text)")
	fmt.Println("  --help                            Show this help message")
	fmt.Println()
	fmt.Println("Commit Evidence:")
	fmt.Println("  {")
	fmt.Println("    \"batch_hash\": \"9f2c...\",")
	fmt.Println("    \"nonce\": \"5d1e...\",")
	fmt.Println("    \"record_count\": 5,                               // 0 skips the check")
	fmt.Println("    \"attestation_cose_base64\": \"hEShATgi...\"         // or attestation_cose_gzip_base64")
	fmt.Println("  }")
	fmt.Println()
	fmt.Println("Exit Codes:")
	fmt.Println("  0 - Validation passed")
	fmt.Println("  1 - Validation failed")
	fmt.Println("  2 - Invalid input or runtime error")
}

func readJSONInput(input string) ([]byte, error) {
	// Try reading as file first
	if data, err := os.ReadFile(input); err == nil {
		return data, nil
	}
	// Treat as inline JSON
	return []byte(input), nil
}

func extractValidationInput(raw []byte) (*validation.CommitValidationInput, error) {
	var evidence commitEvidence
	if err := json.Unmarshal(raw, &evidence); err != nil {
		return nil, fmt.Errorf("parse commit evidence: %w", err)
	}
	if evidence.BatchHash == "" || evidence.Nonce == "" {
		return nil, fmt.Errorf("commit evidence needs batch_hash and nonce")
	}

	var (
		cose enclaveapi.AttestationCOSE
		err  error
	)
	switch {
	case evidence.AttestationCOSEBase64 != "":
		cose, err = enclaveapi.AttestationCOSEBase64(evidence.AttestationCOSEBase64).Decode()
	case evidence.AttestationCOSEGzipBase64 != "":
		cose, err = enclaveapi.AttestationCOSEGzip(evidence.AttestationCOSEGzipBase64).Decompress()
	default:
		return nil, fmt.Errorf("missing attestation_cose_base64 or attestation_cose_gzip_base64")
	}
	if err != nil {
		return nil, fmt.Errorf("decode attestation: %w", err)
	}

	return &validation.CommitValidationInput{
		Attestation: cose,
		BatchHash:   evidence.BatchHash,
		Nonce:       evidence.Nonce,
		RecordCount: evidence.RecordCount,
	}, nil
}

func outputText(result *validation.CommitValidationResult) {
	fmt.Println("Commit Attestation Validator")
	fmt.Println("============================")
	fmt.Println()

	fmt.Println("Summary:")
	fmt.Printf("  PCRs Valid:              %v\n", result.PCRsValid)
	fmt.Printf("  Certificate Valid:       %v\n", result.CertificateValid)
	fmt.Printf("  Signature Valid:         %v\n", result.SignatureValid)
	fmt.Printf("  Batch Hash Valid:        %v\n", result.BatchHashValid)
	fmt.Printf("  Nonce Valid:             %v\n", result.NonceValid)
	fmt.Printf("  Record Count Valid:      %v\n", result.RecordCountValid)

	fmt.Println()
	fmt.Println("Details:")
	for _, detail := range result.ValidationDetails {
		fmt.Printf("  - %s\n", detail)
	}

	fmt.Println()
	fmt.Println("============================")
	if result.IsValid() {
		fmt.Println("VALIDATION: ✓ PASSED")
		fmt.Println("Exit Code: 0")
	} else {
		fmt.Println("VALIDATION: ✗ FAILED")
		fmt.Println("Exit Code: 1")
	}
}

func outputJSON(result *validation.CommitValidationResult) {
	output := map[string]any{
		"valid":              result.IsValid(),
		"pcrs_valid":         result.PCRsValid,
		"certificate_valid":  result.CertificateValid,
		"signature_valid":    result.SignatureValid,
		"batch_hash_valid":   result.BatchHashValid,
		"nonce_valid":        result.NonceValid,
		"record_count_valid": result.RecordCountValid,
		"details":            result.ValidationDetails,
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(string(data))
}
