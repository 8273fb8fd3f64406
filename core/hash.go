package core

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// ComputeRecordDigest computes the digest of a record snapshot.
// This is used by the secondary context (to describe snapshots) and by the primary (to verify them).
//
// Formula: SHA256(key + "|" + version + "|" + data)
func ComputeRecordDigest(key string, version uint64, data []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", key, version)
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ComputeBatchHash computes the hash that binds a commit batch to its attestation.
//
// Formula: SHA256(nonce + "|" + sorted_digests)
// where sorted_digests = "digest1|digest2|..." (sorted lexicographically)
func ComputeBatchHash(digests []string, nonce string) string {
	sorted := make([]string, len(digests))
	copy(sorted, digests)
	sort.Strings(sorted)

	data := nonce + "|" + strings.Join(sorted, "|")
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
