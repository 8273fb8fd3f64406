package core

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestComputeRecordDigest(t *testing.T) {
	data := []byte{0xa1, 0x01, 0x02}
	key := "request/publisher_a/" + testRequestID.String()

	expected := sha256.Sum256(append([]byte(key+"|3|"), data...))
	check.Equal(t, fmt.Sprintf("%x", expected), ComputeRecordDigest(key, 3, data))

	// version and key are both bound
	check.NotEqual(t, ComputeRecordDigest(key, 3, data), ComputeRecordDigest(key, 4, data))
	check.NotEqual(t, ComputeRecordDigest(key, 3, data), ComputeRecordDigest(key+"x", 3, data))
	check.Equal(t, 64, len(ComputeRecordDigest(key, 3, data)))
}

func TestComputeBatchHash(t *testing.T) {
	digests := []string{"bbb", "aaa", "ccc"}

	expected := sha256.Sum256([]byte("nonce-1|aaa|bbb|ccc"))
	check.Equal(t, fmt.Sprintf("%x", expected), ComputeBatchHash(digests, "nonce-1"))

	// order independent, nonce dependent
	check.Equal(t, ComputeBatchHash([]string{"ccc", "aaa", "bbb"}, "nonce-1"), ComputeBatchHash(digests, "nonce-1"))
	check.NotEqual(t, ComputeBatchHash(digests, "nonce-2"), ComputeBatchHash(digests, "nonce-1"))

	// input slice is not reordered
	check.Equal(t, "bbb", digests[0])
}

func TestEncodeRecord_Deterministic(t *testing.T) {
	req := newTestRequest(100)

	first, firstDigest, err := EncodeRecord(req.Ref(), 1, req)
	check.NoError(t, err)
	second, secondDigest, err := EncodeRecord(req.Ref(), 1, req)
	check.NoError(t, err)

	check.Equal(t, first, second)
	check.Equal(t, firstDigest, secondDigest)

	decoded, err := DecodeRecord[Request](first)
	check.NoError(t, err)
	check.Equal(t, *req, *decoded)
}

func TestDecodeRecord_Garbage(t *testing.T) {
	_, err := DecodeRecord[Bid]([]byte{0xff, 0x00, 0x13})
	check.Error(t, err)
}
