package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

const fingerprintVersion = "v1"

// Fingerprint identifies a diagnosis request independently of the user who sent it.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ImageDigest returns the hex SHA-256 of the raw image bytes.
func ImageDigest(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// ComputeFingerprint hashes the image digest together with the normalized
// metadata. Each part is length-prefixed so ("ab","c") and ("a","bc") differ.
func ComputeFingerprint(imageDigest, plantType, region string) Fingerprint {
	h := sha256.New()
	for _, part := range []string{
		fingerprintVersion,
		strings.ToLower(strings.TrimSpace(imageDigest)),
		normalize(plantType),
		normalize(region),
	} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// normalize lower-cases s and collapses runs of whitespace to one space.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
