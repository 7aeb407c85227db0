package profiles

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultFingerprintWindow is the wall-clock bucket a fingerprint stays stable for.
	DefaultFingerprintWindow = time.Hour

	fingerprintLength = 32
)

// DeriveFingerprint returns a short correlation token for the requester's session.
// It marks leases only and is not a credential: collisions merely hide a conflict.
func DeriveFingerprint(credential string, requesterID int64, now time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultFingerprintWindow
	}
	bucket := now.UTC().Truncate(window).Unix()

	var scalars [16]byte
	binary.BigEndian.PutUint64(scalars[:8], uint64(requesterID))
	binary.BigEndian.PutUint64(scalars[8:], uint64(bucket))

	digest := blake2b.Sum256(append([]byte(credential), scalars[:]...))
	return hex.EncodeToString(digest[:])[:fingerprintLength]
}
