// Package canhash provides the payload hashing primitive shared by the replay detector
// and the state manager's hash history.
package canhash

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Payload hashes a CAN payload, matching the reference implementation's xxhash-backed
// hash_payload helper (original_source/utils/helpers.py). Returned as a lower-case hex
// string without leading zeros (so its width varies), which compares cheaply as a map key.
func Payload(b []byte) string {
	sum := xxhash.Sum64(b)
	return strconv.FormatUint(sum, 16)
}

// Fingerprint builds the "<can_id>:<payload_hash>" sequence-replay fingerprint used by
// the Replay Detector (spec §4.5).
func Fingerprint(canID, payloadHash string) string {
	return canID + ":" + payloadHash
}
