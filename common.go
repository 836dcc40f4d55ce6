package treekem

import (
	"crypto/subtle"
	"fmt"
)

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// zeroize wipes secret material in place.  Every replacement or retirement
// of path keypairs, ratchet secrets, or cached message keys goes through
// here; retained stale secrets are a correctness defect, not an
// optimization target.
func zeroize(data []byte) {
	if len(data) == 0 {
		return
	}
	zero := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zero)
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("Unknown enum value: %v", v)
}
