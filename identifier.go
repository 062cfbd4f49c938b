package broker

import "github.com/google/uuid"

// newClientID produces a fresh 32-hex-char client identifier for CONNECTs
// that arrive with an empty ClientID but are otherwise eligible (clean
// session, zero-byte IDs allowed). uuid.New() is a 128-bit random (v4) UUID;
// stripping its dashes yields exactly 32 hex characters.
func newClientID() string {
	id := uuid.New()
	buf := make([]byte, 0, 32)
	for _, b := range id {
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return string(buf)
}

const hexDigits = "0123456789abcdef"
