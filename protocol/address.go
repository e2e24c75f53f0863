package protocol

import (
	"encoding/hex"

	"github.com/mr-tron/base58"
)

const (
	hexAddressLength = 128
	base58PayloadLen = 33
)

// Address specifiers accepted on the base58 form.
const (
	specifierStandard = 42
	specifierContract = 43
)

// IsValidAddress reports whether address is a well-formed participant
// identifier: either 128 hex characters, or a base58 string decoding to
// exactly 33 bytes whose first byte is one of the allowed specifiers.
//
// A string that decodes as hex but has the wrong length is rejected outright
// rather than re-tried as base58, matching how wallets encode the two forms.
func IsValidAddress(address string) bool {
	if _, err := hex.DecodeString(address); err == nil {
		return len(address) == hexAddressLength
	}

	decoded, err := base58.Decode(address)
	if err != nil {
		return false
	}
	if len(decoded) != base58PayloadLen {
		return false
	}

	switch decoded[0] {
	case specifierStandard, specifierContract:
		return true
	default:
		return false
	}
}
