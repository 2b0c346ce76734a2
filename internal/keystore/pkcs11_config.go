package keystore

import "strings"

// DefaultKeyLabelPattern is the token label of a member's default key.
const DefaultKeyLabelPattern = "member-{member}-signing"

// PKCS11Config holds configuration for the PKCS#11 provider
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string

	// SlotID is the slot number to use (optional if SlotLabel is provided)
	SlotID *uint

	// SlotLabel is the token label to search for (optional if SlotID is provided)
	SlotLabel string

	// PIN is the user PIN for authentication
	PIN string

	// KeyLabelPattern is the pattern for key labels
	// Use {member} as placeholder, e.g., "member-{member}-signing"
	KeyLabelPattern string
}

// keyLabel returns the token label of a member key. Keys other than the
// default one get the key ID appended.
func keyLabel(pattern, member, keyID string) string {
	label := strings.ReplaceAll(pattern, "{member}", memberDir(member))
	if keyID != "" && keyID != DefaultKeyID {
		label = label + "-" + keyID
	}
	return label
}
