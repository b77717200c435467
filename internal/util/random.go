// Package util provides small shared helpers for the PacePipe application.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; these IDs are correlation handles, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateGroupID generates a unique group ID with "grp_" prefix. A group
// identifies all paced messages produced from one upstream response.
func GenerateGroupID() string {
	return GenerateRandomID("grp_", 16)
}

// GenerateMessageID generates a unique outbound-message ID with "msg_"
// prefix, stamped on the sent receipt so status events can be correlated.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", 24)
}
