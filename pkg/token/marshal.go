package token

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Marshal returns a URL-safe serialization of a signed token.
func Marshal(sp *SignedPayload) string {
	return EncodedPrefix + base64.RawURLEncoding.EncodeToString(sp.Serialize())
}

// MarshalledSize is the length of the token, marshalled.
const MarshalledSize = len(EncodedPrefix) + 39

// EncodedPrefix is the hardcoded prefix of encoded signed tokens.
const EncodedPrefix = "N"

// Unmarshal deserializes an URL-safe string to a signed token.
// Returns nil if the token is invalid.
func Unmarshal(s string) *SignedPayload {
	if len(s) != MarshalledSize {
		return nil
	}
	if s[:len(EncodedPrefix)] != EncodedPrefix {
		return nil
	}
	buf, err := base64.RawURLEncoding.DecodeString(s[len(EncodedPrefix):])
	if err != nil || len(buf) != SignedPayloadSize {
		return nil
	}
	var sp SignedPayload
	if err := sp.Deserialize(buf); err != nil {
		return nil
	}
	return &sp
}

// JobKey formats the external name of a job.
func JobKey(queue string, jobID uint32) string {
	return queue + "_" + strconv.FormatUint(uint64(jobID), 10)
}

// ParseJobKey splits a job key into queue name and job ID.
func ParseJobKey(key string) (queue string, jobID uint32, err error) {
	i := strings.LastIndexByte(key, '_')
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("invalid job key: %q", key)
	}
	id, err := strconv.ParseUint(key[i+1:], 10, 32)
	if err != nil || id == 0 {
		return "", 0, fmt.Errorf("invalid job key: %q", key)
	}
	return key[:i], uint32(id), nil
}
