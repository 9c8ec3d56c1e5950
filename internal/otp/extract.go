package otp

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformedMessage means the message does not have the expected
	// shape. It points at a wrong key phrase or subject in the policy and
	// is never retried.
	ErrMalformedMessage = errors.New("malformed otp message")

	ErrKeyPhraseNotFound = fmt.Errorf("%w: key phrase not found", ErrMalformedMessage)
	ErrCodeTruncated     = fmt.Errorf("%w: code truncated", ErrMalformedMessage)
)

// Extract returns the codeLength characters that immediately follow the
// first occurrence of keyPhrase in text. The code is returned as-is.
func Extract(text, keyPhrase string, codeLength int) (string, error) {
	pos := strings.Index(text, keyPhrase)
	if pos < 0 {
		return "", fmt.Errorf("%w: %q", ErrKeyPhraseNotFound, keyPhrase)
	}
	rest := text[pos+len(keyPhrase):]

	end := 0
	for n := 0; n < codeLength; n++ {
		if end >= len(rest) {
			return "", fmt.Errorf("%w: need %d characters, have %d", ErrCodeTruncated, codeLength, n)
		}
		_, size := utf8.DecodeRuneInString(rest[end:])
		end += size
	}
	return rest[:end], nil
}
