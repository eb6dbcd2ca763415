// Package codec embeds arbitrary UTF-8 text in the base64 payload envelope
// required by the remote contents API.
package codec

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/sitesync/internal/types"
)

// ErrDecode is returned when a payload is not valid base64, not valid
// UTF-8, or not a snapshot document.
var ErrDecode = errors.New("decode payload")

// Encode returns the standard base64 encoding of the UTF-8 bytes of text.
func Encode(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

// Decode reverses Encode. Line breaks and other whitespace are ignored since
// the contents API wraps base64 payloads. Invalid input fails closed.
func Decode(s string) (string, error) {
	raw, err := decodeBytes(s)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", ErrDecode)
	}
	return string(raw), nil
}

func decodeBytes(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	raw, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raw, nil
}

// ContentSHA returns the git blob hash of data, the revision token the
// contents API reports for a file.
func ContentSHA(data []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// UnmarshalSnapshot parses snapshot JSON, failing closed on anything that
// is not a JSON object.
func UnmarshalSnapshot(data []byte) (*types.Snapshot, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: snapshot is not valid UTF-8", ErrDecode)
	}
	var s types.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &s, nil
}
