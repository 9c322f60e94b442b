package util

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/text/width"
)

// SHA256Hex returns the lowercase hex SHA-256 of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// URLEncode is the text form used for stored keys (padded base64url).
func URLEncode(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// URLDecode accepts padded or unpadded base64url.
func URLDecode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// FoldWidth maps full-width forms (e.g. "１２３４" typed through an IME)
// to their ASCII equivalents.
func FoldWidth(s string) string {
	return width.Fold.String(s)
}
