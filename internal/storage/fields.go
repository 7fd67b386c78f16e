package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"unicode/utf8"
)

// urlParts returns the host of rawURL and its path flattened into one
// filesystem-safe segment ("root" for an empty path).
func urlParts(rawURL string) (host, segment string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	segment = strings.Trim(u.Path, "/")
	if segment == "" {
		return u.Host, "root"
	}
	return u.Host, strings.ReplaceAll(segment, "/", "_")
}

// clipBody cuts body to at most maxBytes. Plain text is cut on a rune
// boundary and base64 on a 4-byte quantum so the kept prefix stays decodable.
func clipBody(body string, maxBytes int, base64 bool) (string, bool) {
	if maxBytes <= 0 || len(body) <= maxBytes {
		return body, false
	}
	cut := maxBytes
	if base64 {
		cut -= cut % 4
	} else {
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
	}
	return body[:cut], true
}

func fingerprint(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
