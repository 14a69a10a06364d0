package enricher

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// NormalizeURI turns a raw on-ledger URI into a usable form. XRPL commonly
// stores URIs hex-encoded, so an even-length hex string is decoded as UTF-8
// first. The result must be http(s) or ipfs.
func NormalizeURI(raw string) (string, error) {
	uri := strings.TrimSpace(raw)
	if uri == "" {
		return "", fmt.Errorf("empty uri")
	}
	if isHex(uri) {
		decoded, err := hex.DecodeString(uri)
		if err == nil && utf8.Valid(decoded) {
			uri = strings.TrimSpace(string(decoded))
		}
	}
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"), strings.HasPrefix(uri, "ipfs://"):
		return uri, nil
	}
	return "", fmt.Errorf("unsupported uri scheme in %q", uri)
}

func isHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// CandidateURLs expands a normalized URI into the ordered list of HTTP URLs
// to try: one per configured gateway for ipfs, the URI itself otherwise.
func CandidateURLs(uri string, gateways []string) []string {
	if rest, ok := strings.CutPrefix(uri, "ipfs://"); ok {
		rest = strings.TrimPrefix(rest, "ipfs/")
		var urls []string
		for _, gw := range gateways {
			if !strings.HasSuffix(gw, "/") {
				gw += "/"
			}
			urls = append(urls, gw+rest)
		}
		return urls
	}
	return []string{uri}
}
