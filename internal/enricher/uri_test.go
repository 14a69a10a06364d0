package enricher

import (
	"encoding/hex"
	"reflect"
	"testing"
)

func TestNormalizeURIHexRoundTrip(t *testing.T) {
	plain := "https://example.com/meta/1.json"
	hexed := hex.EncodeToString([]byte(plain))

	fromHex, err := NormalizeURI(hexed)
	if err != nil {
		t.Fatalf("NormalizeURI(hex): %v", err)
	}
	fromPlain, err := NormalizeURI(plain)
	if err != nil {
		t.Fatalf("NormalizeURI(plain): %v", err)
	}
	if fromHex != fromPlain {
		t.Errorf("hex form decoded to %q, plain form %q; want identical", fromHex, fromPlain)
	}
}

func TestNormalizeURISchemes(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://example.com/a.json", "https://example.com/a.json", false},
		{"http://example.com/a.json", "http://example.com/a.json", false},
		{"ipfs://QmXYZ/1.json", "ipfs://QmXYZ/1.json", false},
		{hex.EncodeToString([]byte("ipfs://QmXYZ")), "ipfs://QmXYZ", false},
		{"", "", true},
		{"ftp://example.com/a.json", "", true},
		{"deadbeef", "", true}, // valid hex but not a URI after decoding
	}
	for _, tc := range cases {
		got, err := NormalizeURI(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeURI(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeURI(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeURI(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCandidateURLs(t *testing.T) {
	gateways := []string{"https://g1.example/ipfs/", "https://g2.example/ipfs"}

	got := CandidateURLs("ipfs://QmXYZ/1.json", gateways)
	want := []string{
		"https://g1.example/ipfs/QmXYZ/1.json",
		"https://g2.example/ipfs/QmXYZ/1.json",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CandidateURLs = %v, want %v", got, want)
	}

	direct := CandidateURLs("https://example.com/1.json", gateways)
	if !reflect.DeepEqual(direct, []string{"https://example.com/1.json"}) {
		t.Errorf("http URI expanded to %v, want itself only", direct)
	}
}
