package enricher

import (
	"encoding/json"
	"testing"
)

func TestNormalizeMetadataSynonyms(t *testing.T) {
	raw := []byte(`{
		"title": "Dragon #1",
		"image_url": "ipfs://QmImg",
		"external_link": "https://example.com",
		"traits": [{"trait_type": "rarity", "value": "common"}],
		"custom_field": {"nested": true}
	}`)

	doc, traits, imageURL, err := NormalizeMetadata(raw)
	if err != nil {
		t.Fatalf("NormalizeMetadata: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		t.Fatal(err)
	}
	for _, canonical := range []string{"name", "image", "external_url", "attributes"} {
		if _, ok := m[canonical]; !ok {
			t.Errorf("canonical key %q missing from normalized doc", canonical)
		}
	}
	for _, alt := range []string{"title", "image_url", "external_link", "traits"} {
		if _, ok := m[alt]; ok {
			t.Errorf("synonym %q should have been folded away", alt)
		}
	}
	if _, ok := m["custom_field"]; !ok {
		t.Error("unknown top-level key was not preserved")
	}
	if imageURL != "ipfs://QmImg" {
		t.Errorf("imageURL = %q, want ipfs://QmImg", imageURL)
	}
	if len(traits) != 1 || traits[0].TraitType != "rarity" {
		t.Errorf("traits = %+v, want the single rarity trait", traits)
	}
}

func TestNormalizeMetadataCanonicalKeyWins(t *testing.T) {
	raw := []byte(`{"name": "Real", "title": "Alias"}`)
	doc, _, _, err := NormalizeMetadata(raw)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]string
	if err := json.Unmarshal(doc, &m); err != nil {
		t.Fatal(err)
	}
	if m["name"] != "Real" {
		t.Errorf("name = %q, want the canonical value kept", m["name"])
	}
}

func TestCoerceAttributesArrayForm(t *testing.T) {
	raw := json.RawMessage(`[
		{"trait_type": "rarity", "value": "common"},
		{"type": "level", "value": 50, "display_type": "number"},
		{"name": "background", "value": "blue"},
		{"trait_type": "broken"},
		{"value": "orphan"}
	]`)
	traits := coerceAttributes(raw)
	if len(traits) != 3 {
		t.Fatalf("got %d traits, want 3 (entries without type or value dropped)", len(traits))
	}
	if traits[1].TraitType != "level" || traits[1].DisplayType != "number" {
		t.Errorf("traits[1] = %+v, want type/display_type coerced", traits[1])
	}
}

func TestCoerceAttributesObjectForm(t *testing.T) {
	raw := json.RawMessage(`{"rarity": "common", "level": 50}`)
	traits := coerceAttributes(raw)
	if len(traits) != 2 {
		t.Fatalf("got %d traits, want 2", len(traits))
	}
	byType := map[string]interface{}{}
	for _, tr := range traits {
		byType[tr.TraitType] = tr.Value
	}
	if byType["rarity"] != "common" {
		t.Errorf("rarity = %v, want common", byType["rarity"])
	}
}

func TestNormalizeMetadataRejectsNonObject(t *testing.T) {
	if _, _, _, err := NormalizeMetadata([]byte(`[1,2,3]`)); err == nil {
		t.Error("expected error for a non-object document")
	}
}
