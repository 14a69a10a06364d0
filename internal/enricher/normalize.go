package enricher

import (
	"encoding/json"
	"fmt"
)

// Trait is the canonical attribute shape stored on the NFT row.
type Trait struct {
	TraitType   string      `json:"trait_type"`
	Value       interface{} `json:"value"`
	DisplayType string      `json:"display_type,omitempty"`
}

// fieldSynonyms maps the alternate key to its canonical name. The canonical
// key always wins when both are present.
var fieldSynonyms = map[string]string{
	"title":         "name",
	"image_url":     "image",
	"external_link": "external_url",
	"traits":        "attributes",
}

// NormalizeMetadata canonicalizes a fetched metadata document: synonyms are
// folded into their canonical keys, attributes are coerced to
// {trait_type, value, display_type?} objects, and every unknown top-level
// key is preserved as-is. It returns the normalized document, the extracted
// traits, and the image URL if any.
func NormalizeMetadata(raw []byte) (doc json.RawMessage, traits []Trait, imageURL string, err error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, "", fmt.Errorf("metadata is not a JSON object: %w", err)
	}

	for alt, canonical := range fieldSynonyms {
		if v, ok := m[alt]; ok {
			if _, exists := m[canonical]; !exists {
				m[canonical] = v
			}
			delete(m, alt)
		}
	}

	if v, ok := m["attributes"]; ok {
		traits = coerceAttributes(v)
		normalized, err := json.Marshal(traits)
		if err == nil {
			m["attributes"] = normalized
		}
	}

	if v, ok := m["image"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			imageURL = s
		}
	}

	doc, err = json.Marshal(m)
	if err != nil {
		return nil, nil, "", fmt.Errorf("re-encode metadata: %w", err)
	}
	return doc, traits, imageURL, nil
}

// coerceAttributes accepts both the array form
// [{trait_type|type|name, value, display_type?}] and the object form
// {trait: value}. Entries without a trait type or value are dropped.
func coerceAttributes(raw json.RawMessage) []Trait {
	var arr []map[string]interface{}
	if err := json.Unmarshal(raw, &arr); err == nil {
		var out []Trait
		for _, entry := range arr {
			t := Trait{}
			for _, key := range []string{"trait_type", "type", "name"} {
				if v, ok := entry[key]; ok {
					if s, ok := v.(string); ok && s != "" {
						t.TraitType = s
						break
					}
				}
			}
			val, hasVal := entry["value"]
			if t.TraitType == "" || !hasVal || val == nil {
				continue
			}
			t.Value = val
			if dt, ok := entry["display_type"].(string); ok {
				t.DisplayType = dt
			}
			out = append(out, t)
		}
		return out
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		var out []Trait
		for k, v := range obj {
			if k == "" || v == nil {
				continue
			}
			out = append(out, Trait{TraitType: k, Value: v})
		}
		return out
	}
	return nil
}
