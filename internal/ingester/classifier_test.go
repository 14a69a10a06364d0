package ingester

import (
	"encoding/json"
	"testing"

	"xrplalerts/internal/models"
	"xrplalerts/internal/xrpl"
)

func rawTx(t *testing.T, tx map[string]interface{}, meta map[string]interface{}, result string) xrpl.TransactionStream {
	t.Helper()
	txJSON, err := json.Marshal(tx)
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	return xrpl.TransactionStream{
		Validated:    true,
		EngineResult: result,
		LedgerIndex:  7000000,
		Transaction:  txJSON,
		Meta:         metaJSON,
	}
}

const testTokenID = "00080000F51DFC2A09D62CBBA1DFBDD4691DAC96AD98B900C87D166200000001"

func TestClassifyMint(t *testing.T) {
	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenMint",
		"hash":            "MINT1",
		"Account":         "rAlice",
		"NFTokenTaxon":    1,
		"URI":             "697066733A2F2F516D58595A",
	}, map[string]interface{}{
		"nftoken_id":        testTokenID,
		"TransactionResult": "tesSUCCESS",
	}, "tesSUCCESS")

	got, err := Classify(ts)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d activities, want 1", len(got))
	}
	a := got[0].Activity
	if a.ActivityType != models.ActivityMint {
		t.Errorf("type = %s, want mint", a.ActivityType)
	}
	if a.ToAddress != "rAlice" {
		t.Errorf("toAddress = %q, want rAlice", a.ToAddress)
	}
	if a.NFTokenID != testTokenID {
		t.Errorf("nftId = %q, want the created token", a.NFTokenID)
	}
	if got[0].MintURI != "697066733A2F2F516D58595A" {
		t.Errorf("MintURI = %q, want the raw hex URI", got[0].MintURI)
	}
}

func TestClassifyMintFromPageDiff(t *testing.T) {
	// No convenience nftoken_id; the id comes from the created page node.
	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenMint",
		"hash":            "MINT2",
		"Account":         "rAlice",
	}, map[string]interface{}{
		"AffectedNodes": []map[string]interface{}{
			{"CreatedNode": map[string]interface{}{
				"LedgerEntryType": "NFTokenPage",
				"NewFields": map[string]interface{}{
					"NFTokens": []map[string]interface{}{
						{"NFToken": map[string]interface{}{"NFTokenID": testTokenID}},
					},
				},
			}},
		},
	}, "tesSUCCESS")

	got, err := Classify(ts)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(got) != 1 || got[0].Activity.NFTokenID != testTokenID {
		t.Fatalf("got %+v, want one mint of the page token", got)
	}
}

func TestClassifySaleFromDeletedOffer(t *testing.T) {
	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenAcceptOffer",
		"hash":            "SALE1",
		"Account":         "rBuyer",
	}, map[string]interface{}{
		"AffectedNodes": []map[string]interface{}{
			{"DeletedNode": map[string]interface{}{
				"LedgerEntryType": "NFTokenOffer",
				"FinalFields": map[string]interface{}{
					"Owner":     "rSeller",
					"NFTokenID": testTokenID,
					"Amount":    "1500000000000",
					"Flags":     1, // sell offer
				},
			}},
		},
	}, "tesSUCCESS")

	got, err := Classify(ts)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d activities, want 1", len(got))
	}
	a := got[0].Activity
	if a.ActivityType != models.ActivitySale {
		t.Errorf("type = %s, want sale", a.ActivityType)
	}
	if a.FromAddress != "rSeller" || a.ToAddress != "rBuyer" {
		t.Errorf("from/to = %q/%q, want rSeller/rBuyer", a.FromAddress, a.ToAddress)
	}
	if a.PriceDrops != "1500000000000" || a.Currency != "XRP" || a.Issuer != "" {
		t.Errorf("price = %q %q %q, want 1500000000000 XRP <empty>", a.PriceDrops, a.Currency, a.Issuer)
	}
}

func TestClassifyCreateOfferIssuedCurrency(t *testing.T) {
	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenCreateOffer",
		"hash":            "OFFER1",
		"Account":         "rCarol",
		"NFTokenID":       testTokenID,
		"Flags":           1,
		"Amount": map[string]interface{}{
			"value":    "99.5",
			"currency": "USD",
			"issuer":   "rGateway",
		},
	}, nil, "tesSUCCESS")

	got, err := Classify(ts)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	a := got[0].Activity
	if a.ActivityType != models.ActivityOfferCreated {
		t.Errorf("type = %s, want offer_created", a.ActivityType)
	}
	if a.PriceDrops != "99.5" || a.Currency != "USD" || a.Issuer != "rGateway" {
		t.Errorf("price = %q %q %q, want issued amount preserved verbatim", a.PriceDrops, a.Currency, a.Issuer)
	}
	if a.FromAddress != "rCarol" {
		t.Errorf("fromAddress = %q, want the selling account", a.FromAddress)
	}
}

func TestClassifyCancelOfferOnePerDeletedOffer(t *testing.T) {
	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenCancelOffer",
		"hash":            "CANCEL1",
		"Account":         "rDave",
	}, map[string]interface{}{
		"AffectedNodes": []map[string]interface{}{
			{"DeletedNode": map[string]interface{}{
				"LedgerEntryType": "NFTokenOffer",
				"FinalFields": map[string]interface{}{
					"Owner": "rDave", "NFTokenID": testTokenID, "Amount": "100",
				},
			}},
			{"DeletedNode": map[string]interface{}{
				"LedgerEntryType": "NFTokenOffer",
				"FinalFields": map[string]interface{}{
					"Owner": "rDave", "NFTokenID": testTokenID, "Amount": "200",
				},
			}},
		},
	}, "tesSUCCESS")

	got, err := Classify(ts)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d activities, want one per deleted offer", len(got))
	}
	for _, c := range got {
		if c.Activity.ActivityType != models.ActivityOfferCancelled {
			t.Errorf("type = %s, want offer_cancelled", c.Activity.ActivityType)
		}
	}
}

func TestClassifyBurn(t *testing.T) {
	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenBurn",
		"hash":            "BURN1",
		"Account":         "rAlice",
		"NFTokenID":       testTokenID,
	}, nil, "tesSUCCESS")

	got, err := Classify(ts)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(got) != 1 || got[0].Activity.ActivityType != models.ActivityBurn {
		t.Fatalf("got %+v, want one burn", got)
	}
}

func TestClassifyDropsNonSuccess(t *testing.T) {
	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenMint",
		"hash":            "FAIL1",
		"Account":         "rAlice",
	}, map[string]interface{}{"nftoken_id": testTokenID}, "tecINSUFFICIENT_RESERVE")

	got, err := Classify(ts)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != nil {
		t.Errorf("non-tesSUCCESS transaction produced %d activities, want none", len(got))
	}
}

func TestClassifyIgnoresUnrelatedTypes(t *testing.T) {
	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "Payment",
		"hash":            "PAY1",
		"Account":         "rAlice",
	}, nil, "tesSUCCESS")

	got, err := Classify(ts)
	if err != nil || got != nil {
		t.Errorf("Payment classified as %+v (err %v), want nothing", got, err)
	}
}

func TestClassifyMalformedMintIsAnError(t *testing.T) {
	// tesSUCCESS mint with no created token anywhere.
	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenMint",
		"hash":            "MINT3",
		"Account":         "rAlice",
	}, nil, "tesSUCCESS")

	if _, err := Classify(ts); err == nil {
		t.Error("expected an error for a mint without token metadata")
	}
}
