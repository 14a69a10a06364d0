package ingester

import (
	"encoding/json"
	"fmt"
	"time"

	"xrplalerts/internal/models"
	"xrplalerts/internal/xrpl"
)

// lsfSellNFToken marks a sell-side NFTokenOffer (bit 1 of the offer flags).
const lsfSellNFToken = 0x00000001

// Classified is one normalized activity plus the mint URI when the source
// transaction carried one (hex-encoded, decoded later by the enricher).
type Classified struct {
	Activity models.NftActivity
	MintURI  string
}

// Classify turns one validated raw transaction into zero or more normalized
// activities. Non-tesSUCCESS transactions and non-NFT transaction types
// produce nothing. Malformed transactions return an error so the caller can
// log the hash and drop them without aborting the batch.
func Classify(ts xrpl.TransactionStream) ([]Classified, error) {
	if !ts.Validated || ts.EngineResult != "tesSUCCESS" {
		return nil, nil
	}
	var tx xrpl.Tx
	if err := json.Unmarshal(ts.Transaction, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	var meta xrpl.TxMeta
	if len(ts.Meta) > 0 {
		if err := json.Unmarshal(ts.Meta, &meta); err != nil {
			return nil, fmt.Errorf("decode meta for %s: %w", tx.Hash, err)
		}
	}
	if tx.Hash == "" {
		return nil, fmt.Errorf("transaction without hash")
	}

	base := models.NftActivity{
		TransactionHash: tx.Hash,
		LedgerIndex:     ts.LedgerIndex,
		Timestamp:       txTime(tx),
	}

	switch tx.TransactionType {
	case "NFTokenMint":
		return classifyMint(tx, meta, base)
	case "NFTokenAcceptOffer":
		return classifyAcceptOffer(tx, meta, base)
	case "NFTokenCreateOffer":
		return classifyCreateOffer(tx, base)
	case "NFTokenCancelOffer":
		return classifyCancelOffer(tx, meta, base)
	case "NFTokenBurn":
		return classifyBurn(tx, base)
	}
	return nil, nil
}

func txTime(tx xrpl.Tx) time.Time {
	if tx.Date > 0 {
		return xrpl.RippleTime(tx.Date)
	}
	return time.Now().UTC()
}

func classifyMint(tx xrpl.Tx, meta xrpl.TxMeta, base models.NftActivity) ([]Classified, error) {
	nftID := meta.NFTokenID
	if nftID == "" {
		nftID = mintedTokenID(meta)
	}
	if nftID == "" {
		return nil, fmt.Errorf("mint %s: no created NFToken in metadata", tx.Hash)
	}
	base.ActivityType = models.ActivityMint
	base.NFTokenID = nftID
	base.ToAddress = tx.Account
	return []Classified{{Activity: base, MintURI: tx.URI}}, nil
}

// mintedTokenID diffs the NFTokenPage nodes: the token present after the
// transaction but not before is the minted one.
func mintedTokenID(meta xrpl.TxMeta) string {
	for _, node := range meta.AffectedNodes {
		if diff := node.CreatedNode; diff != nil && diff.LedgerEntryType == "NFTokenPage" {
			after := pageTokens(diff.NewFields)
			if len(after) == 1 {
				for id := range after {
					return id
				}
			}
		}
		if diff := node.ModifiedNode; diff != nil && diff.LedgerEntryType == "NFTokenPage" {
			after := pageTokens(diff.FinalFields)
			before := pageTokens(diff.PreviousFields)
			for id := range after {
				if _, ok := before[id]; !ok {
					return id
				}
			}
		}
	}
	return ""
}

func pageTokens(fields json.RawMessage) map[string]struct{} {
	tokens := make(map[string]struct{})
	if len(fields) == 0 {
		return tokens
	}
	var page xrpl.NFTokenPage
	if err := json.Unmarshal(fields, &page); err != nil {
		return tokens
	}
	for _, t := range page.NFTokens {
		tokens[t.NFToken.NFTokenID] = struct{}{}
	}
	return tokens
}

func classifyAcceptOffer(tx xrpl.Tx, meta xrpl.TxMeta, base models.NftActivity) ([]Classified, error) {
	offers := deletedOffers(meta)
	if len(offers) == 0 {
		return nil, fmt.Errorf("accept offer %s: no deleted NFTokenOffer in metadata", tx.Hash)
	}

	// Brokered accepts delete both sides; the sell offer carries the price
	// the seller receives.
	priced := offers[0]
	var seller, buyer string
	for _, o := range offers {
		if o.Flags&lsfSellNFToken != 0 {
			priced = o
			seller = o.Owner
		} else {
			buyer = o.Owner
		}
	}
	if seller == "" {
		seller = tx.Account
	}
	if buyer == "" {
		buyer = tx.Account
	}

	base.ActivityType = models.ActivitySale
	base.NFTokenID = priced.NFTokenID
	base.FromAddress = seller
	base.ToAddress = buyer
	base.PriceDrops, base.Currency, base.Issuer = normalizeAmount(priced.Amount)
	return []Classified{{Activity: base}}, nil
}

func classifyCreateOffer(tx xrpl.Tx, base models.NftActivity) ([]Classified, error) {
	if tx.NFTokenID == "" {
		return nil, fmt.Errorf("create offer %s: missing NFTokenID", tx.Hash)
	}
	base.ActivityType = models.ActivityOfferCreated
	base.NFTokenID = tx.NFTokenID
	if tx.Flags&lsfSellNFToken != 0 {
		// Sell offer: the account is offering its token.
		base.FromAddress = tx.Account
		base.ToAddress = tx.Destination
	} else {
		// Buy offer: the account wants the owner's token.
		base.FromAddress = tx.Owner
		base.ToAddress = tx.Account
	}
	base.PriceDrops, base.Currency, base.Issuer = normalizeAmount(tx.Amount)
	base.Metadata = offerDirection(tx.Flags)
	return []Classified{{Activity: base}}, nil
}

func offerDirection(flags uint32) json.RawMessage {
	if flags&lsfSellNFToken != 0 {
		return json.RawMessage(`{"offer_side":"sell"}`)
	}
	return json.RawMessage(`{"offer_side":"buy"}`)
}

func classifyCancelOffer(tx xrpl.Tx, meta xrpl.TxMeta, base models.NftActivity) ([]Classified, error) {
	offers := deletedOffers(meta)
	if len(offers) == 0 {
		return nil, fmt.Errorf("cancel offer %s: no deleted NFTokenOffer in metadata", tx.Hash)
	}
	var out []Classified
	for _, o := range offers {
		act := base
		act.ActivityType = models.ActivityOfferCancelled
		act.NFTokenID = o.NFTokenID
		act.FromAddress = o.Owner
		act.PriceDrops, act.Currency, act.Issuer = normalizeAmount(o.Amount)
		out = append(out, Classified{Activity: act})
	}
	return out, nil
}

func classifyBurn(tx xrpl.Tx, base models.NftActivity) ([]Classified, error) {
	if tx.NFTokenID == "" {
		return nil, fmt.Errorf("burn %s: missing NFTokenID", tx.Hash)
	}
	base.ActivityType = models.ActivityBurn
	base.NFTokenID = tx.NFTokenID
	base.FromAddress = tx.Account
	return []Classified{{Activity: base}}, nil
}

func deletedOffers(meta xrpl.TxMeta) []xrpl.NFTokenOfferFields {
	var offers []xrpl.NFTokenOfferFields
	for _, node := range meta.AffectedNodes {
		diff := node.DeletedNode
		if diff == nil || diff.LedgerEntryType != "NFTokenOffer" {
			continue
		}
		var o xrpl.NFTokenOfferFields
		if err := json.Unmarshal(diff.FinalFields, &o); err != nil {
			continue
		}
		if o.NFTokenID != "" {
			offers = append(offers, o)
		}
	}
	return offers
}

// normalizeAmount handles the two XRPL amount encodings: a bare decimal
// string is XRP drops; an object is an issued currency whose value is
// preserved verbatim.
func normalizeAmount(raw json.RawMessage) (drops, currency, issuer string) {
	if len(raw) == 0 {
		return "", "", ""
	}
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		if bare == "" {
			return "", "", ""
		}
		return bare, "XRP", ""
	}
	var issued xrpl.IssuedAmount
	if err := json.Unmarshal(raw, &issued); err != nil {
		return "", "", ""
	}
	return issued.Value, issued.Currency, issued.Issuer
}
