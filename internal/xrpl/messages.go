package xrpl

import (
	"encoding/json"
	"time"
)

// rippleEpoch is 2000-01-01T00:00:00Z; ledger close times count seconds
// from it.
var rippleEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// RippleTime converts a seconds-since-ripple-epoch value to UTC time.
func RippleTime(secs int64) time.Time {
	return rippleEpoch.Add(time.Duration(secs) * time.Second)
}

// streamMessage is the envelope of every server-push message; Type routes
// to the concrete payload.
type streamMessage struct {
	Type string `json:"type"`
	// Response correlation for request/reply commands.
	ID     int             `json:"id,omitempty"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// LedgerClosed is the `ledgerClosed` stream message.
type LedgerClosed struct {
	LedgerIndex      uint32 `json:"ledger_index"`
	LedgerHash       string `json:"ledger_hash"`
	LedgerTime       int64  `json:"ledger_time"`
	TxnCount         int    `json:"txn_count"`
	ValidatedLedgers string `json:"validated_ledgers,omitempty"`
}

// TransactionStream is the `transaction` stream message for one validated
// transaction. Transaction and Meta stay raw: the classifier walks them
// generically.
type TransactionStream struct {
	Validated    bool            `json:"validated"`
	EngineResult string          `json:"engine_result"`
	LedgerIndex  uint32          `json:"ledger_index"`
	CloseTimeISO string          `json:"close_time_iso,omitempty"`
	Transaction  json.RawMessage `json:"transaction"`
	Meta         json.RawMessage `json:"meta"`
}

// Tx is the subset of transaction fields the classifier reads. Unknown
// transaction types simply fail the TransactionType switch and are skipped.
type Tx struct {
	TransactionType  string          `json:"TransactionType"`
	Hash             string          `json:"hash"`
	Account          string          `json:"Account"`
	Owner            string          `json:"Owner,omitempty"`
	Destination      string          `json:"Destination,omitempty"`
	NFTokenID        string          `json:"NFTokenID,omitempty"`
	NFTokenTaxon     *uint32         `json:"NFTokenTaxon,omitempty"`
	URI              string          `json:"URI,omitempty"`
	Amount           json.RawMessage `json:"Amount,omitempty"`
	Flags            uint32          `json:"Flags,omitempty"`
	NFTokenSellOffer string          `json:"NFTokenSellOffer,omitempty"`
	NFTokenBuyOffer  string          `json:"NFTokenBuyOffer,omitempty"`
	NFTokenOffers    []string        `json:"NFTokenOffers,omitempty"`
	Date             int64           `json:"date,omitempty"`
}

// TxMeta is the transaction metadata subset: affected nodes for state-diff
// walking plus the convenience nftoken_id rippled adds on mints and offer
// accepts.
type TxMeta struct {
	AffectedNodes     []AffectedNode  `json:"AffectedNodes"`
	TransactionResult string          `json:"TransactionResult"`
	NFTokenID         string          `json:"nftoken_id,omitempty"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount,omitempty"`
}

// AffectedNode is one entry of meta.AffectedNodes. Exactly one of the three
// variants is set.
type AffectedNode struct {
	CreatedNode  *NodeDiff `json:"CreatedNode,omitempty"`
	ModifiedNode *NodeDiff `json:"ModifiedNode,omitempty"`
	DeletedNode  *NodeDiff `json:"DeletedNode,omitempty"`
}

type NodeDiff struct {
	LedgerEntryType string          `json:"LedgerEntryType"`
	LedgerIndex     string          `json:"LedgerIndex"`
	NewFields       json.RawMessage `json:"NewFields,omitempty"`
	FinalFields     json.RawMessage `json:"FinalFields,omitempty"`
	PreviousFields  json.RawMessage `json:"PreviousFields,omitempty"`
}

// NFTokenPage is the ledger-object shape of NewFields/FinalFields on
// NFTokenPage nodes; used to recover token movements on sales and
// transfers.
type NFTokenPage struct {
	NFTokens []struct {
		NFToken struct {
			NFTokenID string `json:"NFTokenID"`
			URI       string `json:"URI,omitempty"`
		} `json:"NFToken"`
	} `json:"NFTokens"`
	Account string `json:"Account,omitempty"`
}

// NFTokenOfferFields is the ledger-object shape of an NFTokenOffer node.
type NFTokenOfferFields struct {
	Owner       string          `json:"Owner"`
	NFTokenID   string          `json:"NFTokenID"`
	Amount      json.RawMessage `json:"Amount"`
	Destination string          `json:"Destination,omitempty"`
	Flags       uint32          `json:"Flags,omitempty"`
}

// IssuedAmount is the object form of an Amount field (issued currency).
// XRP amounts arrive as a bare drops string instead.
type IssuedAmount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

// LedgerResult is the response of the `ledger` command with
// transactions:true, expand:true; used for backfill.
type LedgerResult struct {
	Ledger struct {
		LedgerIndex  string `json:"ledger_index"`
		LedgerHash   string `json:"ledger_hash"`
		CloseTime    int64  `json:"close_time"`
		Transactions []struct {
			Tx        json.RawMessage `json:"tx_json"`
			Meta      json.RawMessage `json:"meta"`
			Hash      string          `json:"hash,omitempty"`
			Validated bool            `json:"validated,omitempty"`
		} `json:"transactions"`
	} `json:"ledger"`
	Validated bool `json:"validated"`
}
