package xrpl

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// NFTokenIDParts is the fixed 32-byte layout of an XLS-20 token id:
// 2 bytes flags, 2 bytes transfer fee, 20 bytes issuer AccountID,
// 4 bytes scrambled taxon, 4 bytes mint sequence.
type NFTokenIDParts struct {
	Flags       uint16
	TransferFee uint16
	Issuer      string // classic r-address
	Taxon       uint32 // unscrambled
	Sequence    uint32
}

const taxonScrambleMul = 384160001
const taxonScrambleAdd = 2459

// DecodeNFTokenID parses a 64-hex NFTokenID and unscrambles the taxon.
// The ledger stores taxon XOR-ed with a sequence-keyed LCG so sequentially
// minted tokens of one collection do not produce sequential ids.
func DecodeNFTokenID(id string) (NFTokenIDParts, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(id))
	if err != nil {
		return NFTokenIDParts{}, fmt.Errorf("nftoken id %q: %w", id, err)
	}
	if len(raw) != 32 {
		return NFTokenIDParts{}, fmt.Errorf("nftoken id %q: want 32 bytes, got %d", id, len(raw))
	}

	seq := binary.BigEndian.Uint32(raw[28:32])
	scrambled := binary.BigEndian.Uint32(raw[24:28])
	taxon := scrambled ^ (taxonScrambleMul*seq + taxonScrambleAdd)

	return NFTokenIDParts{
		Flags:       binary.BigEndian.Uint16(raw[0:2]),
		TransferFee: binary.BigEndian.Uint16(raw[2:4]),
		Issuer:      encodeClassicAddress(raw[4:24]),
		Taxon:       taxon,
		Sequence:    seq,
	}, nil
}

// rippleAlphabet is the XRPL base58 dictionary (note 'r' in position 0).
const rippleAlphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

// encodeClassicAddress base58check-encodes a 20-byte AccountID with the
// 0x00 account type prefix and a double-sha256 checksum.
func encodeClassicAddress(accountID []byte) string {
	payload := make([]byte, 0, 25)
	payload = append(payload, 0x00)
	payload = append(payload, accountID...)
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	payload = append(payload, second[:4]...)
	return base58Encode(payload)
}

func base58Encode(input []byte) string {
	zeros := 0
	for zeros < len(input) && input[zeros] == 0 {
		zeros++
	}

	num := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	mod := new(big.Int)
	var out []byte
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		out = append(out, rippleAlphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, rippleAlphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
