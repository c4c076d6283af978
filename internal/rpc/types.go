package rpc

import (
	"errors"
	"fmt"
)

// ErrNoMetadata signals the provider returned an empty metadata record.
var ErrNoMetadata = errors.New("no token metadata available")

// TokenMetadata is the provider's enhanced-API token metadata record
type TokenMetadata struct {
	Name     string  `json:"name"`
	Symbol   string  `json:"symbol"`
	Decimals *int32  `json:"decimals"`
	Logo     *string `json:"logo"`
}

// AssetTransfer is a single transfer from the provider's enhanced API.
// A nil To marks a contract creation.
type AssetTransfer struct {
	Hash        string           `json:"hash"`
	From        string           `json:"from"`
	To          *string          `json:"to"`
	BlockNum    string           `json:"blockNum"`
	RawContract RawContract      `json:"rawContract"`
	Metadata    TransferMetadata `json:"metadata"`
}

// RawContract carries the deployed address for creation transfers
type RawContract struct {
	Address string `json:"address"`
}

type TransferMetadata struct {
	BlockTimestamp string `json:"blockTimestamp"`
}

type assetTransferParams struct {
	FromBlock    string   `json:"fromBlock"`
	ToBlock      string   `json:"toBlock"`
	Category     []string `json:"category"`
	ExcludeZero  bool     `json:"excludeZeroValue"`
	MaxCount     string   `json:"maxCount"`
	WithMetadata bool     `json:"withMetadata"`
}

type assetTransferResult struct {
	Transfers []AssetTransfer `json:"transfers"`
}

func hexBlock(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}
