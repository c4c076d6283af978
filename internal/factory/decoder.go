// Package factory decodes token creation events emitted by the launch
// factory contract.
package factory

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrMalformedLog is returned when a log does not carry a decodable
// creation payload.
var ErrMalformedLog = errors.New("malformed creation log")

const wordSize = 64 // hex chars per ABI word

// DecodedCreation is the result of decoding a factory creation event
type DecodedCreation struct {
	Creator common.Address
	Token   common.Address
	Name    string
	Symbol  string
}

// Decode extracts the creator, token address, name and symbol from a
// factory creation log. The creator is indexed in the first topic after
// the signature; the token address sits in the fifth data word, with the
// name and symbol as dynamic strings referenced by the second and fourth
// words.
func Decode(log types.Log) (*DecodedCreation, error) {
	if len(log.Topics) < 2 {
		return nil, ErrMalformedLog
	}

	creator := common.BytesToAddress(log.Topics[1].Bytes()[12:])

	data := strings.TrimPrefix(hex.EncodeToString(log.Data), "0x")
	if len(data) < 5*wordSize {
		return nil, ErrMalformedLog
	}

	name, err := dynamicString(data, 1)
	if err != nil {
		return nil, err
	}
	symbol, err := dynamicString(data, 3)
	if err != nil {
		return nil, err
	}

	tokenWord := word(data, 4)
	token := common.HexToAddress(tokenWord[24:])
	if token == (common.Address{}) {
		return nil, ErrMalformedLog
	}

	return &DecodedCreation{
		Creator: creator,
		Token:   token,
		Name:    name,
		Symbol:  symbol,
	}, nil
}

func word(data string, index int) string {
	return data[index*wordSize : (index+1)*wordSize]
}

// dynamicString reads an ABI dynamic string whose offset word sits at
// wordIndex.
func dynamicString(data string, wordIndex int) (string, error) {
	offsetBytes, err := strconv.ParseUint(word(data, wordIndex), 16, 32)
	if err != nil {
		return "", ErrMalformedLog
	}

	offset := int(offsetBytes) * 2
	if offset+wordSize > len(data) {
		return "", ErrMalformedLog
	}

	length, err := strconv.ParseUint(data[offset:offset+wordSize], 16, 32)
	if err != nil {
		return "", ErrMalformedLog
	}

	start := offset + wordSize
	end := start + int(length)*2
	if end > len(data) {
		return "", ErrMalformedLog
	}

	raw, err := hex.DecodeString(data[start:end])
	if err != nil {
		return "", ErrMalformedLog
	}
	return string(raw), nil
}
