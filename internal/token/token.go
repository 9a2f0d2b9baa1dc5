package token

import (
	"github.com/ethereum/go-ethereum/common"
)

// NativeID is the reserved identifier for the ledger's native asset. It has
// no on-chain address of its own; adapters resolve it to the wrapped token
// exactly once before building a path.
const NativeID = "native"

type Token struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Decimals int    `json:"decimals"`
	Address  string `json:"address,omitempty"`
	Logo     string `json:"logo,omitempty"`
}

func (t Token) IsNative() bool { return t.ID == NativeID }

// EVMAddress returns the token's contract address. For the native sentinel
// the wrapped-native address must be supplied by the registry instead.
func (t Token) EVMAddress() common.Address {
	return common.HexToAddress(t.Address)
}
