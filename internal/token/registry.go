package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Registry is the catalog of tradable assets. Tokens are immutable once
// resolved; the registry only grows.
type Registry struct {
	log *zap.Logger

	mu     sync.RWMutex
	byID   map[string]Token
	byAddr map[common.Address]Token

	wrappedNative common.Address
}

func NewRegistry(log *zap.Logger, wrappedNative common.Address, nativeSymbol string, nativeDecimals int) *Registry {
	r := &Registry{
		log:           log,
		byID:          make(map[string]Token, 64),
		byAddr:        make(map[common.Address]Token, 64),
		wrappedNative: wrappedNative,
	}
	r.Add(Token{ID: NativeID, Symbol: nativeSymbol, Decimals: nativeDecimals})
	return r
}

func (r *Registry) Add(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.ID] = t
	if t.Address != "" {
		r.byAddr[common.HexToAddress(t.Address)] = t
	}
}

func (r *Registry) Get(id string) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

func (r *Registry) ByAddress(addr common.Address) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byAddr[addr]
	return t, ok
}

// WrappedNative is the on-chain representation of the native asset.
func (r *Registry) WrappedNative() common.Address { return r.wrappedNative }

// EVMAddress resolves a token to the address used in on-chain paths. This is
// the single place where the native sentinel becomes the wrapped token.
func (r *Registry) EVMAddress(t Token) common.Address {
	if t.IsNative() {
		return r.wrappedNative
	}
	return t.EVMAddress()
}

// LoadRemote fetches a token list (JSON array of Token) and merges it into
// the registry. Entries without an ID or with non-positive decimals are
// skipped.
func (r *Registry) LoadRemote(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build token list request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch token list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("token list: unexpected status %d", resp.StatusCode)
	}

	var list []Token
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return 0, fmt.Errorf("decode token list: %w", err)
	}

	added := 0
	for _, t := range list {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" || t.ID == NativeID || t.Decimals < 0 {
			continue
		}
		r.Add(t)
		added++
	}
	r.log.Info("token list loaded", zap.Int("tokens", added))
	return added, nil
}
