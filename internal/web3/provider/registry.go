// Package provider keeps one lazily built web3 client per configured chain,
// indexed by chain id.
package provider

import (
	"context"
	"sort"
	"strconv"
	"sync"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/web3"
	"OpenIntent-Chain/internal/web3/ethereum"
)

// DialFunc constructs a client for one chain definition. The default dials
// the EVM endpoints from the catalog entry.
type DialFunc func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// ChainInfo summarizes a catalog entry for listings.
type ChainInfo struct {
	Name        string `json:"name"`
	ChainID     uint64 `json:"chain_id"`
	Description string `json:"description,omitempty"`
	Connected   bool   `json:"connected"`
}

type chainSlot struct {
	name   string
	def    web3.ChainDefinition
	client web3.Client
}

// Registry resolves chain ids to clients. Construction is lazy: an endpoint
// is dialed the first time its chain is requested and cached afterwards.
type Registry struct {
	mu        sync.Mutex
	slots     map[uint64]*chainSlot
	defaultID uint64
	dial      DialFunc
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithDialFunc overrides how clients are built, mainly for tests.
func WithDialFunc(dial DialFunc) Option {
	return func(r *Registry) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// NewRegistry indexes the catalog by chain id. Duplicate ids are rejected;
// the default chain id must exist in the catalog when given, otherwise the
// lowest id becomes the default.
func NewRegistry(catalog web3.ChainCatalog, defaultChainID uint64, opts ...Option) (*Registry, error) {
	r := &Registry{
		slots: make(map[uint64]*chainSlot, len(catalog.Chains)),
		dial:  dialEVM,
	}
	for _, opt := range opts {
		opt(r)
	}

	for name, def := range catalog.Chains {
		if existing, ok := r.slots[def.ChainID]; ok {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "链 ID 重复",
				xerrors.WithMetadata("chain_id", strconv.FormatUint(def.ChainID, 10)),
				xerrors.WithMetadata("chains", existing.name+","+name))
		}
		r.slots[def.ChainID] = &chainSlot{name: name, def: def}
	}

	if defaultChainID != 0 {
		if _, ok := r.slots[defaultChainID]; !ok {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "默认链未在链配置中定义",
				xerrors.WithMetadata("chain_id", strconv.FormatUint(defaultChainID, 10)))
		}
		r.defaultID = defaultChainID
	} else if len(r.slots) > 0 {
		ids := make([]uint64, 0, len(r.slots))
		for id := range r.slots {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		r.defaultID = ids[0]
	}

	return r, nil
}

// DefaultChainID returns the chain id used when callers do not pick one.
func (r *Registry) DefaultChainID() uint64 {
	return r.defaultID
}

// Client returns the client for a chain id, dialing it on first use.
func (r *Registry) Client(ctx context.Context, chainID uint64) (web3.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[chainID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainNotConfigured, "链未配置",
			xerrors.WithMetadata("chain_id", strconv.FormatUint(chainID, 10)))
	}
	if slot.client != nil {
		return slot.client, nil
	}

	client, err := r.dial(ctx, slot.name, slot.def)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainNotConfigured, err, "连接链节点失败",
			xerrors.WithMetadata("chain", slot.name))
	}
	slot.client = client
	return client, nil
}

// DefaultClient returns the client of the default chain.
func (r *Registry) DefaultClient(ctx context.Context) (web3.Client, error) {
	if r.defaultID == 0 {
		return nil, xerrors.New(xerrors.CodeChainNotConfigured, "未配置任何链")
	}
	return r.Client(ctx, r.defaultID)
}

// Chains lists the configured chains sorted by id.
func (r *Registry) Chains() []ChainInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ChainInfo, 0, len(r.slots))
	for id, slot := range r.slots {
		infos = append(infos, ChainInfo{
			Name:        slot.name,
			ChainID:     id,
			Description: slot.def.Description,
			Connected:   slot.client != nil,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ChainID < infos[j].ChainID })
	return infos
}

// Close releases every client built so far.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, slot := range r.slots {
		if slot.client != nil {
			slot.client.Close()
			slot.client = nil
		}
	}
}

func dialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:        name,
		RPCURL:      def.RPCURL,
		WSURL:       def.WSURL,
		Description: def.Description,
	})
}
