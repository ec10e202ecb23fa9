package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/marko911/lnpulse/pkg/domain"
)

// TipSource answers the chain questions the listener cannot answer from
// notifications alone.
type TipSource interface {
	// Tip returns the best block.
	Tip(ctx context.Context) (uint32, string, error)
	// BlockHash returns the hash at height, or "" when the source cannot
	// tell.
	BlockHash(ctx context.Context, height uint32) (string, error)
	// Height returns the height of the block with hash.
	Height(ctx context.Context, hash string) (uint32, error)
}

// RPCConfig holds bitcoind JSON-RPC settings.
type RPCConfig struct {
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	Pass       string `yaml:"pass"`
	DisableTLS bool   `yaml:"disable_tls"`
}

// RPCTips asks bitcoind over JSON-RPC.
type RPCTips struct {
	client *rpcclient.Client
}

func NewRPCTips(cfg RPCConfig) (*RPCTips, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create bitcoind rpc client: %w", err)
	}
	return &RPCTips{client: client}, nil
}

func (r *RPCTips) Tip(ctx context.Context) (uint32, string, error) {
	count, err := r.client.GetBlockCount()
	if err != nil {
		return 0, "", domain.Unavailable(err, "getblockcount")
	}
	hash, err := r.client.GetBlockHash(count)
	if err != nil {
		return 0, "", domain.Unavailable(err, "getblockhash %d", count)
	}
	return uint32(count), hash.String(), nil
}

func (r *RPCTips) BlockHash(ctx context.Context, height uint32) (string, error) {
	hash, err := r.client.GetBlockHash(int64(height))
	if err != nil {
		return "", domain.Unavailable(err, "getblockhash %d", height)
	}
	return hash.String(), nil
}

func (r *RPCTips) Height(ctx context.Context, hash string) (uint32, error) {
	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return 0, domain.Validation("block hash %q: %v", hash, err)
	}
	hdr, err := r.client.GetBlockHeaderVerbose(h)
	if err != nil {
		return 0, domain.Unavailable(err, "getblockheader %s", hash)
	}
	return uint32(hdr.Height), nil
}

func (r *RPCTips) Close() {
	r.client.Shutdown()
}

// InfoTips reads the tip from a Lightning node's GetInfo. It only knows
// the hash of the tip itself.
type InfoTips func(ctx context.Context) (*domain.NodeInfo, error)

func (f InfoTips) Tip(ctx context.Context) (uint32, string, error) {
	info, err := f(ctx)
	if err != nil {
		return 0, "", err
	}
	return info.BlockHeight, info.BlockHash, nil
}

func (f InfoTips) BlockHash(ctx context.Context, height uint32) (string, error) {
	info, err := f(ctx)
	if err != nil {
		return "", err
	}
	if info.BlockHeight == height {
		return info.BlockHash, nil
	}
	return "", nil
}

func (f InfoTips) Height(ctx context.Context, hash string) (uint32, error) {
	info, err := f(ctx)
	if err != nil {
		return 0, err
	}
	if info.BlockHash != "" && info.BlockHash == hash {
		return info.BlockHeight, nil
	}
	return 0, domain.Unsupported("height of block %s", hash)
}
