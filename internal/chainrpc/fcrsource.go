package chainrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"facilitatord/internal/fcr"
	"facilitatord/internal/types"
)

// FCRSource polls the consensus subprotocol's own JSON-RPC surface for
// round/phase progress and finality certificates. Built with NewFCRSource it
// shares the token chain's RPC connection; built with DialFCRSource it holds a
// connection of its own.
type FCRSource struct {
	rpcClient *rpc.Client
}

var _ fcr.Source = (*FCRSource)(nil)

// NewFCRSource wraps an already-dialed Adapter's chain connection, reusing it
// when the consensus subprotocol shares an endpoint with the settlement
// chain. Deployments that run the subprotocol elsewhere should dial a second
// client and construct FCRSource directly against it.
func NewFCRSource(client *Adapter) *FCRSource {
	return &FCRSource{rpcClient: client.rpcClient}
}

// DialFCRSource connects to a standalone consensus subprotocol endpoint.
func DialFCRSource(ctx context.Context, endpoint string) (*FCRSource, error) {
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fcrsource: dial: %w", err)
	}
	return &FCRSource{rpcClient: c}, nil
}

type progressWire struct {
	Instance uint64      `json:"instance"`
	Round    uint64      `json:"round"`
	Phase    types.Phase `json:"phase"`
}

// GetProgress calls f3_getProgress on the consensus subprotocol.
func (s *FCRSource) GetProgress(ctx context.Context) (uint64, uint64, types.Phase, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var wire progressWire
	if err := s.rpcClient.CallContext(ctx, &wire, "f3_getProgress"); err != nil {
		return 0, 0, "", fmt.Errorf("fcrsource: getProgress: %w", err)
	}
	return wire.Instance, wire.Round, wire.Phase, nil
}

// GetManifest calls f3_getManifest, returning the subprotocol's active
// power-table/network manifest as an opaque map for diagnostics.
func (s *FCRSource) GetManifest(ctx context.Context) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var manifest map[string]interface{}
	if err := s.rpcClient.CallContext(ctx, &manifest, "f3_getManifest"); err != nil {
		return nil, fmt.Errorf("fcrsource: getManifest: %w", err)
	}
	return manifest, nil
}

type certificateWire struct {
	Instance uint64 `json:"instance"`
	ECChain  []struct {
		Epoch uint64 `json:"epoch"`
		Key   string `json:"key"`
	} `json:"ecChain"`
}

func (w certificateWire) toCertificate() *types.Certificate {
	chain := make([]types.TipsetRef, 0, len(w.ECChain))
	for _, ref := range w.ECChain {
		chain = append(chain, types.TipsetRef{Epoch: ref.Epoch, Key: ref.Key})
	}
	return &types.Certificate{
		Instance:   w.Instance,
		ECChain:    chain,
		ObservedAt: time.Now().UTC(),
	}
}

// GetCertificate calls f3_getCertificate for a specific instance.
func (s *FCRSource) GetCertificate(ctx context.Context, instance uint64) (*types.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var wire certificateWire
	if err := s.rpcClient.CallContext(ctx, &wire, "f3_getCertificate", instance); err != nil {
		return nil, fmt.Errorf("fcrsource: getCertificate: %w", err)
	}
	return wire.toCertificate(), nil
}

// GetLatestCertificate calls f3_getLatestCertificate.
func (s *FCRSource) GetLatestCertificate(ctx context.Context) (*types.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var wire certificateWire
	if err := s.rpcClient.CallContext(ctx, &wire, "f3_getLatestCertificate"); err != nil {
		return nil, fmt.Errorf("fcrsource: getLatestCertificate: %w", err)
	}
	return wire.toCertificate(), nil
}
