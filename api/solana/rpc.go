package solana

import (
	"fmt"
	"net"
	"net/http"
	"time"

	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/klauspost/compress/gzhttp"
)

const (
	maxConnsPerHost = 9
	keepAlive       = 180 * time.Second
)

// DefaultRPCURL is the default Solana RPC endpoint
const DefaultRPCURL = "https://api.mainnet-beta.solana.com"

// NewRPCClient returns a JSON-RPC client for url. An empty url selects
// DefaultRPCURL. Per-call deadlines are applied by the ledger client; timeout
// only bounds the underlying HTTP exchange.
func NewRPCClient(url string, timeout time.Duration) *solanarpc.Client {
	if url == "" {
		url = DefaultRPCURL
	}
	transport := &http.Transport{
		MaxConnsPerHost:     maxConnsPerHost,
		MaxIdleConnsPerHost: maxConnsPerHost,
		IdleConnTimeout:     keepAlive,
		Proxy:               http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: keepAlive,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: gzhttp.Transport(transport),
	}
	return solanarpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
		HTTPClient: httpClient,
	}))
}

// ParseCommitment maps a configured commitment name to its RPC value.
func ParseCommitment(s string) (solanarpc.CommitmentType, error) {
	switch c := solanarpc.CommitmentType(s); c {
	case solanarpc.CommitmentProcessed, solanarpc.CommitmentConfirmed, solanarpc.CommitmentFinalized:
		return c, nil
	default:
		return "", fmt.Errorf("unknown commitment %q", s)
	}
}

// LamportsToSOL converts lamports to SOL
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / 1_000_000_000
}
