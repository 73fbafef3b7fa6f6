package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wnt/chainswap/internal/metrics"
)

const (
	retryDelay          = time.Second
	receiptPollInterval = 2 * time.Second
)

// Config describes how to construct a Gateway.
type Config struct {
	ChainID       int64
	Endpoints     []string
	Retries       int
	ReadTimeout   time.Duration
	SubmitTimeout time.Duration
}

// Gateway executes chain reads and writes against an ordered pool of RPC
// endpoints, rotating away from endpoints that fail transiently. The last
// endpoint that succeeded stays current; alternates are only tried on
// failure, never probed speculatively.
type Gateway struct {
	chainID       *big.Int
	endpoints     []*endpoint
	current       int
	retries       int
	readTimeout   time.Duration
	submitTimeout time.Duration
	mu            sync.Mutex
	logger        zerolog.Logger
}

// endpoint is a single RPC endpoint with its own lazily dialed client,
// liveness flag and rate limiter.
type endpoint struct {
	url         string
	client      *ethclient.Client
	limiter     *rate.Limiter
	alive       bool
	invalid     bool // chain-id mismatch, permanently excluded
	verified    bool
	lastChecked time.Time
	mu          sync.Mutex
}

// NewGateway creates a gateway over the configured endpoints. Endpoints
// are dialed lazily; the first successful use of each verifies its
// chain id against the configured network.
func NewGateway(cfg Config, logger zerolog.Logger) (*Gateway, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("chain: at least one RPC endpoint is required")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("chain: chain id must be positive")
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 90 * time.Second
	}

	endpoints := make([]*endpoint, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		endpoints[i] = &endpoint{
			url: url,
			// Rate limit to ~2 req/s per endpoint to stay under free tier limits
			limiter: rate.NewLimiter(rate.Limit(2.0), 5),
			alive:   true,
		}
		metrics.SetRPCEndpointHealth(url, true)
	}

	return &Gateway{
		chainID:       big.NewInt(cfg.ChainID),
		endpoints:     endpoints,
		retries:       cfg.Retries,
		readTimeout:   readTimeout,
		submitTimeout: submitTimeout,
		logger:        logger.With().Str("component", "rpc_gateway").Logger(),
	}, nil
}

// ChainID returns the configured chain id.
func (g *Gateway) ChainID() *big.Int {
	return new(big.Int).Set(g.chainID)
}

// EndpointError records the last error seen from one endpoint during a
// failed call sequence.
type EndpointError struct {
	URL string
	Err error
}

// AllEndpointsUnavailableError is returned once the retry budget is
// exhausted. It names every endpoint tried and its last error.
type AllEndpointsUnavailableError struct {
	Attempts []EndpointError
}

func (e *AllEndpointsUnavailableError) Error() string {
	var b strings.Builder
	b.WriteString("all RPC endpoints unavailable:")
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, " [%s: %v]", a.URL, a.Err)
	}
	return b.String()
}

// ErrChainIDMismatch marks an endpoint that reported a chain id other
// than the configured one. Such endpoints are excluded permanently.
var ErrChainIDMismatch = errors.New("endpoint chain id mismatch")

// call runs op against the current endpoint with the given timeout,
// rotating and retrying on transient failure up to the retry budget.
func (g *Gateway) call(ctx context.Context, timeout time.Duration, op func(ctx context.Context, ec *ethclient.Client) error) error {
	var attempts []EndpointError

	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			// Linear backoff between attempts
			select {
			case <-time.After(retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		ep := g.selectEndpoint()
		if ep == nil {
			break
		}

		if err := ep.limiter.Wait(ctx); err != nil {
			return err
		}

		client, err := ep.connect(ctx, g.chainID, timeout)
		if err != nil {
			if errors.Is(err, ErrChainIDMismatch) {
				g.markInvalid(ep, err)
			} else {
				g.markDead(ep, err)
			}
			attempts = append(attempts, EndpointError{URL: ep.url, Err: err})
			metrics.RPCRequestsTotal.WithLabelValues("failed").Inc()
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = op(callCtx, client)
		cancel()

		if err == nil {
			g.markAlive(ep)
			metrics.RPCRequestsTotal.WithLabelValues("success").Inc()
			return nil
		}

		if !transient(err) {
			// Chain-level errors (reverts, nonce conflicts, bad params)
			// are not the endpoint's fault; propagate without rotating.
			metrics.RPCRequestsTotal.WithLabelValues("failed").Inc()
			return err
		}

		g.markDead(ep, err)
		attempts = append(attempts, EndpointError{URL: ep.url, Err: err})
		metrics.RPCRequestsTotal.WithLabelValues("failed").Inc()
	}

	if len(attempts) == 0 {
		return &AllEndpointsUnavailableError{Attempts: []EndpointError{{URL: "(none)", Err: errors.New("no usable endpoints configured")}}}
	}
	return &AllEndpointsUnavailableError{Attempts: attempts}
}

// selectEndpoint returns the current endpoint, advancing past dead and
// invalid entries. Preference order: current if alive, then the next
// alive endpoint, then the next non-invalid endpoint in order.
func (g *Gateway) selectEndpoint() *endpoint {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.endpoints)
	for i := 0; i < n; i++ {
		idx := (g.current + i) % n
		ep := g.endpoints[idx]
		if ep.alive && !ep.invalid {
			g.current = idx
			return ep
		}
	}
	// None probed alive; fall back to the next non-invalid endpoint in
	// order so a recovered endpoint gets another chance.
	for i := 0; i < n; i++ {
		idx := (g.current + i) % n
		ep := g.endpoints[idx]
		if !ep.invalid {
			g.current = idx
			return ep
		}
	}
	return nil
}

// markDead marks an endpoint dead and advances the cursor in one
// synchronized update so concurrent failures don't thrash the cursor.
func (g *Gateway) markDead(ep *endpoint, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ep.alive = false
	ep.lastChecked = time.Now()
	for i, candidate := range g.endpoints {
		if candidate == ep {
			g.current = (i + 1) % len(g.endpoints)
			break
		}
	}
	metrics.SetRPCEndpointHealth(ep.url, false)
	g.logger.Warn().Str("endpoint", ep.url).Err(cause).Msg("Marked endpoint as dead")
}

func (g *Gateway) markInvalid(ep *endpoint, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ep.invalid = true
	ep.alive = false
	ep.lastChecked = time.Now()
	metrics.SetRPCEndpointHealth(ep.url, false)
	g.logger.Error().Str("endpoint", ep.url).Err(cause).Msg("Excluded endpoint for chain id mismatch")
}

func (g *Gateway) markAlive(ep *endpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !ep.alive {
		metrics.SetRPCEndpointHealth(ep.url, true)
		g.logger.Info().Str("endpoint", ep.url).Msg("Marked endpoint as alive")
	}
	ep.alive = true
	ep.lastChecked = time.Now()
}

// Probe checks every non-invalid endpoint's chain id and refreshes its
// liveness flag. Intended for startup and operational health checks.
func (g *Gateway) Probe(ctx context.Context) int {
	healthy := 0
	for _, ep := range g.endpoints {
		if ep.invalid {
			continue
		}
		_, err := ep.connect(ctx, g.chainID, g.readTimeout)
		switch {
		case err == nil:
			g.markAlive(ep)
			healthy++
		case errors.Is(err, ErrChainIDMismatch):
			g.markInvalid(ep, err)
		default:
			g.markDead(ep, err)
		}
	}
	return healthy
}

// connect lazily dials the endpoint and verifies its chain id on first use.
func (ep *endpoint) connect(ctx context.Context, wantChainID *big.Int, timeout time.Duration) (*ethclient.Client, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.client == nil {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		rpcClient, err := gethrpc.DialContext(dialCtx, ep.url)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep.url, err)
		}
		ep.client = ethclient.NewClient(rpcClient)
		ep.verified = false
	}

	if !ep.verified {
		verifyCtx, cancel := context.WithTimeout(ctx, timeout)
		got, err := ep.client.ChainID(verifyCtx)
		cancel()
		if err != nil {
			// Force a re-dial on the next attempt.
			ep.client.Close()
			ep.client = nil
			return nil, fmt.Errorf("chain id probe %s: %w", ep.url, err)
		}
		if got.Cmp(wantChainID) != 0 {
			return nil, fmt.Errorf("%w: %s reports %s, want %s", ErrChainIDMismatch, ep.url, got, wantChainID)
		}
		ep.verified = true
	}

	return ep.client, nil
}

// transient reports whether an error should trigger endpoint rotation.
// Timeouts, connection failures, 5xx responses and malformed network
// responses are transient; chain-level errors are not.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "invalid character") { // malformed JSON body
		return true
	}
	return false
}

// NativeBalance returns the native token balance of an address.
func (g *Gateway) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := g.call(ctx, g.readTimeout, func(ctx context.Context, ec *ethclient.Client) error {
		b, err := ec.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	return balance, err
}

// PendingNonceAt returns the next nonce for an address, including
// pending transactions.
func (g *Gateway) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var nonce uint64
	err := g.call(ctx, g.readTimeout, func(ctx context.Context, ec *ethclient.Client) error {
		n, err := ec.PendingNonceAt(ctx, addr)
		if err != nil {
			return err
		}
		nonce = n
		return nil
	})
	return nonce, err
}

// SuggestGasPrice returns the node's suggested gas price.
func (g *Gateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := g.call(ctx, g.readTimeout, func(ctx context.Context, ec *ethclient.Client) error {
		p, err := ec.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	return price, err
}

// CallContract executes a read-only contract call.
func (g *Gateway) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := g.call(ctx, g.readTimeout, func(ctx context.Context, ec *ethclient.Client) error {
		res, err := ec.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// SendTransaction broadcasts a signed transaction. Submission uses the
// longer configured timeout.
func (g *Gateway) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	return g.call(ctx, g.submitTimeout, func(ctx context.Context, ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, tx)
	})
}

// WaitMined polls for a transaction receipt until the context expires.
// A missing receipt is not an endpoint failure and does not rotate.
func (g *Gateway) WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		var receipt *coretypes.Receipt
		err := g.call(ctx, g.readTimeout, func(ctx context.Context, ec *ethclient.Client) error {
			r, err := ec.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
