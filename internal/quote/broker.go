package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wnt/chainswap/internal/metrics"
)

// nativeQuoteSymbol is how the quote service expects the chain's native
// asset to be written, regardless of its local ticker.
const nativeQuoteSymbol = "ETH"

// Params describes one quote request.
type Params struct {
	SellToken       string
	BuyToken        string
	SellAmount      *big.Int // base units
	TakerAddress    string
	SlippagePercent float64
}

// Quote is a priced, time-bounded offer from the swap service. It is
// immutable once obtained and must be consumed promptly: the calldata
// encodes a slippage-bounded minimum output that goes stale.
type Quote struct {
	SellToken       string
	BuyToken        string
	SellAmount      string
	To              string `json:"to"`
	Data            string `json:"data"`
	Value           string `json:"value"`
	BuyAmount       string `json:"buyAmount"`
	EstimatedGas    string `json:"estimatedGas"`
	AllowanceTarget string `json:"allowanceTarget"`
}

// NoQuoteAvailableError is returned once every candidate endpoint has
// failed. It carries the last underlying error for diagnostics.
type NoQuoteAvailableError struct {
	LastErr error
}

func (e *NoQuoteAvailableError) Error() string {
	return fmt.Sprintf("no quote available from any endpoint: %v", e.LastErr)
}

func (e *NoQuoteAvailableError) Unwrap() error {
	return e.LastErr
}

// Config describes how to construct a Broker.
type Config struct {
	BaseURLs     []string
	APIKey       string
	ChainID      int64
	NativeSymbol string
	Timeout      time.Duration
}

// Broker obtains swap quotes from an external quote service, trying a
// list of candidate base URLs in order. Quotes are never cached.
type Broker struct {
	baseURLs     []string
	apiKey       string
	chainID      int64
	nativeSymbol string
	client       *http.Client
	logger       zerolog.Logger
}

// NewBroker creates a quote broker over the configured base URLs.
func NewBroker(cfg Config, logger zerolog.Logger) (*Broker, error) {
	if len(cfg.BaseURLs) == 0 {
		return nil, errors.New("quote: at least one base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Broker{
		baseURLs:     cfg.BaseURLs,
		apiKey:       cfg.APIKey,
		chainID:      cfg.ChainID,
		nativeSymbol: strings.ToUpper(strings.TrimSpace(cfg.NativeSymbol)),
		client:       &http.Client{Timeout: timeout},
		logger:       logger.With().Str("component", "quote_broker").Logger(),
	}, nil
}

// Native reports whether a token identifier names the chain's native asset.
func (b *Broker) Native(token string) bool {
	upper := strings.ToUpper(strings.TrimSpace(token))
	return upper == nativeQuoteSymbol || (b.nativeSymbol != "" && upper == b.nativeSymbol)
}

// normalize maps native-asset tickers to the canonical quote symbol and
// leaves token addresses untouched.
func (b *Broker) normalize(token string) string {
	if b.Native(token) {
		return nativeQuoteSymbol
	}
	return token
}

// GetQuote requests a quote, advancing through the candidate base URLs
// until one returns a structurally valid response. All candidates
// failing yields a NoQuoteAvailableError.
func (b *Broker) GetQuote(ctx context.Context, p Params) (*Quote, error) {
	var lastErr error

	for _, baseURL := range b.baseURLs {
		q, err := b.fetchQuote(ctx, baseURL, p)
		if err != nil {
			b.logger.Warn().Str("endpoint", baseURL).Err(err).Msg("Quote endpoint failed")
			lastErr = err
			continue
		}

		metrics.QuoteRequestsTotal.WithLabelValues("success").Inc()
		b.logger.Info().
			Str("endpoint", baseURL).
			Str("buy_amount", q.BuyAmount).
			Str("estimated_gas", q.EstimatedGas).
			Msg("Quote received")
		return q, nil
	}

	metrics.QuoteRequestsTotal.WithLabelValues("failed").Inc()
	return nil, &NoQuoteAvailableError{LastErr: lastErr}
}

func (b *Broker) fetchQuote(ctx context.Context, baseURL string, p Params) (*Quote, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	query := u.Query()
	query.Set("sellToken", b.normalize(p.SellToken))
	query.Set("buyToken", b.normalize(p.BuyToken))
	if p.SellAmount != nil {
		query.Set("sellAmount", p.SellAmount.String())
	}
	if p.TakerAddress != "" {
		query.Set("takerAddress", p.TakerAddress)
	}
	if p.SlippagePercent > 0 {
		query.Set("slippagePercentage", strconv.FormatFloat(p.SlippagePercent, 'f', -1, 64))
	}
	// The hosted multi-chain API needs the chain id spelled out.
	if strings.Contains(baseURL, "api.0x.org/swap") {
		query.Set("chainId", strconv.FormatInt(b.chainID, 10))
	}
	if b.apiKey != "" {
		query.Set("apiKey", b.apiKey)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "chainswap/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read quote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote request failed with status %d", resp.StatusCode)
	}

	var q Quote
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("malformed quote response: %w", err)
	}
	if strings.TrimSpace(q.To) == "" {
		return nil, errors.New("invalid quote response: missing destination contract")
	}

	q.SellToken = b.normalize(p.SellToken)
	q.BuyToken = b.normalize(p.BuyToken)
	if p.SellAmount != nil {
		q.SellAmount = p.SellAmount.String()
	}
	return &q, nil
}
