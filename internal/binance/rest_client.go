package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-grid-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL         = "https://api.binance.com/api/v3"
	testnetBaseURL  = "https://testnet.binance.vision/api/v3"
	recvWindow      = "5000" // How long a request is valid in milliseconds
	OrderTypeMarket = "MARKET"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// RestClient is a client for the Binance spot REST API bound to one set of credentials.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter

	mu      sync.RWMutex
	symbols map[string]SymbolInfo
}

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Binance, apiKey, secretKey string, logger *zap.Logger) *RestClient {
	url := cfg.BaseURL
	if url == "" {
		if cfg.Testnet {
			url = testnetBaseURL
			logger.Warn("Using Binance Testnet")
		} else {
			url = baseURL
			logger.Info("Using Binance Production API")
		}
	}

	client := resty.New().SetBaseURL(url)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    apiKey,
		secretKey: secretKey,
		logger:    logger.Named("binance"),
		limiter:   limiter,
		symbols:   make(map[string]SymbolInfo),
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signed adds timestamp, recvWindow and signature to params and returns the encoded string.
func (c *RestClient) signed(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	payload := params.Encode()
	return payload + "&signature=" + c.sign(payload)
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// Only GET requests are retried on server and transport errors. A POST that
// failed that way may still have been executed, so it is sent again only when
// Binance rejected it for rate limiting.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3
	idempotent := method == http.MethodGet

	req.SetContext(ctx)

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = idempotent
			}
		} else if ctx.Err() == nil {
			// Network or other client-side errors
			shouldRetry = idempotent
		}

		if !shouldRetry {
			if err != nil {
				return nil, err
			}
			return nil, newAPIError(resp)
		}

		if i == maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err == nil && resp != nil {
		err = newAPIError(resp)
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// GetPrice fetches the latest price for one symbol.
func (c *RestClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	req := c.client.R().
		SetQueryParam("symbol", strings.ToUpper(symbol)).
		SetResult(&TickerPrice{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/ticker/price", req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	return resp.Result().(*TickerPrice).Price, nil
}

// Balance is the free and locked amount of one asset.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

type accountResponse struct {
	Balances []Balance `json:"balances"`
}

// GetBalances fetches the account balances. Requires a signed request.
func (c *RestClient) GetBalances(ctx context.Context) ([]Balance, error) {
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signed(url.Values{})).
		SetResult(&accountResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/account", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account balances: %w", err)
	}
	return resp.Result().(*accountResponse).Balances, nil
}

// OrderRequest describes a market order. Exactly one of Quantity (base asset)
// or QuoteQuantity (quote asset) should be set.
type OrderRequest struct {
	Side          OrderSide
	Symbol        string
	Quantity      decimal.Decimal
	QuoteQuantity decimal.Decimal
}

// CreateOrderResponse represents the response from creating a new order.
type CreateOrderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	OrigQuantity        decimal.Decimal `json:"origQty"`
	ExecutedQuantity    decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
}

// OrderResult is the outcome of a placed market order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        string
	Requested     decimal.Decimal
	FilledQty     decimal.Decimal
	QuoteFilled   decimal.Decimal
}

// AvgPrice is the average fill price, or zero when nothing filled.
func (r *OrderResult) AvgPrice() decimal.Decimal {
	if !r.FilledQty.IsPositive() || !r.QuoteFilled.IsPositive() {
		return decimal.Zero
	}
	return r.QuoteFilled.Div(r.FilledQty)
}

// PlaceMarketOrder places a MARKET order by base quantity or quote quantity.
// Base quantities are floored to the symbol's LOT_SIZE step first.
func (c *RestClient) PlaceMarketOrder(ctx context.Context, order OrderRequest) (*OrderResult, error) {
	symbol := strings.ToUpper(order.Symbol)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(order.Side))
	params.Set("type", OrderTypeMarket)
	params.Set("newClientOrderId", uuid.NewString())
	params.Set("newOrderRespType", "RESULT")

	requested := order.QuoteQuantity
	switch {
	case order.QuoteQuantity.IsPositive():
		params.Set("quoteOrderQty", order.QuoteQuantity.String())
	case order.Quantity.IsPositive():
		qty, err := c.FormatQuantity(ctx, symbol, order.Quantity)
		if err != nil {
			return nil, err
		}
		requested = qty
		params.Set("quantity", qty.String())
	default:
		return nil, fmt.Errorf("%w: order for %s has no quantity", ErrInvalidQuantity, symbol)
	}

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signed(params)).
		SetResult(&CreateOrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/order", req)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("side", string(order.Side)),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*CreateOrderResponse)
	c.logger.Info("Successfully created order",
		zap.String("symbol", symbol),
		zap.Int64("order_id", result.OrderID),
		zap.String("status", result.Status),
		zap.String("executed_qty", result.ExecutedQuantity.String()),
	)

	return &OrderResult{
		OrderID:       strconv.FormatInt(result.OrderID, 10),
		ClientOrderID: result.ClientOrderID,
		Status:        result.Status,
		Requested:     requested,
		FilledQty:     result.ExecutedQuantity,
		QuoteFilled:   result.CummulativeQuoteQty,
	}, nil
}

// ExchangeInfoResponse represents the response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol     string   `json:"symbol"`
	Status     string   `json:"status"`
	BaseAsset  string   `json:"baseAsset"`
	QuoteAsset string   `json:"quoteAsset"`
	Filters    []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
type Filter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// GetSymbolInfo fetches trading rules for one symbol, cached after the first call.
func (c *RestClient) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	symbol = strings.ToUpper(symbol)
	c.mu.RLock()
	info, ok := c.symbols[symbol]
	c.mu.RUnlock()
	if ok {
		return &info, nil
	}

	var exchangeInfo ExchangeInfoResponse
	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetResult(&exchangeInfo)

	resp, err := c.doRequest(ctx, http.MethodGet, "/exchangeInfo", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	for _, s := range resp.Result().(*ExchangeInfoResponse).Symbols {
		if s.Symbol == symbol {
			c.mu.Lock()
			c.symbols[symbol] = s
			c.mu.Unlock()
			return &s, nil
		}
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// apiErrorBody is the error payload Binance returns with 4xx responses.
type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func newAPIError(resp *resty.Response) *APIError {
	var body apiErrorBody
	_ = json.Unmarshal(resp.Body(), &body)
	msg := body.Msg
	if msg == "" {
		msg = resp.String()
	}
	return &APIError{StatusCode: resp.StatusCode(), Code: body.Code, Message: msg}
}
