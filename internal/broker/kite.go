package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// defaultRequestTimeout bounds every REST call. Order placement outcomes are
// confirmed asynchronously, so a short timeout here is safe.
const defaultRequestTimeout = 7 * time.Second

// KiteClient is a Kite Connect style REST client implementing Broker.
type KiteClient struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	accessToken string
	limiter     *rate.Limiter
	timeout     time.Duration
	logger      *log.Logger
}

// Ensure KiteClient implements Broker at compile time.
var _ Broker = (*KiteClient)(nil)

// NewKiteClient creates a REST client. requestsPerSecond throttles outbound
// calls; the broker enforces its own limit server-side and bans offenders,
// so the local limiter errs low.
func NewKiteClient(baseURL, apiKey, accessToken string, requestsPerSecond float64, logger *log.Logger) *KiteClient {
	if baseURL == "" {
		baseURL = "https://api.kite.trade"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if requestsPerSecond <= 0 {
		requestsPerSecond = 3
	}
	if logger == nil {
		logger = log.Default()
	}
	return &KiteClient{
		client:      &http.Client{Timeout: defaultRequestTimeout},
		baseURL:     baseURL,
		apiKey:      apiKey,
		accessToken: accessToken,
		limiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		timeout:     defaultRequestTimeout,
		logger:      logger,
	}
}

// WithTimeout returns the client with a custom per-request timeout.
func (k *KiteClient) WithTimeout(timeout time.Duration) *KiteClient {
	if timeout > 0 {
		k.timeout = timeout
		k.client.Timeout = timeout
	}
	return k
}

// envelope is the broker's standard response wrapper.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"error_type"`
	Message   string          `json:"message"`
}

func (k *KiteClient) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	var body io.Reader
	if form != nil && (method == http.MethodPost || method == http.MethodPut) {
		body = strings.NewReader(form.Encode())
	}
	reqURL := k.baseURL + path
	if form != nil && method == http.MethodGet {
		reqURL += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+k.apiKey+":"+k.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			k.logger.Printf("warning: closing response body: %v", cerr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, ErrorType: "UnknownException", Message: string(raw)}
		}
		return fmt.Errorf("decoding response: %w", err)
	}

	if env.Status != "success" || resp.StatusCode >= 400 {
		if env.ErrorType == "TokenException" || resp.StatusCode == http.StatusForbidden {
			return &CredentialsExpiredError{Message: env.Message}
		}
		return &APIError{Status: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding %s payload: %w", path, err)
		}
	}
	return nil
}

func tokenParams(tokens []uint32) url.Values {
	form := url.Values{}
	for _, t := range tokens {
		form.Add("i", strconv.FormatUint(uint64(t), 10))
	}
	return form
}

// GetQuote fetches full quotes for the given instrument tokens.
func (k *KiteClient) GetQuote(ctx context.Context, tokens []uint32) (map[uint32]Quote, error) {
	var data map[string]struct {
		InstrumentToken uint32  `json:"instrument_token"`
		LastPrice       float64 `json:"last_price"`
		Timestamp       string  `json:"last_trade_time"`
	}
	if err := k.do(ctx, http.MethodGet, "/quote", tokenParams(tokens), &data); err != nil {
		return nil, err
	}
	quotes := make(map[uint32]Quote, len(data))
	for _, q := range data {
		ts, _ := time.Parse("2006-01-02 15:04:05", q.Timestamp)
		quotes[q.InstrumentToken] = Quote{
			InstrumentToken: q.InstrumentToken,
			LastPrice:       q.LastPrice,
			Timestamp:       ts,
		}
	}
	return quotes, nil
}

// GetLTP fetches last traded prices for the given instrument tokens.
func (k *KiteClient) GetLTP(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	var data map[string]struct {
		InstrumentToken uint32  `json:"instrument_token"`
		LastPrice       float64 `json:"last_price"`
	}
	if err := k.do(ctx, http.MethodGet, "/quote/ltp", tokenParams(tokens), &data); err != nil {
		return nil, err
	}
	ltps := make(map[uint32]float64, len(data))
	for _, q := range data {
		ltps[q.InstrumentToken] = q.LastPrice
	}
	return ltps, nil
}

// GetPositions fetches the net positions for the day.
func (k *KiteClient) GetPositions(ctx context.Context) ([]Position, error) {
	var data struct {
		Net []Position `json:"net"`
	}
	if err := k.do(ctx, http.MethodGet, "/portfolio/positions", nil, &data); err != nil {
		return nil, err
	}
	return data.Net, nil
}

// GetFunds fetches the equity segment margin snapshot.
func (k *KiteClient) GetFunds(ctx context.Context) (Funds, error) {
	var data struct {
		Available struct {
			LiveBalance float64 `json:"live_balance"`
		} `json:"available"`
		Utilised struct {
			Debits float64 `json:"debits"`
		} `json:"utilised"`
	}
	if err := k.do(ctx, http.MethodGet, "/user/margins/equity", nil, &data); err != nil {
		return Funds{}, err
	}
	return Funds{Available: data.Available.LiveBalance, Used: data.Utilised.Debits}, nil
}

// GetProfile fetches the authenticated account profile.
func (k *KiteClient) GetProfile(ctx context.Context) (Profile, error) {
	var p Profile
	if err := k.do(ctx, http.MethodGet, "/user/profile", nil, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// GetOrders fetches today's orders.
func (k *KiteClient) GetOrders(ctx context.Context) ([]Order, error) {
	var raw []struct {
		Order
		OrderTimestampStr string `json:"order_timestamp"`
	}
	if err := k.do(ctx, http.MethodGet, "/orders", nil, &raw); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(raw))
	for _, r := range raw {
		o := r.Order
		if ts, err := time.Parse("2006-01-02 15:04:05", r.OrderTimestampStr); err == nil {
			o.OrderTimestamp = ts
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// PlaceOrder submits a regular order and returns the broker order id. A
// timeout here does not mean the order was not placed; the caller confirms
// the outcome via the push order-status event or the next positions poll.
func (k *KiteClient) PlaceOrder(ctx context.Context, params OrderParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	form := orderForm(params)
	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := k.do(ctx, http.MethodPost, "/orders/regular", form, &data); err != nil {
		return "", err
	}
	return data.OrderID, nil
}

// ModifyOrder updates price/quantity fields of a pending order.
func (k *KiteClient) ModifyOrder(ctx context.Context, orderID string, params OrderParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return k.do(ctx, http.MethodPut, "/orders/regular/"+url.PathEscape(orderID), orderForm(params), nil)
}

// CancelOrder cancels a pending order.
func (k *KiteClient) CancelOrder(ctx context.Context, orderID string) error {
	return k.do(ctx, http.MethodDelete, "/orders/regular/"+url.PathEscape(orderID), nil, nil)
}

func orderForm(params OrderParams) url.Values {
	form := url.Values{}
	form.Set("exchange", params.Exchange)
	form.Set("tradingsymbol", params.TradingSymbol)
	form.Set("transaction_type", string(params.TransactionType))
	form.Set("quantity", strconv.Itoa(params.Quantity))
	form.Set("product", params.Product)
	orderType := params.OrderType
	if orderType == "" {
		orderType = "MARKET"
	}
	form.Set("order_type", orderType)
	validity := params.Validity
	if validity == "" {
		validity = "DAY"
	}
	form.Set("validity", validity)
	if params.Price != nil {
		form.Set("price", strconv.FormatFloat(*params.Price, 'f', 2, 64))
	}
	if params.TriggerPrice != nil {
		form.Set("trigger_price", strconv.FormatFloat(*params.TriggerPrice, 'f', 2, 64))
	}
	if params.Tag != "" {
		form.Set("tag", params.Tag)
	}
	return form
}
