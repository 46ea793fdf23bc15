package broker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Client is the Kite-style REST broker client. It wraps a resty HTTP
// client with a smoothing rate limiter so bursts from the engine never
// reach the broker's hard per-second limit; the fixed-window order budget
// is enforced separately by the engine's rate limiter.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	apiKey  string
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	Timeout     time.Duration
	// ReqPerSec caps the smoothed request rate; 0 means 8 req/s.
	ReqPerSec float64
}

// envelope is the standard API response wrapper.
type envelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// NewClient creates a REST broker client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.ReqPerSec <= 0 {
		cfg.ReqPerSec = 8
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("X-Kite-Version", "3").
		SetHeader("Authorization", "token "+cfg.APIKey+":"+cfg.AccessToken)

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.ReqPerSec), int(cfg.ReqPerSec)),
		apiKey:  cfg.APIKey,
	}
}

// Ensure Client implements Broker at compile time.
var _ Broker = (*Client)(nil)

// do runs one API call after the smoothing limiter admits it, decoding
// the standard envelope and classifying failures.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}

	req := c.http.R().SetContext(ctx)
	if form != nil {
		req.SetFormDataFromValues(form)
	}
	if out != nil {
		req.SetResult(out)
	}

	var env envelope
	req.SetError(&env)

	resp, err := req.Execute(method, path)
	if err != nil {
		return Classify(0, "NetworkException", err.Error())
	}
	if resp.IsError() {
		if env.Message == "" {
			env.Message = resp.String()
		}
		return Classify(resp.StatusCode(), env.ErrorType, env.Message)
	}
	return nil
}

// PlaceOrder submits an order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, variety string, params OrderParams) (string, error) {
	form := url.Values{}
	form.Set("exchange", params.Exchange)
	form.Set("tradingsymbol", params.Tradingsymbol)
	form.Set("transaction_type", params.TransactionType)
	form.Set("quantity", strconv.Itoa(params.Quantity))
	form.Set("product", params.Product)
	form.Set("order_type", params.OrderType)
	form.Set("validity", params.Validity)
	if params.Price > 0 {
		form.Set("price", formatPrice(params.Price))
	}
	if params.TriggerPrice > 0 {
		form.Set("trigger_price", formatPrice(params.TriggerPrice))
	}
	if params.Tag != "" {
		form.Set("tag", params.Tag)
	}
	if params.MarketProtection > 0 {
		form.Set("market_protection", formatPrice(params.MarketProtection))
	}

	var result struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := c.do(ctx, resty.MethodPost, "/orders/"+variety, form, &result); err != nil {
		return "", err
	}
	if result.Data.OrderID == "" {
		return "", Classify(0, "GeneralException", "place order returned empty order_id")
	}
	return result.Data.OrderID, nil
}

// ModifyOrder patches price/trigger/quantity of an open order. A broker
// "not modified" answer is treated as success.
func (c *Client) ModifyOrder(ctx context.Context, variety, orderID string, params ModifyParams) error {
	form := url.Values{}
	if params.Price > 0 {
		form.Set("price", formatPrice(params.Price))
	}
	if params.TriggerPrice > 0 {
		form.Set("trigger_price", formatPrice(params.TriggerPrice))
	}
	if params.Quantity > 0 {
		form.Set("quantity", strconv.Itoa(params.Quantity))
	}
	if params.OrderType != "" {
		form.Set("order_type", params.OrderType)
	}

	err := c.do(ctx, resty.MethodPut, "/orders/"+variety+"/"+orderID, form, nil)
	if KindOf(err) == KindNotModified {
		return nil
	}
	return err
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, variety, orderID string) error {
	return c.do(ctx, resty.MethodDelete, "/orders/"+variety+"/"+orderID, nil, nil)
}

// GetOrders returns the day's order book.
func (c *Client) GetOrders(ctx context.Context) ([]Order, error) {
	var result struct {
		Data []Order `json:"data"`
	}
	if err := c.do(ctx, resty.MethodGet, "/orders", nil, &result); err != nil {
		return nil, err
	}
	for i := range result.Data {
		result.Data[i].Normalize()
	}
	return result.Data, nil
}

// GetOrderHistory returns the status history of one order, oldest first.
func (c *Client) GetOrderHistory(ctx context.Context, orderID string) ([]Order, error) {
	var result struct {
		Data []Order `json:"data"`
	}
	if err := c.do(ctx, resty.MethodGet, "/orders/"+orderID, nil, &result); err != nil {
		return nil, err
	}
	for i := range result.Data {
		result.Data[i].Normalize()
	}
	return result.Data, nil
}

// GetPositions returns the net and day position books.
func (c *Client) GetPositions(ctx context.Context) (*Positions, error) {
	var result struct {
		Data Positions `json:"data"`
	}
	if err := c.do(ctx, resty.MethodGet, "/portfolio/positions", nil, &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// GetQuote returns full quotes with depth for the given instrument keys.
func (c *Client) GetQuote(ctx context.Context, keys ...string) (map[string]Quote, error) {
	var result struct {
		Data map[string]Quote `json:"data"`
	}
	path := "/quote?" + instrumentQuery(keys)
	if err := c.do(ctx, resty.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// GetLTP returns last traded prices for the given instrument keys.
func (c *Client) GetLTP(ctx context.Context, keys ...string) (map[string]float64, error) {
	var result struct {
		Data map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	path := "/quote/ltp?" + instrumentQuery(keys)
	if err := c.do(ctx, resty.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(result.Data))
	for k, v := range result.Data {
		out[k] = v.LastPrice
	}
	return out, nil
}

// ConvertPosition converts a position between products.
func (c *Client) ConvertPosition(ctx context.Context, params ConvertParams) error {
	form := url.Values{}
	form.Set("exchange", params.Exchange)
	form.Set("tradingsymbol", params.Tradingsymbol)
	form.Set("transaction_type", params.TransactionType)
	form.Set("quantity", strconv.Itoa(params.Quantity))
	form.Set("old_product", params.OldProduct)
	form.Set("new_product", params.NewProduct)
	form.Set("position_type", params.PositionType)
	return c.do(ctx, resty.MethodPut, "/portfolio/positions", form, nil)
}

func instrumentQuery(keys []string) string {
	values := url.Values{}
	for _, k := range keys {
		values.Add("i", k)
	}
	return values.Encode()
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
