// Package provider talks to the upstream SMM panel API.
//
// Every call is a form-encoded POST carrying the api key and an action name.
// Answers are JSON, but the panel is loose about types: ids, counts and rates
// arrive as numbers or strings depending on the endpoint, so responses are
// decoded into generic values first and then weakly mapped onto structs.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultURL = "https://justanotherpanel.com/api/v2"

	userAgent = "Mozilla/4.0 (compatible; MSIE 5.01; Windows NT 5.0)"
	maxBody   = 8 << 20
)

var codec = jsoniter.Config{EscapeHTML: true, UseNumber: true}.Froze()

type Client struct {
	endpoint string
	key      string
	hc       *http.Client
	limiter  *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithRateLimit throttles outbound calls to rps per second. rps <= 0 disables it.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func New(endpoint, key string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrMissingAPIKey
	}
	if endpoint == "" {
		endpoint = DefaultURL
	}
	c := &Client{endpoint: endpoint, key: key, hc: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// call posts one action and returns the decoded body. A top-level
// {"error": ...} object comes back as *Error.
func (c *Client) call(ctx context.Context, action string, form url.Values) (any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "provider %s: rate limit", action)
		}
	}
	if form == nil {
		form = url.Values{}
	}
	form.Set("key", c.key)
	form.Set("action", action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrapf(err, "provider %s: build request", action)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "provider %s", action)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	zap.L().Debug("provider call",
		zap.String("action", action),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))
	if err != nil {
		return nil, errors.Wrapf(err, "provider %s: read body", action)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var v any
	if err := codec.Unmarshal(body, &v); err != nil {
		return nil, errors.Wrapf(err, "provider %s: decode response", action)
	}
	if msg, ok := errorOf(v); ok {
		return nil, &Error{Action: action, Message: msg}
	}
	return v, nil
}

func (c *Client) PlaceOrder(ctx context.Context, serviceID int64, link string, quantity int64, extra Params) (AddResult, error) {
	if serviceID <= 0 || quantity <= 0 || strings.TrimSpace(link) == "" {
		return AddResult{}, errors.Wrapf(ErrInvalidArgument, "add: service=%d quantity=%d", serviceID, quantity)
	}
	form := url.Values{}
	for k, v := range extra {
		form.Set(k, v)
	}
	form.Set("service", strconv.FormatInt(serviceID, 10))
	form.Set("link", link)
	form.Set("quantity", strconv.FormatInt(quantity, 10))

	v, err := c.call(ctx, "add", form)
	if err != nil {
		return AddResult{}, err
	}
	var res AddResult
	if err := decode(v, &res); err != nil {
		return AddResult{}, errors.Wrap(err, "provider add")
	}
	return res, nil
}

func (c *Client) Status(ctx context.Context, orderID int64) (OrderStatus, error) {
	v, err := c.call(ctx, "status", url.Values{"order": {strconv.FormatInt(orderID, 10)}})
	if err != nil {
		return OrderStatus{}, err
	}
	var st OrderStatus
	if err := decode(v, &st); err != nil {
		return OrderStatus{}, errors.Wrap(err, "provider status")
	}
	return st, nil
}

// MultiStatus asks for several orders at once. The result has one item per
// requested id, in request order; ids the panel skipped carry an Error.
func (c *Client) MultiStatus(ctx context.Context, ids []int64) ([]StatusItem, error) {
	if len(ids) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "status: no order ids")
	}
	v, err := c.call(ctx, "status", url.Values{"orders": {joinIDs(ids)}})
	if err != nil {
		return nil, err
	}

	got := map[int64]StatusItem{}
	add := func(id int64, raw any) {
		var it StatusItem
		if err := decode(raw, &it); err != nil {
			it.Error = err.Error()
		}
		it.OrderID = id
		got[id] = it
	}
	switch body := v.(type) {
	case map[string]any:
		// {"<id>": {...}, ...}
		for k, raw := range body {
			id, err := toInt64(k)
			if err != nil {
				continue
			}
			add(id, raw)
		}
	case []any:
		for _, raw := range body {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, err := toInt64(m["order"])
			if err != nil {
				continue
			}
			add(id, m)
		}
	default:
		return nil, errors.Errorf("provider status: unexpected payload %T", v)
	}
	return reorder(ids, got, func(id int64) StatusItem {
		return StatusItem{OrderID: id, OrderStatus: OrderStatus{Error: "missing from response"}}
	}), nil
}

func (c *Client) Refill(ctx context.Context, orderID int64) (RefillResult, error) {
	v, err := c.call(ctx, "refill", url.Values{"order": {strconv.FormatInt(orderID, 10)}})
	if err != nil {
		return RefillResult{}, err
	}
	var res RefillResult
	if err := decode(v, &res); err != nil {
		return RefillResult{}, errors.Wrap(err, "provider refill")
	}
	return res, nil
}

func (c *Client) MultiRefill(ctx context.Context, ids []int64) ([]RefillItem, error) {
	if len(ids) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "refill: no order ids")
	}
	v, err := c.call(ctx, "refill", url.Values{"orders": {joinIDs(ids)}})
	if err != nil {
		return nil, err
	}
	items, err := objects(v, "refill")
	if err != nil {
		return nil, err
	}
	got := map[int64]RefillItem{}
	for _, m := range items {
		id, err := toInt64(m["order"])
		if err != nil {
			continue
		}
		it := RefillItem{OrderID: id}
		if val, msg := valueOrError(m, "refill"); msg != "" {
			it.Error = msg
		} else if it.RefillID, err = toInt64(val); err != nil {
			it.Error = "bad refill id"
		}
		got[id] = it
	}
	return reorder(ids, got, func(id int64) RefillItem {
		return RefillItem{OrderID: id, Error: "missing from response"}
	}), nil
}

func (c *Client) RefillStatus(ctx context.Context, refillID int64) (RefillStatus, error) {
	v, err := c.call(ctx, "refill_status", url.Values{"refill": {strconv.FormatInt(refillID, 10)}})
	if err != nil {
		return RefillStatus{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return RefillStatus{}, errors.Errorf("provider refill_status: unexpected payload %T", v)
	}
	return RefillStatus{RefillID: refillID, Status: cast.ToString(m["status"])}, nil
}

func (c *Client) MultiRefillStatus(ctx context.Context, refillIDs []int64) ([]RefillStatus, error) {
	if len(refillIDs) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "refill_status: no refill ids")
	}
	v, err := c.call(ctx, "refill_status", url.Values{"refills": {joinIDs(refillIDs)}})
	if err != nil {
		return nil, err
	}
	items, err := objects(v, "refill_status")
	if err != nil {
		return nil, err
	}
	got := map[int64]RefillStatus{}
	for _, m := range items {
		id, err := toInt64(m["refill"])
		if err != nil {
			continue
		}
		it := RefillStatus{RefillID: id}
		if val, msg := valueOrError(m, "status"); msg != "" {
			it.Error = msg
		} else {
			it.Status = cast.ToString(val)
		}
		got[id] = it
	}
	return reorder(refillIDs, got, func(id int64) RefillStatus {
		return RefillStatus{RefillID: id, Error: "missing from response"}
	}), nil
}

// Cancel only exists in batch form upstream.
func (c *Client) Cancel(ctx context.Context, ids []int64) ([]CancelItem, error) {
	if len(ids) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "cancel: no order ids")
	}
	v, err := c.call(ctx, "cancel", url.Values{"orders": {joinIDs(ids)}})
	if err != nil {
		return nil, err
	}
	items, err := objects(v, "cancel")
	if err != nil {
		return nil, err
	}
	got := map[int64]CancelItem{}
	for _, m := range items {
		id, err := toInt64(m["order"])
		if err != nil {
			continue
		}
		it := CancelItem{OrderID: id}
		if _, msg := valueOrError(m, "cancel"); msg != "" {
			it.Error = msg
		} else {
			it.OK = true
		}
		got[id] = it
	}
	return reorder(ids, got, func(id int64) CancelItem {
		return CancelItem{OrderID: id, Error: "missing from response"}
	}), nil
}

// Services lists the upstream catalog. Rows that cannot be decoded are skipped.
func (c *Client) Services(ctx context.Context) ([]ServiceDescriptor, error) {
	v, err := c.call(ctx, "services", nil)
	if err != nil {
		return nil, err
	}
	items, err := objects(v, "services")
	if err != nil {
		return nil, err
	}
	out := make([]ServiceDescriptor, 0, len(items))
	for i, m := range items {
		var d ServiceDescriptor
		if err := decode(m, &d); err != nil {
			zap.L().Warn("skip undecodable service", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context) (Balance, error) {
	v, err := c.call(ctx, "balance", nil)
	if err != nil {
		return Balance{}, err
	}
	var b Balance
	if err := decode(v, &b); err != nil {
		return Balance{}, errors.Wrap(err, "provider balance")
	}
	return b, nil
}

// ---- decoding helpers ----

func decode(in, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func errorOf(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	e, ok := m["error"]
	if !ok || e == nil {
		return "", false
	}
	return cast.ToString(e), true
}

// valueOrError reads m[field], which is either a plain value or {"error": "..."}.
func valueOrError(m map[string]any, field string) (any, string) {
	if msg, ok := errorOf(m); ok {
		return nil, msg
	}
	val := m[field]
	if msg, ok := errorOf(val); ok {
		return nil, msg
	}
	return val, ""
}

func objects(v any, action string) ([]map[string]any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, errors.Errorf("provider %s: expected a list, got %T", action, v)
	}
	out := make([]map[string]any, 0, len(arr))
	for _, raw := range arr {
		if m, ok := raw.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func toInt64(v any) (int64, error) {
	if v == nil {
		return 0, errors.New("missing id")
	}
	if s, ok := v.(fmt.Stringer); ok {
		v = s.String()
	}
	return cast.ToInt64E(v)
}

func reorder[T any](ids []int64, got map[int64]T, missing func(int64) T) []T {
	out := make([]T, len(ids))
	for i, id := range ids {
		if it, ok := got[id]; ok {
			out[i] = it
		} else {
			out[i] = missing(id)
		}
	}
	return out
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
