// Package stockclient calls the product-service ledger over HTTP. It keeps
// "the ledger could not answer" apart from "the ledger said no".
package stockclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrInventoryUnavailable means no usable answer came back: a transport
// error, a timeout, or an unexpected status. Stock may or may not have moved.
var ErrInventoryUnavailable = errors.New("inventory unavailable")

const (
	IdempotencyKeyHeader  = "Idempotency-Key"
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
)

type Config struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
}

// New builds a client. A nil httpClient gets a pooled transport with no
// client-level timeout; each call is bounded by cfg.Timeout instead.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		tracer: otel.Tracer("github.com/safar/go-commerce/internal/stockclient"),
	}
}

func (c *Client) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	var product models.Product
	err := c.do(ctx, call{
		name:       "GetProduct",
		method:     http.MethodGet,
		path:       "/api/products/" + strconv.FormatInt(productID, 10),
		idempotent: true,
		out:        &product,
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (c *Client) CheckStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	var ok bool
	err := c.do(ctx, call{
		name:       "CheckStock",
		method:     http.MethodGet,
		path:       fmt.Sprintf("/api/products/%d/check-stock?quantity=%d", productID, quantity),
		idempotent: true,
		out:        &ok,
	})
	return ok, err
}

// ReduceStock is retried on ErrInventoryUnavailable only when batch carries a key.
func (c *Client) ReduceStock(ctx context.Context, batch models.StockBatch) error {
	return c.do(ctx, call{
		name:       "ReduceStock",
		method:     http.MethodPost,
		path:       "/api/products/reduce-stock",
		key:        batch.Key,
		idempotent: batch.Key != "",
		body:       batch.Items,
	})
}

func (c *Client) RestoreStock(ctx context.Context, batch models.StockBatch) error {
	path := "/api/products/restore-stock"
	if batch.Reverses != "" {
		path += "?reverses=" + url.QueryEscape(batch.Reverses)
	}
	return c.do(ctx, call{
		name:       "RestoreStock",
		method:     http.MethodPost,
		path:       path,
		key:        batch.Key,
		idempotent: batch.Key != "",
		body:       batch.Items,
	})
}

type call struct {
	name       string
	method     string
	path       string
	key        string
	idempotent bool
	body       any
	out        any
}

func (c *Client) do(ctx context.Context, cl call) error {
	ctx, span := c.tracer.Start(ctx, "stockclient."+cl.name, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("http.method", cl.method),
		attribute.String("http.url", c.cfg.BaseURL+cl.path),
	)

	var payload []byte
	if cl.body != nil {
		var err error
		if payload, err = json.Marshal(cl.body); err != nil {
			return fmt.Errorf("encode %s request: %w", cl.name, err)
		}
	}

	attempts := 1
	if cl.idempotent {
		attempts += c.cfg.MaxRetries
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retry.Delay(c.cfg.RetryBackoff, attempt-1)
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Str("call", cl.name).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("retrying inventory call")
			if waitErr := retry.Wait(ctx, delay); waitErr != nil {
				break
			}
		}

		err = c.once(ctx, cl, payload)
		if err == nil || !errors.Is(err, ErrInventoryUnavailable) {
			break
		}
	}

	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrInventoryUnavailable) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return err
}

func (c *Client) once(ctx context.Context, cl call, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.cfg.BaseURL+cl.path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", cl.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.key != "" {
		req.Header.Set(IdempotencyKeyHeader, cl.key)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInventoryUnavailable, cl.name, err)
	}
	defer resp.Body.Close()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if cl.out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(cl.out); err != nil {
			return fmt.Errorf("%w: %s: decode response: %w", ErrInventoryUnavailable, cl.name, err)
		}
		return nil
	}

	return translateStatus(cl.name, resp)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func translateStatus(name string, resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &eb)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", name, database.ErrProductNotFound)
	case resp.StatusCode == http.StatusConflict && eb.Code == CodeInsufficientStock:
		return fmt.Errorf("%s: %w", name, database.ErrInsufficientStock)
	case resp.StatusCode == http.StatusBadRequest:
		reason := eb.Error
		if reason == "" {
			reason = "rejected by inventory"
		}
		return &models.ValidationError{Field: "items", Reason: reason}
	default:
		return fmt.Errorf("%w: %s: unexpected status %d", ErrInventoryUnavailable, name, resp.StatusCode)
	}
}
