package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

// Routes served by collaborators and by cmd/stubs
const (
	PathScan          = "/scan"
	PathNews          = "/news/sentiment"
	PathPattern       = "/pattern/detect"
	PathTechnical     = "/technical/signals"
	PathRisk          = "/risk/validate"
	PathOrders        = "/execution/orders"
	PathPositions     = "/execution/positions"
	PathClosePosition = "/execution/positions/{id}/close"
	PathLiquidate     = "/execution/liquidate"
)

// endpoint is one collaborator base URL with its own rate budget
type endpoint struct {
	name    string
	baseURL string
	limiter *rate.Limiter
}

func newEndpoint(name string, c config.Service) *endpoint {
	return &endpoint{
		name:    name,
		baseURL: strings.TrimRight(c.BaseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(c.RatePerSec), c.Burst),
	}
}

// HTTPClient talks JSON to the six collaborators. Timeouts come from the
// caller's context; the guard sets one per attempt.
type HTTPClient struct {
	client    *http.Client
	scan      *endpoint
	news      *endpoint
	pattern   *endpoint
	technical *endpoint
	risk      *endpoint
	execution *endpoint
}

func NewHTTPClient(cfg config.Services) *HTTPClient {
	return &HTTPClient{
		client:    &http.Client{},
		scan:      newEndpoint(NameScan, cfg.Scan),
		news:      newEndpoint(NameNews, cfg.News),
		pattern:   newEndpoint(NamePattern, cfg.Pattern),
		technical: newEndpoint(NameTechnical, cfg.Technical),
		risk:      newEndpoint(NameRisk, cfg.Risk),
		execution: newEndpoint(NameExecution, cfg.Execution),
	}
}

// Collaborators exposes the client under every interface
func (h *HTTPClient) Collaborators() Collaborators {
	return Collaborators{Scanner: h, News: h, Patterns: h, Technical: h, Risk: h, Broker: h}
}

func (h *HTTPClient) Scan(ctx context.Context, req ScanRequest) (ScanResponse, error) {
	var resp ScanResponse
	if err := h.do(ctx, h.scan, http.MethodPost, PathScan, "", req, &resp); err != nil {
		return ScanResponse{}, err
	}
	if err := ValidateScan(&resp, req.Limit); err != nil {
		return ScanResponse{}, err
	}
	return resp, nil
}

func (h *HTTPClient) Sentiment(ctx context.Context, req SymbolsRequest) (NewsResponse, error) {
	var resp NewsResponse
	err := h.do(ctx, h.news, http.MethodPost, PathNews, symbolOf(req.Symbols), req, &resp)
	return resp, err
}

func (h *HTTPClient) Patterns(ctx context.Context, req SymbolsRequest) (PatternResponse, error) {
	var resp PatternResponse
	err := h.do(ctx, h.pattern, http.MethodPost, PathPattern, symbolOf(req.Symbols), req, &resp)
	return resp, err
}

func (h *HTTPClient) Signals(ctx context.Context, req TechnicalRequest) (TechnicalResponse, error) {
	var resp TechnicalResponse
	err := h.do(ctx, h.technical, http.MethodPost, PathTechnical, symbolOf(req.Symbols), req, &resp)
	return resp, err
}

func (h *HTTPClient) Validate(ctx context.Context, req RiskRequest) (RiskResponse, error) {
	var resp RiskResponse
	if err := h.do(ctx, h.risk, http.MethodPost, PathRisk, req.Candidate.Symbol, req, &resp); err != nil {
		return RiskResponse{}, err
	}
	if err := ValidateRisk(req.Candidate, resp); err != nil {
		return RiskResponse{}, err
	}
	return resp, nil
}

func (h *HTTPClient) Execute(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	var resp OrderResponse
	if err := h.do(ctx, h.execution, http.MethodPost, PathOrders, req.Symbol, req, &resp); err != nil {
		return OrderResponse{}, err
	}
	if err := ValidateOrder(req.Symbol, resp); err != nil {
		return OrderResponse{}, err
	}
	return resp, nil
}

func (h *HTTPClient) OpenPositions(ctx context.Context) ([]model.Position, error) {
	var resp []model.Position
	if err := h.do(ctx, h.execution, http.MethodGet, PathPositions, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *HTTPClient) ClosePosition(ctx context.Context, positionID string) (model.Position, error) {
	var resp model.Position
	path := strings.Replace(PathClosePosition, "{id}", url.PathEscape(positionID), 1)
	err := h.do(ctx, h.execution, http.MethodPost, path, "", struct{}{}, &resp)
	return resp, err
}

func (h *HTTPClient) LiquidateAll(ctx context.Context, req LiquidateRequest) (LiquidateResponse, error) {
	var resp LiquidateResponse
	err := h.do(ctx, h.execution, http.MethodPost, PathLiquidate, "", req, &resp)
	return resp, err
}

// do performs one request and maps every failure onto the error taxonomy:
// transport errors, 429 and 5xx are transient, other 4xx are rejections,
// undecodable bodies are validation failures.
func (h *HTTPClient) do(ctx context.Context, ep *endpoint, method, path, symbol string, in, out any) error {
	if err := ep.limiter.Wait(ctx); err != nil {
		return NewTransientError(ep.name, symbol, "rate limiter wait", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", ep.name, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", ep.name, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return NewTransientError(ep.name, symbol, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return NewTransientError(ep.name, symbol, "read body", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		se := NewTransientError(ep.name, symbol, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(raw)), nil)
		se.StatusCode = resp.StatusCode
		return se
	case resp.StatusCode >= 400:
		se := NewRejectedError(ep.name, symbol, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(raw)))
		se.StatusCode = resp.StatusCode
		return se
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		se := NewValidationError(ep.name, symbol, fmt.Sprintf("unexpected HTTP %d", resp.StatusCode))
		se.StatusCode = resp.StatusCode
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		se := NewValidationError(ep.name, symbol, "malformed response body")
		se.Cause = err
		return se
	}
	return nil
}

func symbolOf(symbols []string) string {
	if len(symbols) == 1 {
		return symbols[0]
	}
	return ""
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
