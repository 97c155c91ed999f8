package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/cost"
	"github.com/aristath/foresight/internal/universe"
)

// BuildResult is a computed report payload plus the resources spent
// producing it.
type BuildResult struct {
	Payload string
	Usage   cost.Usage
}

// ReportBuilder produces one instrument's report for an as-of date.
// The real implementation lives in an external service (LLM calls,
// indicator computation, market data); this pipeline treats it as a
// black box.
type ReportBuilder interface {
	Build(ctx context.Context, instrument universe.Instrument, asOfDate string) (*BuildResult, error)
}

// HTTPBuilder calls the external report-builder service.
type HTTPBuilder struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPBuilder creates a builder client for the given service URL.
func NewHTTPBuilder(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPBuilder {
	return &HTTPBuilder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "report_builder").Logger(),
	}
}

// buildRequest is the wire request to the builder service.
type buildRequest struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	AsOfDate string `json:"as_of_date"`
}

// buildResponse is the wire response from the builder service.
type buildResponse struct {
	Payload string `json:"payload"`
	Usage   struct {
		Tokens     int `json:"tokens"`
		QueryCount int `json:"query_count"`
	} `json:"usage"`
}

// Build requests a report from the builder service. Network failures and
// 5xx responses are transient; 4xx responses mean the computation itself is
// broken for this input and will not be retried.
func (b *HTTPBuilder) Build(ctx context.Context, instrument universe.Instrument, asOfDate string) (*BuildResult, error) {
	body, err := json.Marshal(buildRequest{
		Symbol:   instrument.Symbol,
		Name:     instrument.Name,
		Currency: instrument.Currency,
		AsOfDate: asOfDate,
	})
	if err != nil {
		return nil, &ComputeError{Op: "encode build request", Err: err}
	}

	url := b.baseURL + "/v1/reports"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ComputeError{Op: "create build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	b.log.Debug().Str("symbol", instrument.Symbol).Str("date", asOfDate).Msg("Requesting report")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &TransientFetchError{Op: "builder request", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransientFetchError{Op: "builder request", Err: fmt.Errorf("builder returned status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &ComputeError{Op: "builder request", Err: fmt.Errorf("builder returned status %d", resp.StatusCode)}
	}

	var result buildResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &TransientFetchError{Op: "decode builder response", Err: err}
	}
	if result.Payload == "" {
		return nil, &ComputeError{Op: "builder response", Err: fmt.Errorf("empty payload")}
	}

	return &BuildResult{
		Payload: result.Payload,
		Usage: cost.Usage{
			Tokens:     result.Usage.Tokens,
			QueryCount: result.Usage.QueryCount,
		},
	}, nil
}
