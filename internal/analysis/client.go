// File: internal/analysis/client.go
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/api/schemas"
	"github.com/coderenew/scan-engine/internal/config"
)

// APIClient is the transport used by the Invoker to reach the analysis
// service. It returns the raw response body; interpreting it is the
// Invoker's job.
type APIClient interface {
	Analyze(ctx context.Context, req schemas.AnalysisRequest) ([]byte, error)
}

// Client is the HTTP implementation of APIClient. It performs no retries;
// the scan orchestrator owns the retry budget for transient failures.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient initializes the analysis service client.
func NewClient(cfg config.AnalyzerConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("analyzer endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("analyzer API key is required")
	}

	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("analysis_client"),
	}, nil
}

// Analyze submits the code payload and returns the raw response body.
func (c *Client) Analyze(ctx context.Context, req schemas.AnalysisRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.model != "" {
		httpReq.Header.Set("X-Analysis-Model", c.model)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrServiceUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, respBody)
	}

	c.logger.Info("Analysis request complete",
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("response_bytes", len(respBody)),
	)
	return respBody, nil
}

func (c *Client) statusError(statusCode int, body []byte) error {
	c.logger.Warn("Analysis service returned error status",
		zap.Int("status", statusCode),
		zap.ByteString("response", truncate(body, 512)),
	)
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, statusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrServiceUnavailable, statusCode)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
