package training

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PlottingService posts PlotData to a plotting sidecar over HTTP.
type PlottingService struct {
	baseURL       string
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
}

// PlottingServiceConfig contains configuration for the plotting service.
type PlottingServiceConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// BatchPlottingResponse is the sidecar's reply to a batch upload.
type BatchPlottingResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	BatchID      string            `json:"batch_id,omitempty"`
	Results      []BatchPlotResult `json:"results,omitempty"`
	DashboardURL string            `json:"dashboard_url,omitempty"`
}

// BatchPlotResult is the outcome for one plot of a batch.
type BatchPlotResult struct {
	Success  bool   `json:"success"`
	PlotID   string `json:"plot_id,omitempty"`
	PlotURL  string `json:"plot_url,omitempty"`
	PlotType string `json:"plot_type,omitempty"`
	Message  string `json:"message,omitempty"`
}

// DefaultPlottingServiceConfig returns the defaults for baseURL.
func DefaultPlottingServiceConfig(baseURL string) PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       baseURL,
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// NewPlottingService creates a client.
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &PlottingService{
		baseURL:       strings.TrimRight(config.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: config.Timeout},
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
	}
}

// BatchSendPlots uploads all plots in one request, retrying transport
// failures and 5xx replies.
func (ps *PlottingService) BatchSendPlots(ctx context.Context, plots []PlotData) (*BatchPlottingResponse, error) {
	payload, err := json.Marshal(map[string]interface{}{"plots": plots, "batch": true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal batch plot data")
	}

	var lastErr error
	for attempt := 0; attempt < ps.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(ps.retryDelay):
			}
		}
		resp, retry, err := ps.post(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, lastErr
}

func (ps *PlottingService) post(ctx context.Context, payload []byte) (*BatchPlottingResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.baseURL+"/api/batch-plot", bytes.NewReader(payload))
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to create batch HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-gan-training")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, true, errors.Wrap(err, "failed to send batch HTTP request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errors.Wrap(err, "failed to read batch response body")
	}
	var out BatchPlottingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, resp.StatusCode >= 500, errors.Wrapf(err, "failed to parse batch response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &out, resp.StatusCode >= 500, errors.Errorf("batch HTTP request failed with status %d: %s", resp.StatusCode, out.Message)
	}
	return &out, false, nil
}
