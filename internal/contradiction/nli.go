package contradiction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

const instrumentationName = "github.com/fyrsmithlabs/expertd/internal/contradiction"

// NLIConfig configures the HTTP classifier.
type NLIConfig struct {
	// BaseURL of a text-embeddings-inference server running an NLI
	// cross-encoder, e.g. http://localhost:8081.
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// RequestsPerSecond caps classification calls. Zero means 10.
	RequestsPerSecond float64
	Logger            *zap.Logger
}

// NLIClient classifies pairs through the TEI /predict endpoint.
type NLIClient struct {
	cfg     NLIConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// NewNLIClient creates a client. It does not contact the server.
func NewNLIClient(cfg NLIConfig) (*NLIClient, error) {
	if cfg.BaseURL == "" {
		return nil, expertise.NewValidationError("nli.base_url", "required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &NLIClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  cfg.Logger,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	c.duration, err = meter.Float64Histogram("expertd.nli.duration_seconds",
		metric.WithDescription("NLI classification latency"),
		metric.WithUnit("s"))
	if err != nil {
		c.logger.Warn("nli duration histogram unavailable", zap.Error(err))
	}
	c.failures, err = meter.Int64Counter("expertd.nli.errors_total",
		metric.WithDescription("Failed NLI classification calls"),
		metric.WithUnit("{error}"))
	if err != nil {
		c.logger.Warn("nli error counter unavailable", zap.Error(err))
	}
	return c, nil
}

// Loader returns a Loader that probes the server health endpoint before
// handing out the client.
func (c *NLIClient) Loader() Loader {
	return func(ctx context.Context) (Classifier, error) {
		if err := c.Ping(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Ping checks that the server answers /health.
func (c *NLIClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: nli health: %v", expertise.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: nli health returned %d", expertise.ErrUnavailable, resp.StatusCode)
	}
	return nil
}

type predictRequest struct {
	Inputs   [][2]string `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ClassifyPair implements Classifier.
func (c *NLIClient) ClassifyPair(ctx context.Context, a, b string) (scores Scores, err error) {
	start := time.Now()
	defer func() {
		attrs := metric.WithAttributes(attribute.String("model", c.cfg.Model))
		if c.duration != nil {
			c.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && c.failures != nil {
			c.failures.Add(ctx, 1, attrs)
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return Scores{}, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(predictRequest{Inputs: [][2]string{{a, b}}, Truncate: true})
	if err != nil {
		return Scores{}, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return Scores{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Scores{}, fmt.Errorf("%w: %v", expertise.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Scores{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Scores{}, fmt.Errorf("%w: predict returned %d: %s", expertise.ErrUnavailable, resp.StatusCode, string(raw))
	}
	return parsePrediction(raw)
}

func (c *NLIClient) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// parsePrediction accepts a batch ([[...]]) or single ([...]) label list.
func parsePrediction(raw []byte) (Scores, error) {
	var labels []labelScore
	var batch [][]labelScore
	if err := json.Unmarshal(raw, &batch); err == nil && len(batch) > 0 {
		labels = batch[0]
	} else if err := json.Unmarshal(raw, &labels); err != nil {
		return Scores{}, fmt.Errorf("decoding prediction: %w", err)
	}

	var s Scores
	seen := false
	for _, l := range labels {
		switch strings.ToLower(l.Label) {
		case "contradiction", "label_0":
			s.Contradiction, seen = l.Score, true
		case "entailment", "label_1":
			s.Entailment, seen = l.Score, true
		case "neutral", "label_2":
			s.Neutral, seen = l.Score, true
		}
	}
	if !seen {
		return Scores{}, errors.New("prediction carried no nli labels")
	}
	return s, nil
}

var _ Classifier = (*NLIClient)(nil)
