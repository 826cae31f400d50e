package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HTTPSinkConfig configures an HTTPSink.
type HTTPSinkConfig struct {
	URL         string
	Headers     map[string]string
	MaxRetries  int           // default 5
	BaseBackoff time.Duration // default 200ms
	MaxBackoff  time.Duration // default 30s
}

// HTTPSink POSTs batches of audit entries as a JSON array to a collector
// endpoint, retrying transient failures with capped exponential backoff.
type HTTPSink struct {
	cfg    HTTPSinkConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSink builds an HTTPSink from cfg.
func NewHTTPSink(cfg HTTPSinkConfig, logger *slog.Logger) *HTTPSink {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Write POSTs entries as a JSON array, retrying on failure with capped
// exponential backoff. Returns the last error if every attempt fails.
func (s *HTTPSink) Write(entries []Entry) error {
	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal audit batch: %w", err)
	}

	var lastErr error
	backoff := s.cfg.BaseBackoff
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
		}

		if err := s.post(body); err != nil {
			lastErr = err
			s.logger.Warn("audit http sink post failed, will retry", "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("audit http sink exhausted retries: %w", lastErr)
}

func (s *HTTPSink) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op: HTTPSink holds no persistent connection.
func (s *HTTPSink) Close() error { return nil }

var _ Sink = (*HTTPSink)(nil)
