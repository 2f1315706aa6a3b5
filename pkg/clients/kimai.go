package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/issuesync/issuesync/pkg/engine"
	"github.com/issuesync/issuesync/pkg/queue"
)

// KimaiConfig configures the time-tracking client.
type KimaiConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// KimaiClient writes synchronized records into Kimai. It implements
// engine.TargetClient: issues and commits become activities, pull
// requests become projects.
type KimaiClient struct {
	cfg     KimaiConfig
	http    *http.Client
	limiter *queue.RateLimiter
	logger  zerolog.Logger
}

// NewKimaiClient creates a Kimai client. The limiter may be nil.
func NewKimaiClient(cfg KimaiConfig, limiter *queue.RateLimiter, logger zerolog.Logger) (*KimaiClient, error) {
	if cfg.BaseURL == "" {
		return nil, engine.NewConfigError("kimai base URL is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &KimaiClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.With().Str("component", "kimai-client").Logger(),
	}, nil
}

// Ping verifies connectivity and credentials against the version
// endpoint.
func (c *KimaiClient) Ping(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, http.MethodGet, "/api/version", nil, &out)
}

// Create posts a new record and returns its Kimai id.
func (c *KimaiClient) Create(ctx context.Context, itemType engine.ItemType, data map[string]any) (string, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, c.endpoint(itemType), data, &out); err != nil {
		return "", err
	}

	id, ok := out["id"]
	if !ok {
		return "", engine.NewTransportError("kimai create response has no id", nil)
	}
	switch v := id.(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	case string:
		return v, nil
	default:
		return "", engine.NewTransportError(fmt.Sprintf("kimai returned unusable id %v", id), nil)
	}
}

// Update patches an existing record.
func (c *KimaiClient) Update(ctx context.Context, itemType engine.ItemType, targetID string, data map[string]any) error {
	var out map[string]any
	return c.do(ctx, http.MethodPatch, c.endpoint(itemType)+"/"+targetID, data, &out)
}

// Get fetches the current state of a record.
func (c *KimaiClient) Get(ctx context.Context, itemType engine.ItemType, targetID string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, c.endpoint(itemType)+"/"+targetID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *KimaiClient) endpoint(itemType engine.ItemType) string {
	if itemType == engine.ItemTypePullRequest {
		return "/api/projects"
	}
	return "/api/activities"
}

func (c *KimaiClient) do(ctx context.Context, method, path string, body map[string]any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return engine.NewTransportError("rate limiter wait interrupted", err)
		}
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return engine.NewConfigError("failed to encode kimai payload", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return engine.NewConfigError("failed to build kimai request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.NewTransportError("kimai request failed", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("kimai", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.NewTransportError("failed to decode kimai response", err)
	}
	return nil
}
