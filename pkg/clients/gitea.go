package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/issuesync/issuesync/pkg/engine"
	"github.com/issuesync/issuesync/pkg/queue"
)

const giteaPageSize = 100

// GiteaConfig configures the issue tracker client.
type GiteaConfig struct {
	BaseURL      string
	Token        string
	Organization string

	// SyncPullRequests includes pull requests in listings. When false
	// only plain issues are returned.
	SyncPullRequests bool

	Timeout time.Duration
}

// GiteaClient lists issues and pull requests from Gitea. It implements
// engine.SourceClient.
type GiteaClient struct {
	cfg     GiteaConfig
	http    *http.Client
	limiter *queue.RateLimiter
	logger  zerolog.Logger
}

// NewGiteaClient creates a Gitea client. The limiter may be nil.
func NewGiteaClient(cfg GiteaConfig, limiter *queue.RateLimiter, logger zerolog.Logger) (*GiteaClient, error) {
	if cfg.BaseURL == "" {
		return nil, engine.NewConfigError("gitea base URL is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &GiteaClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.With().Str("component", "gitea-client").Logger(),
	}, nil
}

// GetItems lists all issues and pull requests in a repository.
func (c *GiteaClient) GetItems(ctx context.Context, repository string) ([]engine.SourceItem, error) {
	return c.listIssues(ctx, repository, nil)
}

// GetItemsModifiedSince lists items updated strictly after the given time.
func (c *GiteaClient) GetItemsModifiedSince(ctx context.Context, repository string, since time.Time) ([]engine.SourceItem, error) {
	return c.listIssues(ctx, repository, &since)
}

// listIssues pages through the issues endpoint. Gitea returns pull
// requests inline with issues, distinguished by a pull_request key.
func (c *GiteaClient) listIssues(ctx context.Context, repository string, since *time.Time) ([]engine.SourceItem, error) {
	repoPath := c.repoPath(repository)
	var items []engine.SourceItem

	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("state", "all")
		params.Set("sort", "updated")
		params.Set("order", "desc")
		params.Set("limit", strconv.Itoa(giteaPageSize))
		params.Set("page", strconv.Itoa(page))
		if since != nil {
			params.Set("since", since.UTC().Format(time.RFC3339))
		}

		endpoint := fmt.Sprintf("%s/api/v1/repos/%s/issues?%s", c.cfg.BaseURL, repoPath, params.Encode())
		var pageItems []map[string]any
		if err := c.get(ctx, endpoint, &pageItems); err != nil {
			return nil, err
		}

		for _, raw := range pageItems {
			item, ok := c.toSourceItem(repository, raw)
			if !ok {
				continue
			}
			// The since parameter is inclusive on some Gitea versions;
			// the watermark contract is strictly after
			if since != nil && !item.LastModified.After(*since) {
				continue
			}
			items = append(items, item)
		}

		if len(pageItems) < giteaPageSize {
			break
		}
	}

	c.logger.Debug().
		Str("repository", repository).
		Int("items", len(items)).
		Msg("listed source items")
	return items, nil
}

func (c *GiteaClient) toSourceItem(repository string, raw map[string]any) (engine.SourceItem, bool) {
	_, isPR := raw["pull_request"]
	if isPR && !c.cfg.SyncPullRequests {
		return engine.SourceItem{}, false
	}

	itemType := engine.ItemTypeIssue
	if isPR {
		itemType = engine.ItemTypePullRequest
	}

	number, ok := raw["number"].(float64)
	if !ok {
		return engine.SourceItem{}, false
	}

	lastModified := time.Now().UTC()
	if updated, ok := raw["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			lastModified = t
		}
	}

	return engine.SourceItem{
		SourceID:     strconv.FormatInt(int64(number), 10),
		ItemType:     itemType,
		Repository:   repository,
		Data:         raw,
		LastModified: lastModified,
	}, true
}

// repoPath resolves "owner/name" or bare "name" under the configured
// organization.
func (c *GiteaClient) repoPath(repository string) string {
	if strings.Contains(repository, "/") {
		return repository
	}
	return c.cfg.Organization + "/" + repository
}

func (c *GiteaClient) get(ctx context.Context, endpoint string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return engine.NewTransportError("rate limiter wait interrupted", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return engine.NewConfigError("failed to build gitea request", err)
	}
	req.Header.Set("Authorization", "token "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.NewTransportError("gitea request failed", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("gitea", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.NewTransportError("failed to decode gitea response", err)
	}
	return nil
}

// checkStatus maps HTTP status codes onto error classes: 429 and 5xx are
// transport (retryable), other non-2xx are config (the request itself is
// wrong and retrying cannot fix it).
func checkStatus(system string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("%s returned %d: %s", system, resp.StatusCode, strings.TrimSpace(string(body)))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return engine.NewTransportError(msg, nil)
	}
	return engine.NewConfigError(msg, nil)
}
