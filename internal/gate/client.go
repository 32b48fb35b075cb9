package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/streamshop/internal/model"
)

// ErrRateLimited возвращается, когда внешний сервис блокировок просит повторить запрос позже.
var ErrRateLimited = errors.New("block service rate limited")

// RateLimitedError содержит рекомендованную паузу из заголовка Retry-After.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("block service rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// Client инкапсулирует HTTP-взаимодействие с внешним сервисом блокировок.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к сервису блокировок по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// IsBlocked запрашивает статус пользователя. 204 и 404 означают, что блокировки нет.
func (c *Client) IsBlocked(ctx context.Context, userID string) (model.BlockStatus, error) {
	if c == nil || c.baseURL == "" {
		return model.BlockStatus{}, fmt.Errorf("block service client not configured")
	}

	u := fmt.Sprintf("%s/api/blocks/%s", c.baseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.BlockStatus{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.BlockStatus{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return model.BlockStatus{}, nil
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return model.BlockStatus{}, &RateLimitedError{RetryAfter: retryAfter}
	default:
		return model.BlockStatus{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status model.BlockStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return model.BlockStatus{}, fmt.Errorf("decode response: %w", err)
	}
	return status, nil
}

var (
	_ Gate = (*Client)(nil)
	_ Gate = (*RepositoryGate)(nil)
)
