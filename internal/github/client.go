package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/katadavidxd/autolark/internal/gateway"
)

// NewClient creates a client for one repository. The token is held for
// request signing and never logged.
func NewClient(token, owner, repo string, log zerolog.Logger) *Client {
	return &Client{
		Token:   token,
		Owner:   owner,
		Repo:    repo,
		BaseURL: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: log.With().Str("component", "github").Str("repo", owner+"/"+repo).Logger(),
	}
}

// WithBaseURL returns a copy pointed at a different base URL (tests,
// GitHub Enterprise).
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := *c
	clone.BaseURL = strings.TrimSuffix(baseURL, "/")
	return &clone
}

// WithHTTPClient returns a copy using a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	clone := *c
	clone.HTTPClient = httpClient
	return &clone
}

// RepoSlug returns the "owner/repo" identifier used in mapping rows.
func (c *Client) RepoSlug() string {
	return c.Owner + "/" + c.Repo
}

func (c *Client) issuesPath() string {
	return fmt.Sprintf("/repos/%s/%s/issues", c.Owner, c.Repo)
}

// buildURL constructs a full API URL.
func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.BaseURL + path
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}
	return u
}

// doRequest performs one authenticated request. Rate limiting (429, or
// 403 with the rate-limit budget exhausted) sleeps the server-reported
// delay and retries once within the call; a second rate limit surfaces
// as a rate_limited gateway error carrying RetryAfter so the dispatcher
// can reschedule instead of spinning.
func (c *Client) doRequest(ctx context.Context, op, method, urlStr string, body any) ([]byte, http.Header, error) {
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, nil, gateway.Wrap(gateway.KindInvalidRequest, op, fmt.Errorf("failed to marshal request body: %w", err))
		}
	}

	for attempt := 0; ; attempt++ {
		var reqBody io.Reader
		if jsonBody != nil {
			reqBody = bytes.NewReader(jsonBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return nil, nil, gateway.Wrap(gateway.KindInvalidRequest, op, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", apiVersion)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, nil, gateway.Wrap(gateway.KindTransient, op, err)
		}

		const maxResponseSize = 50 * 1024 * 1024
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			return nil, nil, gateway.Wrap(gateway.KindTransient, op, fmt.Errorf("failed to read response: %w", err))
		}

		if rateLimited(resp) {
			delay := retryAfterDelay(resp.Header)
			if attempt == 0 {
				c.log.Warn().Dur("delay", delay).Str("op", op).Msg("rate limited, waiting for reset")
				select {
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				case <-time.After(delay):
					continue
				}
			}
			return nil, nil, &gateway.Error{
				Kind:       gateway.KindRateLimited,
				Op:         op,
				StatusCode: resp.StatusCode,
				Message:    "rate limit budget exhausted",
				RetryAfter: delay,
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, nil, &gateway.Error{
				Kind:       gateway.ClassifyHTTPStatus(resp.StatusCode),
				Op:         op,
				StatusCode: resp.StatusCode,
				Message:    truncate(string(respBody), 512),
			}
		}

		return respBody, resp.Header, nil
	}
}

// rateLimited reports whether the response signals GitHub rate limiting.
// GitHub uses 429, or 403 with X-RateLimit-Remaining: 0.
func rateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
}

// retryAfterDelay extracts the server-reported reset delay, falling back
// to a minute when the headers are absent or malformed.
func retryAfterDelay(h http.Header) time.Duration {
	if retryAfter := h.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if reset := h.Get("X-RateLimit-Reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}
	return time.Minute
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// linkNextPattern matches the "next" relation in GitHub Link headers.
var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func nextPageURL(headers http.Header) (string, bool) {
	link := headers.Get("Link")
	if link == "" {
		return "", false
	}
	matches := linkNextPattern.FindStringSubmatch(link)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

// CreateIssue opens a new issue and returns the created resource.
func (c *Client) CreateIssue(ctx context.Context, patch IssuePatch) (*Issue, error) {
	body, _, err := c.doRequest(ctx, "github.create_issue", http.MethodPost,
		c.buildURL(c.issuesPath(), nil), patch)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, gateway.Wrap(gateway.KindTransient, "github.create_issue",
			fmt.Errorf("failed to decode issue: %w", err))
	}
	c.log.Debug().Int("number", issue.Number).Msg("created issue")
	return &issue, nil
}

// GetIssue fetches a single issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	body, _, err := c.doRequest(ctx, "github.get_issue", http.MethodGet,
		c.buildURL(fmt.Sprintf("%s/%d", c.issuesPath(), number), nil), nil)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, gateway.Wrap(gateway.KindTransient, "github.get_issue",
			fmt.Errorf("failed to decode issue: %w", err))
	}
	return &issue, nil
}

// UpdateIssue patches an existing issue. Only non-nil fields are sent.
func (c *Client) UpdateIssue(ctx context.Context, number int, patch IssuePatch) (*Issue, error) {
	body, _, err := c.doRequest(ctx, "github.update_issue", http.MethodPatch,
		c.buildURL(fmt.Sprintf("%s/%d", c.issuesPath(), number), nil), patch)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, gateway.Wrap(gateway.KindTransient, "github.update_issue",
			fmt.Errorf("failed to decode issue: %w", err))
	}
	c.log.Debug().Int("number", issue.Number).Msg("updated issue")
	return &issue, nil
}

// CloseIssue closes an issue with the given state reason ("completed" or
// "not_planned").
func (c *Client) CloseIssue(ctx context.Context, number int, reason string) (*Issue, error) {
	return c.UpdateIssue(ctx, number, IssuePatch{
		State:       String("closed"),
		StateReason: String(reason),
	})
}

// ReopenIssue reopens a closed issue.
func (c *Client) ReopenIssue(ctx context.Context, number int) (*Issue, error) {
	return c.UpdateIssue(ctx, number, IssuePatch{State: String("open")})
}

// ListIssues retrieves issues matching opts, following Link-header
// pagination. Pull requests are filtered out; GitHub returns them on the
// issues endpoint.
func (c *Client) ListIssues(ctx context.Context, opts ListOptions) ([]Issue, error) {
	params := map[string]string{
		"per_page":  strconv.Itoa(MaxPageSize),
		"state":     "all",
		"direction": "asc",
		"sort":      "updated",
	}
	if opts.State != "" {
		params["state"] = opts.State
	}
	if opts.Labels != "" {
		params["labels"] = opts.Labels
	}
	if opts.Assignee != "" {
		params["assignee"] = opts.Assignee
	}
	if !opts.Since.IsZero() {
		params["since"] = opts.Since.UTC().Format(time.RFC3339)
	}

	urlStr := c.buildURL(c.issuesPath(), params)
	var all []Issue
	for page := 0; page < MaxPages; page++ {
		body, headers, err := c.doRequest(ctx, "github.list_issues", http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		var issues []Issue
		if err := json.Unmarshal(body, &issues); err != nil {
			return nil, gateway.Wrap(gateway.KindTransient, "github.list_issues",
				fmt.Errorf("failed to decode issues: %w", err))
		}
		for i := range issues {
			if issues[i].PullRequest != nil {
				continue
			}
			all = append(all, issues[i])
		}
		next, ok := nextPageURL(headers)
		if !ok {
			break
		}
		urlStr = next
	}
	return all, nil
}

// FindIssueByTitlePrefix scans open and closed issues for one whose
// title starts with prefix. The dispatcher uses this as its idempotency
// pre-check before creating an issue, so a crash between a create call
// and the mapping write cannot produce a duplicate.
func (c *Client) FindIssueByTitlePrefix(ctx context.Context, prefix string) (*Issue, error) {
	issues, err := c.ListIssues(ctx, ListOptions{State: "all"})
	if err != nil {
		return nil, err
	}
	for i := range issues {
		if strings.HasPrefix(issues[i].Title, prefix) {
			return &issues[i], nil
		}
	}
	return nil, nil
}

// AddComment appends a comment to an issue.
func (c *Client) AddComment(ctx context.Context, number int, body string) (*Comment, error) {
	respBody, _, err := c.doRequest(ctx, "github.add_comment", http.MethodPost,
		c.buildURL(fmt.Sprintf("%s/%d/comments", c.issuesPath(), number), nil),
		map[string]string{"body": body})
	if err != nil {
		return nil, err
	}
	var comment Comment
	if err := json.Unmarshal(respBody, &comment); err != nil {
		return nil, gateway.Wrap(gateway.KindTransient, "github.add_comment",
			fmt.Errorf("failed to decode comment: %w", err))
	}
	return &comment, nil
}

// ListComments fetches all comments on an issue.
func (c *Client) ListComments(ctx context.Context, number int) ([]Comment, error) {
	params := map[string]string{"per_page": strconv.Itoa(MaxPageSize)}
	urlStr := c.buildURL(fmt.Sprintf("%s/%d/comments", c.issuesPath(), number), params)

	var all []Comment
	for page := 0; page < MaxPages; page++ {
		body, headers, err := c.doRequest(ctx, "github.list_comments", http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		var comments []Comment
		if err := json.Unmarshal(body, &comments); err != nil {
			return nil, gateway.Wrap(gateway.KindTransient, "github.list_comments",
				fmt.Errorf("failed to decode comments: %w", err))
		}
		all = append(all, comments...)
		next, ok := nextPageURL(headers)
		if !ok {
			break
		}
		urlStr = next
	}
	return all, nil
}
