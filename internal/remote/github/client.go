package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

const (
	defaultAPIEndpoint  = "https://api.github.com"
	maxReadResponseSize = 8 << 20
	commentsPerPage     = 100
)

// HTTPClient is the slice of *http.Client the remote needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	Token       string
	APIEndpoint string
	HTTPClient  HTTPClient
}

// Client talks to the GitHub REST API. Issues and pull requests share one
// number space there, so every operation goes through the issues endpoints
// regardless of the key's kind.
type Client struct {
	token    string
	endpoint string
	client   HTTPClient
}

type issuePayload struct {
	Number    int            `json:"number"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	User      userPayload    `json:"user"`
	Assignees []userPayload  `json:"assignees"`
	Labels    []labelPayload `json:"labels"`
}

type userPayload struct {
	Login string `json:"login"`
}

type labelPayload struct {
	Name string `json:"name"`
}

type commentPayload struct {
	ID        int64       `json:"id"`
	Body      string      `json:"body"`
	User      userPayload `json:"user"`
	CreatedAt time.Time   `json:"created_at"`
}

func New(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("github auth token is required")
	}

	endpoint := strings.TrimSpace(cfg.APIEndpoint)
	if endpoint == "" {
		endpoint = defaultAPIEndpoint
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		token:    token,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}, nil
}

func (c *Client) GetContent(ctx context.Context, key task.Key) (task.Content, error) {
	if err := checkKey(key); err != nil {
		return task.Content{}, err
	}

	statusCode, body, err := c.do(ctx, http.MethodGet, c.issueURL(key, ""), nil)
	if err != nil {
		return task.Content{}, &task.TransientError{Op: "get content", Err: err}
	}
	if err := classifyStatus("get content", statusCode, body); err != nil {
		return task.Content{}, err
	}

	var issue issuePayload
	if err := json.Unmarshal(body, &issue); err != nil {
		return task.Content{}, fmt.Errorf("get content for %s: cannot parse response: %w", key, err)
	}

	comments, err := c.ListCommentsSince(ctx, key, time.Time{})
	if err != nil {
		return task.Content{}, err
	}

	return task.Content{
		Title:     issue.Title,
		Body:      issue.Body,
		Author:    issue.User.Login,
		Assignees: logins(issue.Assignees),
		Labels:    labelNames(issue.Labels),
		Comments:  comments,
	}, nil
}

func (c *Client) AddComment(ctx context.Context, key task.Key, body string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return "", fmt.Errorf("add comment on %s: cannot encode body: %w", key, err)
	}

	statusCode, respBody, err := c.do(ctx, http.MethodPost, c.issueURL(key, "/comments"), payload)
	if err != nil {
		return "", &task.TransientError{Op: "add comment", Err: err}
	}
	if err := classifyStatus("add comment", statusCode, respBody); err != nil {
		return "", err
	}

	var created commentPayload
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("add comment on %s: cannot parse response: %w", key, err)
	}
	if created.ID <= 0 {
		return "", fmt.Errorf("add comment on %s: response carried no comment ID", key)
	}
	return strconv.FormatInt(created.ID, 10), nil
}

func (c *Client) UpdateComment(ctx context.Context, key task.Key, commentID string, body string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	commentID = strings.TrimSpace(commentID)
	if commentID == "" {
		return errors.New("comment ID is required")
	}

	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return fmt.Errorf("update comment on %s: cannot encode body: %w", key, err)
	}

	requestURL := c.endpoint + "/repos/" + url.PathEscape(key.Owner) + "/" + url.PathEscape(key.Repo) +
		"/issues/comments/" + url.PathEscape(commentID)
	statusCode, respBody, err := c.do(ctx, http.MethodPatch, requestURL, payload)
	if err != nil {
		return &task.TransientError{Op: "update comment", Err: err}
	}
	return classifyStatus("update comment", statusCode, respBody)
}

// SwapLabel removes from and adds to in one logical step. GitHub answers 404
// when the label to remove is not on the item, which is exactly the lost
// race this method reports as swapped=false.
func (c *Client) SwapLabel(ctx context.Context, key task.Key, from, to string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return false, errors.New("both labels of a swap are required")
	}

	removeURL := c.issueURL(key, "/labels/"+url.PathEscape(from))
	statusCode, respBody, err := c.do(ctx, http.MethodDelete, removeURL, nil)
	if err != nil {
		return false, &task.TransientError{Op: "swap label", Err: err}
	}
	if statusCode == http.StatusNotFound {
		return false, nil
	}
	if err := classifyStatus("swap label", statusCode, respBody); err != nil {
		return false, err
	}

	payload, err := json.Marshal(map[string][]string{"labels": {to}})
	if err != nil {
		return false, fmt.Errorf("swap label on %s: cannot encode body: %w", key, err)
	}
	statusCode, respBody, err = c.do(ctx, http.MethodPost, c.issueURL(key, "/labels"), payload)
	if err != nil {
		return false, &task.TransientError{Op: "swap label", Err: err}
	}
	if err := classifyStatus("swap label", statusCode, respBody); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) ListAssignees(ctx context.Context, key task.Key) ([]string, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	statusCode, body, err := c.do(ctx, http.MethodGet, c.issueURL(key, ""), nil)
	if err != nil {
		return nil, &task.TransientError{Op: "list assignees", Err: err}
	}
	if err := classifyStatus("list assignees", statusCode, body); err != nil {
		return nil, err
	}

	var issue issuePayload
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("list assignees for %s: cannot parse response: %w", key, err)
	}
	return logins(issue.Assignees), nil
}

func (c *Client) ListCommentsSince(ctx context.Context, key task.Key, since time.Time) ([]task.Comment, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	comments := []task.Comment{}
	for page := 1; ; page++ {
		requestURL := c.issueURL(key, "/comments") + "?per_page=" + strconv.Itoa(commentsPerPage) +
			"&page=" + strconv.Itoa(page)
		if !since.IsZero() {
			requestURL += "&since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
		}

		statusCode, body, err := c.do(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, &task.TransientError{Op: "list comments", Err: err}
		}
		if err := classifyStatus("list comments", statusCode, body); err != nil {
			return nil, err
		}

		pageComments := []commentPayload{}
		if strings.TrimSpace(string(body)) != "" {
			if err := json.Unmarshal(body, &pageComments); err != nil {
				return nil, fmt.Errorf("list comments for %s page %d: cannot parse response: %w", key, page, err)
			}
		}
		for _, comment := range pageComments {
			if !since.IsZero() && !comment.CreatedAt.After(since) {
				continue
			}
			comments = append(comments, task.Comment{
				ID:        strconv.FormatInt(comment.ID, 10),
				Author:    comment.User.Login,
				Body:      comment.Body,
				CreatedAt: comment.CreatedAt,
			})
		}
		if len(pageComments) < commentsPerPage {
			break
		}
	}
	return comments, nil
}

// ListLabeled scans a repository for open items carrying the given label.
// Used by the producer to find work; pull requests surface as
// merge_request keys.
func (c *Client) ListLabeled(ctx context.Context, owner, repo, label string) ([]task.Key, error) {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	label = strings.TrimSpace(label)
	if owner == "" || repo == "" || label == "" {
		return nil, errors.New("owner, repo and label are required")
	}

	type scanPayload struct {
		Number      int `json:"number"`
		PullRequest *struct {
			URL string `json:"url"`
		} `json:"pull_request"`
	}

	keys := []task.Key{}
	for page := 1; ; page++ {
		requestURL := c.endpoint + "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) +
			"/issues?state=open&labels=" + url.QueryEscape(label) +
			"&per_page=" + strconv.Itoa(commentsPerPage) + "&page=" + strconv.Itoa(page)

		statusCode, body, err := c.do(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, &task.TransientError{Op: "list labeled", Err: err}
		}
		if err := classifyStatus("list labeled", statusCode, body); err != nil {
			return nil, err
		}

		pageItems := []scanPayload{}
		if strings.TrimSpace(string(body)) != "" {
			if err := json.Unmarshal(body, &pageItems); err != nil {
				return nil, fmt.Errorf("list labeled in %s/%s page %d: cannot parse response: %w", owner, repo, page, err)
			}
		}
		for _, item := range pageItems {
			kind := task.KindIssue
			if item.PullRequest != nil {
				kind = task.KindMergeRequest
			}
			key, err := task.NewKey(task.PlatformGitHub, owner, repo, kind, item.Number)
			if err != nil {
				return nil, fmt.Errorf("list labeled in %s/%s: %w", owner, repo, err)
			}
			keys = append(keys, key)
		}
		if len(pageItems) < commentsPerPage {
			break
		}
	}
	return keys, nil
}

func (c *Client) issueURL(key task.Key, suffix string) string {
	return c.endpoint + "/repos/" + url.PathEscape(key.Owner) + "/" + url.PathEscape(key.Repo) +
		"/issues/" + strconv.Itoa(key.Number) + suffix
}

func (c *Client) do(ctx context.Context, method, requestURL string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("cannot build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("cannot read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func checkKey(key task.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.Platform != task.PlatformGitHub {
		return fmt.Errorf("github client cannot serve platform %q", key.Platform)
	}
	return nil
}

func classifyStatus(op string, statusCode int, body []byte) error {
	switch {
	case statusCode < http.StatusBadRequest:
		return nil
	case statusCode >= http.StatusInternalServerError:
		return &task.TransientError{
			Op:  op,
			Err: fmt.Errorf("request failed with status %d: %s", statusCode, firstAPIError(body)),
		}
	default:
		return fmt.Errorf("%s: request failed with status %d: %s", op, statusCode, firstAPIError(body))
	}
}

func logins(users []userPayload) []string {
	if len(users) == 0 {
		return nil
	}
	names := make([]string, 0, len(users))
	for _, user := range users {
		names = append(names, user.Login)
	}
	return names
}

func labelNames(labels []labelPayload) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(labels))
	for _, label := range labels {
		names = append(names, label.Name)
	}
	return names
}

func firstAPIError(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.Message) != "" {
		return payload.Message
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	if trimmed == "" {
		return "empty response body"
	}
	return trimmed
}
