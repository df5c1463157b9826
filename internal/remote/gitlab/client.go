package gitlab

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
	defaultAPIEndpoint  = "https://gitlab.com/api/v4"
	maxReadResponseSize = 8 << 20
	notesPerPage        = 100
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

// Client talks to the GitLab REST API. Issues and merge requests live on
// separate endpoints there, so every URL is derived from the key's kind.
type Client struct {
	token    string
	endpoint string
	client   HTTPClient
}

type itemPayload struct {
	IID         int           `json:"iid"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Author      userPayload   `json:"author"`
	Assignees   []userPayload `json:"assignees"`
	Labels      []string      `json:"labels"`
}

type userPayload struct {
	Username string `json:"username"`
}

type notePayload struct {
	ID        int64       `json:"id"`
	Body      string      `json:"body"`
	Author    userPayload `json:"author"`
	CreatedAt time.Time   `json:"created_at"`
	System    bool        `json:"system"`
}

func New(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("gitlab auth token is required")
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

	item, err := c.fetchItem(ctx, key, "get content")
	if err != nil {
		return task.Content{}, err
	}

	comments, err := c.ListCommentsSince(ctx, key, time.Time{})
	if err != nil {
		return task.Content{}, err
	}

	return task.Content{
		Title:     item.Title,
		Body:      item.Description,
		Author:    item.Author.Username,
		Assignees: usernames(item.Assignees),
		Labels:    item.Labels,
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

	statusCode, respBody, err := c.do(ctx, http.MethodPost, c.itemURL(key, "/notes"), payload)
	if err != nil {
		return "", &task.TransientError{Op: "add comment", Err: err}
	}
	if err := classifyStatus("add comment", statusCode, respBody); err != nil {
		return "", err
	}

	var created notePayload
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("add comment on %s: cannot parse response: %w", key, err)
	}
	if created.ID <= 0 {
		return "", fmt.Errorf("add comment on %s: response carried no note ID", key)
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

	statusCode, respBody, err := c.do(ctx, http.MethodPut, c.itemURL(key, "/notes/"+url.PathEscape(commentID)), payload)
	if err != nil {
		return &task.TransientError{Op: "update comment", Err: err}
	}
	return classifyStatus("update comment", statusCode, respBody)
}

// SwapLabel reads the item's labels, and only when from is present rewrites
// them with one PUT carrying add_labels/remove_labels. GitLab offers no
// conditional update, so a racing writer between the read and the PUT can
// still slip through; the losing worker then sees its expected label gone on
// the next read and backs off.
func (c *Client) SwapLabel(ctx context.Context, key task.Key, from, to string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return false, errors.New("both labels of a swap are required")
	}

	item, err := c.fetchItem(ctx, key, "swap label")
	if err != nil {
		return false, err
	}
	if !containsLabel(item.Labels, from) {
		return false, nil
	}

	payload, err := json.Marshal(map[string]string{
		"remove_labels": from,
		"add_labels":    to,
	})
	if err != nil {
		return false, fmt.Errorf("swap label on %s: cannot encode body: %w", key, err)
	}

	statusCode, respBody, err := c.do(ctx, http.MethodPut, c.itemURL(key, ""), payload)
	if err != nil {
		return false, &task.TransientError{Op: "swap label", Err: err}
	}
	if err := classifyStatus("swap label", statusCode, respBody); err != nil {
		return false, err
	}

	var updated itemPayload
	if err := json.Unmarshal(respBody, &updated); err != nil {
		return false, fmt.Errorf("swap label on %s: cannot parse response: %w", key, err)
	}
	if !containsLabel(updated.Labels, to) {
		return false, nil
	}
	return true, nil
}

func (c *Client) ListAssignees(ctx context.Context, key task.Key) ([]string, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	item, err := c.fetchItem(ctx, key, "list assignees")
	if err != nil {
		return nil, err
	}
	return usernames(item.Assignees), nil
}

func (c *Client) ListCommentsSince(ctx context.Context, key task.Key, since time.Time) ([]task.Comment, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	comments := []task.Comment{}
	for page := 1; ; page++ {
		requestURL := c.itemURL(key, "/notes") + "?sort=asc&order_by=created_at&per_page=" +
			strconv.Itoa(notesPerPage) + "&page=" + strconv.Itoa(page)

		statusCode, body, err := c.do(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, &task.TransientError{Op: "list comments", Err: err}
		}
		if err := classifyStatus("list comments", statusCode, body); err != nil {
			return nil, err
		}

		pageNotes := []notePayload{}
		if strings.TrimSpace(string(body)) != "" {
			if err := json.Unmarshal(body, &pageNotes); err != nil {
				return nil, fmt.Errorf("list comments for %s page %d: cannot parse response: %w", key, page, err)
			}
		}
		for _, note := range pageNotes {
			if note.System {
				continue
			}
			if !since.IsZero() && !note.CreatedAt.After(since) {
				continue
			}
			comments = append(comments, task.Comment{
				ID:        strconv.FormatInt(note.ID, 10),
				Author:    note.Author.Username,
				Body:      note.Body,
				CreatedAt: note.CreatedAt,
			})
		}
		if len(pageNotes) < notesPerPage {
			break
		}
	}
	return comments, nil
}

// ListLabeled scans a project for open issues and merge requests carrying
// the given label. Used by the producer to find work.
func (c *Client) ListLabeled(ctx context.Context, owner, repo, label string) ([]task.Key, error) {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	label = strings.TrimSpace(label)
	if owner == "" || repo == "" || label == "" {
		return nil, errors.New("owner, repo and label are required")
	}

	keys := []task.Key{}
	for _, scan := range []struct {
		resource string
		kind     task.Kind
		state    string
	}{
		{"issues", task.KindIssue, "opened"},
		{"merge_requests", task.KindMergeRequest, "opened"},
	} {
		scanned, err := c.scanLabeled(ctx, owner, repo, scan.resource, scan.state, label, scan.kind)
		if err != nil {
			return nil, err
		}
		keys = append(keys, scanned...)
	}
	return keys, nil
}

func (c *Client) scanLabeled(ctx context.Context, owner, repo, resource, state, label string, kind task.Kind) ([]task.Key, error) {
	project := url.PathEscape(owner + "/" + repo)
	keys := []task.Key{}
	for page := 1; ; page++ {
		requestURL := c.endpoint + "/projects/" + project + "/" + resource +
			"?state=" + state + "&labels=" + url.QueryEscape(label) +
			"&per_page=" + strconv.Itoa(notesPerPage) + "&page=" + strconv.Itoa(page)

		statusCode, body, err := c.do(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, &task.TransientError{Op: "list labeled", Err: err}
		}
		if err := classifyStatus("list labeled", statusCode, body); err != nil {
			return nil, err
		}

		pageItems := []itemPayload{}
		if strings.TrimSpace(string(body)) != "" {
			if err := json.Unmarshal(body, &pageItems); err != nil {
				return nil, fmt.Errorf("list labeled %s in %s/%s page %d: cannot parse response: %w", resource, owner, repo, page, err)
			}
		}
		for _, item := range pageItems {
			key, err := task.NewKey(task.PlatformGitLab, owner, repo, kind, item.IID)
			if err != nil {
				return nil, fmt.Errorf("list labeled %s in %s/%s: %w", resource, owner, repo, err)
			}
			keys = append(keys, key)
		}
		if len(pageItems) < notesPerPage {
			break
		}
	}
	return keys, nil
}

func (c *Client) fetchItem(ctx context.Context, key task.Key, op string) (itemPayload, error) {
	statusCode, body, err := c.do(ctx, http.MethodGet, c.itemURL(key, ""), nil)
	if err != nil {
		return itemPayload{}, &task.TransientError{Op: op, Err: err}
	}
	if err := classifyStatus(op, statusCode, body); err != nil {
		return itemPayload{}, err
	}

	var item itemPayload
	if err := json.Unmarshal(body, &item); err != nil {
		return itemPayload{}, fmt.Errorf("%s for %s: cannot parse response: %w", op, key, err)
	}
	return item, nil
}

func (c *Client) itemURL(key task.Key, suffix string) string {
	resource := "issues"
	if key.Kind == task.KindMergeRequest {
		resource = "merge_requests"
	}
	project := url.PathEscape(key.Owner + "/" + key.Repo)
	return c.endpoint + "/projects/" + project + "/" + resource + "/" + strconv.Itoa(key.Number) + suffix
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
	req.Header.Set("PRIVATE-TOKEN", c.token)
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
	if key.Platform != task.PlatformGitLab {
		return fmt.Errorf("gitlab client cannot serve platform %q", key.Platform)
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

func firstAPIError(body []byte) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(string(payload.Message)); msg != "" && msg != "null" {
			return strings.Trim(msg, `"`)
		}
		if strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
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

func containsLabel(labels []string, want string) bool {
	for _, label := range labels {
		if label == want {
			return true
		}
	}
	return false
}

func usernames(users []userPayload) []string {
	if len(users) == 0 {
		return nil
	}
	names := make([]string, 0, len(users))
	for _, user := range users {
		names = append(names, user.Username)
	}
	return names
}
