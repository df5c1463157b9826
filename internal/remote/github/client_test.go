package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

// scriptedHTTP matches requests by "METHOD path" and replays canned
// responses, recording every request body it saw.
type scriptedHTTP struct {
	responses map[string][]response
	requests  []string
	bodies    map[string][]string
}

type response struct {
	status int
	body   string
}

func newScriptedHTTP() *scriptedHTTP {
	return &scriptedHTTP{responses: map[string][]response{}, bodies: map[string][]string{}}
}

func (s *scriptedHTTP) stub(method, path string, status int, body string) {
	key := method + " " + path
	s.responses[key] = append(s.responses[key], response{status: status, body: body})
}

func (s *scriptedHTTP) Do(req *http.Request) (*http.Response, error) {
	key := req.Method + " " + req.URL.Path
	s.requests = append(s.requests, key)
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		s.bodies[key] = append(s.bodies[key], string(raw))
	}

	queue := s.responses[key]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected request %s", key)
	}
	next := queue[0]
	s.responses[key] = queue[1:]
	return &http.Response{
		StatusCode: next.status,
		Body:       io.NopCloser(strings.NewReader(next.body)),
		Header:     http.Header{},
	}, nil
}

func testKey(t *testing.T) task.Key {
	t.Helper()
	key, err := task.NewKey(task.PlatformGitHub, "acme", "widgets", task.KindIssue, 7)
	if err != nil {
		t.Fatalf("build key: %v", err)
	}
	return key
}

func newTestClient(t *testing.T, http *scriptedHTTP) *Client {
	t.Helper()
	client, err := New(Config{Token: "tok", HTTPClient: http})
	if err != nil {
		t.Fatalf("build client: %v", err)
	}
	return client
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("missing token accepted")
	}
}

func TestGetContentMergesIssueAndComments(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", "/repos/acme/widgets/issues/7", 200, `{
		"number": 7,
		"title": "Fix the parser",
		"body": "It mangles escapes.",
		"user": {"login": "maria"},
		"assignees": [{"login": "agent-bot"}],
		"labels": [{"name": "agent:pending"}]
	}`)
	httpClient.stub("GET", "/repos/acme/widgets/issues/7/comments", 200, `[
		{"id": 1, "body": "please prioritize", "user": {"login": "sam"}, "created_at": "2026-05-01T10:00:00Z"}
	]`)
	client := newTestClient(t, httpClient)

	content, err := client.GetContent(context.Background(), testKey(t))
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if content.Title != "Fix the parser" || content.Author != "maria" {
		t.Fatalf("content = %+v", content)
	}
	if len(content.Assignees) != 1 || content.Assignees[0] != "agent-bot" {
		t.Fatalf("assignees = %v", content.Assignees)
	}
	if len(content.Labels) != 1 || content.Labels[0] != "agent:pending" {
		t.Fatalf("labels = %v", content.Labels)
	}
	if len(content.Comments) != 1 || content.Comments[0].Author != "sam" {
		t.Fatalf("comments = %+v", content.Comments)
	}
}

func TestGetContentRejectsForeignPlatform(t *testing.T) {
	client := newTestClient(t, newScriptedHTTP())
	key, err := task.NewKey(task.PlatformGitLab, "acme", "widgets", task.KindIssue, 7)
	if err != nil {
		t.Fatalf("build key: %v", err)
	}
	if _, err := client.GetContent(context.Background(), key); err == nil {
		t.Fatalf("gitlab key accepted by github client")
	}
}

func TestAddCommentReturnsID(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("POST", "/repos/acme/widgets/issues/7/comments", 201, `{"id": 4242}`)
	client := newTestClient(t, httpClient)

	id, err := client.AddComment(context.Background(), testKey(t), "working on it")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if id != "4242" {
		t.Fatalf("comment id = %q", id)
	}
	sent := httpClient.bodies["POST /repos/acme/widgets/issues/7/comments"]
	if len(sent) != 1 || !strings.Contains(sent[0], "working on it") {
		t.Fatalf("request body = %v", sent)
	}
}

func TestUpdateCommentTargetsCommentEndpoint(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("PATCH", "/repos/acme/widgets/issues/comments/4242", 200, `{}`)
	client := newTestClient(t, httpClient)

	if err := client.UpdateComment(context.Background(), testKey(t), "4242", "updated"); err != nil {
		t.Fatalf("update comment: %v", err)
	}
	if err := client.UpdateComment(context.Background(), testKey(t), " ", "updated"); err == nil {
		t.Fatalf("blank comment id accepted")
	}
}

func TestSwapLabelRemovesThenAdds(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("DELETE", "/repos/acme/widgets/issues/7/labels/agent:pending", 200, `[]`)
	httpClient.stub("POST", "/repos/acme/widgets/issues/7/labels", 200, `[]`)
	client := newTestClient(t, httpClient)

	swapped, err := client.SwapLabel(context.Background(), testKey(t), "agent:pending", "agent:processing")
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !swapped {
		t.Fatalf("swap reported lost race on success")
	}
	added := httpClient.bodies["POST /repos/acme/widgets/issues/7/labels"]
	if len(added) != 1 || !strings.Contains(added[0], "agent:processing") {
		t.Fatalf("add body = %v", added)
	}
}

func TestSwapLabelLostRaceIsNotAnError(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("DELETE", "/repos/acme/widgets/issues/7/labels/agent:pending", 404, `{"message": "Label does not exist"}`)
	client := newTestClient(t, httpClient)

	swapped, err := client.SwapLabel(context.Background(), testKey(t), "agent:pending", "agent:processing")
	if err != nil {
		t.Fatalf("lost race surfaced as error: %v", err)
	}
	if swapped {
		t.Fatalf("missing source label reported as swapped")
	}
	// No add is attempted after a lost race.
	for _, req := range httpClient.requests {
		if strings.HasPrefix(req, "POST") {
			t.Fatalf("label added after lost race: %v", httpClient.requests)
		}
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("DELETE", "/repos/acme/widgets/issues/7/labels/agent:pending", 502, `{"message": "bad gateway"}`)
	client := newTestClient(t, httpClient)

	_, err := client.SwapLabel(context.Background(), testKey(t), "agent:pending", "agent:processing")
	if !task.IsTransient(err) {
		t.Fatalf("5xx = %v, want transient", err)
	}
	if !strings.Contains(err.Error(), "bad gateway") {
		t.Fatalf("API message lost: %v", err)
	}
}

func TestClientErrorsArePermanent(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("POST", "/repos/acme/widgets/issues/7/comments", 403, `{"message": "forbidden"}`)
	client := newTestClient(t, httpClient)

	_, err := client.AddComment(context.Background(), testKey(t), "hi")
	if err == nil || task.IsTransient(err) {
		t.Fatalf("4xx = %v, want permanent error", err)
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	httpClient := newScriptedHTTP()
	client := newTestClient(t, httpClient)

	_, err := client.ListAssignees(context.Background(), testKey(t))
	if !task.IsTransient(err) {
		t.Fatalf("network failure = %v, want transient", err)
	}
}

func TestListCommentsSinceFiltersAndPaginates(t *testing.T) {
	since := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// A full first page forces a second fetch; the boundary comment at
	// exactly `since` is filtered out client-side.
	firstPage := make([]map[string]interface{}, 0, 100)
	for i := 0; i < 100; i++ {
		firstPage = append(firstPage, map[string]interface{}{
			"id":         i + 1,
			"body":       fmt.Sprintf("comment %d", i+1),
			"user":       map[string]string{"login": "sam"},
			"created_at": since.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
	}
	firstRaw, err := json.Marshal(firstPage)
	if err != nil {
		t.Fatalf("marshal page: %v", err)
	}

	httpClient := newScriptedHTTP()
	httpClient.stub("GET", "/repos/acme/widgets/issues/7/comments", 200, string(firstRaw))
	httpClient.stub("GET", "/repos/acme/widgets/issues/7/comments", 200, `[
		{"id": 101, "body": "late addition", "user": {"login": "maria"}, "created_at": "2026-05-01T14:00:00Z"}
	]`)
	client := newTestClient(t, httpClient)

	comments, err := client.ListCommentsSince(context.Background(), testKey(t), since)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	// 100 on page one minus the boundary comment, plus one on page two.
	if len(comments) != 100 {
		t.Fatalf("comments = %d, want 100", len(comments))
	}
	if comments[0].Body != "comment 2" {
		t.Fatalf("boundary comment not filtered: %+v", comments[0])
	}
	if last := comments[len(comments)-1]; last.Body != "late addition" {
		t.Fatalf("second page lost: %+v", last)
	}
}

func TestListLabeledMapsPullRequestsToMergeRequests(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", "/repos/acme/widgets/issues", 200, `[
		{"number": 7},
		{"number": 9, "pull_request": {"url": "https://api.github.com/repos/acme/widgets/pulls/9"}}
	]`)
	client := newTestClient(t, httpClient)

	keys, err := client.ListLabeled(context.Background(), "acme", "widgets", "agent:pending")
	if err != nil {
		t.Fatalf("list labeled: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v", keys)
	}
	if keys[0].Kind != task.KindIssue || keys[0].Number != 7 {
		t.Fatalf("first key = %+v", keys[0])
	}
	if keys[1].Kind != task.KindMergeRequest || keys[1].Number != 9 {
		t.Fatalf("second key = %+v", keys[1])
	}
}

func TestListLabeledRequiresArguments(t *testing.T) {
	client := newTestClient(t, newScriptedHTTP())
	if _, err := client.ListLabeled(context.Background(), "", "widgets", "l"); err == nil {
		t.Fatalf("blank owner accepted")
	}
	if _, err := client.ListLabeled(context.Background(), "acme", "widgets", " "); err == nil {
		t.Fatalf("blank label accepted")
	}
}

var _ task.Remote = (*Client)(nil)

func TestTransientErrorsUnwrapToTheCause(t *testing.T) {
	httpClient := newScriptedHTTP()
	client := newTestClient(t, httpClient)

	_, err := client.GetContent(context.Background(), testKey(t))
	var transient *task.TransientError
	if !errors.As(err, &transient) || transient.Op != "get content" {
		t.Fatalf("err = %v", err)
	}
}
