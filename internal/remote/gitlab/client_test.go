package gitlab

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

// scriptedHTTP matches requests by "METHOD escaped-path" (GitLab project
// paths keep their %2F) and replays canned responses in order.
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
	key := req.Method + " " + req.URL.EscapedPath()
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

const projectPath = "/api/v4/projects/acme%2Fwidgets"

func testKey(t *testing.T, kind task.Kind) task.Key {
	t.Helper()
	key, err := task.NewKey(task.PlatformGitLab, "acme", "widgets", kind, 7)
	if err != nil {
		t.Fatalf("build key: %v", err)
	}
	return key
}

func newTestClient(t *testing.T, http *scriptedHTTP) *Client {
	t.Helper()
	client, err := New(Config{Token: "tok", APIEndpoint: "https://gitlab.example.com/api/v4", HTTPClient: http})
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

func TestGetContentReadsIssueAndNotes(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", projectPath+"/issues/7", 200, `{
		"iid": 7,
		"title": "Fix the parser",
		"description": "It mangles escapes.",
		"author": {"username": "maria"},
		"assignees": [{"username": "agent-bot"}],
		"labels": ["agent:pending"]
	}`)
	httpClient.stub("GET", projectPath+"/issues/7/notes", 200, `[
		{"id": 1, "body": "please prioritize", "author": {"username": "sam"}, "created_at": "2026-05-01T10:00:00Z"},
		{"id": 2, "body": "added label", "author": {"username": "sam"}, "created_at": "2026-05-01T10:01:00Z", "system": true}
	]`)
	client := newTestClient(t, httpClient)

	content, err := client.GetContent(context.Background(), testKey(t, task.KindIssue))
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if content.Title != "Fix the parser" || content.Author != "maria" {
		t.Fatalf("content = %+v", content)
	}
	if len(content.Labels) != 1 || content.Labels[0] != "agent:pending" {
		t.Fatalf("labels = %v", content.Labels)
	}
	// System notes never reach the conversation.
	if len(content.Comments) != 1 || content.Comments[0].Body != "please prioritize" {
		t.Fatalf("comments = %+v", content.Comments)
	}
}

func TestMergeRequestKeysUseTheirOwnEndpoint(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", projectPath+"/merge_requests/7", 200, `{"iid": 7, "assignees": [{"username": "agent-bot"}]}`)
	client := newTestClient(t, httpClient)

	assignees, err := client.ListAssignees(context.Background(), testKey(t, task.KindMergeRequest))
	if err != nil {
		t.Fatalf("list assignees: %v", err)
	}
	if len(assignees) != 1 || assignees[0] != "agent-bot" {
		t.Fatalf("assignees = %v", assignees)
	}
}

func TestGetContentRejectsForeignPlatform(t *testing.T) {
	client := newTestClient(t, newScriptedHTTP())
	key, err := task.NewKey(task.PlatformGitHub, "acme", "widgets", task.KindIssue, 7)
	if err != nil {
		t.Fatalf("build key: %v", err)
	}
	if _, err := client.GetContent(context.Background(), key); err == nil {
		t.Fatalf("github key accepted by gitlab client")
	}
}

func TestAddCommentReturnsNoteID(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("POST", projectPath+"/issues/7/notes", 201, `{"id": 4242}`)
	client := newTestClient(t, httpClient)

	id, err := client.AddComment(context.Background(), testKey(t, task.KindIssue), "working on it")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if id != "4242" {
		t.Fatalf("note id = %q", id)
	}
}

func TestUpdateCommentRewritesNote(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("PUT", projectPath+"/issues/7/notes/4242", 200, `{}`)
	client := newTestClient(t, httpClient)

	if err := client.UpdateComment(context.Background(), testKey(t, task.KindIssue), "4242", "updated"); err != nil {
		t.Fatalf("update comment: %v", err)
	}
	if err := client.UpdateComment(context.Background(), testKey(t, task.KindIssue), "", "updated"); err == nil {
		t.Fatalf("blank note id accepted")
	}
}

func TestSwapLabelRewritesWhenSourcePresent(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", projectPath+"/issues/7", 200, `{"iid": 7, "labels": ["agent:pending", "bug"]}`)
	httpClient.stub("PUT", projectPath+"/issues/7", 200, `{"iid": 7, "labels": ["agent:processing", "bug"]}`)
	client := newTestClient(t, httpClient)

	swapped, err := client.SwapLabel(context.Background(), testKey(t, task.KindIssue), "agent:pending", "agent:processing")
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !swapped {
		t.Fatalf("swap reported lost race on success")
	}
	sent := httpClient.bodies["PUT "+projectPath+"/issues/7"]
	if len(sent) != 1 || !strings.Contains(sent[0], "remove_labels") || !strings.Contains(sent[0], "agent:processing") {
		t.Fatalf("update body = %v", sent)
	}
}

func TestSwapLabelAbsentSourceIsLostRace(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", projectPath+"/issues/7", 200, `{"iid": 7, "labels": ["agent:processing"]}`)
	client := newTestClient(t, httpClient)

	swapped, err := client.SwapLabel(context.Background(), testKey(t, task.KindIssue), "agent:pending", "agent:processing")
	if err != nil {
		t.Fatalf("lost race surfaced as error: %v", err)
	}
	if swapped {
		t.Fatalf("absent source label reported as swapped")
	}
	// No write happens after a lost race.
	for _, req := range httpClient.requests {
		if strings.HasPrefix(req, "PUT") {
			t.Fatalf("item updated after lost race: %v", httpClient.requests)
		}
	}
}

func TestSwapLabelVerifiesTargetInResponse(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", projectPath+"/issues/7", 200, `{"iid": 7, "labels": ["agent:pending"]}`)
	httpClient.stub("PUT", projectPath+"/issues/7", 200, `{"iid": 7, "labels": ["bug"]}`)
	client := newTestClient(t, httpClient)

	swapped, err := client.SwapLabel(context.Background(), testKey(t, task.KindIssue), "agent:pending", "agent:processing")
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if swapped {
		t.Fatalf("missing target label reported as swapped")
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", projectPath+"/issues/7", 503, `{"message": "service unavailable"}`)
	client := newTestClient(t, httpClient)

	_, err := client.ListAssignees(context.Background(), testKey(t, task.KindIssue))
	if !task.IsTransient(err) {
		t.Fatalf("5xx = %v, want transient", err)
	}
}

func TestClientErrorsArePermanent(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("POST", projectPath+"/issues/7/notes", 401, `{"message": "401 Unauthorized"}`)
	client := newTestClient(t, httpClient)

	_, err := client.AddComment(context.Background(), testKey(t, task.KindIssue), "hi")
	if err == nil || task.IsTransient(err) {
		t.Fatalf("4xx = %v, want permanent error", err)
	}
	if !strings.Contains(err.Error(), "401 Unauthorized") {
		t.Fatalf("API message lost: %v", err)
	}
}

func TestListCommentsSinceSkipsOldAndSystemNotes(t *testing.T) {
	since := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", projectPath+"/issues/7/notes", 200, `[
		{"id": 1, "body": "too old", "author": {"username": "sam"}, "created_at": "2026-05-01T11:00:00Z"},
		{"id": 2, "body": "boundary", "author": {"username": "sam"}, "created_at": "2026-05-01T12:00:00Z"},
		{"id": 3, "body": "new human note", "author": {"username": "maria"}, "created_at": "2026-05-01T13:00:00Z"},
		{"id": 4, "body": "relabeled", "author": {"username": "maria"}, "created_at": "2026-05-01T14:00:00Z", "system": true}
	]`)
	client := newTestClient(t, httpClient)

	comments, err := client.ListCommentsSince(context.Background(), testKey(t, task.KindIssue), since)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 1 || comments[0].Body != "new human note" {
		t.Fatalf("comments = %+v", comments)
	}
}

func TestListLabeledScansIssuesAndMergeRequests(t *testing.T) {
	httpClient := newScriptedHTTP()
	httpClient.stub("GET", projectPath+"/issues", 200, `[{"iid": 7}]`)
	httpClient.stub("GET", projectPath+"/merge_requests", 200, `[{"iid": 9}]`)
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

var _ task.Remote = (*Client)(nil)
