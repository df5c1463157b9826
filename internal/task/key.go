package task

import (
	"fmt"
	"strconv"
	"strings"
)

// Platform identifies the remote system hosting a work item.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// Kind identifies the sort of work item a key points at.
type Kind string

const (
	KindIssue        Kind = "issue"
	KindMergeRequest Kind = "merge_request"
)

// Key is the immutable identity of one remote work item. Keys are value
// types: two keys naming the same item compare equal and are safe to use
// as map keys. A key is never reused for a different item.
type Key struct {
	Platform Platform `json:"platform"`
	Owner    string   `json:"owner"`
	Repo     string   `json:"repo"`
	Kind     Kind     `json:"kind"`
	Number   int      `json:"number"`
}

// NewKey builds a validated key.
func NewKey(platform Platform, owner, repo string, kind Kind, number int) (Key, error) {
	key := Key{
		Platform: Platform(strings.TrimSpace(strings.ToLower(string(platform)))),
		Owner:    strings.TrimSpace(owner),
		Repo:     strings.TrimSpace(repo),
		Kind:     Kind(strings.TrimSpace(strings.ToLower(string(kind)))),
		Number:   number,
	}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

func (k Key) Validate() error {
	switch k.Platform {
	case PlatformGitHub, PlatformGitLab:
	default:
		return fmt.Errorf("unknown platform %q", k.Platform)
	}
	switch k.Kind {
	case KindIssue, KindMergeRequest:
	default:
		return fmt.Errorf("unknown task kind %q", k.Kind)
	}
	if k.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if k.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if k.Number <= 0 {
		return fmt.Errorf("item number must be positive, got %d", k.Number)
	}
	return nil
}

// String renders the canonical form "platform/owner/repo/kind/number".
// The canonical form is what queues, logs and pause-state keys carry.
func (k Key) String() string {
	return strings.Join([]string{
		string(k.Platform), k.Owner, k.Repo, string(k.Kind), strconv.Itoa(k.Number),
	}, "/")
}

// ParseKey is the inverse of String.
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(raw), "/")
	if len(parts) != 5 {
		return Key{}, fmt.Errorf("malformed task key %q", raw)
	}
	number, err := strconv.Atoi(parts[4])
	if err != nil {
		return Key{}, fmt.Errorf("malformed task number in key %q: %w", raw, err)
	}
	return NewKey(Platform(parts[0]), parts[1], parts[2], Kind(parts[3]), number)
}
