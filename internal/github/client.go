// Package github fetches pull request change-sets from the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reviewline/internal/domain"
)

// Fetch failure classes. The orchestrator fails the whole task on any of
// these since no partial work exists yet.
var (
	ErrNotFound     = errors.New("change-set not found")
	ErrUnauthorized = errors.New("change-set access unauthorized")
	ErrRateLimited  = errors.New("change-set source rate limited")
)

// ChangeSet is the fetched pull request content plus metadata.
type ChangeSet struct {
	Title       string
	Description string
	Author      string
	Files       []domain.FileDiff
	Additions   int
	Deletions   int
}

// Fetcher is the change-set source capability consumed by the orchestrator.
type Fetcher interface {
	FetchChangeSet(ctx context.Context, repoURL string, changeID int) (*ChangeSet, error)
}

// Client talks to the GitHub v3 REST API.
type Client struct {
	APIBase string
	Token   string
	HTTP    *http.Client
}

func New(apiBase, token string) *Client {
	return &Client{
		APIBase: strings.TrimRight(apiBase, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type prDetails struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	User  struct {
		Login string `json:"login"`
	} `json:"user"`
}

type prFile struct {
	Filename  string `json:"filename"`
	Patch     string `json:"patch"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// FetchChangeSet retrieves PR details and the changed files for repoURL and
// pull request number changeID.
func (c *Client) FetchChangeSet(ctx context.Context, repoURL string, changeID int) (*ChangeSet, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	var details prDetails
	if err := c.getJSON(ctx, fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.APIBase, owner, repo, changeID), &details); err != nil {
		return nil, err
	}
	var files []prFile
	if err := c.getJSON(ctx, fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=100", c.APIBase, owner, repo, changeID), &files); err != nil {
		return nil, err
	}
	cs := &ChangeSet{
		Title:       details.Title,
		Description: details.Body,
		Author:      details.User.Login,
	}
	for _, f := range files {
		cs.Files = append(cs.Files, domain.FileDiff{
			Path:      f.Filename,
			Patch:     f.Patch,
			Additions: f.Additions,
			Deletions: f.Deletions,
		})
		cs.Additions += f.Additions
		cs.Deletions += f.Deletions
	}
	return cs, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "reviewline")
	if c.Token != "" {
		req.Header.Set("Authorization", "token "+c.Token)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	case res.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case res.StatusCode == http.StatusForbidden:
		// GitHub signals rate limiting with 403 + a zeroed remaining quota.
		if res.Header.Get("X-RateLimit-Remaining") == "0" {
			return ErrRateLimited
		}
		return ErrUnauthorized
	case res.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case res.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("github status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// ParseRepoURL extracts owner and repository from a GitHub URL such as
// https://github.com/owner/repo.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid repository URL %q: %w", repoURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository URL %q: expected owner/repo path", repoURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
