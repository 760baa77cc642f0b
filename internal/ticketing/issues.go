package ticketing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// User is the subset of a GitHub account CiteDrop reads.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// Label is an issue label.
type Label struct {
	Name string `json:"name"`
}

// Issue is the subset of a GitHub issue CiteDrop reads.
type Issue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	HTMLURL     string    `json:"html_url"`
	User        User      `json:"user"`
	Labels      []Label   `json:"labels"`
	CreatedAt   time.Time `json:"created_at"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// HasLabel reports whether the issue carries name.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// Repo names a repository.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// FormatRef builds the external ref of an issue: "owner/repo#N".
func FormatRef(repo Repo, number int) string {
	return fmt.Sprintf("%s/%s#%d", repo.Owner, repo.Name, number)
}

// ParseRef reverses FormatRef.
func ParseRef(ref string) (Repo, int, error) {
	slug, num, ok := strings.Cut(ref, "#")
	if !ok {
		return Repo{}, 0, fmt.Errorf("external ref %q: missing issue number", ref)
	}
	owner, name, ok := strings.Cut(slug, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, 0, fmt.Errorf("external ref %q: expected owner/repo#number", ref)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return Repo{}, 0, fmt.Errorf("external ref %q: invalid issue number", ref)
	}
	return Repo{Owner: owner, Name: name}, n, nil
}

// ListOpenIssues returns every open issue in repo carrying label, following
// pagination. Pull requests are skipped.
func (c *Client) ListOpenIssues(ctx context.Context, repo Repo, label string) ([]Issue, error) {
	q := url.Values{}
	q.Set("state", "open")
	q.Set("sort", "created")
	q.Set("direction", "asc")
	q.Set("per_page", "100")
	if label != "" {
		q.Set("labels", label)
	}
	next := fmt.Sprintf("%s/repos/%s/%s/issues?%s", c.baseURL, repo.Owner, repo.Name, q.Encode())

	var all []Issue
	for next != "" {
		page, link, err := c.issuePage(ctx, next)
		if err != nil {
			return all, fmt.Errorf("listing issues in %s: %w", repo, err)
		}
		for _, issue := range page {
			if issue.PullRequest == nil {
				all = append(all, issue)
			}
		}
		next = parseLinkNext(link)
	}
	return all, nil
}

func (c *Client) issuePage(ctx context.Context, pageURL string) ([]Issue, string, error) {
	data, header, err := c.doWithRetry(ctx, http.MethodGet, pageURL, nil, false)
	if err != nil {
		return nil, "", err
	}
	var issues []Issue
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil, "", fmt.Errorf("github: decoding issues: %w", err)
	}
	return issues, header.Get("Link"), nil
}

// UserID resolves a login to its immutable numeric id.
func (c *Client) UserID(ctx context.Context, login string) (int64, error) {
	var u User
	if err := c.get(ctx, "/users/"+url.PathEscape(login), &u); err != nil {
		return 0, fmt.Errorf("looking up user %s: %w", login, err)
	}
	return u.ID, nil
}

// AddLabels adds labels to an issue, keeping existing ones.
func (c *Client) AddLabels(ctx context.Context, repo Repo, number int, labels ...string) error {
	body := struct {
		Labels []string `json:"labels"`
	}{Labels: labels}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", repo.Owner, repo.Name, number)
	if _, _, err := c.do(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("labelling %s: %w", FormatRef(repo, number), err)
	}
	return nil
}

// Labels lists the labels currently on an issue.
func (c *Client) Labels(ctx context.Context, repo Repo, number int) ([]Label, error) {
	var labels []Label
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", repo.Owner, repo.Name, number)
	if err := c.get(ctx, path, &labels); err != nil {
		return nil, fmt.Errorf("listing labels of %s: %w", FormatRef(repo, number), err)
	}
	return labels, nil
}

// RemoveLabel removes one label from an issue. A label that is already gone
// is not an error.
func (c *Client) RemoveLabel(ctx context.Context, repo Repo, number int, label string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", repo.Owner, repo.Name, number, url.PathEscape(label))
	if _, _, err := c.do(ctx, http.MethodDelete, path, nil); err != nil && !IsNotFound(err) {
		return fmt.Errorf("unlabelling %s: %w", FormatRef(repo, number), err)
	}
	return nil
}

// Comment posts a comment on an issue.
func (c *Client) Comment(ctx context.Context, repo Repo, number int, text string) error {
	body := struct {
		Body string `json:"body"`
	}{Body: text}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", repo.Owner, repo.Name, number)
	if _, _, err := c.do(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("commenting on %s: %w", FormatRef(repo, number), err)
	}
	return nil
}

// CloseIssue closes an issue.
func (c *Client) CloseIssue(ctx context.Context, repo Repo, number int) error {
	body := struct {
		State string `json:"state"`
	}{State: "closed"}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", repo.Owner, repo.Name, number)
	if _, _, err := c.do(ctx, http.MethodPatch, path, body); err != nil {
		return fmt.Errorf("closing %s: %w", FormatRef(repo, number), err)
	}
	return nil
}
