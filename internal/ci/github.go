package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"

	"salttesting/pkg/logging"
)

// DefaultGitHubAPIURL is the GitHub REST API base
const DefaultGitHubAPIURL = "https://api.github.com"

// CommitStatus is the payload posted to the commit status endpoint
type CommitStatus struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context,omitempty"`
}

// GitHubClient posts commit statuses and looks up pull requests
type GitHubClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewGitHubClient creates an authenticated client. The base URL is
// overridable for tests.
func NewGitHubClient(ctx context.Context, token, baseURL string) *GitHubClient {
	if baseURL == "" {
		baseURL = DefaultGitHubAPIURL
	}
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubClient{
		httpClient: oauth2.NewClient(ctx, source),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// ReadToken resolves the GitHub API token: an explicit value wins,
// otherwise the .github_token file under $JENKINS_HOME, falling back to
// the home directory.
func ReadToken(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	base := os.Getenv("JENKINS_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate a github token: %w", err)
		}
		base = home
	}
	path := filepath.Join(base, ".github_token")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read github token from %s: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("empty github token in %s", path)
	}
	return token, nil
}

// PostCommitStatus sets the commit status for a SHA. GitHub answers 201
// on success, anything else is an error.
func (c *GitHubClient) PostCommitStatus(ctx context.Context, repo, sha string, status CommitStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to serialize commit status: %w", err)
	}
	url := fmt.Sprintf("%s/repos/%s/statuses/%s", c.baseURL, repo, sha)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post commit status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("commit status post returned %d: %s", resp.StatusCode, body)
	}
	logging.Info("CI", "set commit status %s on %s@%s", status.State, repo, sha)
	return nil
}

// PullRequest is the subset of the pull request payload the glue needs
type PullRequest struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Head   struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

// GetPullRequest looks up one pull request by number
func (c *GitHubClient) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", c.baseURL, repo, number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pull request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("pull request lookup returned %d: %s", resp.StatusCode, body)
	}
	pr := &PullRequest{}
	if err := json.NewDecoder(resp.Body).Decode(pr); err != nil {
		return nil, fmt.Errorf("failed to decode pull request: %w", err)
	}
	return pr, nil
}
