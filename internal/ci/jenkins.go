package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// BuildInfo is the subset of the Jenkins build payload the glue needs
type BuildInfo struct {
	FullDisplayName string `json:"fullDisplayName"`
	Building        bool   `json:"building"`
	Result          string `json:"result"`
}

// FetchBuildInfo queries the Jenkins JSON API for a build URL
func FetchBuildInfo(ctx context.Context, httpClient *http.Client, buildURL string) (*BuildInfo, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	url := strings.TrimSuffix(buildURL, "/") + "/api/json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch build info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("build info lookup returned %d: %s", resp.StatusCode, body)
	}
	info := &BuildInfo{}
	if err := json.NewDecoder(resp.Body).Decode(info); err != nil {
		return nil, fmt.Errorf("failed to decode build info: %w", err)
	}
	return info, nil
}

// StatusState maps the build state to a GitHub commit status state
func (b *BuildInfo) StatusState() string {
	if b.Building {
		return "pending"
	}
	switch b.Result {
	case "SUCCESS":
		return "success"
	case "ABORTED":
		return "error"
	default:
		return "failure"
	}
}

// StatusDescription renders the human readable status description
func (b *BuildInfo) StatusDescription() string {
	result := b.Result
	if b.Building {
		result = "BUILDING"
	}
	return fmt.Sprintf("%s: %s", b.FullDisplayName, result)
}
