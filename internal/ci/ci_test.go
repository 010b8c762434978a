package ci

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindPrivateAddr(t *testing.T) {
	cases := []struct {
		name  string
		addrs []string
		want  string
	}{
		{"first private", []string{"10.0.0.5", "192.168.1.1"}, "10.0.0.5"},
		{"public before private", []string{"8.8.8.8", "172.16.0.10"}, "172.16.0.10"},
		{"skips unparseable", []string{"not-an-ip", "192.168.0.2"}, "192.168.0.2"},
		{"no private", []string{"8.8.8.8", "1.1.1.1"}, ""},
		{"boundary above 172.31", []string{"172.32.0.1", "172.31.255.254"}, "172.31.255.254"},
		{"empty list", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FindPrivateAddr(tc.addrs))
		})
	}
}

func TestStateLoadMergesSavedValues(t *testing.T) {
	workspace := t.TempDir()
	sudo := true
	require.NoError(t, Save(workspace, &State{
		RequireSudo:      &sudo,
		OutputColumns:    120,
		MinionIPAddress:  "10.0.0.5",
		SaltMinionSynced: true,
	}))

	// Current values win over saved ones, except the columns which track
	// the current invocation when set
	merged := Load(workspace, &State{MinionIPAddress: "10.0.0.9", OutputColumns: 80})
	assert.Equal(t, "10.0.0.9", merged.MinionIPAddress)
	assert.Equal(t, 80, merged.OutputColumns)
	assert.True(t, merged.SaltMinionSynced)
	require.NotNil(t, merged.RequireSudo)
	assert.True(t, *merged.RequireSudo)
	assert.Equal(t, workspace, merged.Workspace)
}

func TestStateLoadCorruptFileIsEmpty(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, StateFileName), []byte("{broken"), 0o644))

	merged := Load(workspace, &State{MinionIPAddress: "10.0.0.9"})
	assert.Equal(t, "10.0.0.9", merged.MinionIPAddress)
	assert.False(t, merged.SaltMinionBootstrapped)
}

func TestStateSaveFillsOnlyUnsetKeys(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, Save(workspace, &State{MinionIPAddress: "10.0.0.5"}))
	require.NoError(t, Save(workspace, &State{MinionIPAddress: "10.9.9.9", SaltMinionBootstrapped: true}))

	saved := readState(workspace)
	assert.Equal(t, "10.0.0.5", saved.MinionIPAddress)
	assert.True(t, saved.SaltMinionBootstrapped)
}

func TestReadTokenFromJenkinsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("JENKINS_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, ".github_token"), []byte("tok-123\n"), 0o600))

	token, err := ReadToken("")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestReadTokenExplicitWins(t *testing.T) {
	token, err := ReadToken("explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", token)
}

func TestPostCommitStatus(t *testing.T) {
	var gotPath, gotAuth string
	var gotStatus CommitStatus
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotStatus))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewGitHubClient(context.Background(), "tok-123", server.URL)
	err := client.PostCommitStatus(context.Background(), "saltstack/salt", "abc123", CommitStatus{
		State:       "success",
		TargetURL:   "https://jenkins.example/job/42/",
		Description: "salt #42: SUCCESS",
		Context:     "ci/jenkins",
	})
	require.NoError(t, err)

	assert.Equal(t, "/repos/saltstack/salt/statuses/abc123", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "success", gotStatus.State)
	assert.Equal(t, "ci/jenkins", gotStatus.Context)
}

func TestPostCommitStatusNon201IsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewGitHubClient(context.Background(), "bad", server.URL)
	err := client.PostCommitStatus(context.Background(), "o/r", "sha", CommitStatus{State: "success"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestFetchBuildInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/job/salt/42/api/json", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"fullDisplayName": "salt #42",
			"building":        false,
			"result":          "SUCCESS",
		})
	}))
	defer server.Close()

	info, err := FetchBuildInfo(context.Background(), nil, server.URL+"/job/salt/42/")
	require.NoError(t, err)
	assert.Equal(t, "salt #42", info.FullDisplayName)
	assert.Equal(t, "success", info.StatusState())
	assert.Equal(t, "salt #42: SUCCESS", info.StatusDescription())
}

func TestBuildInfoStatusMapping(t *testing.T) {
	assert.Equal(t, "pending", (&BuildInfo{Building: true}).StatusState())
	assert.Equal(t, "success", (&BuildInfo{Result: "SUCCESS"}).StatusState())
	assert.Equal(t, "error", (&BuildInfo{Result: "ABORTED"}).StatusState())
	assert.Equal(t, "failure", (&BuildInfo{Result: "FAILURE"}).StatusState())
	assert.Equal(t, "failure", (&BuildInfo{Result: "UNSTABLE"}).StatusState())
}
