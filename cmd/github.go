package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"salttesting/internal/ci"
)

var githubStatusFlags struct {
	repo        string
	commit      string
	pullRequest int
	token       string
	targetURL   string
	context     string
	description string
}

// githubAPIBaseURL overrides the GitHub API endpoint, used by tests
var githubAPIBaseURL = ""

// newGithubStatusCmd creates the command that mirrors a Jenkins build
// outcome onto a GitHub commit status.
func newGithubStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "github-status",
		Short: "Post a Jenkins build result as a GitHub commit status",
		Long: `Fetches the build information for the given Jenkins build URL and
posts the derived commit status (pending, success, failure or error)
to GitHub. The status target is either an explicit commit SHA or the
head of a pull request resolved through the API. The API token is read
from --github-token, falling back to the .github_token file under
$JENKINS_HOME or the home directory.`,
		RunE: runGithubStatus,
	}

	flags := cmd.Flags()
	flags.StringVar(&githubStatusFlags.repo, "repo", "", "GitHub repository as owner/name")
	flags.StringVar(&githubStatusFlags.commit, "commit", "", "commit SHA to set the status on")
	flags.IntVar(&githubStatusFlags.pullRequest, "pr", 0, "pull request number whose head commit gets the status")
	flags.StringVar(&githubStatusFlags.token, "github-token", "", "GitHub API token")
	flags.StringVar(&githubStatusFlags.targetURL, "target-url", "", "Jenkins build URL")
	flags.StringVar(&githubStatusFlags.context, "context", "ci/jenkins", "commit status context")
	flags.StringVar(&githubStatusFlags.description, "description", "", "override the derived status description")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("target-url")
	cmd.MarkFlagsOneRequired("commit", "pr")
	cmd.MarkFlagsMutuallyExclusive("commit", "pr")

	return cmd
}

func runGithubStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	token, err := ci.ReadToken(githubStatusFlags.token)
	if err != nil {
		return err
	}

	build, err := ci.FetchBuildInfo(ctx, nil, githubStatusFlags.targetURL)
	if err != nil {
		return err
	}

	description := githubStatusFlags.description
	if description == "" {
		description = build.StatusDescription()
	}

	client := ci.NewGitHubClient(ctx, token, githubAPIBaseURL)

	commit := githubStatusFlags.commit
	if commit == "" {
		pr, err := client.GetPullRequest(ctx, githubStatusFlags.repo, githubStatusFlags.pullRequest)
		if err != nil {
			return err
		}
		commit = pr.Head.SHA
	}

	status := ci.CommitStatus{
		State:       build.StatusState(),
		TargetURL:   githubStatusFlags.targetURL,
		Description: description,
		Context:     githubStatusFlags.context,
	}
	if err := client.PostCommitStatus(ctx, githubStatusFlags.repo, commit, status); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set commit status %q on %s@%s\n",
		status.State, githubStatusFlags.repo, commit)
	return nil
}
