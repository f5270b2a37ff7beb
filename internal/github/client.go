package github

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"opsdeck/internal/event"
)

// DefaultHydrateLimit caps how many workflow runs are replayed per project
// at startup.
const DefaultHydrateLimit = 20

// Client reads recent deployment activity from the GitHub REST API so the
// dashboard is not empty until the next webhook arrives.
type Client struct {
	gh *gh.Client
}

// NewClient builds an API client. An empty token yields unauthenticated
// requests, which is enough for public repositories.
func NewClient(ctx context.Context, token string) *Client {
	if token == "" {
		return &Client{gh: gh.NewClient(nil)}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{gh: gh.NewClient(oauth2.NewClient(ctx, ts))}
}

// RecentRuns fetches the latest workflow runs for owner/name and replays
// them as status envelopes, oldest first so the tracker sees transitions in
// order.
func (c *Client) RecentRuns(ctx context.Context, projectName, owner, name string, limit int) ([]event.Envelope, error) {
	if limit <= 0 {
		limit = DefaultHydrateLimit
	}

	runs, _, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, &gh.ListWorkflowRunsOptions{
		ListOptions: gh.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs for %s/%s: %w", owner, name, err)
	}

	var envelopes []event.Envelope
	for i := len(runs.WorkflowRuns) - 1; i >= 0; i-- {
		run := runs.WorkflowRuns[i]

		triggered := event.DeploymentTriggered{
			ID:      fmt.Sprintf("gh-run-%d", run.GetID()),
			Project: projectName,
			Trigger: "webhook",
			Branch:  run.GetHeadBranch(),
			Commit:  run.GetHeadSHA(),
			Author:  run.GetActor().GetLogin(),
			Message: run.GetDisplayTitle(),
		}
		env := mustEnvelope(event.TypeDeploymentTriggered, triggered)
		env.Timestamp = run.GetRunStartedAt().Time
		envelopes = append(envelopes, env)

		for _, statusEnv := range workflowRunEnvelopes(projectName, run) {
			statusEnv.Timestamp = run.GetUpdatedAt().Time
			envelopes = append(envelopes, statusEnv)
		}
	}
	return envelopes, nil
}
