// Package github adapts GitHub to the engine's event vocabulary: webhook
// deliveries become transport envelopes, and the REST API backfills recent
// deployment activity on startup.
package github

import (
	"encoding/json"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v57/github"

	"opsdeck/internal/event"
)

// Translate converts one webhook delivery into engine envelopes stamped
// with the receiving project. Event types outside the deployment
// vocabulary translate to nothing; only a payload that fails to parse is
// an error.
func Translate(projectName, eventType string, payload []byte) ([]event.Envelope, error) {
	parsed, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s webhook: %w", eventType, err)
	}

	switch ev := parsed.(type) {
	case *gh.PushEvent:
		return pushEnvelopes(projectName, ev), nil
	case *gh.WorkflowRunEvent:
		return workflowRunEnvelopes(projectName, ev.GetWorkflowRun()), nil
	case *gh.DeploymentStatusEvent:
		return deploymentStatusEnvelopes(projectName, ev), nil
	default:
		return nil, nil
	}
}

// pushEnvelopes turns a push to a branch into a deployment trigger. Branch
// filtering happens upstream against the project's configured branch.
func pushEnvelopes(projectName string, ev *gh.PushEvent) []event.Envelope {
	head := ev.GetHeadCommit()
	if head == nil {
		return nil
	}

	triggered := event.DeploymentTriggered{
		ID:      "push-" + shortSHA(head.GetID()),
		Project: projectName,
		Trigger: "webhook",
		Branch:  branchFromRef(ev.GetRef()),
		Commit:  head.GetID(),
		Author:  ev.GetPusher().GetName(),
		Message: head.GetMessage(),
	}
	return []event.Envelope{mustEnvelope(event.TypeDeploymentTriggered, triggered)}
}

// workflowRunEnvelopes maps a workflow run to the status vocabulary:
// queued is pending, in_progress is building, and a completed run carries
// its conclusion.
func workflowRunEnvelopes(projectName string, run *gh.WorkflowRun) []event.Envelope {
	if run == nil {
		return nil
	}

	status := event.DeploymentStatus{
		ID:      fmt.Sprintf("gh-run-%d", run.GetID()),
		Project: projectName,
		Branch:  run.GetHeadBranch(),
		Commit:  run.GetHeadSHA(),
	}

	switch run.GetStatus() {
	case "queued", "waiting", "requested":
		status.Status = "pending"
	case "in_progress":
		status.Status = "building"
	case "completed":
		switch run.GetConclusion() {
		case "success":
			status.Status = "success"
			status.URL = run.GetHTMLURL()
		case "cancelled":
			// The tracker only accepts user-initiated cancellation, so an
			// externally cancelled run is reported as a failure.
			status.Status = "failed"
			status.Error = "workflow run was cancelled on GitHub"
		default:
			status.Status = "failed"
			status.Error = fmt.Sprintf("workflow run concluded with %s", run.GetConclusion())
		}
	default:
		return nil
	}

	return []event.Envelope{mustEnvelope(event.TypeDeploymentStatus, status)}
}

// deploymentStatusEnvelopes maps the GitHub deployment status states onto
// the engine's lifecycle.
func deploymentStatusEnvelopes(projectName string, ev *gh.DeploymentStatusEvent) []event.Envelope {
	deployment := ev.GetDeployment()
	state := ev.GetDeploymentStatus().GetState()
	if deployment == nil {
		return nil
	}

	status := event.DeploymentStatus{
		ID:      fmt.Sprintf("gh-deploy-%d", deployment.GetID()),
		Project: projectName,
		Branch:  deployment.GetRef(),
		Commit:  deployment.GetSHA(),
	}
	if env := deployment.GetEnvironment(); validEnvironment(env) {
		status.Environment = env
	}

	switch state {
	case "pending", "queued":
		status.Status = "pending"
	case "in_progress":
		status.Status = "building"
	case "success":
		status.Status = "success"
		status.URL = ev.GetDeploymentStatus().GetTargetURL()
	case "failure", "error":
		status.Status = "failed"
		status.Error = ev.GetDeploymentStatus().GetDescription()
		if status.Error == "" {
			status.Error = fmt.Sprintf("deployment reported %s with no description", state)
		}
	default:
		// inactive and other states carry no lifecycle meaning here.
		return nil
	}

	return []event.Envelope{mustEnvelope(event.TypeDeploymentStatus, status)}
}

func branchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func validEnvironment(env string) bool {
	return env == "development" || env == "staging" || env == "production"
}

// mustEnvelope wraps a typed payload. Marshaling our own structs cannot
// fail, so the error path collapses to an empty payload that the ingestor
// rejects and reports.
func mustEnvelope(eventType string, payload interface{}) event.Envelope {
	blob, err := json.Marshal(payload)
	if err != nil {
		blob = nil
	}
	return event.Envelope{Type: eventType, Payload: blob}
}
