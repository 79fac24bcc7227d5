package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/webkaz/superset/internal/agent"
	"github.com/webkaz/superset/internal/gitsync"
	"github.com/webkaz/superset/internal/sandbox"
)

type PromptInput struct {
	Body struct {
		Content   string        `json:"content" minLength:"1" doc:"Prompt text"`
		MessageID string        `json:"messageId,omitempty" doc:"Control plane message ID for event correlation"`
		Model     string        `json:"model,omitempty" doc:"Model override, \"model\" or \"provider/model\""`
		Author    *agent.Author `json:"author,omitempty" doc:"Commit author for this prompt"`
	}
}

type AcceptedOutput struct {
	Body struct {
		Accepted  bool   `json:"accepted"`
		MessageID string `json:"messageId,omitempty"`
	}
}

type StopOutput struct {
	Body struct {
		Stopped bool `json:"stopped"`
	}
}

type PushInput struct {
	Body struct {
		BranchName  string `json:"branchName" minLength:"1" doc:"Branch to push HEAD to"`
		GitHubToken string `json:"githubToken,omitempty" doc:"Fresh GitHub token; falls back to the sandbox environment"` //nolint:gosec // G117: push credential
		RepoOwner   string `json:"repoOwner,omitempty" doc:"Repository owner override"`
		RepoName    string `json:"repoName,omitempty" doc:"Repository name override"`
	}
}

type PushOutput struct {
	Body gitsync.PushResult
}

type StatusOutput struct {
	Body sandbox.Status
}

func RegisterCommandRoutes(api huma.API, sb Sandbox) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-prompt",
		Method:        http.MethodPost,
		Path:          "/prompt",
		Summary:       "Run a prompt in the sandbox",
		Tags:          []string{"Session"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *PromptInput) (*AcceptedOutput, error) {
		err := sb.StartPrompt(ctx, sandbox.PromptCommand{
			Content:   input.Body.Content,
			MessageID: input.Body.MessageID,
			Model:     input.Body.Model,
			Author:    input.Body.Author,
		})
		if err != nil {
			if errors.Is(err, sandbox.ErrSessionBusy) {
				return nil, huma.Error409Conflict("a prompt is already running")
			}
			if errors.Is(err, sandbox.ErrEmptyPrompt) {
				return nil, huma.Error400BadRequest("prompt is empty")
			}
			return nil, huma.Error500InternalServerError("failed to start prompt", err)
		}

		out := &AcceptedOutput{}
		out.Body.Accepted = true
		out.Body.MessageID = input.Body.MessageID
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-prompt",
		Method:      http.MethodPost,
		Path:        "/stop",
		Summary:     "Stop the running prompt",
		Tags:        []string{"Session"},
	}, func(ctx context.Context, _ *struct{}) (*StopOutput, error) {
		if err := sb.Stop(ctx); err != nil {
			return nil, huma.Error502BadGateway("failed to stop agent", err)
		}
		out := &StopOutput{}
		out.Body.Stopped = true
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "push-branch",
		Method:      http.MethodPost,
		Path:        "/push",
		Summary:     "Push the workspace HEAD to a named branch",
		Tags:        []string{"Git"},
	}, func(ctx context.Context, input *PushInput) (*PushOutput, error) {
		res := sb.Push(ctx, sandbox.PushCommand{
			BranchName: input.Body.BranchName,
			Token:      input.Body.GitHubToken,
			RepoOwner:  input.Body.RepoOwner,
			RepoName:   input.Body.RepoName,
		})
		return &PushOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Get session and workspace status",
		Tags:        []string{"Session"},
	}, func(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
		return &StatusOutput{Body: sb.Status(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "snapshot",
		Method:        http.MethodPost,
		Path:          "/snapshot",
		Summary:       "Announce the workspace is ready to be snapshotted",
		Tags:          []string{"Session"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, _ *struct{}) (*AcceptedOutput, error) {
		sb.Snapshot(ctx)
		out := &AcceptedOutput{}
		out.Body.Accepted = true
		return out, nil
	})
}
