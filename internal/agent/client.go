// Package agent shells out to an external agent CLI for the reasoning
// work taskd orchestrates: stage execution, validation, complexity
// assessment, and objective decomposition. The protocol is JSON on stdin
// and stdout, one request per invocation.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/model"
	"github.com/fyrsmithlabs/taskd/internal/pipeline"
)

// Client invokes the agent command. It implements the pipeline executor
// and validator, the router assessor, and the controller decomposer.
type Client struct {
	command string
	workDir string
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a Client for the given agent command.
func NewClient(command, workDir string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Client{command: command, workDir: workDir, timeout: timeout, logger: logger}
}

// runJSON invokes one agent subcommand with req on stdin and decodes the
// JSON response from stdout. Stderr is carried into the error for
// diagnosis; the agent's own logs belong there, not on stdout.
func (c *Client) runJSON(ctx context.Context, subcommand string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subcommand, err)
	}

	cmd := exec.CommandContext(ctx, c.command, subcommand)
	cmd.Dir = c.workDir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	c.logger.Debug("agent invocation finished",
		zap.String("subcommand", subcommand),
		zap.Duration("duration", time.Since(start)),
		zap.Error(runErr))

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("agent %s timed out after %v", subcommand, c.timeout)
		}
		return fmt.Errorf("agent %s failed: %w; stderr: %s", subcommand, runErr, stderr.String())
	}
	if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
		return fmt.Errorf("agent %s returned malformed output: %w", subcommand, err)
	}
	return nil
}

type stageRequest struct {
	Kind           string            `json:"kind"`
	Objective      string            `json:"objective"`
	TaskID         string            `json:"task_id"`
	Description    string            `json:"description"`
	SessionID      string            `json:"session_id,omitempty"`
	PriorArtifacts map[string]string `json:"prior_artifacts,omitempty"`
}

type stageResponse struct {
	Status    string            `json:"status"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	Message   string            `json:"message,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

// runStage performs one pipeline stage. An agent process failure is a
// transient stage failure, not an infrastructure error; the retry loop
// owns it.
func (c *Client) runStage(ctx context.Context, ec *pipeline.ExecutionContext, task *model.Task, stage checkpoint.Stage) (*pipeline.StageResult, error) {
	req := stageRequest{
		Kind:           string(stage),
		Objective:      ec.Objective,
		TaskID:         task.ID,
		Description:    task.Description,
		SessionID:      ec.SessionIDs[stage],
		PriorArtifacts: ec.Artifacts,
	}
	var resp stageResponse
	if err := c.runJSON(ctx, "stage", req, &resp); err != nil {
		return &pipeline.StageResult{Kind: pipeline.ResultTransientFailure, Message: err.Error()}, nil
	}
	if resp.SessionID != "" {
		ec.SessionIDs[stage] = resp.SessionID
	}

	switch resp.Status {
	case "ok":
		outputs := resp.Artifacts
		if resp.Summary != "" {
			if outputs == nil {
				outputs = map[string]string{}
			}
			outputs["summary"] = resp.Summary
		}
		return &pipeline.StageResult{Kind: pipeline.ResultSuccess, Outputs: outputs}, nil
	case "fatal":
		return &pipeline.StageResult{Kind: pipeline.ResultFatal, Message: resp.Message}, nil
	default:
		return &pipeline.StageResult{Kind: pipeline.ResultTransientFailure, Message: resp.Message}, nil
	}
}

func (c *Client) Research(ctx context.Context, ec *pipeline.ExecutionContext, task *model.Task) (*pipeline.StageResult, error) {
	return c.runStage(ctx, ec, task, checkpoint.StageResearch)
}

func (c *Client) Design(ctx context.Context, ec *pipeline.ExecutionContext, task *model.Task) (*pipeline.StageResult, error) {
	return c.runStage(ctx, ec, task, checkpoint.StageDesign)
}

func (c *Client) Execute(ctx context.Context, ec *pipeline.ExecutionContext, task *model.Task) (*pipeline.StageResult, error) {
	return c.runStage(ctx, ec, task, checkpoint.StageExecute)
}

type validateRequest struct {
	Objective   string            `json:"objective"`
	TaskID      string            `json:"task_id"`
	Description string            `json:"description"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
}

type validateResponse struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
}

// Validate asks the agent to judge completed work against the task.
func (c *Client) Validate(ctx context.Context, ec *pipeline.ExecutionContext, task *model.Task) (*pipeline.Validation, error) {
	req := validateRequest{
		Objective:   ec.Objective,
		TaskID:      task.ID,
		Description: task.Description,
		Artifacts:   ec.Artifacts,
	}
	var resp validateResponse
	if err := c.runJSON(ctx, "validate", req, &resp); err != nil {
		return nil, err
	}
	return &pipeline.Validation{Passed: resp.Passed, Failures: resp.Failures}, nil
}

type assessRequest struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
}

type assessResponse struct {
	Score int `json:"score"`
}

// Assess scores a task's complexity. Errors propagate so the router can
// apply its fail-safe default.
func (c *Client) Assess(ctx context.Context, task *model.Task) (int, error) {
	req := assessRequest{TaskID: task.ID, Description: task.Description}
	var resp assessResponse
	if err := c.runJSON(ctx, "assess", req, &resp); err != nil {
		return 0, err
	}
	return resp.Score, nil
}

type decomposeRequest struct {
	Objective string        `json:"objective"`
	Tasks     []taskSummary `json:"tasks,omitempty"`
}

type taskSummary struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type decomposeResponse struct {
	Tasks []proposedTask `json:"tasks"`
}

type proposedTask struct {
	ID          string   `json:"id,omitempty"`
	Description string   `json:"description"`
	Priority    string   `json:"priority,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Decompose asks the agent for the next tasks toward the objective given
// what already happened. An empty response means nothing remains.
func (c *Client) Decompose(ctx context.Context, state *model.WorkflowState) ([]*model.Task, error) {
	req := decomposeRequest{Objective: state.Objective}
	for _, t := range state.Tasks {
		req.Tasks = append(req.Tasks, taskSummary{
			ID:          t.ID,
			Description: t.Description,
			Status:      string(t.Status),
		})
	}
	var resp decomposeResponse
	if err := c.runJSON(ctx, "decompose", req, &resp); err != nil {
		return nil, err
	}

	tasks := make([]*model.Task, 0, len(resp.Tasks))
	for _, p := range resp.Tasks {
		id := p.ID
		if id == "" {
			id = "task-" + uuid.NewString()[:8]
		}
		tasks = append(tasks, &model.Task{
			ID:          id,
			Description: p.Description,
			Priority:    model.Priority(p.Priority),
			ParentID:    p.ParentID,
			DependsOn:   p.DependsOn,
		})
	}
	return tasks, nil
}
