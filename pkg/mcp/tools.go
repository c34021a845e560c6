package mcp

import (
	"context"
	"encoding/json"
	"strings"
)

type jobStatusArgs struct {
	JobID string `json:"job_id"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"spendguard_spend_status": handleSpendStatus,
	"spendguard_job_status":   handleJobStatus,
	"spendguard_replay":       handleReplay,
	"spendguard_queue":        handleQueue,
	"spendguard_email_stats":  handleEmailStats,
}

var emptySchema = InputSchema{Type: "object", Properties: map[string]Property{}}

var allTools = []ToolDefinition{
	{
		Name:        "spendguard_spend_status",
		Description: "Show today's paid-API spend against the soft and hard caps, plus the number of queued jobs.",
		InputSchema: emptySchema,
	},
	{
		Name:        "spendguard_job_status",
		Description: "Show the state, result and cost of a job by id.",
		InputSchema: InputSchema{
			Type:     "object",
			Required: []string{"job_id"},
			Properties: map[string]Property{
				"job_id": {Type: "string", Description: "The job id (or checkout session id) to look up"},
			},
		},
	},
	{
		Name:        "spendguard_replay",
		Description: "Run one replay pass over queued and delayed jobs now. Jobs run only while spend is below the caps.",
		InputSchema: emptySchema,
	},
	{
		Name:        "spendguard_queue",
		Description: "List jobs waiting for replay, oldest first.",
		InputSchema: emptySchema,
	},
	{
		Name:        "spendguard_email_stats",
		Description: "Show today's outreach volume against the daily and hourly caps.",
		InputSchema: emptySchema,
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleSpendStatus(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	st, err := s.backend.GetSpendStatus(ctx)
	if err != nil {
		return errorResult("Error fetching spend status: " + err.Error())
	}
	return textResult(formatSpendStatus(st))
}

func handleJobStatus(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args jobStatusArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if strings.TrimSpace(args.JobID) == "" {
		return errorResult("job_id is required")
	}
	st, err := s.backend.GetJobStatus(ctx, args.JobID)
	if err != nil {
		return errorResult("Error fetching job status: " + err.Error())
	}
	return textResult(formatJobStatus(st))
}

func handleReplay(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	res, err := s.backend.ReplayNow(ctx)
	if err != nil {
		return errorResult("Error running replay: " + err.Error())
	}
	return textResult(formatReplay(res))
}

func handleQueue(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	entries, err := s.backend.PendingJobs(ctx)
	if err != nil {
		return errorResult("Error listing queue: " + err.Error())
	}
	return textResult(formatQueue(entries))
}

func handleEmailStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	st, err := s.backend.EmailStats(ctx)
	if err != nil {
		return errorResult("Error fetching email stats: " + err.Error())
	}
	return textResult(formatEmailStats(st))
}
