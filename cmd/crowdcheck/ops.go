package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/handler/dto"
	"github.com/mtlprog/crowdcheck/internal/repository"
	"github.com/mtlprog/crowdcheck/internal/service"
)

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Validate and enqueue inbound messages from a JSON file or stdin",
		ArgsUsage: "[file]",
		Action:    runEnqueue,
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show a task with its status history and assignments",
		ArgsUsage: "<task-id>",
		Action:    runInspect,
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Show task, queue and outbox counters",
		Action: runStats,
	}
}

func deadLettersCommand() *cli.Command {
	return &cli.Command{
		Name:  "dead-letters",
		Usage: "List messages that exhausted their retries",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "limit",
				Value: 50,
				Usage: "Maximum number of messages to list",
			},
		},
		Action: runDeadLetters,
	}
}

func requeueCommand() *cli.Command {
	return &cli.Command{
		Name:      "requeue",
		Usage:     "Move a dead-lettered message back to pending",
		ArgsUsage: "<message-id>",
		Action:    runRequeue,
	}
}

// decodeMessages accepts one request object or an array of them.
func decodeMessages(r io.Reader) ([]dto.EnqueueMessageRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("no messages in input")
	}

	if data[0] == '[' {
		var reqs []dto.EnqueueMessageRequest
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		return reqs, nil
	}

	var req dto.EnqueueMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return []dto.EnqueueMessageRequest{req}, nil
}

func runEnqueue(c *cli.Context) error {
	input := io.Reader(os.Stdin)
	if path := c.Args().First(); path != "" && path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer file.Close()
		input = file
	}

	reqs, err := decodeMessages(input)
	if err != nil {
		return err
	}

	msgs := make([]*domain.Message, 0, len(reqs))
	for i, req := range reqs {
		msg := &domain.Message{
			ID:      req.ID,
			Type:    domain.MessageType(req.Type),
			TaskID:  req.TaskID,
			Payload: req.Payload,
		}
		if req.AvailableAt != nil {
			msg.AvailableAt = *req.AvailableAt
		}
		if err := service.ValidateMessage(msg); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}

	db, err := connect(c)
	if err != nil {
		return err
	}
	defer db.Close()

	messages := repository.NewMessageRepository(db.Pool())
	for _, msg := range msgs {
		if err := messages.Enqueue(c.Context, msg); err != nil {
			return fmt.Errorf("enqueue %s: %w", msg.Type, err)
		}
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", msg.ID, msg.Type, msg.TaskID)
	}
	return nil
}

func runInspect(c *cli.Context) error {
	taskID := c.Args().First()
	if taskID == "" {
		return errors.New("task id is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := dial(c.Context, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	orch, err := newOrchestrator(db.Pool(), cfg)
	if err != nil {
		return err
	}
	view, err := orch.Task(c.Context, taskID)
	if err != nil {
		return err
	}

	fmt.Fprint(c.App.Writer, formatTaskView(view))
	return nil
}

func formatTaskView(view *service.TaskView) string {
	task := view.Task
	var b strings.Builder

	fmt.Fprintf(&b, "Task %s (%s, %s)\n", task.ID, task.Type, task.Priority)
	fmt.Fprintf(&b, "Status:    %s (round %d)\n", task.Status, task.Round)
	fmt.Fprintf(&b, "Since:     %s\n", task.CurrentStateSince().Format(time.RFC3339))
	if view.Remaining != nil {
		fmt.Fprintf(&b, "Remaining: %s\n", view.Remaining.Round(time.Second))
	}
	if view.Expiry != "" {
		fmt.Fprintf(&b, "Expiry:    pending (%s)\n", view.Expiry)
	}
	if len(task.AssignedWorkers) > 0 {
		fmt.Fprintf(&b, "Workers:   %s\n", strings.Join(task.AssignedWorkers, ", "))
	}

	rows := make([][]string, 0, len(task.StatusHistory))
	for _, change := range task.StatusHistory {
		rows = append(rows, []string{
			change.At.Format(time.RFC3339),
			string(change.From),
			string(change.To),
			formatMetadata(change.Metadata),
		})
	}
	b.WriteString("\n")
	b.WriteString(renderTable([]string{"At", "From", "To", "Metadata"}, rows, nil))
	b.WriteString("\n")

	if len(view.Assignments) > 0 {
		rows = rows[:0]
		for _, a := range view.Assignments {
			rows = append(rows, []string{a.WorkerID, a.AssignedAt.Format(time.RFC3339), a.ExpiresAt.Format(time.RFC3339)})
		}
		b.WriteString("\n")
		b.WriteString(renderTable([]string{"Worker", "Assigned", "Expires"}, rows, nil))
		b.WriteString("\n")
	}
	return b.String()
}

func formatMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, metadata[k]))
	}
	return strings.Join(parts, " ")
}

func runStats(c *cli.Context) error {
	db, err := connect(c)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := repository.NewStatsRepository(db.Pool()).Get(c.Context)
	if err != nil {
		return err
	}

	fmt.Fprint(c.App.Writer, formatStats(stats))
	return nil
}

func formatStats(stats *repository.StatsResult) string {
	var b strings.Builder
	b.WriteString(renderTable([]string{"Task status", "Count"}, countRows(stats.TasksByStatus), []columnAlignment{alignLeft, alignRight}))
	b.WriteString("\n\n")
	b.WriteString(renderTable([]string{"Message status", "Count"}, countRows(stats.MessagesByStatus), []columnAlignment{alignLeft, alignRight}))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Submissions:         %d\n", stats.SubmissionsTotal)
	fmt.Fprintf(&b, "Outbound events:     %d\n", stats.OutboundEvents)
	fmt.Fprintf(&b, "Oldest pending age:  %s\n", (time.Duration(stats.OldestPendingAgeMs) * time.Millisecond).Round(time.Second))
	return b.String()
}

func countRows(counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	return rows
}

func runDeadLetters(c *cli.Context) error {
	db, err := connect(c)
	if err != nil {
		return err
	}
	defer db.Close()

	msgs, err := repository.NewMessageRepository(db.Pool()).ListByStatus(c.Context, domain.MessageStatusDead, c.Uint64("limit"))
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(c.App.Writer, "no dead letters")
		return nil
	}

	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		lastError := ""
		if m.LastError != nil {
			lastError = *m.LastError
		}
		rows = append(rows, []string{m.ID, string(m.Type), m.TaskID, strconv.Itoa(m.Attempts), lastError})
	}
	fmt.Fprintln(c.App.Writer, renderTable(
		[]string{"ID", "Type", "Task", "Attempts", "Last error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func runRequeue(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("message id is required")
	}

	db, err := connect(c)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.NewMessageRepository(db.Pool()).Requeue(c.Context, id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "requeued %s\n", id)
	return nil
}
