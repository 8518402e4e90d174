package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/storage"
)

const defaultDLQLimit = 20

// DeadLetterAPI is the slice of the bus the CLI dead-letter commands use.
type DeadLetterAPI interface {
	ListDeadLetters(ctx context.Context, direction storage.Direction, limit int) ([]storage.QueueRecord, error)
	ReplayDeadLetter(ctx context.Context, id int64) (bool, error)
	ReplayDeadLetters(ctx context.Context, direction storage.Direction, limit int) (int64, error)
}

// CLIChannel reads user lines from stdin and prints assistant replies.
type CLIChannel struct {
	publisher Publisher
	dlq       DeadLetterAPI
	in        io.Reader
	out       io.Writer
	cancel    context.CancelFunc
}

// NewCLIChannel creates the interactive stdin channel.
func NewCLIChannel(publisher Publisher, dlq DeadLetterAPI) *CLIChannel {
	return &CLIChannel{publisher: publisher, dlq: dlq, in: os.Stdin, out: os.Stdout}
}

func (c *CLIChannel) Name() string { return "cli" }

// Start reads lines until /exit or EOF.
func (c *CLIChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintln(c.out, "coreclaw ready. /exit to quit.")
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if done := c.HandleLine(ctx, scanner.Text()); done {
			return nil
		}
	}
	return scanner.Err()
}

func (c *CLIChannel) Stop(context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send prints an outbound envelope for this channel.
func (c *CLIChannel) Send(_ context.Context, env bus.Envelope) error {
	_, err := fmt.Fprintf(c.out, "%s\n", env.Content)
	return err
}

// HandleLine processes one input line. Returns true when the session should
// end.
func (c *CLIChannel) HandleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/exit":
		return true
	case strings.HasPrefix(line, "/dlq"):
		c.handleDLQ(ctx, strings.Fields(line)[1:])
		return false
	}

	env := bus.Envelope{
		ID:       bus.NewMessageID(),
		Channel:  "cli",
		ChatID:   "direct",
		SenderID: "user",
		Content:  line,
	}
	outcome, err := c.publisher.PublishInbound(ctx, env)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return false
	}
	if outcome != storage.PublishEnqueued {
		fmt.Fprintf(c.out, "not queued: %s\n", outcome)
	}
	return false
}

// handleDLQ implements /dlq list and /dlq replay.
func (c *CLIChannel) handleDLQ(ctx context.Context, args []string) {
	if c.dlq == nil || len(args) == 0 {
		fmt.Fprintln(c.out, "usage: /dlq list [inbound|outbound|all] [limit] | /dlq replay <queueId|inbound|outbound|all> [limit]")
		return
	}

	switch args[0] {
	case "list":
		directions := parseDirections(argAt(args, 1))
		limit := parseLimit(argAt(args, 2))
		var records []storage.QueueRecord
		for _, d := range directions {
			recs, err := c.dlq.ListDeadLetters(ctx, d, limit)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
				return
			}
			records = append(records, recs...)
		}
		c.printJSON(records)
	case "replay":
		target := argAt(args, 1)
		if target == "" {
			fmt.Fprintln(c.out, "usage: /dlq replay <queueId|inbound|outbound|all> [limit]")
			return
		}
		if id, err := strconv.ParseInt(target, 10, 64); err == nil {
			replayed, err := c.dlq.ReplayDeadLetter(ctx, id)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
				return
			}
			c.printJSON(map[string]any{"queueId": id, "replayed": replayed})
			return
		}
		limit := parseLimit(argAt(args, 2))
		total := int64(0)
		for _, d := range parseDirections(target) {
			n, err := c.dlq.ReplayDeadLetters(ctx, d, limit)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
				return
			}
			total += n
		}
		c.printJSON(map[string]any{"replayed": total})
	default:
		fmt.Fprintf(c.out, "unknown /dlq subcommand %q\n", args[0])
	}
}

func (c *CLIChannel) printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, string(data))
}

func parseDirections(s string) []storage.Direction {
	switch s {
	case string(storage.DirectionInbound):
		return []storage.Direction{storage.DirectionInbound}
	case string(storage.DirectionOutbound):
		return []storage.Direction{storage.DirectionOutbound}
	default:
		return []storage.Direction{storage.DirectionInbound, storage.DirectionOutbound}
	}
}

func parseLimit(s string) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultDLQLimit
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
