package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/coreclaw/coreclaw/internal/workspace"
)

// ShellPayload carries a shell.exec invocation to the worker.
type ShellPayload struct {
	Command         string   `json:"command"`
	WorkingDir      string   `json:"workingDir,omitempty"`
	TimeoutMs       int      `json:"timeoutMs"`
	AllowedCommands []string `json:"allowedCommands,omitempty"`
	MaxOutputChars  int      `json:"maxOutputChars"`
}

// ShellResult is the shell.exec tool output.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// FetchPayload carries a web.fetch invocation to the worker.
type FetchPayload struct {
	URL              string   `json:"url"`
	MaxResponseChars int      `json:"maxResponseChars"`
	TimeoutMs        int      `json:"timeoutMs"`
	AllowedDomains   []string `json:"allowedDomains,omitempty"`
	AllowedPorts     []int    `json:"allowedPorts,omitempty"`
	BlockedPorts     []int    `json:"blockedPorts,omitempty"`
}

// FetchResult is the web.fetch tool output.
type FetchResult struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Truncated bool              `json:"truncated"`
}

// WritePayload carries an fs.write invocation to the worker.
type WritePayload struct {
	WorkspaceDir string `json:"workspaceDir"`
	Path         string `json:"path"`
	Content      string `json:"content"`
	Append       bool   `json:"append"`
}

// ServeWorker handles exactly one request on the given pipes and returns.
// The worker subcommand calls this with the process stdio.
func ServeWorker(stdin io.Reader, stdout io.Writer) error {
	var req workerRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return writeResponse(stdout, "", fmt.Errorf("decode request: %w", err))
	}

	ctx := context.Background()
	var result string
	var err error
	switch req.Tool {
	case "shell.exec":
		var p ShellPayload
		if err = json.Unmarshal(req.Payload, &p); err == nil {
			result, err = RunShell(ctx, p)
		}
	case "web.fetch":
		var p FetchPayload
		if err = json.Unmarshal(req.Payload, &p); err == nil {
			result, err = RunFetch(ctx, p)
		}
	case "fs.write":
		var p WritePayload
		if err = json.Unmarshal(req.Payload, &p); err == nil {
			result, err = RunWrite(ctx, p)
		}
	default:
		err = fmt.Errorf("unknown worker tool %q", req.Tool)
	}
	return writeResponse(stdout, result, err)
}

func writeResponse(w io.Writer, result string, err error) error {
	resp := workerResponse{OK: err == nil, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	return json.NewEncoder(w).Encode(resp)
}

// RunShell tokenizes and executes a command without a shell interpreter.
// Also used in-process when isolation is disabled.
func RunShell(ctx context.Context, p ShellPayload) (string, error) {
	argv, err := Tokenize(p.Command)
	if err != nil {
		return "", fmt.Errorf("parse command: %w", err)
	}
	if len(p.AllowedCommands) > 0 {
		allowed := false
		for _, c := range p.AllowedCommands {
			if argv[0] == c {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("command %q not in allowed_shell_commands", argv[0])
		}
	}

	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if p.WorkingDir != "" {
		cmd.Dir = p.WorkingDir
	}

	maxChars := p.MaxOutputChars
	if maxChars <= 0 {
		maxChars = 64 * 1024
	}
	// Each stream is bounded on its own.
	stdout := &cappedBuffer{cap: newOutputCap(maxChars)}
	stderr := &cappedBuffer{cap: newOutputCap(maxChars)}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	res := ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return "", fmt.Errorf("command timed out after %dms", p.TimeoutMs)
		} else {
			return "", runErr
		}
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// RunFetch performs a policy-checked HTTP GET. Redirects are refused so a
// vetted URL cannot bounce to a private address.
func RunFetch(ctx context.Context, p FetchPayload) (string, error) {
	policy := &URLPolicy{
		AllowedDomains: p.AllowedDomains,
		AllowedPorts:   p.AllowedPorts,
		BlockedPorts:   p.BlockedPorts,
	}
	if err := policy.Check(ctx, p.URL); err != nil {
		return "", err
	}

	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return fmt.Errorf("redirect to %s refused", req.URL)
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	maxChars := p.MaxResponseChars
	if maxChars <= 0 {
		maxChars = 64 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars)+1))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	truncated := len(body) > maxChars
	if truncated {
		body = body[:maxChars]
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out, err := json.Marshal(FetchResult{
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      string(body),
		Truncated: truncated,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// RunWrite writes a file inside the workspace sandbox.
func RunWrite(_ context.Context, p WritePayload) (string, error) {
	ws, err := workspace.Open(p.WorkspaceDir)
	if err != nil {
		return "", err
	}
	if err := ws.WriteFile(p.Path, []byte(p.Content), p.Append); err != nil {
		return "", err
	}
	verb := "wrote"
	if p.Append {
		verb = "appended"
	}
	return fmt.Sprintf("%s %d bytes to %s", verb, len(p.Content), strings.TrimSpace(p.Path)), nil
}
