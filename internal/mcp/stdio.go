package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type stdioConnector struct{}

func (stdioConnector) Connect(ctx context.Context, serverName string, cfg ServerConfig) (Client, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, fmt.Errorf("stdio transport requires command")
	}

	cmd := exec.CommandContext(ctx, command, cfg.Args...)
	cmd.Env = mergeEnv(cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mcp server %q: %w", serverName, err)
	}

	client := &stdioClient{
		serverName: serverName,
		cmd:        cmd,
		stdin:      stdin,
		reader:     bufio.NewReader(stdout),
		stderrTail: &tailBuffer{max: 4096},
		exitDone:   make(chan struct{}),
	}
	// Drain stderr so the child never blocks; keep a tail for diagnostics.
	go io.Copy(client.stderrTail, stderr)
	go client.markExited(cmd.Wait())

	if err := initializeSession(ctx, client); err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		select {
		case <-client.exitDone:
		case <-time.After(500 * time.Millisecond):
		}
		return nil, client.withDiagnostics(err)
	}
	return client, nil
}

type stdioClient struct {
	serverName string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	reader     *bufio.Reader
	stderrTail *tailBuffer

	exitMu   sync.Mutex
	exited   bool
	exitErr  error
	exitDone chan struct{}

	mu     sync.Mutex
	nextID int64
}

func (c *stdioClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := c.invoke(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeToolList(result)
}

func (c *stdioClient) CallTool(ctx context.Context, toolName, argsJSON string) (any, error) {
	args, err := parseToolArgs(argsJSON)
	if err != nil {
		return nil, err
	}
	result, err := c.invoke(ctx, "tools/call", map[string]any{
		"name":      strings.TrimSpace(toolName),
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return decodeCallResult(result)
}

func (c *stdioClient) invoke(ctx context.Context, method string, params any) (any, error) {
	if err := c.exitError(); err != nil {
		return nil, c.withDiagnostics(err)
	}

	id := atomic.AddInt64(&c.nextID, 1)
	payload, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeFramed(payload); err != nil {
		return nil, c.withDiagnostics(err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		response, err := c.readFramed()
		if err != nil {
			return nil, c.withDiagnostics(err)
		}
		result, matched, err := decodeResponse(response, id)
		if err != nil {
			return nil, err
		}
		if matched {
			return result, nil
		}
	}
}

func (c *stdioClient) notify(ctx context.Context, method string, params any) error {
	if err := c.exitError(); err != nil {
		return c.withDiagnostics(err)
	}
	payload, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.withDiagnostics(c.writeFramed(payload))
}

func (c *stdioClient) writeFramed(payload []byte) error {
	if _, err := fmt.Fprintf(c.stdin, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := c.stdin.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func (c *stdioClient) readFramed() ([]byte, error) {
	length := -1
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		length, err = strconv.Atoi(strings.TrimSpace(value))
		if err != nil || length <= 0 {
			return nil, fmt.Errorf("invalid content-length %q", line)
		}
	}
	if length <= 0 {
		return nil, fmt.Errorf("missing content-length header")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return body, nil
}

func (c *stdioClient) markExited(err error) {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	if c.exited {
		return
	}
	c.exited = true
	c.exitErr = err
	close(c.exitDone)
}

func (c *stdioClient) exitError() error {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	if !c.exited {
		return nil
	}
	if c.exitErr == nil {
		return fmt.Errorf("mcp server %q exited", c.serverName)
	}
	return fmt.Errorf("mcp server %q exited: %w", c.serverName, c.exitErr)
}

func (c *stdioClient) withDiagnostics(err error) error {
	if err == nil {
		return nil
	}
	if tail := strings.TrimSpace(c.stderrTail.String()); tail != "" {
		return fmt.Errorf("%w; stderr=%s", err, tail)
	}
	return err
}

func mergeEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, item := range base {
		key, _, _ := strings.Cut(item, "=")
		if _, shadowed := extra[key]; !shadowed {
			out = append(out, item)
		}
	}
	for key, value := range extra {
		if key = strings.TrimSpace(key); key != "" {
			out = append(out, key+"="+value)
		}
	}
	return out
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
