package lark

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/katadavidxd/autolark/internal/gateway"
)

// procTransport runs the lark-mcp Node server as a child process and
// exchanges newline-delimited JSON-RPC messages over its stdio.
type procTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcResponse
	closed  bool
	exited  chan struct{}
	exitErr error
}

// spawnCommand builds the lark-mcp invocation. The secret rides on the
// command line of the child process only; it is never logged.
func spawnCommand(appID, appSecret, domain string, oauth bool) *exec.Cmd {
	args := []string{"-y", "@larksuiteoapi/lark-mcp", "mcp", "-a", appID, "-s", appSecret, "-d", domain}
	if oauth {
		args = append(args, "--oauth")
	}
	return exec.Command("npx", args...)
}

// newProcTransport starts the subprocess and its reader loop. The
// caller still has to run the MCP initialize handshake.
func newProcTransport(cmd *exec.Cmd, log zerolog.Logger) (*procTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start lark-mcp: %w", err)
	}

	t := &procTransport{
		cmd:     cmd,
		stdin:   stdin,
		log:     log,
		pending: make(map[int64]chan *rpcResponse),
		exited:  make(chan struct{}),
	}
	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	return t, nil
}

// readLoop delivers responses to their waiting callers. Notifications
// and unparseable lines are dropped; the server interleaves log noise
// with protocol traffic.
func (t *procTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		if ok {
			delete(t.pending, *resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	err := t.cmd.Wait()
	t.mu.Lock()
	t.exitErr = err
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
	t.mu.Unlock()
	close(t.exited)
}

func (t *procTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			t.log.Debug().Str("stream", "stderr").Msg(line)
		}
	}
}

func (t *procTransport) send(msg *rpcRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return gateway.Wrap(gateway.KindTransient, "lark.transport", fmt.Errorf("write to lark-mcp failed: %w", err))
	}
	return nil
}

func (t *procTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, gateway.New(gateway.KindTransient, "lark.transport", "transport closed")
	}
	t.nextID++
	id := t.nextID
	ch := make(chan *rpcResponse, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.send(&rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.exited:
		return nil, gateway.New(gateway.KindTransient, "lark.transport",
			fmt.Sprintf("lark-mcp exited: %v", t.exitErr))
	case resp, ok := <-ch:
		if !ok {
			return nil, gateway.New(gateway.KindTransient, "lark.transport", "lark-mcp exited mid-call")
		}
		if resp.Error != nil {
			return nil, &gateway.Error{
				Kind:    gateway.KindInvalidRequest,
				Op:      "lark." + method,
				Message: fmt.Sprintf("rpc error %d: %s", resp.Error.Code, resp.Error.Message),
			}
		}
		return resp.Result, nil
	}
}

func (t *procTransport) Notify(method string, params any) error {
	return t.send(&rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *procTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.stdin.Close()
	select {
	case <-t.exited:
	case <-time.After(5 * time.Second):
		_ = t.cmd.Process.Kill()
		<-t.exited
	}
	return nil
}
