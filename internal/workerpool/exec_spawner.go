package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentcore/internal/startupcache"
)

// cmdHandle adapts *exec.Cmd to ProcessHandle.
type cmdHandle struct {
	cmd   *exec.Cmd
	alive atomic.Bool
}

func (h *cmdHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(terminateSignal())
}

func (h *cmdHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *cmdHandle) Wait() error {
	err := h.cmd.Wait()
	h.alive.Store(false)
	return err
}

func (h *cmdHandle) Alive() bool { return h.alive.Load() }

// duplexPipe wraps a worker process's stdin (parent writes) and stdout
// (parent reads) into a single io.ReadWriteCloser.
type duplexPipe struct {
	io.Reader
	io.WriteCloser
	stdoutCloser io.Closer
}

func (d *duplexPipe) Close() error {
	werr := d.WriteCloser.Close()
	rerr := d.stdoutCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// initMessage is the line-delimited JSON handshake frame a worker process
// writes on startup, per spec.md §4.5 step 3b / §4.6 step 1.
type initMessage struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Startup cache protocol messages interleaved with init, per §4.7.
	Type      string `json:"type,omitempty"`
	Key       string `json:"key,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Value     any    `json:"value,omitempty"`
}

// cacheReply is what the parent writes back for a startup_cache_request.
type cacheReply struct {
	RequestID string              `json:"request_id"`
	Status    startupcache.Status `json:"status"`
	Value     any                 `json:"value,omitempty"`
}

// NewExecSpawner returns a Spawner that launches command/args as a child
// process wired with a duplex pipe over stdin/stdout, forwarding startup
// cache protocol messages to cache while waiting for the worker's init ack
// — exactly the interleaving spec.md §4.7's last paragraph requires.
func NewExecSpawner(command string, args []string, cache *startupcache.Cache) Spawner {
	return func(ctx context.Context) (*PooledWorker, error) {
		cmd := exec.CommandContext(ctx, command, args...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("open worker stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("open worker stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker process: %w", err)
		}

		handle := &cmdHandle{cmd: cmd}
		handle.alive.Store(true)
		connID := startupcache.ConnID(uuid.NewString())

		if err := waitForInitAck(ctx, connID, stdin, stdout, cache); err != nil {
			_ = handle.Kill()
			_ = handle.Wait()
			cache.Drop(connID)
			return nil, err
		}

		return &PooledWorker{
			ID:        string(connID),
			Conn:      &duplexPipe{Reader: stdout, WriteCloser: stdin, stdoutCloser: stdout},
			Process:   handle,
			SpawnedAt: time.Now(),
		}, nil
	}
}

// waitForInitAck reads newline-delimited JSON frames from stdout until a
// real init ack ({"success": true|false, ...}) arrives, handling any
// interleaved startup_cache_request/update frames against cache along the
// way.
func waitForInitAck(ctx context.Context, connID startupcache.ConnID, stdin io.Writer, stdout io.Reader, cache *startupcache.Cache) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	type scanResult struct {
		line string
		err  error
	}
	lines := make(chan scanResult)
	go func() {
		for scanner.Scan() {
			lines <- scanResult{line: scanner.Text()}
		}
		lines <- scanResult{err: scanner.Err()}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-lines:
			if !ok || res.err != nil {
				if res.err != nil {
					return fmt.Errorf("read worker init stream: %w", res.err)
				}
				return fmt.Errorf("worker closed its output before sending an init ack")
			}

			var msg initMessage
			if err := json.Unmarshal([]byte(res.line), &msg); err != nil {
				continue
			}

			switch msg.Type {
			case "startup_cache_request":
				reply := cache.Request(connID, msg.Key)
				if err := writeJSONLine(stdin, cacheReply{RequestID: msg.RequestID, Status: reply.Status, Value: reply.Value}); err != nil {
					return fmt.Errorf("forward startup cache reply: %w", err)
				}
				continue
			case "startup_cache_update":
				cache.Update(connID, msg.Key, msg.Value)
				continue
			case "startup_cache_update_failed":
				cache.UpdateFailed(connID, msg.Key)
				continue
			}

			if msg.Success {
				return nil
			}
			return fmt.Errorf("worker init failed: %s", msg.Error)
		}
	}
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
