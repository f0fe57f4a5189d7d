package workerproto

import (
	"context"
	"io"
	"log"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

// Executor runs one task to completion. Implementations are supplied by
// the worker binary (cmd/agentcoreworker); workerproto itself has no
// opinion on what a task does.
type Executor interface {
	Execute(ctx context.Context, task Task) Result
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, task Task) Result

func (f ExecutorFunc) Execute(ctx context.Context, task Task) Result { return f(ctx, task) }

// ShutdownGrace is the grace period for a worker's shutdown after
// MsgTerminate. Run does not consult it: tasks execute serially on Run's
// loop, so MsgTerminate is read only after the previous task has finished,
// and Run acknowledges it at once.
const ShutdownGrace = 4 * time.Second

// Run drives a worker's side of the protocol to completion: announce
// ready, answer heartbeats, execute tasks serially as they arrive, and
// exit cleanly on MsgTerminate. It applies AGENT_STACK_LIMIT_MB from the
// environment via debug.SetMaxStack before entering the loop, the
// counterpart to internal/sandbox's GOMEMLIMIT/AGENT_STACK_LIMIT_MB
// env vars (§4.G.2). Run returns when the transport closes or a
// terminate is handled.
func Run(ctx context.Context, t *Transport, exec Executor, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	applyStackLimit(logger)

	if err := t.WriteMessage(Ready()); err != nil {
		return err
	}

	type inbound struct {
		msg Message
		err error
	}
	msgs := make(chan inbound)
	go func() {
		for {
			msg, err := t.ReadMessage()
			msgs <- inbound{msg, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-msgs:
			if in.err != nil {
				if in.err == io.EOF {
					return nil
				}
				logger.Printf("workerproto: read error: %v", in.err)
				return in.err
			}
			switch in.msg.Type {
			case MsgHeartbeat:
				_ = t.WriteMessage(HeartbeatAck(in.msg.ID))
			case MsgExecute:
				var task Task
				if err := DecodePayload(in.msg, &task); err != nil {
					_ = t.WriteMessage(ExecuteResult(in.msg.ID, Result{Success: false, Error: err.Error()}))
					continue
				}
				result := runWithMemoryReport(ctx, exec, task)
				_ = t.WriteMessage(ExecuteResult(in.msg.ID, result))
			case MsgTerminate:
				_ = t.WriteMessage(ShutdownAck())
				return nil
			default:
				// unknown types are ignored per §4.G.5
			}
		}
	}
}

func runWithMemoryReport(ctx context.Context, exec Executor, task Task) Result {
	start := time.Now()
	result := exec.Execute(ctx, task)
	result.DurationMS = time.Since(start).Milliseconds()
	if result.MemoryMB == 0 {
		result.MemoryMB = currentHeapMB()
	}
	return result
}

func currentHeapMB() int {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int(stats.HeapAlloc / (1024 * 1024))
}

// applyStackLimit reads AGENT_STACK_LIMIT_MB, set by internal/sandbox's
// applyResourceLimits, and caps the goroutine stack ceiling accordingly.
func applyStackLimit(logger *log.Logger) {
	v := os.Getenv("AGENT_STACK_LIMIT_MB")
	if v == "" {
		return
	}
	mb, err := strconv.Atoi(v)
	if err != nil || mb <= 0 {
		logger.Printf("workerproto: ignoring invalid AGENT_STACK_LIMIT_MB=%q", v)
		return
	}
	debug.SetMaxStack(mb * 1024 * 1024)
}
