// Command agentcoreworker is the binary internal/sandbox spawns as an
// agent's isolated process. It speaks internal/workerproto over its own
// stdin/stdout: announces ready, answers heartbeats, and executes tasks
// handed to it one at a time. What a task actually does is deliberately
// thin here — a concrete agent runtime (model calls, tool execution) is
// out of scope; this binary is the protocol harness internal/sandbox
// drives, and task execution is a seam future agent logic plugs into.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/odvcencio/agentcoreserver/internal/workerproto"
)

func main() {
	logger := log.New(os.Stderr, "agentcoreworker: ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	transport := workerproto.NewTransport(os.Stdin, os.Stdout)
	executor := workerproto.ExecutorFunc(runTask)

	if err := workerproto.Run(ctx, transport, executor, logger); err != nil {
		logger.Printf("exiting: %v", err)
		os.Exit(1)
	}
}

// runTask is the default task handler: it echoes the task's name and args
// back as a successful result. A real deployment replaces this with the
// agent's own code path; nothing in internal/sandbox or internal/workerproto
// depends on this specific behavior.
func runTask(ctx context.Context, task workerproto.Task) workerproto.Result {
	select {
	case <-ctx.Done():
		return workerproto.Result{Success: false, Timeout: true, Error: ctx.Err().Error()}
	default:
	}
	return workerproto.Result{
		Success: true,
		Output: map[string]any{
			"task": task.Name,
			"args": task.Args,
		},
	}
}
