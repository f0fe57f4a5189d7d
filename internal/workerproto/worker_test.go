package workerproto

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"
)

func TestTransport_RoundTripsMessage(t *testing.T) {
	buf := new(bytes.Buffer)
	tr := NewTransport(buf, buf)

	if err := tr.WriteMessage(Ready()); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := tr.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MsgReady {
		t.Fatalf("expected ready, got %s", msg.Type)
	}
}

func TestTransport_ReadMessageReturnsEOFOnEmptyStream(t *testing.T) {
	tr := NewTransport(bytes.NewReader(nil), io.Discard)
	if _, err := tr.ReadMessage(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestDecodePayload_RoundTripsTask(t *testing.T) {
	task := Task{ID: "t1", Name: "memory.get", Args: map[string]any{"key": "x"}}
	msg := Message{Type: MsgExecute, ID: "t1", Payload: task}

	var decoded Task
	if err := DecodePayload(msg, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "t1" || decoded.Name != "memory.get" {
		t.Fatalf("unexpected task: %+v", decoded)
	}
}

// fakeConn is an in-process duplex stream: writes to one end show up as
// reads on the other.
type fakeConn struct {
	r io.Reader
	w io.Writer
}

func duplex() (a, b *fakeConn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &fakeConn{r: r1, w: w2}, &fakeConn{r: r2, w: w1}
}

func TestRun_AnswersHeartbeatAndExecutesTask(t *testing.T) {
	workerSide, testSide := duplex()

	workerTransport := NewTransport(workerSide.r, workerSide.w)
	testTransport := NewTransport(testSide.r, testSide.w)

	exec := ExecutorFunc(func(ctx context.Context, task Task) Result {
		return Result{Success: true, Output: map[string]any{"echo": task.Name}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- Run(ctx, workerTransport, exec, log.New(io.Discard, "", 0)) }()

	ready, err := testTransport.ReadMessage()
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != MsgReady {
		t.Fatalf("expected ready, got %s", ready.Type)
	}

	if err := testTransport.WriteMessage(Message{Type: MsgHeartbeat, ID: "1", TS: time.Now()}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	ack, err := testTransport.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != MsgHeartbeatAck || ack.ID != "1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	task := Task{ID: "task-1", Name: "demo.task", Args: map[string]any{"x": 1}}
	if err := testTransport.WriteMessage(Message{Type: MsgExecute, ID: "task-1", Payload: task, TS: time.Now()}); err != nil {
		t.Fatalf("write execute: %v", err)
	}
	resultMsg, err := testTransport.ReadMessage()
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if resultMsg.Type != MsgExecuteResult || resultMsg.ID != "task-1" {
		t.Fatalf("unexpected result message: %+v", resultMsg)
	}
	var result Result
	if err := DecodePayload(resultMsg, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	if err := testTransport.WriteMessage(Message{Type: MsgTerminate, TS: time.Now()}); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	ackMsg, err := testTransport.ReadMessage()
	if err != nil {
		t.Fatalf("read shutdown ack: %v", err)
	}
	if ackMsg.Type != MsgShutdownAck {
		t.Fatalf("expected shutdown_ack, got %s", ackMsg.Type)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("expected clean Run return, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after terminate")
	}
}

func TestRun_IgnoresUnknownMessageType(t *testing.T) {
	workerSide, testSide := duplex()
	workerTransport := NewTransport(workerSide.r, workerSide.w)
	testTransport := NewTransport(testSide.r, testSide.w)

	exec := ExecutorFunc(func(ctx context.Context, task Task) Result {
		return Result{Success: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- Run(ctx, workerTransport, exec, log.New(io.Discard, "", 0)) }()

	if _, err := testTransport.ReadMessage(); err != nil {
		t.Fatalf("read ready: %v", err)
	}

	raw, _ := json.Marshal(Message{Type: "totally_unknown", TS: time.Now()})
	if _, err := testSide.w.Write(append(raw, '\n')); err != nil {
		t.Fatalf("write raw: %v", err)
	}

	if err := testTransport.WriteMessage(Message{Type: MsgTerminate, TS: time.Now()}); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	ackMsg, err := testTransport.ReadMessage()
	if err != nil {
		t.Fatalf("read shutdown ack: %v", err)
	}
	if ackMsg.Type != MsgShutdownAck {
		t.Fatalf("expected shutdown_ack after ignoring unknown type, got %s", ackMsg.Type)
	}
	<-runDone
}
