package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Transport executes one named command against the privileged host process.
// Implementations must support the aggregate `batch_invoke` command,
// accepting `{calls: [{id, cmd, args}]}` and returning one result entry per
// id, in any order.
type Transport interface {
	Execute(ctx context.Context, command string, args map[string]any) (any, error)
}

const BatchInvokeCommand = "batch_invoke"

const (
	BatchStatusOk    = "ok"
	BatchStatusError = "error"
)

type BatchCall struct {
	CallId  string         `json:"id"`
	Command string         `json:"cmd"`
	Args    map[string]any `json:"args"`
}

type BatchResult struct {
	CallId string `json:"id"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// a batch response omitted an id that was sent. Transport protocol violation,
// surfaced only to the affected call.
var ErrMissingResult = errors.New("missing result")

var ErrBatcherClosed = errors.New("batcher closed")

type InvokeCallback func(result any, err error)

type InvokeResult struct {
	Result any
	Error  error
}

// NewBlockingInvokeCallback pairs a callback with a channel carrying the
// outcome, for callers that want to block on an invocation.
func NewBlockingInvokeCallback() (InvokeCallback, chan InvokeResult) {
	c := make(chan InvokeResult, 1)
	callback := func(result any, err error) {
		c <- InvokeResult{
			Result: result,
			Error:  err,
		}
	}
	return callback, c
}

type pendingCall struct {
	callId  string
	command string
	args    map[string]any
	// wrapped to be nil-safe and resolve at most once
	callback InvokeCallback
}

type RequestBatcherSettings struct {
	// how long an invocation waits for siblings before the batch flushes.
	// the multi-threaded analog of a same-turn coalescing window.
	BatchWindow time.Duration
}

func DefaultRequestBatcherSettings() *RequestBatcherSettings {
	return &RequestBatcherSettings{
		BatchWindow: 1 * time.Millisecond,
	}
}

// RequestBatcher coalesces invocations issued inside one batch window into a
// single transport round trip. One queued call dispatches directly, so the
// lone-call case costs no more than an unbatched call; two or more dispatch
// as one `batch_invoke` with results demultiplexed by call id.
type RequestBatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *RequestBatcherSettings

	stateLock      sync.Mutex
	pendingCalls   []*pendingCall
	flushScheduled bool
	nextCallId     uint64
	closed         bool
}

func NewRequestBatcherWithDefaults(ctx context.Context, transport Transport) *RequestBatcher {
	return NewRequestBatcher(ctx, transport, DefaultRequestBatcherSettings())
}

func NewRequestBatcher(ctx context.Context, transport Transport, settings *RequestBatcherSettings) *RequestBatcher {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RequestBatcher{
		ctx:       cancelCtx,
		cancel:    cancel,
		transport: transport,
		settings:  settings,
	}
}

// Invoke issues one command and blocks until its batch resolves.
func (self *RequestBatcher) Invoke(ctx context.Context, command string, args map[string]any) (any, error) {
	callback, c := NewBlockingInvokeCallback()
	self.InvokeWithCallback(command, args, callback)
	select {
	case invokeResult := <-c:
		return invokeResult.Result, invokeResult.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvokeWithCallback queues one command and returns immediately. The callback
// resolves exactly once, from the goroutine that flushes the batch.
func (self *RequestBatcher) InvokeWithCallback(command string, args map[string]any, callback InvokeCallback) {
	resolved := false
	safeCallback := func(result any, err error) {
		if callback == nil || resolved {
			return
		}
		resolved = true
		defer func() {
			recover()
		}()
		callback(result, err)
	}

	if args == nil {
		args = map[string]any{}
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		safeCallback(nil, ErrBatcherClosed)
		return
	}
	self.nextCallId += 1
	call := &pendingCall{
		callId:   strconv.FormatUint(self.nextCallId, 10),
		command:  command,
		args:     args,
		callback: safeCallback,
	}
	self.pendingCalls = append(self.pendingCalls, call)
	scheduleFlush := !self.flushScheduled
	if scheduleFlush {
		self.flushScheduled = true
	}
	self.stateLock.Unlock()

	if scheduleFlush {
		time.AfterFunc(self.settings.BatchWindow, func() {
			self.Flush()
		})
	}
}

// Flush dispatches whatever is queued and blocks until every queued call has
// resolved. A flush of an empty queue performs zero transport calls. Calls
// issued while the flush is in flight start a fresh batch.
func (self *RequestBatcher) Flush() {
	self.stateLock.Lock()
	// snapshot and clear first so reentrant invokes cannot extend this batch
	calls := self.pendingCalls
	self.pendingCalls = nil
	self.flushScheduled = false
	self.stateLock.Unlock()

	self.dispatch(calls)
}

func (self *RequestBatcher) dispatch(calls []*pendingCall) {
	switch len(calls) {
	case 0:
		return
	case 1:
		// single call fast path, no aggregate overhead
		call := calls[0]
		glog.V(2).Infof("[br]call %s %s\n", call.callId, call.command)
		result, err := self.transport.Execute(self.ctx, call.command, call.args)
		call.callback(result, err)
		return
	}

	batchCalls := make([]map[string]any, len(calls))
	for i, call := range calls {
		batchCalls[i] = map[string]any{
			"id":   call.callId,
			"cmd":  call.command,
			"args": call.args,
		}
	}
	glog.V(2).Infof("[br]batch n=%d\n", len(calls))
	result, err := self.transport.Execute(self.ctx, BatchInvokeCommand, map[string]any{
		"calls": batchCalls,
	})
	if err != nil {
		// the round trip failed. The failure cannot be attributed to one
		// call, so every call in the batch sees it.
		for _, call := range calls {
			call.callback(nil, err)
		}
		return
	}

	batchResults, err := parseBatchResults(result)
	if err != nil {
		for _, call := range calls {
			call.callback(nil, err)
		}
		return
	}

	resultsById := map[string]*BatchResult{}
	for _, batchResult := range batchResults {
		resultsById[batchResult.CallId] = batchResult
	}

	// the host may return results in any order. Route by id.
	for _, call := range calls {
		batchResult, ok := resultsById[call.callId]
		if !ok {
			call.callback(nil, fmt.Errorf("%w for call %s (%s)", ErrMissingResult, call.callId, call.command))
			continue
		}
		if batchResult.Status == BatchStatusOk {
			call.callback(batchResult.Data, nil)
		} else {
			call.callback(nil, errors.New(batchResult.Error))
		}
	}
}

// parseBatchResults normalizes whatever decoded form the transport returned
// into typed batch results by passing it back through json.
func parseBatchResults(result any) ([]*BatchResult, error) {
	switch v := result.(type) {
	case []*BatchResult:
		return v, nil
	case []BatchResult:
		batchResults := make([]*BatchResult, len(v))
		for i := range v {
			batchResults[i] = &v[i]
		}
		return batchResults, nil
	}
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("malformed batch response: %w", err)
	}
	var batchResults []*BatchResult
	if err := json.Unmarshal(resultBytes, &batchResults); err != nil {
		return nil, fmt.Errorf("malformed batch response: %w", err)
	}
	return batchResults, nil
}

// Reset rejects queued-but-unflushed calls and restarts the call id sequence.
// Test isolation only.
func (self *RequestBatcher) Reset() {
	self.stateLock.Lock()
	calls := self.pendingCalls
	self.pendingCalls = nil
	self.flushScheduled = false
	self.nextCallId = 0
	self.stateLock.Unlock()

	for _, call := range calls {
		call.callback(nil, errors.New("batcher reset"))
	}
}

// Close rejects queued calls and refuses new ones.
func (self *RequestBatcher) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	calls := self.pendingCalls
	self.pendingCalls = nil
	self.flushScheduled = false
	self.stateLock.Unlock()

	self.cancel()
	for _, call := range calls {
		call.callback(nil, ErrBatcherClosed)
	}
}
