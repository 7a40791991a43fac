package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/jkaninda/wasmbridge/internal/domain"
	"github.com/jkaninda/wasmbridge/internal/security"
)

// HostModule is the import module name sandboxed code links against.
const HostModule = "bridge"

// Guest log levels accepted by bridge.log.
const (
	LogDebug int32 = iota
	LogInfo
	LogWarn
	LogError
)

// execState is the per-execution host-call state. It travels in the call
// context, so the host module is shared while the state never is.
type execState struct {
	id       string
	server   ToolCaller
	logger   *slog.Logger
	deadline time.Time

	maxCalls  int // < 0 means unlimited
	calls     atomic.Int64
	violation atomic.Pointer[domain.SecurityViolationError]

	mu      sync.Mutex
	pending []byte // staged call_tool result or error text
}

type execStateKey struct{}

func withExecState(ctx context.Context, st *execState) context.Context {
	return context.WithValue(ctx, execStateKey{}, st)
}

func stateFrom(ctx context.Context) *execState {
	st, _ := ctx.Value(execStateKey{}).(*execState)
	if st == nil {
		// Only reachable if a host function is invoked outside Execute.
		panic(fmt.Errorf("%s host function called without execution state", HostModule))
	}
	return st
}

// charge counts one host call. Exceeding the budget records a violation and
// aborts the guest: wazero recovers the panic and Execute reports the
// recorded violation instead of a trap.
func (st *execState) charge(fn string) {
	n := st.calls.Add(1)
	if st.maxCalls >= 0 && n > int64(st.maxCalls) {
		v := &domain.SecurityViolationError{
			Reason: fmt.Sprintf("host call budget of %d exceeded by %s", st.maxCalls, fn),
			Err:    security.ErrHostCallBudget,
		}
		st.violation.CompareAndSwap(nil, v)
		panic(v)
	}
}

func (st *execState) stage(b []byte) int32 {
	st.mu.Lock()
	st.pending = b
	st.mu.Unlock()
	return int32(len(b))
}

// instantiateHostModule links the bridge host functions into r.
//
// ABI (all pointers are offsets into the guest's exported memory):
//
//	call_tool(srv_ptr, srv_len, tool_ptr, tool_len, params_ptr, params_len) -> i32
//	    Length of the JSON result, or -1 with the error text staged.
//	read_result(ptr, cap) -> i32
//	    Copies the staged bytes. Returns the byte count, 0 when nothing is
//	    staged, or -1 when cap is too small.
//	log(level, ptr, len)
//	deadline_ms() -> i64
//	    Milliseconds left before the execution is cancelled.
func instantiateHostModule(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64
	return r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostCallTool), []api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("srv_ptr", "srv_len", "tool_ptr", "tool_len", "params_ptr", "params_len").
		Export("call_tool").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostReadResult), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("ptr", "cap").
		Export("read_result").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostLog), []api.ValueType{i32, i32, i32}, nil).
		WithParameterNames("level", "ptr", "len").
		Export("log").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostDeadline), nil, []api.ValueType{i64}).
		Export("deadline_ms").
		Instantiate(ctx)
}

func hostCallTool(ctx context.Context, mod api.Module, stack []uint64) {
	st := stateFrom(ctx)
	st.charge("call_tool")

	mem := mod.Memory()
	server, ok1 := readString(mem, stack[0], stack[1])
	tool, ok2 := readString(mem, stack[2], stack[3])
	params, ok3 := readBytes(mem, stack[4], stack[5])
	if !ok1 || !ok2 || !ok3 {
		st.stage([]byte("call_tool: argument out of memory bounds"))
		stack[0] = api.EncodeI32(-1)
		return
	}
	if st.server == nil {
		st.stage([]byte("call_tool: no tool bridge configured"))
		stack[0] = api.EncodeI32(-1)
		return
	}
	if len(params) == 0 {
		params = []byte("{}")
	}

	start := time.Now()
	result, err := st.server.CallTool(ctx, server, tool, json.RawMessage(params))
	if err != nil {
		st.logger.WarnContext(ctx, "host tool call failed",
			slog.String("execution_id", st.id),
			slog.String("server", server),
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
		st.stage([]byte(err.Error()))
		stack[0] = api.EncodeI32(-1)
		return
	}
	st.logger.DebugContext(ctx, "host tool call",
		slog.String("execution_id", st.id),
		slog.String("server", server),
		slog.String("tool", tool),
		slog.Duration("duration", time.Since(start)),
	)
	stack[0] = api.EncodeI32(st.stage(result))
}

func hostReadResult(ctx context.Context, mod api.Module, stack []uint64) {
	st := stateFrom(ctx)
	st.charge("read_result")

	ptr, capacity := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.pending == nil:
		stack[0] = api.EncodeI32(0)
	case uint32(len(st.pending)) > capacity:
		stack[0] = api.EncodeI32(-1)
	case !mod.Memory().Write(ptr, st.pending):
		stack[0] = api.EncodeI32(-1)
	default:
		stack[0] = api.EncodeI32(int32(len(st.pending)))
		st.pending = nil
	}
}

func hostLog(ctx context.Context, mod api.Module, stack []uint64) {
	st := stateFrom(ctx)
	st.charge("log")

	msg, ok := readString(mod.Memory(), stack[1], stack[2])
	if !ok {
		return
	}
	level := slog.LevelInfo
	switch api.DecodeI32(stack[0]) {
	case LogDebug:
		level = slog.LevelDebug
	case LogWarn:
		level = slog.LevelWarn
	case LogError:
		level = slog.LevelError
	}
	st.logger.Log(ctx, level, msg,
		slog.String("source", "guest"),
		slog.String("execution_id", st.id),
	)
}

func hostDeadline(ctx context.Context, _ api.Module, stack []uint64) {
	st := stateFrom(ctx)
	st.charge("deadline_ms")

	left := time.Until(st.deadline).Milliseconds()
	if left < 0 {
		left = 0
	}
	stack[0] = api.EncodeI64(left)
}

func readBytes(mem api.Memory, ptr, length uint64) ([]byte, bool) {
	if mem == nil {
		return nil, false
	}
	b, ok := mem.Read(api.DecodeU32(ptr), api.DecodeU32(length))
	if !ok {
		return nil, false
	}
	// Read returns a view into guest memory; copy before it escapes.
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

func readString(mem api.Memory, ptr, length uint64) (string, bool) {
	b, ok := readBytes(mem, ptr, length)
	return string(b), ok
}
