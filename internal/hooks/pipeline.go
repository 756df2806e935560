package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	DefaultMaxInputBytes  = 128 << 10
	DefaultMaxOutputBytes = 64 << 10
)

// Decision is the JSON object a hook writes to stdout.
type Decision struct {
	Action string         `json:"action"` // "allow", "block", "modify"
	Reason string         `json:"reason,omitempty"`
	Patch  map[string]any `json:"patch,omitempty"`
}

// Outcome is the aggregate pipeline result for one event.
type Outcome struct {
	Blocked   bool
	BlockedBy string
	Reason    string
	// Payload carries the (possibly patched) event payload.
	Payload map[string]any
}

// patchableKeys scopes which patch keys each event accepts.
var patchableKeys = map[string][]string{
	BeforeLLMCall:  {"system_prompt"},
	BeforeToolCall: {"tool_input"},
	AfterToolCall:  {"content", "is_error", "error_type", "status_code"},
}

// HookState is the persisted per-hook accounting, kept across restarts.
type HookState struct {
	Runs      int64     `json:"runs"`
	Blocks    int64     `json:"blocks"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastRunAt time.Time `json:"last_run_at"`
}

// Pipeline evaluates the discovered hooks for engine events. A hook that
// times out, exits non-zero, or emits malformed output is recorded and
// treated as allow; only an explicit block stops the event.
type Pipeline struct {
	hooks     []Hook
	logger    *slog.Logger
	statePath string
	maxInput  int
	maxOutput int

	mu    sync.Mutex
	state map[string]*HookState
}

func NewPipeline(hooks []Hook, statePath string, maxInput, maxOutput int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if maxInput <= 0 {
		maxInput = DefaultMaxInputBytes
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	p := &Pipeline{
		hooks:     hooks,
		logger:    logger,
		statePath: statePath,
		maxInput:  maxInput,
		maxOutput: maxOutput,
		state:     make(map[string]*HookState),
	}
	p.loadState()
	return p
}

// Empty reports whether any hook subscribed to event.
func (p *Pipeline) Empty(event string) bool {
	for _, h := range p.hooks {
		if h.Handles(event) {
			return false
		}
	}
	return true
}

// Evaluate runs all hooks subscribed to event in priority order. Patches
// from earlier hooks are visible to later ones.
func (p *Pipeline) Evaluate(ctx context.Context, event string, payload map[string]any) Outcome {
	out := Outcome{Payload: payload}
	for _, h := range p.hooks {
		if !h.Handles(event) {
			continue
		}
		dec, err := p.runHook(ctx, h, event, out.Payload)
		if err != nil {
			p.recordFailure(h.Name, err)
			p.logger.Warn("hook failed open",
				"hook", h.Name, "event", event, "error", err)
			continue
		}
		switch dec.Action {
		case "block":
			p.recordBlock(h.Name)
			out.Blocked = true
			out.BlockedBy = h.Name
			out.Reason = dec.Reason
			return out
		case "modify":
			p.recordRun(h.Name)
			applyPatch(event, out.Payload, dec.Patch)
		default:
			p.recordRun(h.Name)
		}
	}
	return out
}

func (p *Pipeline) runHook(ctx context.Context, h Hook, event string, payload map[string]any) (*Decision, error) {
	input, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	if len(input) > p.maxInput {
		return nil, fmt.Errorf("input exceeds %d bytes", p.maxInput)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(h.TimeoutMS)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.Command)
	cmd.Dir = h.Dir
	cmd.Env = minimalEnv()
	cmd.Stdin = bytes.NewReader(input)

	var stdout limitedBuffer
	stdout.limit = p.maxOutput
	cmd.Stdout = &stdout
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timeout after %dms", h.TimeoutMS)
		}
		return nil, fmt.Errorf("exec: %w", err)
	}
	if stdout.truncated {
		return nil, fmt.Errorf("output exceeds %d bytes", p.maxOutput)
	}

	var dec Decision
	if err := json.Unmarshal(bytes.TrimSpace(stdout.buf.Bytes()), &dec); err != nil {
		return nil, fmt.Errorf("malformed output: %w", err)
	}
	switch dec.Action {
	case "allow", "block", "modify":
		return &dec, nil
	default:
		return nil, fmt.Errorf("unknown action %q", dec.Action)
	}
}

// applyPatch copies only the keys the event permits.
func applyPatch(event string, payload, patch map[string]any) {
	for _, key := range patchableKeys[event] {
		if v, ok := patch[key]; ok {
			payload[key] = v
		}
	}
}

// minimalEnv strips the host environment down to a safe allowlist so hook
// subprocesses never see provider keys or tokens.
func minimalEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "TERM", "LANG", "LC_ALL", "USER", "HOME"} {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > b.limit {
		b.truncated = true
		room := b.limit - b.buf.Len()
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

// state accounting

func (p *Pipeline) recordRun(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.ensureState(name)
	st.Runs++
	st.LastRunAt = time.Now().UTC()
	p.saveStateLocked()
}

func (p *Pipeline) recordBlock(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.ensureState(name)
	st.Runs++
	st.Blocks++
	st.LastRunAt = time.Now().UTC()
	p.saveStateLocked()
}

func (p *Pipeline) recordFailure(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.ensureState(name)
	st.Runs++
	st.Failures++
	st.LastError = err.Error()
	st.LastRunAt = time.Now().UTC()
	p.saveStateLocked()
}

func (p *Pipeline) ensureState(name string) *HookState {
	st, ok := p.state[name]
	if !ok {
		st = &HookState{}
		p.state[name] = st
	}
	return st
}

// State returns a snapshot of per-hook accounting.
func (p *Pipeline) State() map[string]HookState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]HookState, len(p.state))
	for k, v := range p.state {
		out[k] = *v
	}
	return out
}

func (p *Pipeline) loadState() {
	if p.statePath == "" {
		return
	}
	data, err := os.ReadFile(p.statePath)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &p.state)
}

func (p *Pipeline) saveStateLocked() {
	if p.statePath == "" {
		return
	}
	data, err := json.MarshalIndent(p.state, "", "  ")
	if err != nil {
		return
	}
	tmp := p.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		p.logger.Warn("persist hook state", "error", err)
		return
	}
	if err := os.Rename(tmp, p.statePath); err != nil {
		p.logger.Warn("persist hook state", "error", err)
	}
}
