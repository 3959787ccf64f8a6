// Package adapter hosts one live adapter child process and mediates all
// protocol traffic with it: spawn, init handshake, request correlation,
// state-change fan-out, and graceful stop.
package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	hverrors "github.com/haven-home/haven/internal/errors"
	"github.com/haven-home/haven/internal/logging"
	"github.com/haven-home/haven/internal/models"
	"github.com/haven-home/haven/internal/protocol"
)

// Per-operation request budgets.
const (
	ObserveBudget  = 10 * time.Second
	ExecuteBudget  = 10 * time.Second
	QueryBudget    = 30 * time.Second
	DiscoverBudget = 30 * time.Second
	PairBudget     = 60 * time.Second
	PingBudget     = 10 * time.Second
)

// Stop escalation: shutdown message, then SIGTERM, then SIGKILL.
const (
	stopTermAfter = 5 * time.Second
	stopKillAfter = 7 * time.Second
)

// maxLineSize bounds one protocol line from the child (1 MiB).
const maxLineSize = 1 << 20

// StateChange is one unsolicited state_changed delivery.
type StateChange struct {
	AdapterID     string
	EntityID      string
	Property      models.Property
	State         json.RawMessage
	PreviousState json.RawMessage
}

// StateChangeFunc receives state changes from the reader goroutine. Calls
// from one handle are serialized; across handles there is no ordering.
type StateChangeFunc func(StateChange)

// Registration is the payload of the child's ready message.
type Registration struct {
	Entities []models.EntityRegistration
	Groups   []models.EntityGroup
}

// QueryResult carries a query reply.
type QueryResult struct {
	Items     []json.RawMessage
	Total     *int
	Truncated bool
}

// DiscoverResult carries a discover reply.
type DiscoverResult struct {
	Gateways []models.GatewayCandidate
	Message  string
}

// PairResult carries a pair reply.
type PairResult struct {
	Success     bool
	Credentials map[string]string
	Error       string
	Message     string
}

type pendingResult struct {
	msg *protocol.Message
	err error
}

type pendingRequest struct {
	ch    chan pendingResult
	timer *time.Timer
}

// Handle is one spawned adapter child. It holds no supervisor back-pointer;
// the state-change callback is captured at construction.
type Handle struct {
	AdapterID   string
	AdapterType string

	entryPath string
	config    map[string]any // resolved plaintext, never logged

	onStateChange StateChangeFunc
	logs          *LogRing

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	cmd     *exec.Cmd
	pending map[string]*pendingRequest

	readyOnce    sync.Once
	readyCh      chan struct{}
	readyErr     error
	registration Registration

	exitOnce sync.Once
	exitCh   chan struct{}
	exitErr  error
}

// New constructs a handle for one child process. Start must be called before
// any request.
func New(adapterID, adapterType, entryPath string, config map[string]any, onStateChange StateChangeFunc) *Handle {
	return &Handle{
		AdapterID:     adapterID,
		AdapterType:   adapterType,
		entryPath:     entryPath,
		config:        config,
		onStateChange: onStateChange,
		logs:          NewLogRing(DefaultLogRingSize),
		pending:       make(map[string]*pendingRequest),
		readyCh:       make(chan struct{}),
		exitCh:        make(chan struct{}),
	}
}

// Start spawns the child, installs the stdout/stderr readers, and writes the
// init message. It does not wait for ready; use WaitReady.
func (h *Handle) Start(ctx context.Context) error {
	cmd := exec.Command(h.entryPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start adapter process: %w", err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.mu.Unlock()
	h.stdin = stdin

	log.Info().
		Str("adapterId", h.AdapterID).
		Str("adapterType", h.AdapterType).
		Int("pid", cmd.Process.Pid).
		Msg("Adapter process started")

	go h.readStdout(stdout)
	go h.readStderr(stderr)
	go func() {
		err := cmd.Wait()
		h.handleExit(err)
	}()

	if err := h.writeMessage(protocol.NewInit(h.AdapterID, h.AdapterType, h.config)); err != nil {
		return fmt.Errorf("failed to send init: %w", err)
	}
	return nil
}

// WaitReady blocks until the child sends ready, exits, or ctx expires. On
// success it returns the entity/group registration.
func (h *Handle) WaitReady(ctx context.Context) (Registration, error) {
	select {
	case <-h.readyCh:
		if h.readyErr != nil {
			return Registration{}, h.readyErr
		}
		return h.registration, nil
	case <-ctx.Done():
		return Registration{}, hverrors.Wrap(hverrors.KindLifecycle, "ready", h.AdapterID, ctx.Err())
	}
}

// Exited is closed when the child process exits.
func (h *Handle) Exited() <-chan struct{} {
	return h.exitCh
}

// ExitErr returns the child's exit error, if any. Valid after Exited closes.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Logs returns the most recent n captured log lines.
func (h *Handle) Logs(n int) []LogEntry {
	return h.logs.Recent(n)
}

// LogRing exposes the ring for live subscription.
func (h *Handle) LogRing() *LogRing {
	return h.logs
}

// Observe requests the current state of one entity property.
func (h *Handle) Observe(ctx context.Context, entityID string, property models.Property) (json.RawMessage, error) {
	reply, err := h.request(ctx, protocol.NewObserve(uuid.NewString(), entityID, property), ObserveBudget, "observe")
	if err != nil {
		return nil, err
	}
	return reply.State, nil
}

// Execute issues a command against one entity property. An adapter-reported
// failure surfaces as ErrExecuteFailed with the child's message preserved.
func (h *Handle) Execute(ctx context.Context, entityID string, property models.Property, command map[string]any) error {
	reply, err := h.request(ctx, protocol.NewExecute(uuid.NewString(), entityID, property, command), ExecuteBudget, "execute")
	if err != nil {
		return err
	}
	if reply.Success == nil || !*reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "adapter reported failure"
		}
		return fmt.Errorf("%s: %w", msg, hverrors.ErrExecuteFailed)
	}
	return nil
}

// Query runs a parameterized read against one entity property.
func (h *Handle) Query(ctx context.Context, entityID string, property models.Property, params map[string]any) (QueryResult, error) {
	reply, err := h.request(ctx, protocol.NewQuery(uuid.NewString(), entityID, property, params), QueryBudget, "query")
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Items: reply.Items, Total: reply.Total, Truncated: reply.Truncated}, nil
}

// Discover runs interactive gateway discovery.
func (h *Handle) Discover(ctx context.Context, params map[string]any) (DiscoverResult, error) {
	reply, err := h.request(ctx, protocol.NewDiscover(uuid.NewString(), params), DiscoverBudget, "discover")
	if err != nil {
		return DiscoverResult{}, err
	}
	return DiscoverResult{Gateways: reply.Gateways, Message: reply.Message}, nil
}

// Pair runs interactive pairing.
func (h *Handle) Pair(ctx context.Context, params map[string]any) (PairResult, error) {
	reply, err := h.request(ctx, protocol.NewPair(uuid.NewString(), params), PairBudget, "pair")
	if err != nil {
		return PairResult{}, err
	}
	success := reply.Success != nil && *reply.Success
	return PairResult{Success: success, Credentials: reply.Credentials, Error: reply.Error, Message: reply.Message}, nil
}

// Ping probes child liveness.
func (h *Handle) Ping(ctx context.Context) error {
	_, err := h.request(ctx, protocol.NewPing(uuid.NewString()), PingBudget, "ping")
	return err
}

// Stop writes shutdown, escalating to SIGTERM and then SIGKILL if the child
// lingers. Returns once the child has exited.
func (h *Handle) Stop(ctx context.Context) error {
	// Best effort; the child may already be gone.
	_ = h.writeMessage(protocol.NewShutdown())

	termTimer := time.NewTimer(stopTermAfter)
	defer termTimer.Stop()

	select {
	case <-h.exitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-termTimer.C:
		h.signal(syscall.SIGTERM)
	}

	killTimer := time.NewTimer(stopKillAfter - stopTermAfter)
	defer killTimer.Stop()

	select {
	case <-h.exitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-killTimer.C:
		h.signal(syscall.SIGKILL)
	}

	select {
	case <-h.exitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) signal(sig syscall.Signal) {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// request sends one correlated message and waits for its reply within the
// budget. On timeout the pending entry is erased; a later reply with the
// same id is dropped. The child is not killed on timeout.
func (h *Handle) request(ctx context.Context, msg *protocol.Message, budget time.Duration, op string) (*protocol.Message, error) {
	select {
	case <-h.exitCh:
		return nil, hverrors.Wrap(hverrors.KindLifecycle, op, h.AdapterID, hverrors.ErrChildExited)
	default:
	}

	req := &pendingRequest{ch: make(chan pendingResult, 1)}

	h.mu.Lock()
	h.pending[msg.RequestID] = req
	h.mu.Unlock()

	// The exit path may have swapped the pending map between the check above
	// and the insert; re-check so the request cannot dangle.
	select {
	case <-h.exitCh:
		h.erasePending(msg.RequestID)
		return nil, hverrors.Wrap(hverrors.KindLifecycle, op, h.AdapterID, hverrors.ErrChildExited)
	default:
	}

	req.timer = time.AfterFunc(budget, func() {
		h.mu.Lock()
		_, stillPending := h.pending[msg.RequestID]
		delete(h.pending, msg.RequestID)
		h.mu.Unlock()
		if stillPending {
			req.ch <- pendingResult{err: hverrors.Timeoutf(op, budget)}
		}
	})

	if err := h.writeMessage(msg); err != nil {
		h.erasePending(msg.RequestID)
		return nil, hverrors.Wrap(hverrors.KindProtocol, op, h.AdapterID, err)
	}

	select {
	case res := <-req.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		h.erasePending(msg.RequestID)
		return nil, ctx.Err()
	}
}

func (h *Handle) erasePending(requestID string) {
	h.mu.Lock()
	req, ok := h.pending[requestID]
	delete(h.pending, requestID)
	h.mu.Unlock()
	if ok && req.timer != nil {
		req.timer.Stop()
	}
}

// writeMessage serializes one message onto the child's stdin. Broken-pipe
// errors are swallowed: the child may have exited first, and that surfaces
// through the exit path instead.
func (h *Handle) writeMessage(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.stdin == nil {
		return hverrors.ErrChildExited
	}
	if _, err := h.stdin.Write(data); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		return fmt.Errorf("failed to write to adapter stdin: %w", err)
	}
	return nil
}

// readStdout consumes the child's stdout line by line. Lines that fail
// protocol parsing are captured as log text, not dropped.
func (h *Handle) readStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			h.logs.Append("info", "stdout", string(line))
			continue
		}
		h.dispatch(msg)
	}
	// Stream end is handled by the process-wait goroutine.
}

func (h *Handle) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			h.logs.Append("error", "stderr", line)
		}
	}
}

// dispatch routes one parsed child message. It runs on the reader goroutine,
// so state-change fan-out from the same adapter is serialized.
func (h *Handle) dispatch(msg *protocol.Message) {
	switch {
	case msg.Type == protocol.TypeReady:
		h.registration = Registration{Entities: msg.Entities, Groups: msg.Groups}
		h.resolveReady(nil)

	case msg.IsReply():
		h.deliverReply(msg)

	case msg.Type == protocol.TypeStateChanged:
		select {
		case <-h.readyCh:
		default:
			// State changes before ready violate the protocol ordering;
			// capture and move on.
			h.logs.Append("warn", "protocol", "state_changed before ready, dropped")
			return
		}
		if h.onStateChange != nil {
			h.onStateChange(StateChange{
				AdapterID:     h.AdapterID,
				EntityID:      msg.EntityID,
				Property:      msg.Property,
				State:         msg.State,
				PreviousState: msg.PreviousState,
			})
		}

	case msg.Type == protocol.TypeError:
		if msg.RequestID != "" {
			h.deliverReplyError(msg.RequestID, fmt.Errorf("adapter error: %s", msg.Message))
			return
		}
		h.logs.Append("error", "protocol", msg.Message)
		// A top-level error before ready is fatal to this handshake. Only a
		// declared version mismatch is permanent; anything else stays
		// retryable so supervision backoff applies.
		err := fmt.Errorf("adapter error: %s", msg.Message)
		if isVersionMismatch(msg.Message) {
			err = fmt.Errorf("%s: %w", msg.Message, hverrors.ErrProtocolVersionMismatch)
		}
		h.resolveReady(hverrors.Wrap(hverrors.KindProtocol, "init", h.AdapterID, err))

	case msg.Type == protocol.TypeLog:
		h.logs.Append(msg.Level, "protocol", msg.Message)
		log.WithLevel(logging.ParseChildLevel(msg.Level)).
			Str("adapterId", h.AdapterID).
			Msg(msg.Message)

	default:
		h.logs.Append("warn", "protocol", fmt.Sprintf("unexpected message type %q", msg.Type))
	}
}

// isVersionMismatch spots the handshake error a child emits when it cannot
// speak our protocol version.
func isVersionMismatch(message string) bool {
	return strings.Contains(strings.ToLower(message), "protocol version")
}

func (h *Handle) resolveReady(err error) {
	h.readyOnce.Do(func() {
		h.readyErr = err
		close(h.readyCh)
	})
}

func (h *Handle) deliverReply(msg *protocol.Message) {
	h.mu.Lock()
	req, ok := h.pending[msg.RequestID]
	delete(h.pending, msg.RequestID)
	h.mu.Unlock()

	if !ok {
		// Late reply after timeout or erase; drop it.
		log.Debug().Str("adapterId", h.AdapterID).Str("requestId", msg.RequestID).Msg("Dropping uncorrelated reply")
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.ch <- pendingResult{msg: msg}
}

func (h *Handle) deliverReplyError(requestID string, err error) {
	h.mu.Lock()
	req, ok := h.pending[requestID]
	delete(h.pending, requestID)
	h.mu.Unlock()

	if !ok {
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.ch <- pendingResult{err: err}
}

// handleExit runs when the child process exits: it fails a pending ready,
// rejects every in-flight request, and closes the exit channel.
func (h *Handle) handleExit(waitErr error) {
	h.mu.Lock()
	h.exitErr = waitErr
	pending := h.pending
	h.pending = make(map[string]*pendingRequest)
	h.mu.Unlock()

	h.resolveReady(hverrors.Wrap(hverrors.KindLifecycle, "start", h.AdapterID, hverrors.ErrChildExitedBeforeReady))

	for _, req := range pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.ch <- pendingResult{err: hverrors.Wrap(hverrors.KindLifecycle, "request", h.AdapterID, hverrors.ErrChildExited)}
	}

	h.exitOnce.Do(func() { close(h.exitCh) })

	event := log.Info()
	if waitErr != nil {
		event = log.Warn().Err(waitErr)
	}
	event.Str("adapterId", h.AdapterID).Msg("Adapter process exited")
}
