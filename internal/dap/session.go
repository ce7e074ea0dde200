package dap

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	googledap "github.com/google/go-dap"
	"golang.org/x/sync/errgroup"

	"github.com/probe-debug/coredebugger/internal/core"
	"github.com/probe-debug/coredebugger/internal/unwind"
)

// recoverableError marks a lifecycle failure that rejects the request
// without ending the session (spec §8 Scenario 6: "session remains in
// Initialized state"), as opposed to a fault that leaves the session
// unusable and must emit terminated/exited.
type recoverableError struct{ err error }

func recoverable(err error) error { return &recoverableError{err: err} }
func (r *recoverableError) Error() string { return r.err.Error() }
func (r *recoverableError) Unwrap() error { return r.err }

func isRecoverable(err error) bool {
	var r *recoverableError
	return errors.As(err, &r)
}

// Session is one DAP session driving one probe/chip (spec §4.H, §5 "single-
// threaded cooperative" scheduling model). Cores are keyed by
// core_index from SessionConfig.core_configs.
type Session struct {
	mu    sync.Mutex // guards writes to out and session state
	state State

	cores   map[int]CoreController
	flasher Flasher
	rtt     map[int]RTTSource
	unw     Unwinder

	cfg          SessionConfig
	binaryMtimes map[string]time.Time

	breakpoints map[int]map[uint32]int // core_index -> addr -> hw slot
	nextSlot    map[int]int

	out io.Writer
	seq int

	lastStatus map[int]core.CoreStatus
}

// NewSession constructs a Session over the given core controllers (keyed
// by core_index), ready to process requests starting in StateInit.
func NewSession(out io.Writer, cores map[int]CoreController, flasher Flasher, rtt map[int]RTTSource, unw Unwinder) *Session {
	return &Session{
		state:        StateInit,
		cores:        cores,
		flasher:      flasher,
		rtt:          rtt,
		unw:          unw,
		binaryMtimes: make(map[string]time.Time),
		breakpoints:  make(map[int]map[uint32]int),
		nextSlot:     make(map[int]int),
		out:          out,
		lastStatus:   make(map[int]core.CoreStatus),
	}
}

// Run reads requests from in and drives the session until disconnect or a
// fatal error, per spec §4.H/§5. The request reader and the cooperative
// status-polling loop run as a pair of goroutines cancelled together
// (spec SPEC_FULL.md §B errgroup wiring): a fatal error or disconnect in
// either stops both.
func (s *Session) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := bufio.NewReader(in)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			msg, err := googledap.ReadProtocolMessage(reader)
			if err != nil {
				return err
			}
			if err := s.dispatch(msg); err != nil {
				return err
			}
			s.mu.Lock()
			terminated := s.state == StateTerminated
			s.mu.Unlock()
			if terminated {
				cancel()
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	})

	g.Go(func() error {
		return s.pollLoop(ctx)
	})

	return g.Wait()
}

// pollLoop implements spec §4.H's cooperative polling: 100ms while every
// core is halted, 50ms while any core is running, and emits continued/
// stopped events on detected status changes.
func (s *Session) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.mu.Lock()
		active := s.state == StateActive
		s.mu.Unlock()
		if !active {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollSlowInterval):
			}
			continue
		}

		anyRunning := false
		for idx, c := range s.cores {
			st, err := c.Status()
			if err != nil {
				continue
			}
			prev, had := s.lastStatus[idx]
			s.lastStatus[idx] = st
			if st.Status == core.StatusRunning {
				anyRunning = true
			}
			if had && prev.Status != st.Status {
				s.emitStatusChange(idx, prev, st)
			}
		}
		rttSurfaced := false
		for idx, source := range s.rtt {
			for _, ch := range s.rttChannelsFor(idx) {
				data, err := source.PollChannel(ch)
				if err == nil && len(data) > 0 {
					rttSurfaced = true
					s.sendEvent("output", googledap.OutputEventBody{
						Category: "stdout",
						Output:   string(data),
					})
				}
			}
		}
		if rttSurfaced {
			continue
		}

		interval := pollSlowInterval
		if anyRunning {
			interval = pollFastInterval
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (s *Session) rttChannelsFor(coreIdx int) []int {
	for _, cc := range s.cfg.CoreConfigs {
		if cc.CoreIndex == coreIdx {
			var out []int
			for _, ch := range cc.RTT.Channels {
				out = append(out, ch.Channel)
			}
			return out
		}
	}
	return nil
}

func (s *Session) emitStatusChange(coreIdx int, prev, cur core.CoreStatus) {
	if cur.Status == core.StatusRunning {
		s.sendEvent("continued", googledap.ContinuedEventBody{
			ThreadId: coreIdx, AllThreadsContinued: len(s.cores) == 1,
		})
		return
	}
	if cur.Status == core.StatusHalted {
		s.sendEvent("stopped", googledap.StoppedEventBody{
			Reason: haltReasonToDAP(cur.Reason), ThreadId: coreIdx, AllThreadsStopped: len(s.cores) == 1,
		})
	}
}

func haltReasonToDAP(r core.HaltReason) string {
	switch r {
	case core.ReasonBreakpoint:
		return "breakpoint"
	case core.ReasonStep:
		return "step"
	case core.ReasonWatchpoint:
		return "data breakpoint"
	case core.ReasonException:
		return "exception"
	case core.ReasonExternal:
		return "pause"
	default:
		return "unknown"
	}
}

// dispatch is the per-request entry point (spec §4.H state machine, error
// taxonomy in §7).
func (s *Session) dispatch(msg googledap.Message) error {
	req, ok := msg.(googledap.RequestMessage)
	if !ok {
		return nil // ignore anything that isn't a request (events/responses not expected inbound)
	}
	command := req.GetRequest().Command

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if lifecycleCommands[command] {
		next, err := state.next(command)
		if err != nil {
			s.sendErrorResponse(req, err.Error(), true)
			if state == StateInit {
				s.mu.Lock()
				s.state = StateTerminated
				s.mu.Unlock()
			}
			return nil
		}
		if err := s.handleLifecycle(command, msg); err != nil {
			s.sendErrorResponse(req, err.Error(), !isRecoverable(err))
			return nil
		}
		s.mu.Lock()
		s.state = next
		s.mu.Unlock()
		return nil
	}

	if state != StateActive && !(state == StateConfiguring && command == "setInstructionBreakpoints") {
		s.sendErrorResponse(req, fmt.Sprintf("command %q requires an active session", command), state == StateInit)
		if state == StateInit {
			s.mu.Lock()
			s.state = StateTerminated
			s.mu.Unlock()
		}
		return nil
	}
	if err := s.handleActive(command, msg); err != nil {
		s.sendErrorResponse(req, err.Error(), false)
	}
	return nil
}

func (s *Session) handleLifecycle(command string, msg googledap.Message) error {
	switch command {
	case "initialize":
		return s.onInitialize(msg.(*googledap.InitializeRequest))
	case "launch":
		return s.onLaunchOrAttach(msg.(*googledap.LaunchRequest).Arguments, true)
	case "attach":
		return s.onLaunchOrAttach(msg.(*googledap.AttachRequest).Arguments, false)
	case "configurationDone":
		return s.onConfigurationDone(msg.(*googledap.ConfigurationDoneRequest))
	case "disconnect":
		return s.onDisconnect(msg.(*googledap.DisconnectRequest))
	case "restart":
		return s.onRestart(msg.(*googledap.RestartRequest))
	default:
		return fmt.Errorf("dap: unhandled lifecycle command %q", command)
	}
}

func (s *Session) handleActive(command string, msg googledap.Message) error {
	switch command {
	case "continue":
		return s.onContinue(msg.(*googledap.ContinueRequest))
	case "next":
		return s.onStep(msg.(*googledap.NextRequest).Seq, msg.(*googledap.NextRequest).Arguments.ThreadId, "next")
	case "stepIn":
		return s.onStep(msg.(*googledap.StepInRequest).Seq, msg.(*googledap.StepInRequest).Arguments.ThreadId, "stepIn")
	case "pause":
		return s.onPause(msg.(*googledap.PauseRequest))
	case "stackTrace":
		return s.onStackTrace(msg.(*googledap.StackTraceRequest))
	case "readMemory":
		return s.onReadMemory(msg.(*googledap.ReadMemoryRequest))
	case "writeMemory":
		return s.onWriteMemory(msg.(*googledap.WriteMemoryRequest))
	case "setInstructionBreakpoints":
		return s.onSetInstructionBreakpoints(msg.(*googledap.SetInstructionBreakpointsRequest))
	default:
		return fmt.Errorf("dap: unhandled request %q", command)
	}
}

// onInitialize replies with the capability set spec §4.H names.
func (s *Session) onInitialize(req *googledap.InitializeRequest) error {
	resp := &googledap.InitializeResponse{
		Response: s.newResponse(req.Seq, req.Command, true),
		Body: googledap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsRestartRequest:           true,
			SupportsReadMemoryRequest:        true,
			SupportsWriteMemoryRequest:       true,
			SupportsSetVariable:              true,
			SupportsDisassembleRequest:       true,
			SupportsInstructionBreakpoints:   true,
			SupportsSteppingGranularity:      true,
			SupportsCompletionsRequest:       true,
			SupportsTerminateRequest:         true,
		},
	}
	s.write(resp)
	s.sendEvent("initialized", nil)
	return nil
}

// onLaunchOrAttach parses SessionConfig from the request arguments,
// flashes (launch only, per spec §4.H "attach with any flashing option is
// rejected"), and halts every core.
func (s *Session) onLaunchOrAttach(rawArgs json.RawMessage, isLaunch bool) error {
	var cfg SessionConfig
	if err := json.Unmarshal(rawArgs, &cfg); err != nil {
		return fmt.Errorf("dap: invalid SessionConfig: %w", err)
	}
	if !isLaunch && cfg.Flashing.Enabled {
		return recoverable(fmt.Errorf("dap: attach does not accept a flashing configuration (flashing_config.enabled=true)"))
	}
	s.cfg = cfg

	if isLaunch && cfg.Flashing.Enabled && s.flasher != nil {
		for _, cc := range cfg.CoreConfigs {
			if cc.ProgramBinary == "" {
				continue
			}
			if err := s.flasher.Flash(cc.ProgramBinary, cfg.Flashing); err != nil {
				return fmt.Errorf("dap: flash %s: %w", cc.ProgramBinary, err)
			}
			_, mtime, _ := s.flasher.NeedsReflash(cc.ProgramBinary, time.Time{})
			s.binaryMtimes[cc.ProgramBinary] = mtime
		}
	}

	for idx, c := range s.cores {
		if _, err := c.Halt(core.DefaultTimeout); err != nil {
			return fmt.Errorf("dap: halt core %d: %w", idx, err)
		}
	}
	return nil
}

// onConfigurationDone applies queued breakpoints (already installed as
// they arrived during Configuring, in this design — see
// onSetInstructionBreakpoints) and resumes or halts per halt_after_reset
// (spec §4.H).
func (s *Session) onConfigurationDone(req *googledap.ConfigurationDoneRequest) error {
	resp := &googledap.ConfigurationDoneResponse{Response: s.newResponse(req.Seq, req.Command, true)}
	s.write(resp)

	if s.cfg.Flashing.HaltAfterReset {
		for idx, c := range s.cores {
			st, err := c.Status()
			if err == nil {
				s.sendEvent("stopped", googledap.StoppedEventBody{
					Reason: "entry", ThreadId: idx, AllThreadsStopped: true,
				})
				s.lastStatus[idx] = st
			}
		}
		return nil
	}
	for idx, c := range s.cores {
		if err := c.Run(); err != nil {
			return fmt.Errorf("dap: run core %d: %w", idx, err)
		}
	}
	return nil
}

// onRestart implements spec §4.H "halts, optionally re-flashes if the
// binary is newer (mtime compare), resets caches, and re-runs the
// post-attach initialization."
func (s *Session) onRestart(req *googledap.RestartRequest) error {
	for idx, c := range s.cores {
		if _, err := c.Halt(core.DefaultTimeout); err != nil {
			return fmt.Errorf("dap: restart halt core %d: %w", idx, err)
		}
	}
	if s.flasher != nil {
		for _, cc := range s.cfg.CoreConfigs {
			if cc.ProgramBinary == "" {
				continue
			}
			needs, mtime, err := s.flasher.NeedsReflash(cc.ProgramBinary, s.binaryMtimes[cc.ProgramBinary])
			if err != nil {
				return fmt.Errorf("dap: restart mtime check %s: %w", cc.ProgramBinary, err)
			}
			if needs {
				if err := s.flasher.Flash(cc.ProgramBinary, s.cfg.Flashing); err != nil {
					return fmt.Errorf("dap: restart reflash %s: %w", cc.ProgramBinary, err)
				}
				s.binaryMtimes[cc.ProgramBinary] = mtime
			}
		}
	}
	s.lastStatus = make(map[int]core.CoreStatus)
	resp := &googledap.RestartResponse{Response: s.newResponse(req.Seq, req.Command, true)}
	s.write(resp)
	return s.onConfigurationDone(&googledap.ConfigurationDoneRequest{Request: req.Request})
}

// onDisconnect cleans up (disables breakpoints installed by this session)
// and terminates (spec §4.H).
func (s *Session) onDisconnect(req *googledap.DisconnectRequest) error {
	for idx, slots := range s.breakpoints {
		c, ok := s.cores[idx]
		if !ok {
			continue
		}
		for _, slot := range slots {
			_ = c.ClearHWBreakpoint(slot)
		}
	}
	resp := &googledap.DisconnectResponse{Response: s.newResponse(req.Seq, req.Command, true)}
	s.write(resp)
	s.sendEvent("terminated", nil)
	s.sendEvent("exited", googledap.ExitedEventBody{ExitCode: 0})
	return nil
}

func (s *Session) onContinue(req *googledap.ContinueRequest) error {
	c, ok := s.cores[req.Arguments.ThreadId]
	if !ok {
		return fmt.Errorf("dap: unknown thread %d", req.Arguments.ThreadId)
	}
	if err := c.Run(); err != nil {
		return err
	}
	resp := &googledap.ContinueResponse{
		Response: s.newResponse(req.Seq, req.Command, true),
		Body:     googledap.ContinueResponseBody{AllThreadsContinued: len(s.cores) == 1},
	}
	s.write(resp)
	return nil
}

func (s *Session) onStep(seq int, threadID int, command string) error {
	c, ok := s.cores[threadID]
	if !ok {
		return fmt.Errorf("dap: unknown thread %d", threadID)
	}
	if err := c.Step(); err != nil {
		return err
	}
	s.write(&googledap.NextResponse{Response: s.newResponse(seq, command, true)})
	s.sendEvent("stopped", googledap.StoppedEventBody{Reason: "step", ThreadId: threadID, AllThreadsStopped: true})
	return nil
}

func (s *Session) onPause(req *googledap.PauseRequest) error {
	c, ok := s.cores[req.Arguments.ThreadId]
	if !ok {
		return fmt.Errorf("dap: unknown thread %d", req.Arguments.ThreadId)
	}
	if _, err := c.Halt(core.DefaultTimeout); err != nil {
		return err
	}
	s.write(&googledap.PauseResponse{Response: s.newResponse(req.Seq, req.Command, true)})
	s.sendEvent("stopped", googledap.StoppedEventBody{Reason: "pause", ThreadId: req.Arguments.ThreadId, AllThreadsStopped: true})
	return nil
}

func (s *Session) onReadMemory(req *googledap.ReadMemoryRequest) error {
	c, ok := s.cores[0]
	if !ok {
		return fmt.Errorf("dap: no core 0")
	}
	addr, err := parseHexAddr(req.Arguments.MemoryReference)
	if err != nil {
		return err
	}
	count := req.Arguments.Count
	data := make([]byte, 0, count*4)
	for i := 0; i < count; i += 4 {
		v, err := c.ReadWord32(addr + uint32(i))
		if err != nil {
			return err
		}
		data = append(data, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	if len(data) > count {
		data = data[:count]
	}
	s.write(&googledap.ReadMemoryResponse{
		Response: s.newResponse(req.Seq, req.Command, true),
		Body: googledap.ReadMemoryResponseBody{
			Address: req.Arguments.MemoryReference,
			Data:    base64.StdEncoding.EncodeToString(data),
		},
	})
	return nil
}

func (s *Session) onWriteMemory(req *googledap.WriteMemoryRequest) error {
	c, ok := s.cores[0]
	if !ok {
		return fmt.Errorf("dap: no core 0")
	}
	addr, err := parseHexAddr(req.Arguments.MemoryReference)
	if err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(req.Arguments.Data)
	if err != nil {
		return err
	}
	for i := 0; i+4 <= len(data); i += 4 {
		v := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		if err := c.WriteWord32(addr+uint32(i), v); err != nil {
			return err
		}
	}
	s.write(&googledap.WriteMemoryResponse{Response: s.newResponse(req.Seq, req.Command, true)})
	return nil
}

func (s *Session) onSetInstructionBreakpoints(req *googledap.SetInstructionBreakpointsRequest) error {
	const coreIdx = 0
	c, ok := s.cores[coreIdx]
	if !ok {
		return fmt.Errorf("dap: no core %d", coreIdx)
	}
	if s.breakpoints[coreIdx] == nil {
		s.breakpoints[coreIdx] = make(map[uint32]int)
	}
	for _, slot := range s.breakpoints[coreIdx] {
		_ = c.ClearHWBreakpoint(slot)
	}
	s.breakpoints[coreIdx] = make(map[uint32]int)
	s.nextSlot[coreIdx] = 0

	breakpoints := make([]googledap.Breakpoint, 0, len(req.Arguments.Breakpoints))
	for _, bp := range req.Arguments.Breakpoints {
		addr, err := parseHexAddr(bp.InstructionReference)
		if err != nil {
			breakpoints = append(breakpoints, googledap.Breakpoint{Verified: false, Message: err.Error()})
			continue
		}
		slot := s.nextSlot[coreIdx]
		if err := c.SetHWBreakpoint(slot, uint64(addr)); err != nil {
			breakpoints = append(breakpoints, googledap.Breakpoint{Verified: false, Message: err.Error()})
			continue
		}
		s.breakpoints[coreIdx][addr] = slot
		s.nextSlot[coreIdx]++
		breakpoints = append(breakpoints, googledap.Breakpoint{Verified: true})
	}
	s.write(&googledap.SetInstructionBreakpointsResponse{
		Response: s.newResponse(req.Seq, req.Command, true),
		Body:     googledap.SetInstructionBreakpointsResponseBody{Breakpoints: breakpoints},
	})
	return nil
}

func (s *Session) onStackTrace(req *googledap.StackTraceRequest) error {
	c, ok := s.cores[req.Arguments.ThreadId]
	if !ok {
		return fmt.Errorf("dap: unknown thread %d", req.Arguments.ThreadId)
	}
	regs := unwind.Registers{}
	for _, id := range []core.RegisterID{core.PC, core.R14LR, core.R13SP} {
		v, err := c.ReadCoreReg(id)
		if err != nil {
			return err
		}
		regs[dwarfRegFor(id)] = uint64(v)
	}
	frames, err := s.unw.Unwind(regs)
	if err != nil {
		return err
	}
	stackFrames := make([]googledap.StackFrame, 0, len(frames))
	for _, f := range frames {
		sf := googledap.StackFrame{Id: f.ID, Name: f.FunctionName, InstructionPointerReference: fmt.Sprintf("0x%x", f.PC)}
		if f.SourceLocation != nil {
			sf.Line = f.SourceLocation.Line
			sf.Column = f.SourceLocation.Col
			sf.Source = &googledap.Source{Name: f.SourceLocation.File, Path: f.SourceLocation.File}
		}
		stackFrames = append(stackFrames, sf)
	}
	s.write(&googledap.StackTraceResponse{
		Response: s.newResponse(req.Seq, req.Command, true),
		Body:     googledap.StackTraceResponseBody{StackFrames: stackFrames, TotalFrames: len(stackFrames)},
	})
	return nil
}

func dwarfRegFor(id core.RegisterID) int {
	switch id {
	case core.R13SP:
		return unwind.RegSP
	case core.R14LR:
		return unwind.RegLR
	case core.PC:
		return unwind.RegPC
	default:
		return int(id)
	}
}

func (s *Session) newResponse(requestSeq int, command string, success bool) googledap.Response {
	s.seq++
	return googledap.Response{
		ProtocolMessage: googledap.ProtocolMessage{Seq: s.seq, Type: "response"},
		RequestSeq:      requestSeq,
		Success:         success,
		Command:         command,
	}
}

// sendErrorResponse converts a typed internal error into a DAP error
// response plus a debug-console output event (spec §7 propagation rule).
func (s *Session) sendErrorResponse(req googledap.RequestMessage, message string, fatal bool) {
	r := req.GetRequest()
	s.seq++
	resp := &googledap.ErrorResponse{
		Response: googledap.Response{
			ProtocolMessage: googledap.ProtocolMessage{Seq: s.seq, Type: "response"},
			RequestSeq:      r.Seq,
			Success:         false,
			Command:         r.Command,
			Message:         message,
		},
		Body: googledap.ErrorResponseBody{
			Error: &googledap.ErrorMessage{Format: message, ShowUser: true},
		},
	}
	s.write(resp)
	s.sendEvent("output", googledap.OutputEventBody{Category: "console", Output: message + "\n"})
	if fatal {
		s.sendEvent("terminated", nil)
		s.sendEvent("exited", googledap.ExitedEventBody{ExitCode: 1})
	}
}

func (s *Session) sendEvent(event string, body interface{}) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	s.write(&googledap.Event{
		ProtocolMessage: googledap.ProtocolMessage{Seq: seq, Type: "event"},
		Event:           event,
		Body:            body,
	})
}

func (s *Session) write(msg googledap.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = googledap.WriteProtocolMessage(s.out, msg)
}
