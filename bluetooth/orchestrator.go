package bluetooth

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/undertune/z407d/utils"
)

var (
	ErrNotConnected   = errors.New("speaker not connected")
	ErrUnknownCommand = errors.New("unknown command")
	ErrRateLimited    = errors.New("command rate limit exceeded")
	ErrStopped        = errors.New("orchestrator stopped")
)

// Target identifies the peripheral being pursued. SavedAddress preserves
// identity across the bond-removal churn of the re-bond tier, where the
// stack may forget the device entirely.
type Target struct {
	Address      string
	Name         string
	SavedAddress string
	Bonded       bool
}

func (t Target) BestAddress() string {
	if t.Address != "" {
		return t.Address
	}
	return t.SavedAddress
}

// Config carries the orchestrator's tunables.
type Config struct {
	// TargetName is the advertised-name substring used to recognize the
	// speaker in bonded lists and scan results.
	TargetName string

	// TargetAddress optionally pins an exact address instead.
	TargetAddress string

	// AllowAdapterReset gates the adapter power-cycle tier. Some hosts
	// must not have their radio toggled programmatically.
	AllowAdapterReset bool

	// TimeoutScale multiplies every escalation timing. 0 means 1.0.
	TimeoutScale float64

	CommandsPerSecond int
	CommandBurst      int
}

// Orchestrator is the connection spine: a single-goroutine event loop that
// walks the escalation ladder until a usable control session exists. All
// transport events, watchdog firings, and external control requests arrive
// on one channel, so phase and escalation state never need locking.
type Orchestrator struct {
	transport Transport
	watchdogs *WatchdogSupervisor
	hub       *utils.WebSocketHub
	connLog   *utils.ConnectionLog
	limiter   *RateLimiter
	cfg       Config

	events chan Event

	// Loop-owned state. Only run() touches these.
	phase        Phase
	seq          uint64
	es           EscalationState
	target       Target
	session      SessionID
	secondary    SessionID
	chars        RequiredCharacteristics
	resumePhase  Phase
	feedback     string
	scanFound    string
	bondInFlight bool
	flow         flowState
	lastActivity time.Time

	// Published snapshot for REST reads.
	statusMu sync.RWMutex
	status   utils.StatusSnapshot
	flags    EscalationState

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrchestrator wires the orchestrator to its collaborators. The events
// channel must be the same one the transport posts to.
func NewOrchestrator(transport Transport, events chan Event, hub *utils.WebSocketHub, connLog *utils.ConnectionLog, cfg Config) *Orchestrator {
	o := &Orchestrator{
		transport: transport,
		hub:       hub,
		connLog:   connLog,
		limiter:   NewRateLimiter(cfg.CommandsPerSecond, cfg.CommandBurst),
		cfg:       cfg,
		events:    events,
		phase:     PhaseIdle,
		stopChan:  make(chan struct{}),
	}
	o.watchdogs = NewWatchdogSupervisor(events)
	o.feedback = "Ready to connect"
	o.publishStatus()
	return o
}

func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.run()
}

// Shutdown tears down any active sequence through the loop, then halts it.
func (o *Orchestrator) Shutdown() {
	_ = o.Stop()
	o.stopOnce.Do(func() { close(o.stopChan) })
	o.wg.Wait()
	o.watchdogs.CancelAll()
}

// StartConnection begins (or restarts) a connection sequence. When a
// sequence is already active, a non-user-initiated call is a no-op so that
// automatic retriggers cannot stomp a user-visible attempt.
func (o *Orchestrator) StartConnection(userInitiated bool) error {
	reply := make(chan error, 1)
	if err := o.post(Event{Kind: EventConnectRequest, UserInitiated: userInitiated, Reply: reply}); err != nil {
		return err
	}
	return o.await(reply)
}

// Stop cancels the active sequence from any phase: all watchdogs cancelled,
// sessions closed, phase cleared to idle.
func (o *Orchestrator) Stop() error {
	reply := make(chan error, 1)
	if err := o.post(Event{Kind: EventDisconnectRequest, Reply: reply}); err != nil {
		return err
	}
	return o.await(reply)
}

// SendCommand writes one named control command. Rejected unless the phase
// is connected.
func (o *Orchestrator) SendCommand(name string) error {
	reply := make(chan error, 1)
	if err := o.post(Event{Kind: EventCommandRequest, Command: name, Reply: reply}); err != nil {
		return err
	}
	return o.await(reply)
}

func (o *Orchestrator) Status() utils.StatusSnapshot {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.status
}

// Flags returns the current escalation flags, for diagnostics.
func (o *Orchestrator) Flags() EscalationState {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.flags
}

func (o *Orchestrator) Devices() ([]DeviceInfo, error) {
	return o.transport.BondedDevices()
}

func (o *Orchestrator) ExportLog() string {
	return o.connLog.Export()
}

func (o *Orchestrator) post(evt Event) error {
	select {
	case o.events <- evt:
		return nil
	case <-o.stopChan:
		return ErrStopped
	}
}

func (o *Orchestrator) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-o.stopChan:
		return ErrStopped
	}
}

func (o *Orchestrator) run() {
	defer o.wg.Done()
	log.Println("ORCH: event loop started")

	for {
		select {
		case <-o.stopChan:
			log.Println("ORCH: event loop stopped")
			return
		case evt := <-o.events:
			o.dispatch(evt)
		}
	}
}

func (o *Orchestrator) dispatch(evt Event) {
	defer o.publishStatus()

	switch evt.Kind {
	case EventConnectRequest:
		o.handleConnectRequest(evt)
	case EventDisconnectRequest:
		o.handleStopRequest(evt)
	case EventCommandRequest:
		o.handleCommandRequest(evt)
	case EventWatchdog:
		// A firing whose tag no longer matches guards a phase that is
		// already over.
		if evt.Phase != o.phase || evt.Sequence != o.seq {
			log.Printf("ORCH: stale watchdog (%s seq %d) ignored in %s seq %d", evt.Phase, evt.Sequence, o.phase, o.seq)
			return
		}
		strategyFor(o.phase).handle(o, evt)
	default:
		strategyFor(o.phase).handle(o, evt)
	}
}

func (o *Orchestrator) handleConnectRequest(evt Event) {
	active := o.phase.Ladder() || o.phase == PhaseConnected
	if active && !evt.UserInitiated {
		log.Printf("ORCH: automatic connect retrigger ignored, sequence active in %s", o.phase)
		if evt.Reply != nil {
			evt.Reply <- nil
		}
		return
	}
	if active {
		log.Println("ORCH: user connect while active, tearing down current sequence")
		o.cancelSequence()
	}
	o.startSequence()
	if evt.Reply != nil {
		evt.Reply <- nil
	}
}

func (o *Orchestrator) handleStopRequest(evt Event) {
	log.Println("ORCH: stop requested")
	o.cancelSequence()
	o.setPhase(PhaseIdle)
	o.publishFeedback("Ready to connect")
	if evt.Reply != nil {
		evt.Reply <- nil
	}
}

func (o *Orchestrator) handleCommandRequest(evt Event) {
	reply := func(err error) {
		if evt.Reply != nil {
			evt.Reply <- err
		}
	}

	if o.phase != PhaseConnected {
		reply(ErrNotConnected)
		return
	}
	frame, ok := CommandFrame(evt.Command)
	if !ok {
		reply(ErrUnknownCommand)
		return
	}
	if !o.limiter.Allow() {
		log.Printf("ORCH: command %q rate limited", evt.Command)
		reply(ErrRateLimited)
		return
	}

	if err := o.transport.WriteCharacteristic(o.session, o.chars.Command, frame, WriteWithResponse); err != nil {
		o.logf("command %s write failed: %v", evt.Command, err)
		reply(fmt.Errorf("write command %q: %w", evt.Command, err))
		return
	}
	o.logf("command %s sent", evt.Command)
	reply(nil)
}

// startSequence resets per-sequence state, resolves the target from the
// bonded list, and enters the ladder. Resetting here rather than at sequence
// end keeps a failed run's flags visible for postmortem export.
func (o *Orchestrator) startSequence() {
	o.seq++
	o.es = EscalationState{}
	o.chars = RequiredCharacteristics{}
	o.scanFound = ""
	o.bondInFlight = false
	o.resumePhase = PhaseIdle
	o.target = Target{Address: o.cfg.TargetAddress, Name: o.cfg.TargetName}

	devices, err := o.transport.BondedDevices()
	if err != nil {
		log.Printf("ORCH: bonded device query failed: %v", err)
	}
	for _, d := range devices {
		if !o.matchesTarget(d) {
			continue
		}
		o.target.Address = d.Address
		o.target.SavedAddress = d.Address
		if d.Name != "" {
			o.target.Name = d.Name
		}
		o.target.Bonded = d.Paired
		break
	}

	if o.target.Bonded {
		log.Printf("ORCH: sequence %d starting for bonded target %s (%s)", o.seq, o.target.Name, o.target.Address)
		o.connLog.Appendf("start", "sequence %d: target %s bonded as %s", o.seq, o.target.Name, o.target.Address)
	} else {
		log.Printf("ORCH: sequence %d starting, target not bonded, entering scan", o.seq)
		o.connLog.Appendf("start", "sequence %d: target not in bonded list, starting at scan", o.seq)
	}

	o.publishFeedback("Connecting to speaker")
	o.enterPhase(entryPhase(o.target.Bonded))
}

func (o *Orchestrator) matchesTarget(d DeviceInfo) bool {
	if o.cfg.TargetAddress != "" {
		return equalAddress(d.Address, o.cfg.TargetAddress)
	}
	name := o.cfg.TargetName
	if name == "" {
		name = DEFAULT_TARGET_NAME
	}
	name = strings.ToLower(name)
	return strings.Contains(strings.ToLower(d.Name), name) ||
		strings.Contains(strings.ToLower(d.Alias), name)
}

func equalAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// cancelSequence deterministically releases everything an active sequence
// may hold: timers, the scan, both sessions. Safe from any phase.
func (o *Orchestrator) cancelSequence() {
	o.watchdogs.CancelAll()
	if o.phase == PhaseScanning {
		if err := o.transport.StopScan(); err != nil {
			log.Printf("ORCH: stop scan: %v", err)
		}
	}
	o.closeSecondary()
	o.closePrimary()
	o.flow = flowState{}
}

func (o *Orchestrator) enterPhase(p Phase) {
	o.watchdogs.CancelAll()
	o.flow = flowState{}
	o.es.DiscoveryRetries = 0
	o.setPhase(p)
	strategyFor(p).enter(o)
}

// advance is the single point where ladder transitions happen.
func (o *Orchestrator) advance() {
	next := nextPhase(o.phase, &o.es)
	if next == o.phase {
		return
	}
	log.Printf("ORCH: advancing %s -> %s", o.phase, next)
	o.enterPhase(next)
}

// failPhase logs the failure, releases the primary session, and advances.
// Used both for watchdog expiry and for immediately rejected requests.
func (o *Orchestrator) failPhase(reason string) {
	o.logf("%s", reason)
	o.closePrimary()
	o.advance()
}

func (o *Orchestrator) setPhase(p Phase) {
	o.phase = p
	o.lastActivity = time.Now()
	log.Printf("ORCH: phase %s (%s)", p, p.Label())
	o.connLog.Append(p.String(), "phase entered")
	o.hub.Broadcast(utils.WebSocketEvent{
		Type: "connection/phase",
		Payload: utils.PhaseChangedPayload{
			Phase:     p.String(),
			Label:     p.Label(),
			Tier:      p.Tier(),
			Sequence:  o.seq,
			Timestamp: o.lastActivity.UnixMilli(),
		},
	})
}

func (o *Orchestrator) publishFeedback(text string) {
	o.feedback = text
	o.connLog.Append(o.phase.String(), text)
	o.hub.Broadcast(utils.WebSocketEvent{
		Type:    "connection/feedback",
		Payload: utils.FeedbackPayload{Text: text, Timestamp: time.Now().UnixMilli()},
	})
}

func (o *Orchestrator) publishStatus() {
	o.statusMu.Lock()
	o.status = utils.StatusSnapshot{
		Phase:        o.phase.String(),
		Label:        o.phase.Label(),
		Tier:         o.phase.Tier(),
		Feedback:     o.feedback,
		Target:       o.target.BestAddress(),
		TargetName:   o.target.Name,
		Sequence:     o.seq,
		LastActivity: o.lastActivity.UnixMilli(),
	}
	o.flags = o.es
	o.statusMu.Unlock()
}

// completeConnection flips the machine into the connected state, recording
// the phase that produced the session so a later unexpected drop can resume
// escalation from that point instead of starting over.
func (o *Orchestrator) completeConnection() {
	o.resumePhase = o.phase
	log.Printf("ORCH: control session established via %s", o.resumePhase)
	o.enterPhase(PhaseConnected)
}

// resumeAfterDrop re-enters the ladder at the phase recorded before the
// connected state. Escalation flags are deliberately preserved: this is the
// same sequence continuing, not a fresh one.
func (o *Orchestrator) resumeAfterDrop() {
	resume := o.resumePhase
	if !resume.Ladder() {
		resume = PhaseProfileCleanup
	}
	o.publishFeedback("Connection lost, recovering")
	log.Printf("ORCH: link lost while connected, resuming at %s", resume)
	o.closePrimary()
	o.enterPhase(resume)
}

func (o *Orchestrator) closePrimary() {
	if o.session == NoSession {
		return
	}
	if err := o.transport.Disconnect(o.session); err != nil {
		log.Printf("ORCH: close session %d: %v", o.session, err)
	}
	o.session = NoSession
	o.chars = RequiredCharacteristics{}
}

func (o *Orchestrator) closeSecondary() {
	if o.secondary == NoSession {
		return
	}
	if err := o.transport.Disconnect(o.secondary); err != nil {
		log.Printf("ORCH: close probe session %d: %v", o.secondary, err)
	}
	o.secondary = NoSession
}

// scaled applies the configured timeout multiplier.
func (o *Orchestrator) scaled(d time.Duration) time.Duration {
	if o.cfg.TimeoutScale <= 0 {
		return d
	}
	return time.Duration(float64(d) * o.cfg.TimeoutScale)
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	o.connLog.Appendf(o.phase.String(), format, args...)
}
