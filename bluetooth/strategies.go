package bluetooth

import (
	"fmt"
	"log"
	"time"

	"github.com/undertune/z407d/utils"
)

// strategy is one executor in the escalation ladder. enter runs when the
// orchestrator moves into the strategy's phase; handle receives every event
// that arrives while the phase is current. Both run on the orchestrator
// goroutine and must not block.
type strategy interface {
	enter(o *Orchestrator)
	handle(o *Orchestrator, evt Event)
}

type connectStage int

const (
	stageIdle connectStage = iota
	stageConnecting
	stageSettling
	stageDiscovering
	stageNotifySetup
	stageHandshake
	stageExtraWait
)

// connectParams tunes the shared connect flow per phase.
type connectParams struct {
	mode          ConnectMode
	autoConnect   bool
	settle        time.Duration
	window        time.Duration
	tries         int
	blindTolerant bool
}

func (p connectParams) settleDelay() time.Duration {
	if p.settle > 0 {
		return p.settle
	}
	return LINK_SETTLE_DELAY
}

func (p connectParams) discoveryWindow() time.Duration {
	if p.window > 0 {
		return p.window
	}
	return DISCOVERY_TIMEOUT
}

func (p connectParams) discoveryTries() int {
	if p.tries > 0 {
		return p.tries
	}
	return 1
}

// flowState is the per-phase scratch area, reset on every phase entry.
type flowState struct {
	stage     connectStage
	params    connectParams
	triesUsed int

	watchdog       int
	globalWatchdog int

	cyclesLeft      int
	pendingProfiles int
	probeOK         bool
}

var rapidCycleModes = []ConnectMode{ModeAuto, ModeLE, ModeClassic}

var strategyTable = map[Phase]strategy{
	PhaseIdle:                idleStrategy{},
	PhaseProfileCleanup:      profileCleanupStrategy{},
	PhaseCleanupSettle:       settleStrategy{delay: CLEANUP_SETTLE_DELAY},
	PhaseDirectAuto:          directConnectStrategy{connectParams{mode: ModeAuto}},
	PhaseDirectLE:            directConnectStrategy{connectParams{mode: ModeLE}},
	PhaseDirectClassic:       directConnectStrategy{connectParams{mode: ModeClassic}},
	PhaseRapidCycle:          rapidCycleStrategy{},
	PhaseCycleSettle:         settleStrategy{delay: CYCLE_SETTLE_DELAY},
	PhaseExtendedWait:        directConnectStrategy{connectParams{mode: ModeAuto, autoConnect: true, settle: EXTENDED_WAIT_DELAY, window: EXTENDED_DISCOVERY_TIMEOUT}},
	PhaseAggressiveDiscovery: directConnectStrategy{connectParams{mode: ModeAuto, window: EXTENDED_DISCOVERY_TIMEOUT, tries: AGGRESSIVE_DISCOVERY_TRIES}},
	PhaseCacheProbe:          cacheProbeStrategy{},
	PhaseProbeSettle:         settleStrategy{delay: PROBE_SETTLE_DELAY},
	PhaseScanning:            scanStrategy{},
	PhaseScanConnect:         scanConnectStrategy{},
	PhaseUnpair:              unpairStrategy{},
	PhaseUnpairSettle:        settleStrategy{delay: UNPAIR_SETTLE_DELAY},
	PhaseRepair:              repairStrategy{},
	PhaseBondWait:            bondWaitStrategy{},
	PhaseRebondConnect:       directConnectStrategy{connectParams{mode: ModeAuto}},
	PhaseBlindWrite:          blindWriteStrategy{},
	PhaseAdapterOff:          adapterPowerStrategy{on: false},
	PhaseAdapterSettle:       adapterSettleStrategy{},
	PhaseAdapterOn:           adapterPowerStrategy{on: true},
	PhaseFinalAttempt:        directConnectStrategy{connectParams{mode: ModeAuto}},
	PhaseConnected:           connectedStrategy{},
	PhaseFailed:              failedStrategy{},
}

func strategyFor(p Phase) strategy {
	if s, ok := strategyTable[p]; ok {
		return s
	}
	return idleStrategy{}
}

// beginConnect opens the primary session and starts the shared connect →
// settle → discover → notify → handshake flow for the current phase.
func (o *Orchestrator) beginConnect(p connectParams) {
	addr := o.target.BestAddress()
	if addr == "" {
		o.failPhase("no target address known, skipping connect attempt")
		return
	}
	if o.session != NoSession {
		log.Printf("ORCH: session %d still open entering %s, closing", o.session, o.phase)
		o.closePrimary()
	}

	o.flow.stage = stageConnecting
	o.flow.params = p
	o.flow.triesUsed = 0

	session, err := o.transport.Connect(addr, p.mode, p.autoConnect)
	if err != nil {
		o.failPhase(fmt.Sprintf("connect (%s) rejected: %v", p.mode, err))
		return
	}
	o.session = session
	o.logf("connect issued (%s, autoConnect=%v)", p.mode, p.autoConnect)
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(DIRECT_CONNECT_TIMEOUT), o.phase, o.seq)
}

// connectFlowHandle drives the shared flow. Events carrying a session that
// is not the current primary are residue from a torn-down attempt and are
// ignored.
func (o *Orchestrator) connectFlowHandle(evt Event) {
	switch evt.Kind {
	case EventLinkUp:
		if evt.Session != o.session || o.flow.stage != stageConnecting {
			return
		}
		o.watchdogs.Cancel(o.flow.watchdog)
		o.flow.stage = stageSettling
		o.logf("link up, settling")
		o.flow.watchdog = o.watchdogs.Arm(o.scaled(o.flow.params.settleDelay()), o.phase, o.seq)

	case EventLinkDown:
		if evt.Session != o.session {
			return
		}
		o.session = NoSession
		o.chars = RequiredCharacteristics{}
		reason := "link down before session usable"
		if evt.Err != nil {
			reason = fmt.Sprintf("link down: %v", evt.Err)
		}
		o.failPhase(reason)

	case EventWatchdog:
		if evt.Timer != o.flow.watchdog {
			return
		}
		o.connectFlowTimeout()

	case EventServicesDiscovered:
		if evt.Session != o.session {
			return
		}
		lateBlind := o.flow.stage == stageExtraWait && o.flow.params.blindTolerant
		if o.flow.stage != stageDiscovering && !lateBlind {
			return
		}
		o.watchdogs.Cancel(o.flow.watchdog)
		if evt.Err != nil {
			o.discoveryIncomplete(fmt.Sprintf("discovery failed: %v", evt.Err))
			return
		}
		o.logf("%d services discovered", evt.ServiceCount)
		o.onDiscoveryComplete()

	case EventDescriptorWrite:
		if evt.Session != o.session || o.flow.stage != stageNotifySetup {
			return
		}
		o.watchdogs.Cancel(o.flow.watchdog)
		if !evt.OK {
			o.failPhase(fmt.Sprintf("notify descriptor write failed: %v", evt.Err))
			return
		}
		o.logf("notifications enabled")
		o.sendHandshake()

	case EventNotification:
		if evt.Session != o.session {
			return
		}
		o.handleNotification(evt)
	}
}

func (o *Orchestrator) connectFlowTimeout() {
	switch o.flow.stage {
	case stageConnecting:
		o.failPhase(fmt.Sprintf("no link event within %s", o.scaled(DIRECT_CONNECT_TIMEOUT)))
	case stageSettling:
		o.requestDiscovery()
	case stageDiscovering:
		if o.flow.triesUsed+1 < o.flow.params.discoveryTries() {
			o.flow.triesUsed++
			o.logf("discovery window expired, retry %d/%d", o.flow.triesUsed+1, o.flow.params.discoveryTries())
			o.requestDiscovery()
		} else if o.flow.params.blindTolerant {
			o.enterBlindWindow("discovery window expired")
		} else {
			o.failPhase("discovery timed out")
		}
	case stageExtraWait:
		o.failPhase("blind write window closed without resolved characteristics")
	case stageNotifySetup:
		o.failPhase("notification setup timed out")
	case stageHandshake:
		o.failPhase("handshake timed out")
	default:
		o.failPhase("watchdog fired in unexpected stage")
	}
}

// requestDiscovery invalidates any stale service cache and asks the stack to
// resolve services, guarded by the phase's discovery window.
func (o *Orchestrator) requestDiscovery() {
	if err := o.transport.InvalidateServiceCache(o.session); err != nil {
		log.Printf("ORCH: cache invalidation: %v", err)
	}
	if err := o.transport.DiscoverServices(o.session); err != nil {
		o.failPhase(fmt.Sprintf("discovery request rejected: %v", err))
		return
	}
	o.flow.stage = stageDiscovering
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(o.flow.params.discoveryWindow()), o.phase, o.seq)
}

// onDiscoveryComplete is the shared discovery success path: verify the
// required pair resolves, retry in place up to the bound, then either give
// up (earning blind-write eligibility) or proceed to notification setup.
func (o *Orchestrator) onDiscoveryComplete() {
	chars, err := o.transport.Characteristics(o.session)
	if err != nil {
		o.discoveryIncomplete(fmt.Sprintf("characteristic resolution failed: %v", err))
		return
	}
	if !chars.Complete() {
		o.discoveryIncomplete("required characteristics missing")
		return
	}

	o.chars = chars
	o.logf("required characteristics resolved")
	o.flow.stage = stageNotifySetup
	if err := o.transport.SetNotify(o.session, chars.Response, true); err != nil {
		o.failPhase(fmt.Sprintf("notify enable rejected: %v", err))
		return
	}
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(NOTIFY_SETUP_TIMEOUT), o.phase, o.seq)
}

func (o *Orchestrator) discoveryIncomplete(detail string) {
	if o.flow.params.blindTolerant {
		o.enterBlindWindow(detail)
		return
	}

	o.es.DiscoveryRetries++
	if o.es.DiscoveryRetries >= MAX_DISCOVERY_RETRIES {
		if !o.es.BlindWriteEligible {
			o.es.BlindWriteEligible = true
			o.logf("discovery retries exhausted, blind write now eligible")
		}
		o.failPhase(fmt.Sprintf("%s after %d attempts", detail, o.es.DiscoveryRetries))
		return
	}
	o.logf("%s (attempt %d/%d), invalidating cache and retrying", detail, o.es.DiscoveryRetries, MAX_DISCOVERY_RETRIES)
	o.requestDiscovery()
}

// enterBlindWindow holds the link open for the blind-write extra wait. If
// the characteristics never resolve there is no handle to write to, so the
// phase advances when the window closes; it never reports success.
func (o *Orchestrator) enterBlindWindow(detail string) {
	o.logf("%s, holding link for blind write window", detail)
	o.flow.stage = stageExtraWait
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(BLIND_WRITE_EXTRA_WAIT), o.phase, o.seq)
}

func (o *Orchestrator) sendHandshake() {
	o.flow.stage = stageHandshake
	if err := o.transport.WriteCharacteristic(o.session, o.chars.Command, HandshakeFrame(), WriteWithResponse); err != nil {
		o.failPhase(fmt.Sprintf("handshake write rejected: %v", err))
		return
	}
	o.logf("handshake sent")
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(HANDSHAKE_TIMEOUT), o.phase, o.seq)
}

// handleNotification decodes an inbound frame, publishes feedback, answers
// keep-alive pings, and completes the connection on the authoritative
// link-usable signals.
func (o *Orchestrator) handleNotification(evt Event) {
	fb := DecodeNotification(evt.Data)
	log.Printf("ORCH: notification: %s", fb.Text)
	o.publishFeedback(fb.Text)
	o.publishSpeakerState(fb, evt.Data)

	if fb.AutoAck && o.chars.Command != "" {
		if err := o.transport.WriteCharacteristic(o.session, o.chars.Command, KeepAliveAckFrame(), WriteWithoutResponse); err != nil {
			log.Printf("ORCH: keep-alive ack write: %v", err)
		}
	}

	if fb.LinkUsable && o.phase != PhaseConnected {
		if o.flow.stage == stageHandshake || o.flow.stage == stageNotifySetup {
			o.watchdogs.Cancel(o.flow.watchdog)
			o.completeConnection()
		}
	}
}

func (o *Orchestrator) publishSpeakerState(fb Feedback, data []byte) {
	var payload utils.SpeakerStatePayload
	switch fb.Kind {
	case FeedbackVolume:
		if len(data) < 2 {
			return
		}
		v := int(data[1])
		payload.Volume = &v
	case FeedbackBass:
		if len(data) < 2 {
			return
		}
		v := int(data[1])
		payload.Bass = &v
	case FeedbackInput:
		if len(data) < 2 {
			return
		}
		switch data[1] {
		case INPUT_CODE_AUX:
			payload.Input = "aux"
		case INPUT_CODE_USB:
			payload.Input = "usb"
		case INPUT_CODE_BLUETOOTH:
			payload.Input = "bluetooth"
		default:
			return
		}
	case FeedbackPlayState:
		if len(data) >= 2 && data[1] == PLAY_STATE_PLAYING {
			payload.PlayState = "playing"
		} else {
			payload.PlayState = "paused"
		}
	default:
		return
	}
	o.hub.Broadcast(utils.WebSocketEvent{Type: "speaker/state", Payload: payload})
}

// idleStrategy absorbs residual events outside an active sequence.
type idleStrategy struct{}

func (idleStrategy) enter(o *Orchestrator) {}

func (idleStrategy) handle(o *Orchestrator, evt Event) {}

// failedStrategy is the terminal failure state. Everything automatic has
// been tried; the only way out is manual intervention plus a fresh connect.
type failedStrategy struct{}

func (failedStrategy) enter(o *Orchestrator) {
	log.Println("ORCH: escalation exhausted")
	o.publishFeedback("Unable to connect. Unpair the speaker in system settings, power-cycle it, re-pair, then press connect again.")
}

func (failedStrategy) handle(o *Orchestrator, evt Event) {}

// profileCleanupStrategy tears down every competing logical profile before
// the first connect attempt. Best effort: it never fails the sequence.
type profileCleanupStrategy struct{}

func (profileCleanupStrategy) enter(o *Orchestrator) {
	addr := o.target.BestAddress()
	if addr == "" {
		o.logf("no target address, skipping profile cleanup")
		o.advance()
		return
	}

	o.flow.pendingProfiles = 0
	for _, p := range CleanupProfiles {
		if err := o.transport.DisconnectProfile(p, addr); err != nil {
			o.logf("profile %s disconnect rejected: %v", p, err)
			continue
		}
		o.flow.pendingProfiles++
	}

	if o.flow.pendingProfiles == 0 {
		o.logf("no profile disconnects pending")
		o.advance()
		return
	}
	o.logf("waiting for %d profile disconnects", o.flow.pendingProfiles)
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(PROFILE_CLEANUP_TIMEOUT), o.phase, o.seq)
}

func (profileCleanupStrategy) handle(o *Orchestrator, evt Event) {
	switch evt.Kind {
	case EventProfileDisconnected:
		if evt.Err != nil {
			o.logf("profile %s disconnect: %v", evt.Profile, evt.Err)
		} else {
			o.logf("profile %s disconnected", evt.Profile)
		}
		o.flow.pendingProfiles--
		if o.flow.pendingProfiles <= 0 {
			o.watchdogs.Cancel(o.flow.watchdog)
			o.logf("profile cleanup complete")
			o.advance()
		}
	case EventWatchdog:
		o.logf("profile cleanup timed out, continuing")
		o.advance()
	}
}

// settleStrategy is a pure delay: arm a timer, advance when it fires.
type settleStrategy struct {
	delay time.Duration
}

func (s settleStrategy) enter(o *Orchestrator) {
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(s.delay), o.phase, o.seq)
}

func (s settleStrategy) handle(o *Orchestrator, evt Event) {
	if evt.Kind == EventWatchdog {
		o.advance()
	}
}

// directConnectStrategy is the shared connect-flow shape used by the direct
// tiers, the extended-discovery tiers, the re-bond connect, and the final
// attempt.
type directConnectStrategy struct {
	params connectParams
}

func (s directConnectStrategy) enter(o *Orchestrator) {
	o.beginConnect(s.params)
}

func (s directConnectStrategy) handle(o *Orchestrator, evt Event) {
	o.connectFlowHandle(evt)
}

// rapidCycleStrategy hammers the peripheral with short connect/probe/
// disconnect cycles, rotating the transport mode. A probe that unexpectedly
// resolves both required characteristics enters the normal notify/handshake
// path instead of cycling on.
type rapidCycleStrategy struct{}

func (s rapidCycleStrategy) enter(o *Orchestrator) {
	o.flow.cyclesLeft = RAPID_CYCLE_COUNT
	o.flow.globalWatchdog = o.watchdogs.Arm(o.scaled(RAPID_CYCLE_TIMEOUT), o.phase, o.seq)
	s.startCycle(o)
}

func (s rapidCycleStrategy) startCycle(o *Orchestrator) {
	for o.flow.cyclesLeft > 0 {
		mode := rapidCycleModes[(RAPID_CYCLE_COUNT-o.flow.cyclesLeft)%len(rapidCycleModes)]
		o.flow.cyclesLeft--
		o.es.CycleCount++
		o.flow.stage = stageConnecting
		o.flow.params = connectParams{mode: mode}

		session, err := o.transport.Connect(o.target.BestAddress(), mode, false)
		if err != nil {
			o.logf("cycle %d connect (%s) rejected: %v", o.es.CycleCount, mode, err)
			continue
		}
		o.session = session
		o.logf("cycle %d connect issued (%s)", o.es.CycleCount, mode)
		o.flow.watchdog = o.watchdogs.Arm(o.scaled(RAPID_PROBE_TIMEOUT), o.phase, o.seq)
		return
	}

	o.watchdogs.Cancel(o.flow.globalWatchdog)
	o.logf("rapid cycling exhausted after %d cycles", o.es.CycleCount)
	o.advance()
}

func (s rapidCycleStrategy) endCycle(o *Orchestrator, reason string) {
	o.logf("cycle ended: %s", reason)
	o.watchdogs.Cancel(o.flow.watchdog)
	o.closePrimary()
	s.startCycle(o)
}

func (s rapidCycleStrategy) handle(o *Orchestrator, evt Event) {
	if evt.Kind == EventWatchdog && evt.Timer == o.flow.globalWatchdog {
		o.logf("rapid cycle budget exhausted")
		o.closePrimary()
		o.advance()
		return
	}

	// Once a probe has resolved the characteristics the remaining stages
	// are the shared notify/handshake flow.
	if o.flow.stage == stageNotifySetup || o.flow.stage == stageHandshake {
		o.connectFlowHandle(evt)
		return
	}

	switch evt.Kind {
	case EventLinkUp:
		if evt.Session != o.session || o.flow.stage != stageConnecting {
			return
		}
		o.watchdogs.Cancel(o.flow.watchdog)
		if err := o.transport.InvalidateServiceCache(o.session); err != nil {
			log.Printf("ORCH: cache invalidation: %v", err)
		}
		if err := o.transport.DiscoverServices(o.session); err != nil {
			s.endCycle(o, fmt.Sprintf("probe discovery rejected: %v", err))
			return
		}
		o.flow.stage = stageDiscovering
		o.flow.watchdog = o.watchdogs.Arm(o.scaled(RAPID_PROBE_TIMEOUT), o.phase, o.seq)

	case EventLinkDown:
		if evt.Session != o.session {
			return
		}
		o.session = NoSession
		s.endCycle(o, "link down")

	case EventServicesDiscovered:
		if evt.Session != o.session || o.flow.stage != stageDiscovering {
			return
		}
		o.watchdogs.Cancel(o.flow.watchdog)
		if evt.Err != nil {
			s.endCycle(o, fmt.Sprintf("probe discovery failed: %v", evt.Err))
			return
		}
		chars, err := o.transport.Characteristics(o.session)
		if err != nil || !chars.Complete() {
			s.endCycle(o, "probe did not resolve characteristics")
			return
		}
		// Surprise success: the probe found a usable attribute layout.
		// Finish through the normal notify/handshake path rather than
		// declaring victory early.
		o.chars = chars
		o.logf("cycle probe resolved characteristics, completing session")
		o.flow.stage = stageNotifySetup
		if err := o.transport.SetNotify(o.session, chars.Response, true); err != nil {
			s.endCycle(o, fmt.Sprintf("notify enable rejected: %v", err))
			return
		}
		o.flow.watchdog = o.watchdogs.Arm(o.scaled(NOTIFY_SETUP_TIMEOUT), o.phase, o.seq)

	case EventWatchdog:
		if evt.Timer != o.flow.watchdog {
			return
		}
		s.endCycle(o, "cycle timed out")
	}
}

// cacheProbeStrategy opens a short-lived secondary session solely to drop
// the stale service cache, then closes it. Diagnostic only: it advances
// regardless of outcome and touches nothing beyond a logged boolean.
type cacheProbeStrategy struct{}

func (cacheProbeStrategy) enter(o *Orchestrator) {
	addr := o.target.BestAddress()
	if addr == "" {
		o.logf("no target address, skipping cache probe")
		o.advance()
		return
	}

	session, err := o.transport.Connect(addr, ModeAuto, false)
	if err != nil {
		o.logf("probe connect rejected: %v", err)
		o.advance()
		return
	}
	o.secondary = session
	o.logf("cache probe session opened")
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(CACHE_PROBE_TIMEOUT), o.phase, o.seq)
}

func (cacheProbeStrategy) handle(o *Orchestrator, evt Event) {
	switch evt.Kind {
	case EventLinkUp:
		if evt.Session != o.secondary {
			return
		}
		err := o.transport.InvalidateServiceCache(o.secondary)
		o.flow.probeOK = err == nil
		if err != nil {
			log.Printf("ORCH: probe cache invalidation: %v", err)
		}
		if err := o.transport.Disconnect(o.secondary); err != nil {
			log.Printf("ORCH: probe disconnect: %v", err)
		}

	case EventLinkDown:
		if evt.Session != o.secondary {
			return
		}
		o.secondary = NoSession
		o.watchdogs.Cancel(o.flow.watchdog)
		if o.flow.probeOK {
			o.logf("cache probe complete, cache invalidated")
		} else {
			o.logf("cache probe complete, invalidation not confirmed")
		}
		o.advance()

	case EventWatchdog:
		o.logf("cache probe timed out")
		o.closeSecondary()
		o.advance()
	}
}

// scanStrategy runs an unfiltered scan and matches advertisements against
// the target. First match wins; an empty window advances with no match.
type scanStrategy struct{}

func (scanStrategy) enter(o *Orchestrator) {
	if err := o.transport.Scan(); err != nil {
		o.failPhase(fmt.Sprintf("scan rejected: %v", err))
		return
	}
	o.logf("scanning for target")
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(SCAN_WINDOW), o.phase, o.seq)
}

func (scanStrategy) handle(o *Orchestrator, evt Event) {
	switch evt.Kind {
	case EventScanResult:
		if !o.matchesScanResult(evt.Device) {
			return
		}
		o.watchdogs.Cancel(o.flow.watchdog)
		if err := o.transport.StopScan(); err != nil {
			log.Printf("ORCH: stop scan: %v", err)
		}
		o.scanFound = evt.Device.Address
		o.target.Address = evt.Device.Address
		if evt.Device.Name != "" {
			o.target.Name = evt.Device.Name
		}
		o.logf("scan matched %s (%s)", evt.Device.Name, evt.Device.Address)
		o.advance()

	case EventScanFailed:
		o.watchdogs.Cancel(o.flow.watchdog)
		o.logf("scan failed: %v", evt.Err)
		o.advance()

	case EventWatchdog:
		if err := o.transport.StopScan(); err != nil {
			log.Printf("ORCH: stop scan: %v", err)
		}
		o.logf("scan window closed without a match")
		o.advance()
	}
}

// matchesScanResult recognizes the target in an advertisement: by pinned
// address, by the address saved before a bond-removal cycle, or by the
// advertised-name substring.
func (o *Orchestrator) matchesScanResult(d DeviceInfo) bool {
	if o.cfg.TargetAddress != "" {
		return equalAddress(d.Address, o.cfg.TargetAddress)
	}
	if o.target.SavedAddress != "" && equalAddress(d.Address, o.target.SavedAddress) {
		return true
	}
	return o.matchesTarget(d)
}

// scanConnectStrategy connects to the address the scan produced. With no
// match recorded it is an immediate soft failure.
type scanConnectStrategy struct{}

func (scanConnectStrategy) enter(o *Orchestrator) {
	if o.scanFound == "" {
		o.logf("no scan match to connect to")
		o.advance()
		return
	}
	o.beginConnect(connectParams{mode: ModeAuto})
}

func (scanConnectStrategy) handle(o *Orchestrator, evt Event) {
	o.connectFlowHandle(evt)
}

// unpairStrategy removes the existing bond. The attempt flag is set on
// entry: re-bonding happens at most once per sequence.
type unpairStrategy struct{}

func (unpairStrategy) enter(o *Orchestrator) {
	o.es.RebondAttempted = true

	addr := o.target.BestAddress()
	if addr == "" {
		o.logf("no address to unpair")
		o.advance()
		return
	}

	o.logf("removing bond with %s", addr)
	if err := o.transport.RemoveBond(addr); err != nil {
		o.logf("bond removal rejected: %v", err)
	}
	o.target.Bonded = false
	o.advance()
}

func (unpairStrategy) handle(o *Orchestrator, evt Event) {}

// repairStrategy requests a fresh pairing; bondWaitStrategy waits for it.
type repairStrategy struct{}

func (repairStrategy) enter(o *Orchestrator) {
	addr := o.target.SavedAddress
	if addr == "" {
		addr = o.target.Address
	}
	if addr == "" {
		o.logf("no saved address to re-pair")
		o.advance()
		return
	}

	o.bondInFlight = false
	if err := o.transport.CreateBond(addr); err != nil {
		o.logf("pairing request rejected: %v", err)
	} else {
		o.bondInFlight = true
		o.logf("pairing requested with %s", addr)
	}
	o.advance()
}

func (repairStrategy) handle(o *Orchestrator, evt Event) {}

type bondWaitStrategy struct{}

func (bondWaitStrategy) enter(o *Orchestrator) {
	if !o.bondInFlight {
		o.logf("no pairing in flight, skipping bond wait")
		o.advance()
		return
	}
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(REBOND_TIMEOUT), o.phase, o.seq)
}

func (bondWaitStrategy) handle(o *Orchestrator, evt Event) {
	switch evt.Kind {
	case EventBondChanged:
		if evt.Err != nil {
			o.bondInFlight = false
			o.watchdogs.Cancel(o.flow.watchdog)
			o.logf("pairing failed: %v", evt.Err)
			o.advance()
			return
		}
		if !evt.Bonded {
			// Residue from the earlier removal.
			return
		}
		o.bondInFlight = false
		o.watchdogs.Cancel(o.flow.watchdog)
		o.target.Bonded = true
		if evt.Device.Address != "" {
			o.target.Address = evt.Device.Address
		}
		o.logf("bond established")
		o.advance()

	case EventWatchdog:
		o.bondInFlight = false
		o.logf("bond wait timed out")
		o.advance()
	}
}

// blindWriteStrategy connects and tries discovery one more time, but treats
// failure as survivable: the link is held open for an extra window in case
// the attribute layout turns up late. Without resolved characteristics there
// is nothing to write to, so the phase can only advance.
type blindWriteStrategy struct{}

func (blindWriteStrategy) enter(o *Orchestrator) {
	o.beginConnect(connectParams{mode: ModeAuto, blindTolerant: true})
}

func (blindWriteStrategy) handle(o *Orchestrator, evt Event) {
	o.connectFlowHandle(evt)
}

// adapterPowerStrategy toggles the radio. The attempt flag is consumed on
// the way down so the branch table cannot route here twice; a policy that
// forbids programmatic toggling skips the whole tier immediately.
type adapterPowerStrategy struct {
	on bool
}

func (s adapterPowerStrategy) enter(o *Orchestrator) {
	if !s.on {
		o.es.AdapterResetAttempted = true
	}

	if !o.cfg.AllowAdapterReset {
		o.logf("adapter reset disallowed by policy, skipping")
		o.advance()
		return
	}

	if err := o.transport.SetAdapterPower(s.on); err != nil {
		o.logf("adapter power change rejected: %v", err)
		o.advance()
		return
	}

	if s.on {
		o.logf("adapter powered on, waiting for init")
		o.flow.watchdog = o.watchdogs.Arm(o.scaled(ADAPTER_ON_SETTLE), o.phase, o.seq)
		return
	}
	o.logf("adapter powered off")
	o.advance()
}

func (s adapterPowerStrategy) handle(o *Orchestrator, evt Event) {
	if evt.Kind == EventWatchdog {
		o.advance()
	}
}

// adapterSettleStrategy is the pause between power-off and power-on,
// skipped along with the rest of the tier when resets are disallowed.
type adapterSettleStrategy struct{}

func (adapterSettleStrategy) enter(o *Orchestrator) {
	if !o.cfg.AllowAdapterReset {
		o.advance()
		return
	}
	o.flow.watchdog = o.watchdogs.Arm(o.scaled(ADAPTER_OFF_SETTLE), o.phase, o.seq)
}

func (adapterSettleStrategy) handle(o *Orchestrator, evt Event) {
	if evt.Kind == EventWatchdog {
		o.advance()
	}
}

// connectedStrategy holds the established session: feedback decoding,
// keep-alive answering, and resume-on-drop.
type connectedStrategy struct{}

func (connectedStrategy) enter(o *Orchestrator) {
	o.limiter.Reset()
	name := o.target.Name
	if name == "" {
		name = "speaker"
	}
	o.publishFeedback(fmt.Sprintf("Connected to %s", name))
}

func (connectedStrategy) handle(o *Orchestrator, evt Event) {
	switch evt.Kind {
	case EventNotification:
		if evt.Session != o.session {
			return
		}
		o.handleNotification(evt)

	case EventLinkDown:
		if evt.Session != o.session {
			return
		}
		o.session = NoSession
		o.chars = RequiredCharacteristics{}
		o.resumeAfterDrop()
	}
}
