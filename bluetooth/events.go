package bluetooth

// EventKind discriminates the single event union consumed by the orchestrator
// loop. Transport callbacks, watchdog firings, and external control requests
// all arrive as Events on one channel, which is what serializes every state
// mutation.
type EventKind int

const (
	EventLinkUp EventKind = iota
	EventLinkDown
	EventServicesDiscovered
	EventDescriptorWrite
	EventNotification
	EventScanResult
	EventScanFailed
	EventBondChanged
	EventProfileDisconnected
	EventWatchdog
	EventConnectRequest
	EventDisconnectRequest
	EventCommandRequest
)

func (k EventKind) String() string {
	switch k {
	case EventLinkUp:
		return "link_up"
	case EventLinkDown:
		return "link_down"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventDescriptorWrite:
		return "descriptor_write"
	case EventNotification:
		return "notification"
	case EventScanResult:
		return "scan_result"
	case EventScanFailed:
		return "scan_failed"
	case EventBondChanged:
		return "bond_changed"
	case EventProfileDisconnected:
		return "profile_disconnected"
	case EventWatchdog:
		return "watchdog"
	case EventConnectRequest:
		return "connect_request"
	case EventDisconnectRequest:
		return "disconnect_request"
	case EventCommandRequest:
		return "command_request"
	default:
		return "unknown"
	}
}

// Event is the one message type flowing into the orchestrator. Only the
// fields relevant to the Kind are populated.
type Event struct {
	Kind EventKind

	// Transport events
	Session      SessionID
	Err          error
	ServiceCount int
	OK           bool
	Char         CharRef
	Data         []byte
	Device       DeviceInfo
	Bonded       bool
	Profile      ProfileKind

	// Watchdog tag. Firings whose tag no longer matches the current phase
	// and sequence are ignored.
	Phase    Phase
	Sequence uint64
	Timer    int

	// Control requests
	UserInitiated bool
	Command       string
	Reply         chan error
}
