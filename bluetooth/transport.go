package bluetooth

// ConnectMode selects the transport variant for one connect attempt. The
// speaker accepts LE control connections but its firmware responds very
// differently depending on how the link is brought up, which is why the
// escalation ladder rotates through all three.
type ConnectMode int

const (
	ModeAuto ConnectMode = iota
	ModeLE
	ModeClassic
)

func (m ConnectMode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeLE:
		return "le"
	case ModeClassic:
		return "classic"
	default:
		return "unknown"
	}
}

// WriteMode selects the GATT write type for a characteristic write.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

// ProfileKind names a logical profile that can hold its own link to the
// target and compete with the control session.
type ProfileKind int

const (
	ProfileAudio ProfileKind = iota
	ProfileHandset
	ProfileRemoteControl
)

func (p ProfileKind) String() string {
	switch p {
	case ProfileAudio:
		return "audio"
	case ProfileHandset:
		return "handset"
	case ProfileRemoteControl:
		return "remote_control"
	default:
		return "unknown"
	}
}

// UUIDs returns the service UUIDs BlueZ associates with this profile kind.
func (p ProfileKind) UUIDs() []string {
	switch p {
	case ProfileAudio:
		return []string{PROFILE_A2DP_UUID}
	case ProfileHandset:
		return []string{PROFILE_HFP_UUID, PROFILE_HSP_UUID}
	case ProfileRemoteControl:
		return []string{PROFILE_AVRCP_UUID}
	default:
		return nil
	}
}

// CleanupProfiles is the set torn down by the profile-cleanup phase.
var CleanupProfiles = []ProfileKind{ProfileAudio, ProfileHandset, ProfileRemoteControl}

// SessionID identifies one transport session handle. Zero means no session.
type SessionID uint64

const NoSession SessionID = 0

// CharRef and DescriptorRef are opaque handles to resolved GATT objects.
// The BlueZ adapter uses D-Bus object paths.
type CharRef string

type DescriptorRef string

// RequiredCharacteristics is the pair of handles the control session needs,
// resolved from the Z407 control service. Both must resolve; absence of
// either is a discovery failure.
type RequiredCharacteristics struct {
	Command  CharRef
	Response CharRef
	CCCD     DescriptorRef
}

func (rc RequiredCharacteristics) Complete() bool {
	return rc.Command != "" && rc.Response != ""
}

// DeviceInfo describes one bonded or discovered device.
type DeviceInfo struct {
	Address   string
	Name      string
	Alias     string
	Icon      string
	Paired    bool
	Trusted   bool
	Connected bool
}

// Transport is the narrow contract against the platform BLE stack. Request
// primitives return immediately; outcomes arrive as Events on the sink
// channel the implementation was constructed with. An immediate error return
// means the request never started and the caller must treat it as a phase
// failure without waiting for a watchdog.
//
// Implementations guarantee each session handle is released exactly once no
// matter how many disconnect paths race.
type Transport interface {
	// Connect opens a new session toward target. At most one primary
	// session may exist; callers must observe the previous session's
	// release before opening another.
	Connect(target string, mode ConnectMode, autoConnect bool) (SessionID, error)
	Disconnect(session SessionID) error

	// DiscoverServices requests service resolution on an open session.
	// Completion arrives as EventServicesDiscovered.
	DiscoverServices(session SessionID) error

	// InvalidateServiceCache drops any stale GATT cache the stack holds
	// for the session's device.
	InvalidateServiceCache(session SessionID) error

	// Characteristics resolves the required characteristic pair from the
	// session's discovered services. Purely local; never touches the wire.
	Characteristics(session SessionID) (RequiredCharacteristics, error)

	WriteDescriptor(session SessionID, ref DescriptorRef, value []byte) error
	WriteCharacteristic(session SessionID, ref CharRef, data []byte, mode WriteMode) error

	// SetNotify enables or disables notifications on a characteristic.
	// Confirmation arrives as EventDescriptorWrite.
	SetNotify(session SessionID, ref CharRef, enabled bool) error

	Scan() error
	StopScan() error

	BondedDevices() ([]DeviceInfo, error)
	RemoveBond(target string) error

	// CreateBond starts pairing. Completion arrives as EventBondChanged.
	CreateBond(target string) error

	SetAdapterPower(on bool) error

	// DisconnectProfile tears down one competing logical profile link.
	DisconnectProfile(profile ProfileKind, target string) error
}
