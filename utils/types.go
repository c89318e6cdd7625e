package utils

// Bluetooth
type BluetoothDeviceInfo struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Alias     string `json:"alias"`
	Icon      string `json:"icon"`
	Paired    bool   `json:"paired"`
	Trusted   bool   `json:"trusted"`
	Connected bool   `json:"connected"`
}

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type PhaseChangedPayload struct {
	Phase     string `json:"phase"`
	Label     string `json:"label"`
	Tier      string `json:"tier,omitempty"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

type FeedbackPayload struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type NetworkStatusPayload struct {
	Status string `json:"status"`
	Link   string `json:"link,omitempty"`
}

type SpeakerStatePayload struct {
	Volume    *int   `json:"volume,omitempty"`
	Bass      *int   `json:"bass,omitempty"`
	Input     string `json:"input,omitempty"`
	PlayState string `json:"play_state,omitempty"`
}

// Connection Log
type ConnectionLogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
}

type ConnectionLogPayload struct {
	Entry ConnectionLogEntry `json:"entry"`
}

// StatusSnapshot is the REST view of the orchestrator state.
type StatusSnapshot struct {
	Phase        string `json:"phase"`
	Label        string `json:"label"`
	Tier         string `json:"tier"`
	Feedback     string `json:"feedback"`
	Target       string `json:"target,omitempty"`
	TargetName   string `json:"target_name,omitempty"`
	Sequence     uint64 `json:"sequence"`
	LastActivity int64  `json:"last_activity"`
}
