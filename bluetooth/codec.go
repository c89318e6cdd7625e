package bluetooth

import "fmt"

// Z407 control protocol. Outbound commands are fixed one-byte opcodes written
// to the command characteristic. Inbound notification frames carry a one-byte
// opcode optionally followed by a single status byte.

// Outbound opcodes
const (
	CMD_HANDSHAKE     byte = 0x80
	CMD_KEEPALIVE_ACK byte = 0x81

	CMD_VOLUME_UP   byte = 0x10
	CMD_VOLUME_DOWN byte = 0x11
	CMD_BASS_UP     byte = 0x12
	CMD_BASS_DOWN   byte = 0x13

	CMD_PLAY_PAUSE byte = 0x20
	CMD_NEXT       byte = 0x21
	CMD_PREVIOUS   byte = 0x22

	CMD_INPUT_AUX       byte = 0x30
	CMD_INPUT_USB       byte = 0x31
	CMD_INPUT_BLUETOOTH byte = 0x32

	CMD_PAIRING       byte = 0x40
	CMD_FACTORY_RESET byte = 0x4F
)

// Inbound opcodes
const (
	RSP_HANDSHAKE_ACK byte = 0x90
	RSP_READY         byte = 0x91
	RSP_KEEPALIVE     byte = 0x92

	RSP_VOLUME     byte = 0xA0
	RSP_BASS       byte = 0xA1
	RSP_INPUT      byte = 0xB0
	RSP_PLAY_STATE byte = 0xC0
)

// Inbound status byte values for RSP_INPUT and RSP_PLAY_STATE.
const (
	INPUT_CODE_AUX       byte = 0x01
	INPUT_CODE_USB       byte = 0x02
	INPUT_CODE_BLUETOOTH byte = 0x03

	PLAY_STATE_PAUSED  byte = 0x00
	PLAY_STATE_PLAYING byte = 0x01
)

// commandFrames maps the external command names of the control surface to
// their wire frames. Handshake and keep-alive ack are internal to the
// connection machinery and deliberately absent.
var commandFrames = map[string][]byte{
	"volume-up":       {CMD_VOLUME_UP},
	"volume-down":     {CMD_VOLUME_DOWN},
	"bass-up":         {CMD_BASS_UP},
	"bass-down":       {CMD_BASS_DOWN},
	"play-pause":      {CMD_PLAY_PAUSE},
	"next":            {CMD_NEXT},
	"previous":        {CMD_PREVIOUS},
	"input-aux":       {CMD_INPUT_AUX},
	"input-usb":       {CMD_INPUT_USB},
	"input-bluetooth": {CMD_INPUT_BLUETOOTH},
	"pairing":         {CMD_PAIRING},
	"factory-reset":   {CMD_FACTORY_RESET},
}

// CommandFrame returns the wire frame for an external command name.
func CommandFrame(name string) ([]byte, bool) {
	frame, ok := commandFrames[name]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, true
}

// CommandNames returns the set of accepted external command names.
func CommandNames() []string {
	names := make([]string, 0, len(commandFrames))
	for name := range commandFrames {
		names = append(names, name)
	}
	return names
}

// HandshakeFrame is the fixed hello written after notifications are enabled.
// The speaker answers with RSP_HANDSHAKE_ACK once the link is usable.
func HandshakeFrame() []byte {
	return []byte{CMD_HANDSHAKE}
}

// KeepAliveAckFrame answers an RSP_KEEPALIVE ping.
func KeepAliveAckFrame() []byte {
	return []byte{CMD_KEEPALIVE_ACK}
}

type FeedbackKind int

const (
	FeedbackUnknown FeedbackKind = iota
	FeedbackHandshakeAck
	FeedbackReady
	FeedbackKeepAlive
	FeedbackVolume
	FeedbackBass
	FeedbackInput
	FeedbackPlayState
)

// Feedback is the decoded form of one inbound notification frame.
type Feedback struct {
	Kind FeedbackKind
	Text string

	// AutoAck is set when the frame is a keep-alive ping that must be
	// answered with KeepAliveAckFrame immediately.
	AutoAck bool

	// LinkUsable is set on the frames that authoritatively confirm the
	// control session is fully established.
	LinkUsable bool
}

// DecodeNotification translates an inbound frame into feedback. Unrecognized
// opcodes are surfaced verbatim as hex rather than dropped.
func DecodeNotification(data []byte) Feedback {
	if len(data) == 0 {
		return Feedback{Kind: FeedbackUnknown, Text: "Empty notification frame"}
	}

	switch data[0] {
	case RSP_HANDSHAKE_ACK:
		return Feedback{Kind: FeedbackHandshakeAck, Text: "Speaker handshake acknowledged", LinkUsable: true}
	case RSP_READY:
		return Feedback{Kind: FeedbackReady, Text: "Speaker ready", LinkUsable: true}
	case RSP_KEEPALIVE:
		return Feedback{Kind: FeedbackKeepAlive, Text: "Keep-alive ping", AutoAck: true}
	case RSP_VOLUME:
		if len(data) >= 2 {
			return Feedback{Kind: FeedbackVolume, Text: fmt.Sprintf("Volume %d", data[1])}
		}
		return Feedback{Kind: FeedbackVolume, Text: "Volume changed"}
	case RSP_BASS:
		if len(data) >= 2 {
			return Feedback{Kind: FeedbackBass, Text: fmt.Sprintf("Bass %d", data[1])}
		}
		return Feedback{Kind: FeedbackBass, Text: "Bass changed"}
	case RSP_INPUT:
		if len(data) >= 2 {
			switch data[1] {
			case INPUT_CODE_AUX:
				return Feedback{Kind: FeedbackInput, Text: "Input: AUX"}
			case INPUT_CODE_USB:
				return Feedback{Kind: FeedbackInput, Text: "Input: USB"}
			case INPUT_CODE_BLUETOOTH:
				return Feedback{Kind: FeedbackInput, Text: "Input: Bluetooth"}
			}
		}
		return Feedback{Kind: FeedbackInput, Text: "Input changed"}
	case RSP_PLAY_STATE:
		if len(data) >= 2 && data[1] == PLAY_STATE_PLAYING {
			return Feedback{Kind: FeedbackPlayState, Text: "Playing"}
		}
		return Feedback{Kind: FeedbackPlayState, Text: "Paused"}
	default:
		return Feedback{Kind: FeedbackUnknown, Text: fmt.Sprintf("Unrecognized frame: % X", data)}
	}
}
