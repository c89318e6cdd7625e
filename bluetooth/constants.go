package bluetooth

import "time"

const (
	BLUEZ_BUS_NAME             = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE    = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE     = "org.bluez.Device1"
	BLUEZ_GATT_SERVICE_IFACE   = "org.bluez.GattService1"
	BLUEZ_GATT_CHAR_IFACE      = "org.bluez.GattCharacteristic1"
	BLUEZ_GATT_DESC_IFACE      = "org.bluez.GattDescriptor1"
	BLUEZ_OBJECT_PATH          = "/org/bluez"
	DBUS_OBJECT_MANAGER_IFACE  = "org.freedesktop.DBus.ObjectManager"
	DBUS_PROPERTIES_IFACE      = "org.freedesktop.DBus.Properties"
)

// Z407 control service. The speaker exposes a single proprietary GATT
// service carrying one write characteristic for commands and one notify
// characteristic for responses. Both must resolve before the link is usable.
const (
	Z407_SERVICE_UUID      = "0000fdc2-0000-1000-8000-00805f9b34fb"
	Z407_COMMAND_CHAR_UUID = "c2e758b9-0e78-41e0-b0cb-98a593193fc5"
	Z407_RESPONSE_CHAR_UUID = "b84ac9c6-29c5-46d4-bba1-9d534784330f"

	// Client Characteristic Configuration descriptor, written to enable
	// notifications on the response characteristic.
	CCCD_UUID = "00002902-0000-1000-8000-00805f9b34fb"
)

// Bluetooth Profile UUIDs (standardized 16-bit UUIDs)
//
// These are the logical profiles that can hold their own connection to the
// speaker and compete with the control session. Profile cleanup tears them
// down before the first connect attempt.
const (
	PROFILE_A2DP_UUID  = "0000110d-0000-1000-8000-00805f9b34fb" // Advanced Audio Distribution Profile
	PROFILE_AVRCP_UUID = "0000110e-0000-1000-8000-00805f9b34fb" // Audio/Video Remote Control Profile
	PROFILE_HSP_UUID   = "00001108-0000-1000-8000-00805f9b34fb" // Headset Profile
	PROFILE_HFP_UUID   = "0000111e-0000-1000-8000-00805f9b34fb" // Hands-Free Profile
)

// DEFAULT_TARGET_NAME is the advertised-name substring used to recognize the
// speaker during scans when no explicit address is configured.
const DEFAULT_TARGET_NAME = "Z407"

// Escalation timing defaults. All are scaled by the configured timeout
// multiplier before use.
const (
	PROFILE_CLEANUP_TIMEOUT  = 8 * time.Second
	CLEANUP_SETTLE_DELAY     = 5 * time.Second
	DIRECT_CONNECT_TIMEOUT   = 25 * time.Second
	LINK_SETTLE_DELAY        = 1500 * time.Millisecond
	DISCOVERY_TIMEOUT        = 10 * time.Second
	RAPID_CYCLE_TIMEOUT      = 25 * time.Second
	RAPID_PROBE_TIMEOUT      = 4 * time.Second
	CYCLE_SETTLE_DELAY       = 5 * time.Second
	EXTENDED_WAIT_DELAY      = 8 * time.Second
	EXTENDED_DISCOVERY_TIMEOUT = 10 * time.Second
	SCAN_WINDOW              = 25 * time.Second
	CACHE_PROBE_TIMEOUT      = 10 * time.Second
	PROBE_SETTLE_DELAY       = 2 * time.Second
	UNPAIR_SETTLE_DELAY      = 3 * time.Second
	REBOND_TIMEOUT           = 15 * time.Second
	ADAPTER_OFF_SETTLE       = 2 * time.Second
	ADAPTER_ON_SETTLE        = 4 * time.Second
	BLIND_WRITE_EXTRA_WAIT   = 6 * time.Second
	NOTIFY_SETUP_TIMEOUT     = 5 * time.Second
	HANDSHAKE_TIMEOUT        = 5 * time.Second
)

// Escalation retry bounds.
const (
	MAX_DISCOVERY_RETRIES      = 7
	RAPID_CYCLE_COUNT          = 5
	AGGRESSIVE_DISCOVERY_TRIES = 3
)
