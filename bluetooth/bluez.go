package bluetooth

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// bluezStorageDir is where bluetoothd persists per-device state, including
// the GATT attribute cache the probe phases want to drop.
const bluezStorageDir = "/var/lib/bluetooth"

// pairDiscoveryWindow bounds the discovery run used to make bluetoothd
// materialize a device object before pairing.
const pairDiscoveryWindow = 10 * time.Second

// BlueZTransport implements Transport against the BlueZ D-Bus API. All
// request primitives either finish locally or hand the blocking bluetoothd
// call to a goroutine that reports the outcome on the event sink; nothing
// here blocks the orchestrator loop on the radio.
//
// dbus.SystemBus returns a shared connection owned by the process. It is
// never closed here; Close only detaches the signal stream.
type BlueZTransport struct {
	conn        *dbus.Conn
	sink        chan<- Event
	adapterName string
	adapterPath dbus.ObjectPath
	adapterAddr string

	mu       sync.Mutex
	nextID   SessionID
	sessions map[SessionID]*bleSession

	scanning bool
	scanStop chan struct{}

	sigChan  chan *dbus.Signal
	stopChan chan struct{}
	stopOnce sync.Once
}

// bleSession is one live handle in the session table. Removal from the table
// is the single release point; the flags keep link transitions single-shot.
type bleSession struct {
	id         SessionID
	address    string
	devicePath dbus.ObjectPath
	deviceRule string
	charRule   string
	respChar   dbus.ObjectPath
	linkUp     bool
	linkDown   bool
	polling    bool
}

func NewBlueZTransport(adapterName string, sink chan<- Event) (*BlueZTransport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %v", err)
	}

	t := &BlueZTransport{
		conn:        conn,
		sink:        sink,
		adapterName: adapterName,
		adapterPath: dbus.ObjectPath(BLUEZ_OBJECT_PATH + "/" + adapterName),
		sessions:    make(map[SessionID]*bleSession),
		sigChan:     make(chan *dbus.Signal, 64),
		stopChan:    make(chan struct{}),
	}

	adapter := conn.Object(BLUEZ_BUS_NAME, t.adapterPath)
	addrVariant, err := adapter.GetProperty(BLUEZ_ADAPTER_INTERFACE + ".Address")
	if err != nil {
		return nil, fmt.Errorf("adapter %s not available: %v", adapterName, err)
	}
	t.adapterAddr, _ = addrVariant.Value().(string)

	conn.Signal(t.sigChan)
	go t.signalLoop()

	log.Printf("BLUEZ: using adapter %s (%s)", adapterName, t.adapterAddr)
	return t, nil
}

// Close stops signal delivery and unblocks any goroutine still trying to
// post an event. The shared bus connection stays open.
func (t *BlueZTransport) Close() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
}

// post delivers an event without holding the table lock, so a stalled
// consumer cannot deadlock transport calls.
func (t *BlueZTransport) post(evt Event) {
	select {
	case t.sink <- evt:
	case <-t.stopChan:
	}
}

func (t *BlueZTransport) signalLoop() {
	for {
		select {
		case <-t.stopChan:
			t.conn.RemoveSignal(t.sigChan)
			return

		case sig := <-t.sigChan:
			if sig == nil || sig.Name != DBUS_PROPERTIES_IFACE+".PropertiesChanged" {
				continue
			}
			if len(sig.Body) < 2 {
				continue
			}
			iface, _ := sig.Body[0].(string)
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}

			switch iface {
			case BLUEZ_DEVICE_INTERFACE:
				t.handleDeviceChange(sig.Path, changed)
			case BLUEZ_GATT_CHAR_IFACE:
				t.handleCharChange(sig.Path, changed)
			}
		}
	}
}

func (t *BlueZTransport) handleDeviceChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	connVariant, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, ok := connVariant.Value().(bool)
	if !ok {
		return
	}
	for _, evt := range t.linkEvents(path, connected) {
		t.post(evt)
	}
}

// linkEvents translates one Connected transition into events for every live
// session on that device path. The per-session flags make link up and link
// down single-shot no matter how often bluetoothd repeats the property.
func (t *BlueZTransport) linkEvents(path dbus.ObjectPath, connected bool) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evts []Event
	for _, s := range t.sessions {
		if s.devicePath != path {
			continue
		}
		if connected {
			if !s.linkUp && !s.linkDown {
				s.linkUp = true
				evts = append(evts, Event{Kind: EventLinkUp, Session: s.id})
			}
		} else if s.linkUp && !s.linkDown {
			s.linkDown = true
			evts = append(evts, Event{Kind: EventLinkDown, Session: s.id})
		}
	}
	return evts
}

func (t *BlueZTransport) handleCharChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	valueVariant, ok := changed["Value"]
	if !ok {
		return
	}
	value, ok := valueVariant.Value().([]byte)
	if !ok {
		return
	}

	t.mu.Lock()
	var id SessionID
	found := false
	for _, s := range t.sessions {
		if s.respChar == path {
			id = s.id
			found = true
			break
		}
	}
	t.mu.Unlock()
	if !found {
		return
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	t.post(Event{Kind: EventNotification, Session: id, Char: CharRef(path), Data: valueCopy})
}

func (t *BlueZTransport) lookup(session SessionID) (*bleSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[session]
	if !ok {
		return nil, fmt.Errorf("session %d not active", session)
	}
	return s, nil
}

func (t *BlueZTransport) sessionLive(s *bleSession) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[s.id] == s
}

func (t *BlueZTransport) Connect(target string, mode ConnectMode, autoConnect bool) (SessionID, error) {
	if target == "" {
		return NoSession, fmt.Errorf("no target address")
	}

	path := t.devicePath(target)
	rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", DBUS_PROPERTIES_IFACE, path)
	if err := t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return NoSession, fmt.Errorf("failed to add device match rule: %v", err)
	}

	t.mu.Lock()
	t.nextID++
	s := &bleSession{
		id:         t.nextID,
		address:    strings.ToUpper(target),
		devicePath: path,
		deviceRule: rule,
	}
	t.sessions[s.id] = s
	t.mu.Unlock()

	go t.runConnect(s, mode, autoConnect)
	return s.id, nil
}

// runConnect performs the blocking connect call. BlueZ parks an LE connect
// until the device advertises, which is what the long-window phases rely on;
// the orchestrator's watchdog bounds the wait either way.
func (t *BlueZTransport) runConnect(s *bleSession, mode ConnectMode, autoConnect bool) {
	obj := t.conn.Object(BLUEZ_BUS_NAME, s.devicePath)

	if autoConnect {
		// Trusted devices reconnect without a fresh authorization round.
		obj.Call(DBUS_PROPERTIES_IFACE+".Set", 0, BLUEZ_DEVICE_INTERFACE, "Trusted", dbus.MakeVariant(true))
	}

	var call *dbus.Call
	switch mode {
	case ModeLE:
		call = obj.Call(BLUEZ_DEVICE_INTERFACE+".ConnectProfile", 0, Z407_SERVICE_UUID)
	case ModeClassic:
		call = obj.Call(BLUEZ_DEVICE_INTERFACE+".ConnectProfile", 0, PROFILE_A2DP_UUID)
	default:
		call = obj.Call(BLUEZ_DEVICE_INTERFACE+".Connect", 0)
	}

	if err := call.Err; err != nil {
		switch dbusErrName(err) {
		case "org.bluez.Error.InProgress":
			// A previous attempt is still winding down inside bluetoothd.
			// The Connected property watch reports the outcome.
			return
		case "org.bluez.Error.AlreadyConnected":
			t.confirmLink(s)
			return
		}
		t.failSession(s, err)
		return
	}

	t.confirmLink(s)
}

// confirmLink covers the case where the link came up before the match rule
// could see the Connected transition.
func (t *BlueZTransport) confirmLink(s *bleSession) {
	obj := t.conn.Object(BLUEZ_BUS_NAME, s.devicePath)
	variant, err := obj.GetProperty(BLUEZ_DEVICE_INTERFACE + ".Connected")
	if err != nil {
		t.failSession(s, err)
		return
	}
	if up, ok := variant.Value().(bool); ok && up {
		for _, evt := range t.linkEvents(s.devicePath, true) {
			t.post(evt)
		}
	}
}

// failSession reports a connect that never produced a usable link.
func (t *BlueZTransport) failSession(s *bleSession, err error) {
	t.mu.Lock()
	live := t.sessions[s.id] == s && !s.linkDown
	if live {
		s.linkDown = true
	}
	t.mu.Unlock()
	if live {
		t.post(Event{Kind: EventLinkDown, Session: s.id, Err: err})
	}
}

func (t *BlueZTransport) Disconnect(session SessionID) error {
	t.mu.Lock()
	s, ok := t.sessions[session]
	if ok {
		delete(t.sessions, session)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	go t.release(s)
	return nil
}

// release tears down one session's bus state. Table removal in Disconnect
// already guaranteed exactly-once; this runs free of the table lock.
func (t *BlueZTransport) release(s *bleSession) {
	if s.respChar != "" {
		t.conn.Object(BLUEZ_BUS_NAME, s.respChar).Call(BLUEZ_GATT_CHAR_IFACE+".StopNotify", 0)
	}
	if s.charRule != "" {
		t.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, s.charRule)
	}
	t.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, s.deviceRule)

	obj := t.conn.Object(BLUEZ_BUS_NAME, s.devicePath)
	if err := obj.Call(BLUEZ_DEVICE_INTERFACE+".Disconnect", 0).Err; err != nil {
		if dbusErrName(err) != "org.bluez.Error.NotConnected" {
			log.Printf("BLUEZ: disconnect %s: %v", s.address, err)
		}
	}

	// The match rule is gone by now, so report the drop ourselves for
	// callers that wait on it.
	down := false
	t.mu.Lock()
	if !s.linkDown {
		s.linkDown = true
		down = true
	}
	t.mu.Unlock()
	if down {
		t.post(Event{Kind: EventLinkDown, Session: s.id})
	}
}

func (t *BlueZTransport) DiscoverServices(session SessionID) error {
	t.mu.Lock()
	s, ok := t.sessions[session]
	if ok && !s.polling {
		s.polling = true
		go t.pollServicesResolved(s)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %d not active", session)
	}
	return nil
}

// pollServicesResolved waits for bluetoothd to finish GATT resolution. BlueZ
// resolves on its own after connect; there is no explicit trigger to call.
// The orchestrator's discovery window bounds the wait.
func (t *BlueZTransport) pollServicesResolved(s *bleSession) {
	defer func() {
		t.mu.Lock()
		s.polling = false
		t.mu.Unlock()
	}()

	obj := t.conn.Object(BLUEZ_BUS_NAME, s.devicePath)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !t.sessionLive(s) {
			return
		}
		variant, err := obj.GetProperty(BLUEZ_DEVICE_INTERFACE + ".ServicesResolved")
		if err == nil {
			if resolved, ok := variant.Value().(bool); ok && resolved {
				count := t.countServices(s.devicePath)
				t.post(Event{Kind: EventServicesDiscovered, Session: s.id, ServiceCount: count})
				return
			}
		}
		select {
		case <-ticker.C:
		case <-t.stopChan:
			return
		}
	}
}

func (t *BlueZTransport) countServices(devicePath dbus.ObjectPath) int {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(DBUS_OBJECT_MANAGER_IFACE+".GetManagedObjects", 0).Store(&objects); err != nil {
		return 0
	}

	count := 0
	prefix := string(devicePath) + "/service"
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if _, ok := interfaces[BLUEZ_GATT_SERVICE_IFACE]; ok {
			count++
		}
	}
	return count
}

// InvalidateServiceCache removes the on-disk attribute cache bluetoothd keeps
// for the device. Best effort; an absent cache file is not an error.
func (t *BlueZTransport) InvalidateServiceCache(session SessionID) error {
	s, err := t.lookup(session)
	if err != nil {
		return err
	}
	if t.adapterAddr == "" {
		return nil
	}
	cachePath := filepath.Join(bluezStorageDir, t.adapterAddr, "cache", s.address)
	if err := os.Remove(cachePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove gatt cache: %v", err)
	}
	return nil
}

// Characteristics resolves the control service's attribute handles from the
// object tree bluetoothd has already exported. No radio traffic involved.
func (t *BlueZTransport) Characteristics(session SessionID) (RequiredCharacteristics, error) {
	s, err := t.lookup(session)
	if err != nil {
		return RequiredCharacteristics{}, err
	}

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(DBUS_OBJECT_MANAGER_IFACE+".GetManagedObjects", 0).Store(&objects); err != nil {
		return RequiredCharacteristics{}, fmt.Errorf("failed to get managed objects: %v", err)
	}

	var rc RequiredCharacteristics
	var respPath string
	prefix := string(s.devicePath) + "/"
	for path, interfaces := range objects {
		pathStr := string(path)
		if !strings.HasPrefix(pathStr, prefix) {
			continue
		}
		charIface, ok := interfaces[BLUEZ_GATT_CHAR_IFACE]
		if !ok {
			continue
		}
		uuidVariant, ok := charIface["UUID"]
		if !ok {
			continue
		}
		uuid, _ := uuidVariant.Value().(string)
		switch {
		case strings.EqualFold(uuid, Z407_COMMAND_CHAR_UUID):
			rc.Command = CharRef(pathStr)
		case strings.EqualFold(uuid, Z407_RESPONSE_CHAR_UUID):
			rc.Response = CharRef(pathStr)
			respPath = pathStr
		}
	}

	if respPath != "" {
		for path, interfaces := range objects {
			pathStr := string(path)
			if !strings.HasPrefix(pathStr, respPath+"/") {
				continue
			}
			descIface, ok := interfaces[BLUEZ_GATT_DESC_IFACE]
			if !ok {
				continue
			}
			uuidVariant, ok := descIface["UUID"]
			if !ok {
				continue
			}
			if uuid, _ := uuidVariant.Value().(string); strings.EqualFold(uuid, CCCD_UUID) {
				rc.CCCD = DescriptorRef(pathStr)
			}
		}
	}

	return rc, nil
}

func (t *BlueZTransport) WriteDescriptor(session SessionID, ref DescriptorRef, value []byte) error {
	if _, err := t.lookup(session); err != nil {
		return err
	}
	obj := t.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(ref))
	return obj.Call(BLUEZ_GATT_DESC_IFACE+".WriteValue", 0, value, map[string]interface{}{}).Err
}

func (t *BlueZTransport) WriteCharacteristic(session SessionID, ref CharRef, data []byte, mode WriteMode) error {
	if _, err := t.lookup(session); err != nil {
		return err
	}
	options := map[string]interface{}{"type": "request"}
	if mode == WriteWithoutResponse {
		options["type"] = "command"
	}
	obj := t.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(ref))
	return obj.Call(BLUEZ_GATT_CHAR_IFACE+".WriteValue", 0, data, options).Err
}

func (t *BlueZTransport) SetNotify(session SessionID, ref CharRef, enabled bool) error {
	s, err := t.lookup(session)
	if err != nil {
		return err
	}
	go t.runSetNotify(s, ref, enabled)
	return nil
}

func (t *BlueZTransport) runSetNotify(s *bleSession, ref CharRef, enabled bool) {
	charPath := dbus.ObjectPath(ref)
	obj := t.conn.Object(BLUEZ_BUS_NAME, charPath)

	if !enabled {
		obj.Call(BLUEZ_GATT_CHAR_IFACE+".StopNotify", 0)
		t.mu.Lock()
		rule := s.charRule
		s.charRule = ""
		s.respChar = ""
		t.mu.Unlock()
		if rule != "" {
			t.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
		}
		t.post(Event{Kind: EventDescriptorWrite, Session: s.id, Char: ref, OK: true})
		return
	}

	rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", DBUS_PROPERTIES_IFACE, charPath)
	if err := t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		t.post(Event{Kind: EventDescriptorWrite, Session: s.id, Char: ref, Err: fmt.Errorf("failed to add notify match rule: %v", err)})
		return
	}

	// Register the path before StartNotify so the first notification
	// cannot slip past the signal loop.
	t.mu.Lock()
	s.charRule = rule
	s.respChar = charPath
	t.mu.Unlock()

	if err := obj.Call(BLUEZ_GATT_CHAR_IFACE+".StartNotify", 0).Err; err != nil {
		t.post(Event{Kind: EventDescriptorWrite, Session: s.id, Char: ref, Err: err})
		return
	}
	t.post(Event{Kind: EventDescriptorWrite, Session: s.id, Char: ref, OK: true})
}

func (t *BlueZTransport) Scan() error {
	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = true
	stop := make(chan struct{})
	t.scanStop = stop
	t.mu.Unlock()

	adapter := t.conn.Object(BLUEZ_BUS_NAME, t.adapterPath)
	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		// Some adapters reject filters; scan unfiltered.
		log.Printf("BLUEZ: set discovery filter: %v", err)
	}

	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Err; err != nil {
		t.mu.Lock()
		t.scanning = false
		t.scanStop = nil
		t.mu.Unlock()
		return fmt.Errorf("failed to start discovery: %v", err)
	}

	go t.monitorScan(stop)
	return nil
}

// monitorScan polls the object tree for devices that appeared under the
// adapter and reports each address once per scan.
func (t *BlueZTransport) monitorScan(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	seen := make(map[string]bool)
	for {
		select {
		case <-stop:
			return
		case <-t.stopChan:
			return
		case <-ticker.C:
			devices, err := t.adapterDevices()
			if err != nil {
				log.Printf("BLUEZ: scan poll: %v", err)
				continue
			}
			for _, dev := range devices {
				if dev.Address == "" || seen[dev.Address] {
					continue
				}
				seen[dev.Address] = true
				t.post(Event{Kind: EventScanResult, Device: dev})
			}
		}
	}
}

func (t *BlueZTransport) StopScan() error {
	t.mu.Lock()
	if !t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = false
	close(t.scanStop)
	t.scanStop = nil
	t.mu.Unlock()

	adapter := t.conn.Object(BLUEZ_BUS_NAME, t.adapterPath)
	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Err; err != nil {
		log.Printf("BLUEZ: stop discovery: %v", err)
	}
	return nil
}

// adapterDevices lists every device object bluetoothd currently knows under
// the adapter.
func (t *BlueZTransport) adapterDevices() ([]DeviceInfo, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(DBUS_OBJECT_MANAGER_IFACE+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %v", err)
	}

	var devices []DeviceInfo
	prefix := string(t.adapterPath) + "/dev_"
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		deviceIface, ok := interfaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		devices = append(devices, deviceInfoFromProps(deviceIface))
	}
	return devices, nil
}

func deviceInfoFromProps(props map[string]dbus.Variant) DeviceInfo {
	var d DeviceInfo
	if v, ok := props["Address"]; ok {
		d.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		d.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Icon"]; ok {
		d.Icon, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		d.Paired, _ = v.Value().(bool)
	}
	if v, ok := props["Trusted"]; ok {
		d.Trusted, _ = v.Value().(bool)
	}
	if v, ok := props["Connected"]; ok {
		d.Connected, _ = v.Value().(bool)
	}
	return d
}

func (t *BlueZTransport) BondedDevices() ([]DeviceInfo, error) {
	devices, err := t.adapterDevices()
	if err != nil {
		return nil, err
	}
	var bonded []DeviceInfo
	for _, dev := range devices {
		if dev.Paired {
			bonded = append(bonded, dev)
		}
	}
	return bonded, nil
}

func (t *BlueZTransport) RemoveBond(target string) error {
	adapter := t.conn.Object(BLUEZ_BUS_NAME, t.adapterPath)
	call := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".RemoveDevice", 0, t.devicePath(target))
	if call.Err != nil && dbusErrName(call.Err) != "org.bluez.Error.DoesNotExist" {
		return call.Err
	}
	return nil
}

func (t *BlueZTransport) CreateBond(target string) error {
	if target == "" {
		return fmt.Errorf("no target address")
	}
	go t.runPair(target)
	return nil
}

// runPair makes sure bluetoothd has a device object for the address, then
// runs the blocking pairing exchange. The speaker pairs Just Works, so no
// agent interaction is needed.
func (t *BlueZTransport) runPair(target string) {
	path := t.devicePath(target)

	if !t.objectExists(path) {
		if err := t.discoverDevice(path); err != nil {
			t.post(Event{Kind: EventBondChanged, Err: err})
			return
		}
	}

	obj := t.conn.Object(BLUEZ_BUS_NAME, path)
	if err := obj.Call(BLUEZ_DEVICE_INTERFACE+".Pair", 0).Err; err != nil {
		if dbusErrName(err) != "org.bluez.Error.AlreadyExists" {
			t.post(Event{Kind: EventBondChanged, Err: fmt.Errorf("pairing failed: %v", err)})
			return
		}
	}

	obj.Call(DBUS_PROPERTIES_IFACE+".Set", 0, BLUEZ_DEVICE_INTERFACE, "Trusted", dbus.MakeVariant(true))

	info := DeviceInfo{Address: strings.ToUpper(target), Paired: true}
	if variant, err := obj.GetProperty(BLUEZ_DEVICE_INTERFACE + ".Name"); err == nil {
		info.Name, _ = variant.Value().(string)
	}
	t.post(Event{Kind: EventBondChanged, Bonded: true, Device: info})
}

func (t *BlueZTransport) objectExists(path dbus.ObjectPath) bool {
	obj := t.conn.Object(BLUEZ_BUS_NAME, path)
	_, err := obj.GetProperty(BLUEZ_DEVICE_INTERFACE + ".Address")
	return err == nil
}

// discoverDevice runs a bounded discovery until bluetoothd creates the
// device object. Pairing cannot target an address bluetoothd has never seen.
func (t *BlueZTransport) discoverDevice(path dbus.ObjectPath) error {
	t.mu.Lock()
	alreadyScanning := t.scanning
	t.mu.Unlock()

	adapter := t.conn.Object(BLUEZ_BUS_NAME, t.adapterPath)
	if !alreadyScanning {
		if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Err; err != nil {
			return fmt.Errorf("failed to start discovery: %v", err)
		}
		defer adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0)
	}

	deadline := time.Now().Add(pairDiscoveryWindow)
	for time.Now().Before(deadline) {
		if t.objectExists(path) {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-t.stopChan:
			return fmt.Errorf("transport stopped")
		}
	}
	return fmt.Errorf("device %s never appeared during discovery", path)
}

func (t *BlueZTransport) SetAdapterPower(on bool) error {
	adapter := t.conn.Object(BLUEZ_BUS_NAME, t.adapterPath)
	call := adapter.Call(DBUS_PROPERTIES_IFACE+".Set", 0, BLUEZ_ADAPTER_INTERFACE, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("failed to set adapter power: %v", call.Err)
	}
	return nil
}

func (t *BlueZTransport) DisconnectProfile(profile ProfileKind, target string) error {
	if target == "" {
		return fmt.Errorf("no target address")
	}
	go t.runProfileDisconnect(profile, t.devicePath(target))
	return nil
}

func (t *BlueZTransport) runProfileDisconnect(profile ProfileKind, path dbus.ObjectPath) {
	obj := t.conn.Object(BLUEZ_BUS_NAME, path)

	var firstErr error
	for _, uuid := range profile.UUIDs() {
		err := obj.Call(BLUEZ_DEVICE_INTERFACE+".DisconnectProfile", 0, uuid).Err
		if err == nil {
			continue
		}
		switch dbusErrName(err) {
		case "org.bluez.Error.NotConnected", "org.bluez.Error.DoesNotExist", "org.bluez.Error.NotSupported":
			// Nothing to tear down.
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	t.post(Event{Kind: EventProfileDisconnected, Profile: profile, OK: firstErr == nil, Err: firstErr})
}

// devicePath maps a MAC address to the BlueZ object path, e.g.
// AA:BB:CC:DD:EE:FF under hci0 becomes /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func (t *BlueZTransport) devicePath(address string) dbus.ObjectPath {
	formatted := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", t.adapterPath, formatted))
}

func dbusErrName(err error) string {
	var dberr dbus.Error
	if errors.As(err, &dberr) {
		return dberr.Name
	}
	return ""
}
