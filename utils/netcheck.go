package utils

import (
	"log"
	"net"
	"sync"
	"time"

	ping "github.com/prometheus-community/pro-bing"
	"github.com/vishvananda/netlink"
)

// NetworkChecker probes a well-known host on an interval and broadcasts
// online/offline transitions. A single missed probe does not flip the state;
// the checker waits for failThreshold consecutive misses before reporting
// offline.
type NetworkChecker struct {
	hub           *WebSocketHub
	host          string
	linkName      string
	interval      time.Duration
	failThreshold int

	mu       sync.Mutex
	isOnline bool

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewNetworkChecker(hub *WebSocketHub, host, linkName string) *NetworkChecker {
	if host == "" {
		host = "1.1.1.1"
	}
	return &NetworkChecker{
		hub:           hub,
		host:          host,
		linkName:      linkName,
		interval:      1 * time.Second,
		failThreshold: 3,
		stopChan:      make(chan struct{}),
	}
}

func (nc *NetworkChecker) Status() string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.isOnline {
		return "online"
	}
	return "offline"
}

// LinkUp reports whether the configured network interface exists and is up.
func (nc *NetworkChecker) LinkUp() bool {
	if nc.linkName == "" {
		return false
	}
	link, err := netlink.LinkByName(nc.linkName)
	if err != nil {
		return false
	}
	return link.Attrs().Flags&net.FlagUp != 0
}

func (nc *NetworkChecker) Stop() {
	nc.stopOnce.Do(func() { close(nc.stopChan) })
}

func (nc *NetworkChecker) Run() {
	failCount := 0

	nc.setOnline(nc.probe(), true)

	ticker := time.NewTicker(nc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-nc.stopChan:
			return
		case <-ticker.C:
		}

		if nc.probe() {
			failCount = 0
			nc.setOnline(true, false)
		} else {
			failCount++
			if failCount >= nc.failThreshold {
				nc.setOnline(false, false)
			}
		}
	}
}

func (nc *NetworkChecker) probe() bool {
	pinger, err := ping.NewPinger(nc.host)
	if err != nil {
		log.Printf("NET_CHK: failed to create pinger: %v", err)
		return false
	}
	pinger.Count = 1
	pinger.Timeout = 1 * time.Second
	pinger.Interval = 1 * time.Second
	pinger.SetPrivileged(true)
	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

func (nc *NetworkChecker) setOnline(online, force bool) {
	nc.mu.Lock()
	changed := nc.isOnline != online
	nc.isOnline = online
	nc.mu.Unlock()

	if !changed && !force {
		return
	}

	status := "offline"
	if online {
		status = "online"
	}
	payload := NetworkStatusPayload{Status: status}
	if nc.linkName != "" {
		payload.Link = nc.linkName
	}
	if nc.hub != nil {
		nc.hub.Broadcast(WebSocketEvent{
			Type:    "network/status",
			Payload: payload,
		})
	}
}
