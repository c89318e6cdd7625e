package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/undertune/z407d/bluetooth"
	"github.com/undertune/z407d/utils"
)

type InfoResponse struct {
	Version string `json:"version"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type EscalationResponse struct {
	DiscoveryRetries      int  `json:"discovery_retries"`
	CycleCount            int  `json:"cycle_count"`
	BlindWriteEligible    bool `json:"blind_write_eligible"`
	RebondAttempted       bool `json:"rebond_attempted"`
	AdapterResetAttempted bool `json:"adapter_reset_attempted"`
}

type NetworkDiagnostics struct {
	Status string `json:"status"`
	LinkUp bool   `json:"link_up"`
}

type DiagnosticsResponse struct {
	Status     utils.StatusSnapshot `json:"status"`
	Escalation EscalationResponse   `json:"escalation"`
	Network    NetworkDiagnostics   `json:"network"`
	Bluetoothd string               `json:"bluetoothd,omitempty"`
	WSClients  int                  `json:"ws_clients"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("HTTP: failed to upgrade connection: %v", err)
		return
	}
	s.wsHub.AddClient(conn)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(InfoResponse{Version: s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.orch.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StartConnection(true); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to start connection: " + err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Stop(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to disconnect: " + err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Command name is required"})
		return
	}

	err := s.orch.SendCommand(name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	case errors.Is(err, bluetooth.ErrUnknownCommand):
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
	case errors.Is(err, bluetooth.ErrNotConnected):
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
	case errors.Is(err, bluetooth.ErrRateLimited):
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
	default:
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to send command: " + err.Error()})
	}
}

func (s *Server) handleBluetoothDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.orch.Devices()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to list devices: " + err.Error()})
		return
	}

	out := make([]utils.BluetoothDeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, utils.BluetoothDeviceInfo{
			Address:   d.Address,
			Name:      d.Name,
			Alias:     d.Alias,
			Icon:      d.Icon,
			Paired:    d.Paired,
			Trusted:   d.Trusted,
			Connected: d.Connected,
		})
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"devices": out})
}

func (s *Server) handleLogExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.orch.ExportLog()))
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	flags := s.orch.Flags()

	resp := DiagnosticsResponse{
		Status: s.orch.Status(),
		Escalation: EscalationResponse{
			DiscoveryRetries:      flags.DiscoveryRetries,
			CycleCount:            flags.CycleCount,
			BlindWriteEligible:    flags.BlindWriteEligible,
			RebondAttempted:       flags.RebondAttempted,
			AdapterResetAttempted: flags.AdapterResetAttempted,
		},
		WSClients: s.wsHub.ClientCount(),
	}

	if s.netCheck != nil {
		resp.Network = NetworkDiagnostics{
			Status: s.netCheck.Status(),
			LinkUp: s.netCheck.LinkUp(),
		}
	}

	if active, sub, err := utils.UnitState("bluetooth.service"); err == nil {
		resp.Bluetoothd = fmt.Sprintf("%s (%s)", active, sub)
	}

	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleNetworkLink(w http.ResponseWriter, r *http.Request) {
	if s.netCheck == nil || !s.netCheck.LinkUp() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "down"})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "up"})
}
