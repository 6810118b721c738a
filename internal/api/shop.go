package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gadget-fleet/internal/device"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/logging"
	"github.com/nerrad567/gadget-fleet/internal/liveness"
)

// defaultGadgetPort is assumed when a heartbeat does not name a port.
const defaultGadgetPort = 80

// ShopDeps holds the shop server's dependencies.
type ShopDeps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Protocol liveness.Protocol

	// History is optional; without it /devices/known and transfer
	// history answer 503.
	History device.Repository

	Clock   liveness.Clock
	Version string
}

type shopHandlers struct {
	logger   *logging.Logger
	protocol liveness.Protocol
	registry *liveness.Registry
	history  device.Repository
	clock    liveness.Clock
	hub      *Hub
	version  string
}

// NewShop creates the shop server. Registry events are broadcast on the
// WebSocket hub from the moment it is created.
func NewShop(deps ShopDeps) (*Server, error) {
	s, err := newServer("shop", deps.Config, deps.Logger)
	if err != nil {
		return nil, err
	}
	if deps.Protocol == nil {
		return nil, fmt.Errorf("liveness protocol is required")
	}
	if deps.Clock == nil {
		deps.Clock = liveness.SystemClock{}
	}

	h := &shopHandlers{
		logger:   deps.Logger,
		protocol: deps.Protocol,
		registry: deps.Protocol.Registry(),
		history:  deps.History,
		clock:    deps.Clock,
		hub:      NewHub(deps.WS, deps.Logger),
		version:  deps.Version,
	}
	h.registry.AddListener(h.hub.BroadcastRegistryEvent)

	wsPath := deps.WS.Path
	if wsPath == "" {
		wsPath = "/api/v1/ws"
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get(wsPath, h.hub.ServeHTTP)

	// Gadgets built before the /api/v1 prefix still ping here.
	r.Get(legacyPingPath, h.handlePing)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(bodySizeLimitMiddleware)

		r.Get("/health", h.handleHealth)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", h.handleListDevices)
			r.Get("/ping", h.handlePing)
			r.Post("/heartbeat", h.handleHeartbeat)
			r.Post("/register", h.handleRegister)
			r.Get("/known", h.handleKnownDevices)
			r.Get("/{id}", h.handleGetDevice)
			r.Get("/{id}/transfers", h.handleDeviceTransfers)
		})
	})

	s.handler = r
	s.hub = h.hub
	s.background = h.hub.Run
	return s, nil
}

// legacyPingPath is the header-based heartbeat route outside /api/v1.
const legacyPingPath = "/devices/ping"

func (h *shopHandlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"mode":    h.protocol.Mode(),
		"devices": h.registry.Len(),
	})
}

// requireMode rejects announcements that belong to the other protocol.
func (h *shopHandlers) requireMode(w http.ResponseWriter, mode string) bool {
	if h.protocol.Mode() == mode {
		return true
	}
	writeError(w, http.StatusConflict, ErrCodeConflict,
		fmt.Sprintf("shop runs the %s liveness protocol", h.protocol.Mode()))
	return false
}

// handlePing is the header-based heartbeat: id names the gadget, port the
// port it serves on. The address is taken from the connection.
func (h *shopHandlers) handlePing(w http.ResponseWriter, r *http.Request) {
	if !h.requireMode(w, liveness.ModePassive) {
		return
	}

	id := strings.TrimSpace(r.Header.Get("id"))
	if id == "" {
		writeBadRequest(w, "Missing gadget id")
		return
	}

	port := defaultGadgetPort
	if raw := r.Header.Get("port"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			writeBadRequest(w, "invalid port header")
			return
		}
		port = p
	}

	h.accept(w, r, liveness.Announcement{
		DeviceID: id,
		Address:  net.JoinHostPort(remoteHost(r), strconv.Itoa(port)),
	}, false)
}

// HeartbeatRequest is the JSON heartbeat body.
type HeartbeatRequest struct {
	DeviceID string `json:"device_id"`
	Address  string `json:"address"`
}

func (h *shopHandlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.requireMode(w, liveness.ModePassive) {
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		addr = remoteHost(r)
	}

	h.accept(w, r, liveness.Announcement{DeviceID: req.DeviceID, Address: addr}, false)
}

// RegisterRequest is the active-mode registration body. Address may be a
// bare host, host:port, or empty for the connection's source address.
type RegisterRequest struct {
	DeviceID string `json:"device_id"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
}

func (h *shopHandlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.requireMode(w, liveness.ModeActive) {
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		writeBadRequest(w, "invalid port")
		return
	}

	host := strings.TrimSpace(req.Address)
	if host == "" {
		host = remoteHost(r)
	}

	h.accept(w, r, liveness.Announcement{
		DeviceID: req.DeviceID,
		Address:  composeAddress(host, req.Port),
	}, true)
}

// accept hands the announcement to the protocol. With createdStatus set,
// a first registration answers 201.
func (h *shopHandlers) accept(w http.ResponseWriter, r *http.Request, a liveness.Announcement, createdStatus bool) {
	created, err := h.protocol.Accept(r.Context(), a)
	if err != nil {
		switch {
		case errors.Is(err, liveness.ErrInvalidIdentifier):
			writeBadRequest(w, "Missing gadget id")
		case errors.Is(err, liveness.ErrInvalidAddress):
			writeBadRequest(w, "invalid address")
		default:
			h.logger.Error("recording presence", "device_id", a.DeviceID, "error", err)
			writeInternalError(w, "failed to record presence")
		}
		return
	}

	status := http.StatusOK
	if created && createdStatus {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"status":    "ok",
		"device_id": strings.TrimSpace(a.DeviceID),
		"address":   a.Address,
		"created":   created,
	})
}

func (h *shopHandlers) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	statuses := h.registry.Statuses(h.clock.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":     statuses,
		"count":       len(statuses),
		"ttl_seconds": int(h.registry.TTL().Seconds()),
	})
}

func (h *shopHandlers) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.registry.Status(id, h.clock.Now())
	if err != nil {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// KnownDevice is a history row annotated with current connectivity.
type KnownDevice struct {
	device.Device
	Connected bool `json:"connected"`
}

func (h *shopHandlers) handleKnownDevices(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device history is disabled")
		return
	}

	devices, err := h.history.List(r.Context())
	if err != nil {
		h.logger.Error("listing device history", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	now := h.clock.Now()
	known := make([]KnownDevice, len(devices))
	for i, d := range devices {
		known[i] = KnownDevice{Device: d, Connected: h.registry.IsConnected(d.ID, now)}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": known,
		"count":   len(known),
	})
}

func (h *shopHandlers) handleDeviceTransfers(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device history is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	id := chi.URLParam(r, "id")
	transfers, err := h.history.ListTransfers(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("listing transfers", "device_id", id, "error", err)
		writeInternalError(w, "failed to list transfers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"transfers": transfers,
	})
}

// remoteHost returns the host part of the request's source address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// composeAddress appends port to host unless host already carries one.
// A zero port leaves a bare host, which probes treat as port 80; IPv6
// literals keep their brackets so the address still forms a valid URL.
func composeAddress(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	bare := strings.Trim(host, "[]")
	if port == 0 {
		if strings.Contains(bare, ":") {
			return "[" + bare + "]"
		}
		return bare
	}
	return net.JoinHostPort(bare, strconv.Itoa(port))
}
