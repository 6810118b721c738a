package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gadget-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/logging"
	"github.com/nerrad567/gadget-fleet/internal/transfer"
)

// uploadField is the multipart field carrying the file.
const uploadField = "file"

// multipartOverhead allows for part headers and boundaries on top of the
// file size limit.
const multipartOverhead = 64 << 10

// ShopLink reports whether the gadget's last heartbeat reached the shop.
type ShopLink interface {
	Connected() bool
}

// GadgetDeps holds the gadget server's dependencies.
type GadgetDeps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	DeviceName string
	Runner     *transfer.Runner
	Staging    transfer.Staging

	// Simulated adds transfer_dir to /status.
	Simulated bool

	// Shop is optional; without it shop_connected is omitted.
	Shop    ShopLink
	Version string
}

type gadgetHandlers struct {
	deps      GadgetDeps
	maxUpload int64
}

// NewGadget creates the gadget server.
func NewGadget(deps GadgetDeps) (*Server, error) {
	s, err := newServer("gadget", deps.Config, deps.Logger)
	if err != nil {
		return nil, err
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("transfer runner is required")
	}
	if deps.Staging.UploadDir == "" {
		return nil, fmt.Errorf("upload directory is required")
	}

	h := &gadgetHandlers{
		deps:      deps,
		maxUpload: int64(deps.Config.MaxUploadMB) << 20,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/ping", h.handlePing)
	r.Get("/status", h.handleStatus)
	r.Post("/upload", h.handleUpload)

	s.handler = r
	return s, nil
}

// PingResponse is the gadget's liveness answer, also used as the shop's probe.
// DeviceName and ActiveTransfer mirror DeviceID and ActiveFilename for
// older dashboards.
type PingResponse struct {
	Status         string  `json:"status"`
	DeviceID       string  `json:"device_id"`
	TransferActive bool    `json:"transfer_active"`
	ActiveFilename *string `json:"active_filename"`
	Backend        string  `json:"backend"`

	DeviceName     string `json:"device_name"`
	ActiveTransfer string `json:"active_transfer,omitempty"`
}

// StatusResponse extends PingResponse with staging and connectivity detail.
// Connected is the gadget's last heartbeat outcome; it is false when the
// gadget has no shop link.
type StatusResponse struct {
	PingResponse
	Connected     bool              `json:"connected"`
	Version       string            `json:"version,omitempty"`
	UploadDir     string            `json:"upload_dir"`
	TransferDir   string            `json:"transfer_dir,omitempty"`
	ShopConnected *bool             `json:"shop_connected,omitempty"`
	LastTransfer  *transfer.Outcome `json:"last_transfer,omitempty"`
}

func (h *gadgetHandlers) ping() (PingResponse, transfer.Status) {
	st := h.deps.Runner.Status()
	resp := PingResponse{
		Status:         "ok",
		DeviceID:       h.deps.DeviceName,
		TransferActive: st.Active,
		Backend:        st.Backend,
		DeviceName:     h.deps.DeviceName,
		ActiveTransfer: st.ActiveFilename,
	}
	if st.Active {
		name := st.ActiveFilename
		resp.ActiveFilename = &name
	}
	return resp, st
}

func (h *gadgetHandlers) handlePing(w http.ResponseWriter, _ *http.Request) {
	resp, _ := h.ping()
	writeJSON(w, http.StatusOK, resp)
}

func (h *gadgetHandlers) handleStatus(w http.ResponseWriter, _ *http.Request) {
	ping, st := h.ping()
	resp := StatusResponse{
		PingResponse: ping,
		Version:      h.deps.Version,
		UploadDir:    h.deps.Staging.UploadDir,
		LastTransfer: st.Last,
	}
	if h.deps.Simulated {
		resp.TransferDir = h.deps.Staging.TransferDir
	}
	if h.deps.Shop != nil {
		connected := h.deps.Shop.Connected()
		resp.Connected = connected
		resp.ShopConnected = &connected
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeBusy(w http.ResponseWriter, active string) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"status":          "busy",
		"active_filename": active,
	})
}

// handleUpload streams the file part into a private staging file and
// starts a transfer. The file only takes its final name once the runner
// has accepted the job, so a rejected upload cannot overwrite the file an
// in-flight transfer is reading.
func (h *gadgetHandlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := h.deps.Logger

	if active, busy := h.deps.Runner.ActiveFilename(); busy {
		writeBusy(w, active)
		return
	}

	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
	}

	part, err := filePart(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	defer part.Close()

	upload, err := h.deps.Staging.Receive(part.FileName(), part, h.maxUpload)
	if err != nil {
		var maxBytes *http.MaxBytesError
		switch {
		case errors.Is(err, transfer.ErrInvalidFilename):
			writeBadRequest(w, "invalid filename")
		case errors.Is(err, transfer.ErrEmptyUpload):
			writeBadRequest(w, "empty upload")
		case errors.Is(err, transfer.ErrUploadTooLarge), errors.As(err, &maxBytes):
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "upload exceeds size limit")
		default:
			log.Error("staging upload", "filename", part.FileName(), "error", err)
			writeInternalError(w, "failed to stage upload")
		}
		return
	}

	job, ok := h.deps.Runner.StartStaged(upload.Filename, upload.Commit)
	if !ok {
		upload.Discard()
		active, _ := h.deps.Runner.ActiveFilename()
		writeBusy(w, active)
		return
	}

	log.Info("upload accepted",
		"filename", upload.Filename,
		"size", upload.Size,
		"transfer_id", job.ID,
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "started",
		"filename":    upload.Filename,
		"transfer_id": job.ID,
	})
}

var (
	errNoFilePart     = errors.New("no file part")
	errNoSelectedFile = errors.New("no selected file")
)

// filePart returns the first multipart part named "file".
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errNoFilePart
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoFilePart
		}
		if err != nil {
			return nil, fmt.Errorf("reading multipart body: %w", err)
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}
		if part.FileName() == "" {
			part.Close()
			return nil, errNoSelectedFile
		}
		return part, nil
	}
}
