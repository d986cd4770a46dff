package httpserver

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"newsletter/internal/domain"
	"newsletter/internal/service"
)

type BatchSender interface {
	Run(ctx context.Context, req domain.BatchSendRequest, runID string) (domain.RunSummary, error)
	Enqueue(ctx context.Context, req domain.BatchSendRequest, runID string) error
	Progress(ctx context.Context, campaignID string) (domain.Progress, error)
	Export(ctx context.Context, campaignID string, mode domain.ResumeType) ([]service.ExportRow, error)
}

type API struct {
	Svc   BatchSender
	IDGen func() string
}

type queuedResponse struct {
	RunID  string `json:"runId"`
	Queued bool   `json:"queued"`
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/batch-send", a.handleBatchSend).Methods(http.MethodPost)
	mux.HandleFunc("/batch-send", a.handleProgress).Methods(http.MethodGet)
	mux.HandleFunc("/batch-send/export", a.handleExport).Methods(http.MethodGet)
}

func (a *API) handleBatchSend(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID := a.IDGen()
	if req.Async {
		if err := a.Svc.Enqueue(r.Context(), req, runID); err != nil {
			a.writeError(w, err, "enqueue batch send failed", req.CampaignID)
			return
		}
		writeJSON(w, http.StatusAccepted, queuedResponse{RunID: runID, Queued: true})
		return
	}

	sum, err := a.Svc.Run(r.Context(), req, runID)
	if err != nil {
		a.writeError(w, err, "batch send failed", req.CampaignID)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("campaignId")
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	p, err := a.Svc.Progress(r.Context(), id)
	if err != nil {
		a.writeError(w, err, "get progress failed", id)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleExport streams the recipients a resume would target as CSV.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("campaignId")
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	mode, err := domain.ParseResumeType(q.Get("resumeType"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := a.Svc.Export(r.Context(), id, mode)
	if err != nil {
		a.writeError(w, err, "export recipients failed", id)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`-`+string(mode)+`.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"email", "status", "attempts", "last_error"})
	for _, row := range rows {
		_ = cw.Write([]string{row.Email, row.Status, strconv.Itoa(row.Attempts), row.LastError})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("export write failed", "err", err, "campaign_id", id)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error, msg, campaignID string) {
	switch {
	case errors.Is(err, domain.ErrMissingCampaignID), errors.Is(err, domain.ErrInvalidResumeType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrAsyncDisabled):
		http.Error(w, ErrAsyncDisabled, http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrCampaignLocked):
		http.Error(w, ErrLocked, http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, ErrTransition, http.StatusConflict)
	default:
		slog.Error(msg, "err", err, "campaign_id", campaignID)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
