package sigserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/metrics"
)

// callJSON is the wire form of a call record.
type callJSON struct {
	ID         string         `json:"id"`
	CallerID   string         `json:"callerId"`
	ReceiverID string         `json:"receiverId"`
	Mode       callstore.Mode `json:"mode"`
	Status     string         `json:"status"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func toCallJSON(rec callstore.CallRecord) callJSON {
	return callJSON{
		ID:         rec.ID,
		CallerID:   rec.CallerID,
		ReceiverID: rec.ReceiverID,
		Mode:       rec.Mode,
		Status:     string(rec.Status),
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		CreatedAt:  rec.CreatedAt,
	}
}

type errorJSON struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorJSON{Error: msg})
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

type createCallRequest struct {
	ID         string         `json:"id,omitempty"`
	CallerID   string         `json:"callerId"`
	ReceiverID string         `json:"receiverId"`
	Mode       callstore.Mode `json:"mode"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req createCallRequest
	if err := decodeStrict(bytes.NewReader(body), &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.CallerID == "" || req.ReceiverID == "" {
		writeError(w, http.StatusBadRequest, "callerId and receiverId are required")
		return
	}
	if req.CallerID == req.ReceiverID {
		writeError(w, http.StatusBadRequest, "cannot call yourself")
		return
	}
	if !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be voice or video")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	rec := callstore.CallRecord{
		ID:         req.ID,
		CallerID:   req.CallerID,
		ReceiverID: req.ReceiverID,
		Mode:       req.Mode,
		Status:     callstore.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateCall(r.Context(), rec); err != nil {
		if errors.Is(err, callstore.ErrExists) {
			writeError(w, http.StatusConflict, "call already exists")
			return
		}
		s.log.Error("create call failed", "callId", rec.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}

	s.metrics.Inc(metrics.CallsPlaced)
	s.log.Info("call created", "callId", rec.ID, "caller", rec.CallerID, "receiver", rec.ReceiverID, "mode", rec.Mode)
	WriteJSON(w, http.StatusCreated, toCallJSON(rec))
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetCall(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, callstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown call")
			return
		}
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	WriteJSON(w, http.StatusOK, toCallJSON(rec))
}

type updateCallRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateCall(w http.ResponseWriter, r *http.Request) {
	var req updateCallRequest
	if err := decodeStrict(io.LimitReader(r.Body, 1<<10), &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	status := callstore.Status(req.Status)
	switch status {
	case callstore.StatusAccepted, callstore.StatusRejected, callstore.StatusEnded:
	default:
		writeError(w, http.StatusBadRequest, "status must be accepted, rejected or ended")
		return
	}

	rec, err := s.store.UpdateCallStatus(r.Context(), r.PathValue("id"), status, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, callstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown call")
		case errors.Is(err, callstore.ErrBadTransition):
			writeError(w, http.StatusConflict, "invalid status transition")
		default:
			s.log.Error("update call failed", "callId", r.PathValue("id"), "err", err)
			writeError(w, http.StatusInternalServerError, "store failure")
		}
		return
	}

	switch status {
	case callstore.StatusAccepted:
		s.metrics.Inc(metrics.CallsAccepted)
	case callstore.StatusRejected:
		s.metrics.Inc(metrics.CallsRejected)
	case callstore.StatusEnded:
		s.metrics.Inc(metrics.CallsEnded)
	}
	WriteJSON(w, http.StatusOK, toCallJSON(rec))
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	receiverID := r.URL.Query().Get("receiver")
	if receiverID == "" {
		writeError(w, http.StatusBadRequest, "receiver is required")
		return
	}
	recs, err := s.store.PendingCalls(r.Context(), receiverID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	out := make([]callJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toCallJSON(rec))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"calls": out})
}
