package call

import (
	"encoding/json"
	"net/http"

	"github.com/careloop/voicelink/pkg/capture"
)

// StartCallRequest is the POST /api/v1/call body: the browser's microphone
// SDP offer plus optional ICE servers.
type StartCallRequest struct {
	Offer       string               `json:"offer"`
	STUNServers []string             `json:"stunServers,omitempty"`
	TURNServers []capture.TURNServer `json:"turnServers,omitempty"`
}

// StartCallResponse carries the call ID and the SDP answer back to the
// browser.
type StartCallResponse struct {
	CallID string `json:"callId"`
	Answer string `json:"answer"`
	State  string `json:"state"`
}

// HandleStartCall handles POST /api/v1/call.
func (m *Manager) HandleStartCall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}
	if req.Offer == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "offer required"})
		return
	}

	session, answer, err := m.StartCall(r.Context(), req.Offer, capture.ConnectionConfig{
		STUN: req.STUNServers,
		TURN: req.TURNServers,
	})
	if err != nil {
		m.logger.Error("failed to start call", "error", err)
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	json.NewEncoder(w).Encode(StartCallResponse{
		CallID: session.ID(),
		Answer: answer,
		State:  session.State().String(),
	})
}

// HandleHangup handles DELETE /api/v1/call/{callID}.
func (m *Manager) HandleHangup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	callID := r.PathValue("callID")
	if callID == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "callID required"})
		return
	}

	if err := m.Hangup(callID); err != nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status": "ending",
		"callId": callID,
	})
}

// HandleGetCall handles GET /api/v1/call/{callID}.
func (m *Manager) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	callID := r.PathValue("callID")
	session, ok := m.Get(callID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no active call " + callID})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"callId": session.ID(),
		"state":  session.State().String(),
	})
}
