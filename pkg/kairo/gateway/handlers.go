package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/kairo/pkg/kairo/bridge"
)

// incomingRequest is the body of POST /incoming.
type incomingRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

type ackRequest struct {
	MessageID string `json:"message_id"`
}

type outgoingResponse struct {
	Messages []bridge.Entry `json:"messages"`
}

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"bridge": g.config.Bridge,
		"uptime": uptime,
	})
}

// handleIncoming implements POST /incoming. The message is acknowledged
// immediately and processed in the background.
func (g *Gateway) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req incomingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Message) == "" {
		g.writeError(w, "user_id and message are required", http.StatusBadRequest)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]bool{"ack": true})
	g.dispatch(bridge.Inbound{
		UserID:    req.UserID,
		Text:      req.Message,
		MessageID: req.MessageID,
	})
}

// handleOutgoing implements GET /outgoing.
func (g *Gateway) handleOutgoing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.config.Queue == nil {
		g.writeError(w, "bridge "+g.config.Bridge+" has no outbound queue", http.StatusNotFound)
		return
	}
	entries := g.config.Queue.Drain()
	if entries == nil {
		entries = []bridge.Entry{}
	}
	g.writeJSON(w, http.StatusOK, outgoingResponse{Messages: entries})
}

// handleAck implements POST /ack.
func (g *Gateway) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.config.Queue == nil {
		g.writeError(w, "bridge "+g.config.Bridge+" has no outbound queue", http.StatusNotFound)
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		g.writeError(w, "message_id is required", http.StatusBadRequest)
		return
	}

	removed := g.config.Queue.Acknowledge(r.Context(), req.MessageID)
	if !removed {
		g.logger.Debug("ack for unknown message", "message_id", req.MessageID)
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{
		"ack_received": true,
		"removed":      removed,
	})
}

const twimlEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// handleTwilio implements POST /twilio/incoming (form-encoded webhook).
func (g *Gateway) handleTwilio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		g.writeError(w, "invalid form body", http.StatusBadRequest)
		return
	}

	tw := g.config.Twilio
	if tw.ValidateSignature {
		if !bridge.ValidTwilioSignature(tw.AuthToken, g.webhookURL(r), r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			g.logger.Warn("rejecting twilio request with invalid signature", "remote", r.RemoteAddr)
			g.writeError(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twimlEmpty))

	if strings.TrimSpace(from) == "" || strings.TrimSpace(body) == "" {
		g.logger.Warn("ignoring twilio request without From or Body")
		return
	}
	g.dispatch(bridge.Inbound{
		UserID:    from,
		Text:      body,
		MessageID: r.PostForm.Get("MessageSid"),
	})
}

// webhookURL is the URL Twilio signed: the configured public URL, or the one
// reconstructed from the request.
func (g *Gateway) webhookURL(r *http.Request) string {
	if u := g.config.Twilio.WebhookURL; u != "" {
		return u
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
