package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type      string    `json:"type"` // status, error
	Event     string    `json:"event,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	ReadOnly  bool      `json:"readOnly,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// handlePaneWS attaches a websocket to a pane. Buffered output is flushed
// as the first binary frame, live output follows. Clients send JSON
// messages of type input, resize or ping.
func (s *Server) handlePaneWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := parseSessionID(r.PathValue("id"))
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid session id")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	sid := id.String()
	sendError := func(code, message string) {
		_ = writer.WriteJSON(wsServerMessage{
			Type:      "error",
			Code:      code,
			Message:   message,
			SessionID: sid,
			Time:      time.Now().UTC(),
		})
	}

	ctx := r.Context()
	bridge := newPaneBridge(id, writer)
	if err := s.backend.AttachRenderer(ctx, id, bridge); err != nil {
		sendError("PANE_NOT_FOUND", err.Error())
		return
	}
	go bridge.run()
	defer func() {
		// Detach first so the pipeline stops calling Render.
		if err := s.backend.DetachRenderer(context.Background(), id); err != nil {
			webLog.Debug("pane_detach_failed", slog.String("session", sid), slog.String("error", err.Error()))
		}
		bridge.close()
	}()

	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "connected",
		SessionID: sid,
		ReadOnly:  s.cfg.ReadOnly,
		Time:      time.Now().UTC(),
	})
	if err := s.backend.Activate(ctx, id); err != nil {
		sendError("PANE_NOT_FOUND", err.Error())
		return
	}

	// Unblock the read loop when the client overflows or the server stops.
	go func() {
		select {
		case <-bridge.overflow:
			sendError("TOO_SLOW", "client fell behind pane output")
			_ = conn.Close()
		case <-ctx.Done():
			_ = conn.Close()
		case <-bridge.done:
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.InputRate), s.cfg.InputBurst)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session", sid),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			sendError("INVALID_MESSAGE", "invalid json payload")
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "status",
				Event:     "pong",
				SessionID: sid,
				Time:      time.Now().UTC(),
			})
		case "input":
			if s.cfg.ReadOnly {
				sendError("READ_ONLY", "input is disabled in read-only mode")
				continue
			}
			if msg.Data == "" {
				continue
			}
			if !limiter.AllowN(time.Now(), len(msg.Data)) {
				sendError("RATE_LIMITED", "input rate exceeded")
				continue
			}
			if err := s.backend.Input(id, []byte(msg.Data)); err != nil {
				sendError("INPUT_WRITE_FAILED", "failed to send input to terminal")
			}
		case "resize":
			if msg.Cols <= 0 || msg.Rows <= 0 || msg.Cols > 0xFFFF || msg.Rows > 0xFFFF {
				sendError("RESIZE_FAILED", "invalid dimensions")
				continue
			}
			if err := s.backend.Resize(id, uint16(msg.Cols), uint16(msg.Rows)); err != nil {
				sendError("RESIZE_FAILED", "failed to resize terminal")
			}
		default:
			sendError("UNSUPPORTED_MESSAGE", "supported message types: ping,input,resize")
		}
	}
}
