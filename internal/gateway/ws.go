package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaylabs/relay/internal/events"
	"github.com/relaylabs/relay/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway fronts local UIs and reverse proxies; origin policy is
	// enforced upstream.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsInbound is a chat message from the web client.
type wsInbound struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// wsOutbound is one frame relayed to the web client.
type wsOutbound struct {
	Type     string `json:"type"`
	TaskID   string `json:"taskId,omitempty"`
	Token    string `json:"token,omitempty"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newTaskID() string {
	return uuid.NewString()
}

// handleWebSocket runs the web-chat channel: each inbound message becomes
// a task whose stream is relayed back as JSON frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := "ws-" + uuid.NewString()
	logger := s.logger.With("conn_id", connID)
	logger.Debug("websocket connected")

	// Gorilla connections allow one concurrent writer.
	var writeMu sync.Mutex
	send := func(msg wsOutbound) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	ctx := r.Context()
	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			logger.Debug("websocket closed", "error", err)
			return
		}
		if in.Message == "" {
			_ = send(wsOutbound{Type: "error", Error: "Missing message"})
			continue
		}

		userID := in.UserID
		if userID == "" {
			userID = connID
		}
		task := &models.Task{
			ID:        newTaskID(),
			Channel:   models.ChannelWeb,
			ChannelID: connID,
			UserID:    userID,
			Message:   in.Message,
		}

		sub := s.bus.SubscribeTask(task.ID)
		if _, err := s.router.Submit(ctx, task); err != nil {
			sub.Cancel()
			if err := send(wsOutbound{Type: "error", TaskID: task.ID, Error: err.Error()}); err != nil {
				return
			}
			continue
		}

		if err := s.relayTask(ctx, task.ID, sub, send); err != nil {
			sub.Cancel()
			return
		}
		sub.Cancel()
	}
}

// relayTask forwards one task's events to the client until a terminal
// event arrives.
func (s *Server) relayTask(ctx context.Context, taskID string, sub *events.Subscription, send func(wsOutbound) error) error {
	for {
		select {
		case <-ctx.Done():
			if _, err := s.router.Cancel(context.Background(), taskID); err != nil {
				s.logger.Warn("cancel after disconnect failed", "task_id", taskID, "error", err)
			}
			return ctx.Err()

		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case models.EventStream:
				if err := send(wsOutbound{Type: "stream", TaskID: taskID, Token: ev.Token}); err != nil {
					return err
				}
			case models.EventComplete:
				return send(wsOutbound{Type: "complete", TaskID: taskID, Response: ev.Response})
			case models.EventError:
				return send(wsOutbound{Type: "error", TaskID: taskID, Error: ev.Error})
			case models.EventCancelled:
				return send(wsOutbound{Type: "cancelled", TaskID: taskID})
			case models.EventDropped:
				return send(wsOutbound{Type: "dropped", TaskID: taskID, Error: ev.Reason})
			}
		}
	}
}
