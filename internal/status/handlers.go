package status

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/chatsync/internal/health"
	"github.com/p-blackswan/chatsync/internal/models"
)

// SessionResponse is the body of GET /v1/session.
type SessionResponse struct {
	State              string         `json:"state"`
	ConversationID     string         `json:"conversation_id,omitempty"`
	Title              string         `json:"title,omitempty"`
	JoinedRoom         string         `json:"joined_room,omitempty"`
	Messages           int            `json:"messages"`
	Pending            int            `json:"pending"`
	Failed             int            `json:"failed"`
	Stream             StreamResponse `json:"stream"`
	PendingAttachments int            `json:"pending_attachments"`
	LastError          string         `json:"last_error,omitempty"`
}

// StreamResponse describes the in-flight response, if any.
type StreamResponse struct {
	State     string     `json:"state"`
	Bytes     int        `json:"bytes"`
	Degraded  bool       `json:"degraded,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

func (s *Server) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) readiness(c *fiber.Ctx) error {
	results := s.checker.RunAll(c.UserContext())
	if !health.Ready(results) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": results,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": results})
}

func (s *Server) sessionView(c *fiber.Ctx) error {
	if s.session == nil {
		return fiber.NewError(fiber.StatusNotFound, "no session")
	}
	snap := s.session.Snapshot()

	resp := SessionResponse{
		State:              snap.State.String(),
		ConversationID:     snap.ConversationID,
		JoinedRoom:         snap.JoinedRoom,
		Messages:           len(snap.Messages),
		PendingAttachments: len(snap.PendingAttachments),
		LastError:          snap.LastError,
		Stream:             StreamResponse{State: snap.StreamState.String()},
	}
	if snap.Conversation != nil {
		resp.Title = snap.Conversation.Title
	}
	for _, m := range snap.Messages {
		switch m.Status {
		case models.StatusPending:
			resp.Pending++
		case models.StatusFailed:
			resp.Failed++
		}
	}
	if buf := snap.Streaming; buf != nil {
		started := buf.StartedAt
		resp.Stream.Bytes = len(buf.Content)
		resp.Stream.Degraded = buf.Degraded
		resp.Stream.StartedAt = &started
	}
	return c.JSON(resp)
}
