package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"online-test-service/internal/app"
	"online-test-service/internal/domain"
)

// RateLimiter guards the controller from a connection flooding messages.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// WSHandler upgrades HTTP requests to websockets and multiplexes inbound
// messages into the session service.
type WSHandler struct {
	service  *app.SessionService
	hub      *Hub
	limiter  RateLimiter
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.SessionService, hub *Hub, limiter RateLimiter) *WSHandler {
	return &WSHandler{
		service: service,
		hub:     hub,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type createPayload struct {
	Token  string `json:"token"`
	TestID string `json:"testId"`
}

type joinPayload struct {
	Code  int    `json:"code"`
	Token string `json:"token,omitempty"`
}

type metadataPayload struct {
	Code      int    `json:"code"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email,omitempty"`
}

type startPayload struct {
	Token           string `json:"token"`
	Code            int    `json:"code"`
	DurationMinutes int    `json:"durationMinutes"`
}

type answerPayload struct {
	TestID     string `json:"testId"`
	SectionID  string `json:"sectionId"`
	TaskID     string `json:"taskId"`
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

type finishParticipantPayload struct {
	SessionID string `json:"sessionId"`
}

type finishPayload struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

type leavePayload struct {
	Code int `json:"code"`
}

// ServeWS runs one connection: a writer goroutine drains the send channel
// while the read loop dispatches messages. The connection's clientID is the
// participant identity for the rest of the session.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := newClient(uuid.NewString())
	h.hub.register(c)
	defer h.hub.unregister(c.id)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-c.send:
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("ws write error: %v", err)
					c.close()
					return
				}
			case <-c.done:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}

		allowed, err := h.limiter.Allow(r.Context(), c.id)
		if err != nil {
			// Limiter trouble is an availability problem, not the
			// client's fault: log and let the message through.
			log.Printf("rate limiter failed for %s: %v", c.id, err)
			allowed = true
		}
		if !allowed {
			c.deliver(errorFrame(domain.ErrRateLimited))
			continue
		}

		if hardReject := h.dispatch(r.Context(), c, inbound); hardReject {
			break
		}
	}

	c.close()
	<-writerDone
}

// dispatch handles one inbound message. It reports true when the
// connection must be dropped (failed credential on an owner-gated call).
func (h *WSHandler) dispatch(ctx context.Context, c *client, inbound inboundMessage) bool {
	switch inbound.Type {
	case "session.create":
		var p createPayload
		if !h.decode(c, inbound.Payload, &p) {
			return false
		}
		created, err := h.service.Create(ctx, c.id, p.Token, p.TestID)
		if err != nil {
			return h.reportError(c, err)
		}
		c.deliver(outboundMessage{Type: app.EventSessionCreated, Payload: created})

	case "session.join":
		var p joinPayload
		if !h.decode(c, inbound.Payload, &p) {
			return false
		}
		accepted, err := h.service.Join(ctx, c.id, p.Token, p.Code)
		if err != nil {
			return h.reportError(c, err)
		}
		c.deliver(outboundMessage{Type: app.EventJoinAccepted, Payload: accepted})

	case "participant.metadata":
		var p metadataPayload
		if !h.decode(c, inbound.Payload, &p) {
			return false
		}
		if _, err := h.service.SubmitMetadata(ctx, c.id, p.Code, p.FirstName, p.LastName, p.Email); err != nil {
			return h.reportError(c, err)
		}

	case "session.start":
		var p startPayload
		if !h.decode(c, inbound.Payload, &p) {
			return false
		}
		if err := h.service.Start(ctx, c.id, p.Token, p.Code, p.DurationMinutes); err != nil {
			return h.reportError(c, err)
		}

	case "answer.submit":
		var p answerPayload
		if !h.decode(c, inbound.Payload, &p) {
			return false
		}
		if _, err := h.service.SubmitAnswer(ctx, c.id, p.TestID, p.SectionID, p.TaskID, p.QuestionID, p.Answer); err != nil {
			return h.reportError(c, err)
		}

	case "participant.finish":
		var p finishParticipantPayload
		if !h.decode(c, inbound.Payload, &p) {
			return false
		}
		finished, err := h.service.FinishAsParticipant(ctx, c.id, p.SessionID)
		if err != nil {
			return h.reportError(c, err)
		}
		c.deliver(outboundMessage{Type: app.EventParticipantFinished, Payload: finished})

	case "session.finish":
		var p finishPayload
		if !h.decode(c, inbound.Payload, &p) {
			return false
		}
		if err := h.service.Finish(ctx, p.Token, p.SessionID); err != nil {
			return h.reportError(c, err)
		}

	case "session.leave":
		var p leavePayload
		if !h.decode(c, inbound.Payload, &p) {
			return false
		}
		update, err := h.service.Leave(ctx, c.id, p.Code)
		if err != nil {
			return h.reportError(c, err)
		}
		c.deliver(outboundMessage{Type: app.EventParticipantLeft, Payload: update})

	default:
		c.deliver(errorFrame(&domain.Error{Code: domain.CodeInvalidInput, Message: "unsupported message type"}))
	}
	return false
}

func (h *WSHandler) decode(c *client, raw json.RawMessage, into any) bool {
	if err := json.Unmarshal(raw, into); err != nil {
		c.deliver(errorFrame(&domain.Error{Code: domain.CodeInvalidInput, Message: "malformed payload"}))
		return false
	}
	return true
}

// reportError sends the structured error event and reports whether the
// connection must be dropped. A bad credential is a hard rejection.
func (h *WSHandler) reportError(c *client, err error) bool {
	c.deliver(errorFrame(err))
	if domain.CodeOf(err) == domain.CodeUnauthorized {
		return true
	}
	if domain.CodeOf(err) == domain.CodeTransient {
		log.Printf("request from %s failed: %v", c.id, err)
	}
	return false
}

func errorFrame(err error) outboundMessage {
	var payload app.ErrorEvent
	var de *domain.Error
	if errors.As(err, &de) {
		payload = app.ErrorEvent{Code: de.Code, Message: de.Message}
	} else {
		payload = app.ErrorEvent{Code: domain.CodeTransient, Message: domain.MessageOf(err)}
	}
	return outboundMessage{Type: app.EventError, Payload: payload}
}
