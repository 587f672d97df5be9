package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"

	"github.com/harshu-panchal/healiinn-sub004/internal/bus"
	"github.com/harshu-panchal/healiinn-sub004/internal/media"
	"github.com/harshu-panchal/healiinn-sub004/internal/signaling"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

// Identity is the authenticated principal behind a realtime connection.
type Identity struct {
	UserID string
	Role   string
	Name   string
}

// Authenticator resolves the identity of an incoming connection. A nil
// result closes the connection before any channel registration happens.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// HeaderAuthenticator trusts identity headers stamped by the edge proxy.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, errors.New("no request")
	}
	id := Identity{
		UserID: strings.TrimSpace(r.Header.Get("X-User-Id")),
		Role:   strings.TrimSpace(r.Header.Get("X-User-Role")),
		Name:   strings.TrimSpace(r.Header.Get("X-User-Name")),
	}
	if id.UserID == "" {
		id.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		id.Role = strings.TrimSpace(r.URL.Query().Get("role"))
	}
	if id.UserID == "" || id.Role == "" {
		return Identity{}, errors.New("missing identity")
	}
	if id.Role != signaling.RoleDoctor && id.Role != signaling.RolePatient {
		return Identity{}, errors.New("unknown role")
	}
	return id, nil
}

// clientMessage is the request half of the connection protocol. Every
// request-shaped action gets exactly one ack carrying the same request id.
type clientMessage struct {
	Action        string          `json:"action"`
	RequestID     string          `json:"request_id"`
	SessionID     string          `json:"session_id,omitempty"`
	CallID        string          `json:"call_id,omitempty"`
	AppointmentID string          `json:"appointment_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	TransportID   string          `json:"transport_id,omitempty"`
	ProducerID    string          `json:"producer_id,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

type ack struct {
	Type      string      `json:"type"`
	Action    string      `json:"action"`
	RequestID string      `json:"request_id,omitempty"`
	OK        bool        `json:"ok"`
	Error     string      `json:"error,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Gateway terminates sockjs connections and bridges them onto the fan-out
// bus, the call coordinator, and the media manager.
type Gateway struct {
	bus   *bus.Bus
	coord *signaling.Coordinator
	media *media.Manager
	auth  Authenticator
}

func NewGateway(fanout *bus.Bus, coord *signaling.Coordinator, mediaMgr *media.Manager, auth Authenticator) *Gateway {
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	return &Gateway{bus: fanout, coord: coord, media: mediaMgr, auth: auth}
}

// Handler returns the sockjs endpoint handler mounted at prefix.
func (g *Gateway) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, g.handle)
}

func (g *Gateway) handle(conn sockjs.Session) {
	identity, err := g.auth.Authenticate(conn.Request())
	if err != nil {
		_ = conn.Close(4001, "unauthorized")
		return
	}

	connID := uuid.NewString()
	sub := bus.NewSubscriber(connID, 64)
	g.bus.Subscribe(bus.UserChannel(identity.UserID), sub)
	g.bus.Subscribe(bus.RoleChannel(identity.Role), sub)
	defer func() {
		g.bus.UnsubscribeAll(connID)
		if g.media != nil {
			g.media.LeaveAll(connID)
		}
		// A mid-call drop force-ends the call with the same triple publish
		// as an explicit end.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.coord.HandleDisconnect(ctx, identity.UserID)
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case event := <-sub.Send:
				raw, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if err := conn.Send(string(raw)); err != nil {
					return
				}
			}
		}
	}()

	for {
		msg, err := conn.Recv()
		if err != nil {
			return
		}
		var parsed clientMessage
		if err := json.Unmarshal([]byte(msg), &parsed); err != nil {
			g.reply(conn, ack{Type: "ack", OK: false, Error: "malformed message"})
			continue
		}
		g.dispatch(conn, connID, identity, sub, parsed)
	}
}

func (g *Gateway) dispatch(conn sockjs.Session, connID string, identity Identity, sub *bus.Subscriber, msg clientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Action {
	case "subscribe_session":
		if msg.SessionID == "" {
			g.fail(conn, msg, "session_id required")
			return
		}
		g.bus.Subscribe(bus.SessionChannel(msg.SessionID), sub)
		g.ok(conn, msg, nil)

	case "unsubscribe_session":
		g.bus.Unsubscribe(bus.SessionChannel(msg.SessionID), connID)
		g.ok(conn, msg, nil)

	case "subscribe_call":
		if msg.CallID == "" {
			g.fail(conn, msg, "call_id required")
			return
		}
		g.bus.Subscribe(bus.CallChannel(msg.CallID), sub)
		if g.media != nil {
			g.media.JoinCall(connID, msg.CallID)
		}
		g.ok(conn, msg, nil)

	case "call_initiate":
		call, err := g.coord.Initiate(ctx, identity.UserID, identity.Name, msg.AppointmentID)
		g.result(conn, msg, call, err)

	case "call_accept":
		call, err := g.coord.Accept(ctx, identity.UserID, msg.CallID)
		if err == nil {
			g.bus.Subscribe(bus.CallChannel(call.CallID), sub)
			if g.media != nil {
				g.media.JoinCall(connID, call.CallID)
			}
		}
		g.result(conn, msg, call, err)

	case "call_decline":
		call, err := g.coord.Decline(ctx, identity.UserID, msg.CallID)
		g.result(conn, msg, call, err)

	case "call_end":
		call, err := g.coord.End(ctx, identity.UserID, msg.CallID, msg.Reason)
		g.result(conn, msg, call, err)

	case "call_miss":
		call, err := g.coord.Miss(ctx, identity.UserID, msg.CallID)
		g.result(conn, msg, call, err)

	case "media_create_transport":
		if g.media == nil {
			g.fail(conn, msg, "media disabled")
			return
		}
		transport, err := g.media.CreateTransport(ctx, connID, msg.CallID)
		g.result(conn, msg, transport, err)

	case "media_connect_transport":
		if g.media == nil {
			g.fail(conn, msg, "media disabled")
			return
		}
		err := g.media.ConnectTransport(ctx, msg.TransportID, msg.Params)
		g.result(conn, msg, nil, err)

	case "media_produce":
		if g.media == nil {
			g.fail(conn, msg, "media disabled")
			return
		}
		producerID, err := g.media.Produce(ctx, connID, msg.TransportID, msg.Kind, msg.Params)
		g.result(conn, msg, map[string]string{"producer_id": producerID}, err)

	case "media_consume":
		if g.media == nil {
			g.fail(conn, msg, "media disabled")
			return
		}
		consumer, err := g.media.Consume(ctx, msg.TransportID, msg.ProducerID, msg.Params)
		g.result(conn, msg, consumer, err)

	default:
		g.fail(conn, msg, "unknown action")
	}
}

func (g *Gateway) result(conn sockjs.Session, msg clientMessage, data interface{}, err error) {
	if err != nil {
		g.fail(conn, msg, errorMessage(err))
		return
	}
	g.ok(conn, msg, data)
}

func (g *Gateway) ok(conn sockjs.Session, msg clientMessage, data interface{}) {
	g.reply(conn, ack{Type: "ack", Action: msg.Action, RequestID: msg.RequestID, OK: true, Data: data})
}

func (g *Gateway) fail(conn sockjs.Session, msg clientMessage, reason string) {
	g.reply(conn, ack{Type: "ack", Action: msg.Action, RequestID: msg.RequestID, OK: false, Error: reason})
}

func (g *Gateway) reply(conn sockjs.Session, response ack) {
	raw, err := json.Marshal(response)
	if err != nil {
		log.Printf("realtime ack marshal error: %v", err)
		return
	}
	if err := conn.Send(string(raw)); err != nil {
		log.Printf("realtime ack send error: %v", err)
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrCallNotFound),
		errors.Is(err, store.ErrAppointmentNotFound):
		return "not found"
	case errors.Is(err, store.ErrNotOwner):
		return "not a participant"
	case errors.Is(err, store.ErrNotCallMode):
		return "appointment is not a call consultation"
	case errors.Is(err, store.ErrCallInProgress):
		return "call already in progress"
	case errors.Is(err, store.ErrInvalidState):
		return "invalid call state"
	case errors.Is(err, media.ErrResourceClosed):
		return "resource no longer available"
	default:
		return "internal error"
	}
}
