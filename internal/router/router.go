// Package router implements the Message Router: schema
// validation, PING handling, HLC bookkeeping, pre-auth gating, and
// dispatch-by-type to registered handlers.
package router

import (
	"github.com/golang/glog"

	"github.com/crdtmesh/coordinator/internal/auth"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/transport"
	"github.com/crdtmesh/coordinator/internal/wire"
)

// Validator schema-checks a decoded frame before routing.
type Validator func(*wire.Frame) error

// Handler processes one post-auth frame type.
type Handler func(session *transport.Session, frame *wire.Frame)

// Router is the single entry point handleMessage(session, frame) is built
// around.
type Router struct {
	clock    *hlc.Clock
	auth     *auth.Handler
	validate Validator
	handlers map[wire.Type]Handler

	onUnauthorizedClose func(session *transport.Session, code int, reason string)
}

func New(clock *hlc.Clock, authHandler *auth.Handler, validate Validator) *Router {
	return &Router{
		clock:    clock,
		auth:     authHandler,
		validate: validate,
		handlers: make(map[wire.Type]Handler),
	}
}

func (r *Router) Register(t wire.Type, h Handler) { r.handlers[t] = h }

func (r *Router) OnUnauthorizedClose(fn func(*transport.Session, int, string)) {
	r.onUnauthorizedClose = fn
}

// HandleMessage runs the five-step inbound dispatch: validate, ping
// handling, HLC observation, pre-auth gating, verb dispatch.
func (r *Router) HandleMessage(session *transport.Session, frame *wire.Frame) {
	// (1) schema-validate
	if r.validate != nil {
		if err := r.validate(frame); err != nil {
			r.sendError(session, 400, err.Error())
			return
		}
	}

	// (2) PING short-circuits before auth gating, replies PONG urgent
	if frame.Type == wire.TypePing {
		session.UpdateLastPing()
		r.observeHLC(session, frame)
		data, _ := wire.EncodeJSON(wire.TypePong, map[string]interface{}{
			"timestamp": frame.MustField("timestamp"),
		})
		session.Writer.WriteRaw(data, true)
		return
	}

	// (3) HLC bookkeeping for every other frame
	r.observeHLC(session, frame)

	// (4) pre-auth gate
	if !session.Authenticated() {
		if frame.Type == wire.TypeAuth {
			if h, ok := r.handlers[wire.TypeAuth]; ok {
				h(session, frame)
			}
			return
		}
		if r.onUnauthorizedClose != nil {
			r.onUnauthorizedClose(session, wire.CloseUnauthorized, "unauthorized")
		}
		return
	}

	// (5) dispatch by type
	h, ok := r.handlers[frame.Type]
	if !ok {
		glog.Warningf("router: unknown frame type %q from session %s, dropping", frame.Type, session.ID)
		return
	}
	h(session, frame)
}

func (r *Router) observeHLC(session *transport.Session, frame *wire.Frame) {
	if v, ok := frame.Field("hlc"); ok {
		if ts, ok := parseHLC(v); ok {
			session.SetLastHLC(ts)
			r.clock.Update(ts)
			return
		}
	}
	r.clock.Tick()
}

func parseHLC(v interface{}) (hlc.Timestamp, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return hlc.Timestamp{}, false
	}
	var ts hlc.Timestamp
	if millis, ok := m["millis"].(float64); ok {
		ts.Millis = int64(millis)
	}
	if counter, ok := m["counter"].(float64); ok {
		ts.Counter = int32(counter)
	}
	if nodeID, ok := m["nodeId"].(string); ok {
		ts.NodeID = nodeID
	}
	return ts, true
}

func (r *Router) sendError(session *transport.Session, code int, message string) {
	data, _ := wire.EncodeJSON(wire.TypeError, map[string]interface{}{
		"code":    code,
		"message": message,
	})
	session.Writer.WriteRaw(data, true)
}
