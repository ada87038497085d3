// Package services defines the fake-service handler contract and registry.
// A handler receives a namespace-bound session and a request; whatever it
// writes to the session lands in the caller's environment only.
package services

import (
	"net/http"

	"github.com/agentdiff/agentdiff/internal/models"
	"github.com/agentdiff/agentdiff/internal/store"
)

// RequestContext carries the per-request state handed to a service handler.
// The session is owned by the dispatcher; handlers must not retain it past
// the request.
type RequestContext struct {
	Session           *store.Session
	Environment       *models.Environment
	ImpersonateUserID string
	// Path is the request path suffix after the service name, without a
	// leading slash (e.g. "chat.postMessage").
	Path string
}

// Handler processes one agent request against an environment-bound session.
type Handler interface {
	ServeService(w http.ResponseWriter, r *http.Request, rc *RequestContext)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, rc *RequestContext)

// ServeService implements Handler.
func (f HandlerFunc) ServeService(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	f(w, r, rc)
}

// Registry maps service names to handlers. Registration happens at startup;
// lookups are read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler under a service name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Get returns the handler for a service name.
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}
