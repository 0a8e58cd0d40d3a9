package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/gaspardpetit/mcpinspector/internal/config"
	"github.com/gaspardpetit/mcpinspector/internal/factory"
	"github.com/gaspardpetit/mcpinspector/internal/logx"
	"github.com/gaspardpetit/mcpinspector/internal/metrics"
	"github.com/gaspardpetit/mcpinspector/internal/proxyerr"
	"github.com/gaspardpetit/mcpinspector/internal/relay"
	"github.com/gaspardpetit/mcpinspector/internal/serverstate"
	"github.com/gaspardpetit/mcpinspector/internal/session"
	"github.com/gaspardpetit/mcpinspector/internal/transport"
)

// Browser-facing transport kinds.
const (
	clientSSE = "sse"
	clientWS  = "ws"
)

type handlers struct {
	cfg config.ServerConfig
	reg *session.Registry
	fac *factory.Factory
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type configBody struct {
	DefaultEnvironment map[string]string `json:"defaultEnvironment"`
	DefaultCommand     string            `json:"defaultCommand"`
	DefaultArgs        string            `json:"defaultArgs"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}

// writeConnectError answers a failed connect. An upstream auth failure is
// returned with the upstream's own status and body.
func writeConnectError(w http.ResponseWriter, err error) {
	kind := proxyerr.KindOf(err)
	if kind == "" {
		kind = proxyerr.UnexpectedTransportError
	}
	metrics.RecordConnectFailure(string(kind))
	logx.Log.Warn().Err(err).Str("code", string(kind)).Msg("connect failed")

	var pe *proxyerr.Error
	if kind == proxyerr.AuthFailure && errors.As(err, &pe) && pe.Status != 0 {
		switch {
		case pe.ContentType != "":
			w.Header().Set("Content-Type", pe.ContentType)
		case json.Valid(pe.Body):
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(pe.Status)
		_, _ = w.Write(pe.Body)
		return
	}
	writeJSON(w, proxyerr.HTTPStatus(err), errorBody{Error: err.Error(), Code: string(kind)})
}

// openUpstream parses the connect request and starts the upstream transport.
// It writes the error response itself and returns false on failure.
func (h *handlers) openUpstream(w http.ResponseWriter, r *http.Request) (transport.Transport, factory.Params, bool) {
	if serverstate.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return nil, factory.Params{}, false
	}
	p, err := factory.ParseRequest(r, h.cfg.PassthroughHeaders)
	if err != nil {
		writeConnectError(w, err)
		return nil, p, false
	}
	up, err := h.fac.Create(r.Context(), p)
	if err != nil {
		writeConnectError(w, err)
		return nil, p, false
	}
	return up, p, true
}

func target(p factory.Params) string {
	switch {
	case p.Stdio != nil:
		return p.Stdio.Command
	case p.SSE != nil:
		return p.SSE.URL
	}
	return ""
}

// register records a new session for client and upstream.
func (h *handlers) register(client transport.Downstream, upstream transport.Transport, clientKind string, p factory.Params) (*session.Session, error) {
	sess := session.New(client, upstream, clientKind, string(p.Type), target(p))
	if err := h.reg.Insert(sess); err != nil {
		return nil, err
	}
	metrics.SessionOpened()
	serverstate.SetActiveSessions(h.reg.Len())
	return sess, nil
}

// run wires the session and blocks until the browser disconnects and both
// transports are closed.
func (h *handlers) run(r *http.Request, sess *session.Session) {
	log := logx.Log.With().Str("session_id", sess.ID).Logger()
	link := relay.Wire(sess.Client, sess.Upstream, relay.Options{
		SessionID: sess.ID,
		OnClose: func(err error) {
			sess.SetState(session.StateClosed)
			h.reg.Remove(sess.ID)
			outcome := "closed"
			if err != nil {
				outcome = "error"
			}
			metrics.SessionClosed(sess.UpstreamKind, outcome, time.Since(sess.CreatedAt))
			serverstate.SetActiveSessions(h.reg.Len())
			log.Info().Str("outcome", outcome).Msg("session closed")
		},
	})
	sess.SetState(session.StateActive)
	log.Info().Str("client", sess.ClientKind).Str("transport", sess.UpstreamKind).Str("target", sess.Target).Msg("session opened")
	sess.Client.Wait(r.Context())
	<-link.Done()
}

func (h *handlers) connectSSE(w http.ResponseWriter, r *http.Request) {
	up, p, ok := h.openUpstream(w, r)
	if !ok {
		return
	}
	client, err := transport.NewSSEServer(w, "/message", h.cfg.MaxMessageBytes)
	if err != nil {
		_ = up.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Register before the endpoint event so the first POST finds the session.
	sess, err := h.register(client, up, clientSSE, p)
	if err != nil {
		_ = up.Close()
		_ = client.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := client.Start(r.Context()); err != nil {
		logx.Log.Warn().Err(err).Str("session_id", sess.ID).Msg("start client stream")
	}
	h.run(r, sess)
}

func (h *handlers) connectWS(w http.ResponseWriter, r *http.Request) {
	up, p, ok := h.openUpstream(w, r)
	if !ok {
		return
	}
	client, err := transport.AcceptWS(w, r, h.cfg.AllowedOrigins, h.cfg.MaxMessageBytes)
	if err != nil {
		// Accept has already written the response.
		logx.Log.Warn().Err(err).Msg("websocket accept")
		_ = up.Close()
		return
	}
	sess, err := h.register(client, up, clientWS, p)
	if err != nil {
		_ = up.Close()
		_ = client.Close()
		return
	}
	if err := client.Start(r.Context()); err != nil {
		logx.Log.Warn().Err(err).Str("session_id", sess.ID).Msg("start websocket")
	}
	h.run(r, sess)
}

func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	var id string
	if err := runtime.BindQueryParameter("form", true, true, "sessionId", r.URL.Query(), &id); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	client, err := h.reg.Lookup(id)
	if err != nil {
		logx.Log.Debug().Str("session_id", id).Msg("post for unknown session")
		http.Error(w, "Session not found", proxyerr.HTTPStatus(err))
		return
	}
	pr, ok := client.(transport.PostReceiver)
	if !ok {
		http.Error(w, "session does not accept posted messages", http.StatusMethodNotAllowed)
		return
	}
	pr.HandlePost(w, r)
}

func (h *handlers) config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configBody{
		DefaultEnvironment: h.fac.DefaultEnv(),
		DefaultCommand:     h.cfg.DefaultCommand,
		DefaultArgs:        h.cfg.DefaultArgs,
	})
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if serverstate.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Snapshot())
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serverstate.Snapshot())
}
