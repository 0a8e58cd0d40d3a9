package factory

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/oapi-codegen/runtime"

	"github.com/gaspardpetit/mcpinspector/internal/proxyerr"
)

// TransportType discriminates connection parameters.
type TransportType string

const (
	TypeStdio TransportType = "stdio"
	TypeSSE   TransportType = "sse"
)

// StdioParams describe a server spawned as a child process.
type StdioParams struct {
	Command string
	Args    []string
	// Env holds caller overrides; they take precedence over every other layer.
	Env map[string]string
}

// SSEParams describe a server reached over an SSE stream.
type SSEParams struct {
	URL    string
	Header http.Header
}

// Params is the tagged union of connection parameters. Exactly one of Stdio
// and SSE is set, matching Type.
type Params struct {
	Type  TransportType
	Stdio *StdioParams
	SSE   *SSEParams
}

// connectQuery mirrors the query string of the connect endpoints.
type connectQuery struct {
	TransportType string
	Command       string
	Args          string
	Env           string
	URL           string
}

func bindConnectQuery(q url.Values) (connectQuery, error) {
	var cq connectQuery
	if err := runtime.BindQueryParameter("form", true, true, "transportType", q, &cq.TransportType); err != nil {
		return cq, err
	}
	for name, dst := range map[string]*string{
		"command": &cq.Command,
		"args":    &cq.Args,
		"env":     &cq.Env,
		"url":     &cq.URL,
	} {
		if err := runtime.BindQueryParameter("form", true, false, name, q, dst); err != nil {
			return cq, err
		}
	}
	return cq, nil
}

// ParseRequest builds Params from a connect request. passthrough is the
// header allow-list applied for SSE upstreams.
func ParseRequest(r *http.Request, passthrough []string) (Params, error) {
	cq, err := bindConnectQuery(r.URL.Query())
	if err != nil {
		return Params{}, proxyerr.New(proxyerr.InvalidTransportType, err)
	}
	switch TransportType(cq.TransportType) {
	case TypeStdio:
		if strings.TrimSpace(cq.Command) == "" {
			return Params{}, proxyerr.Errorf(proxyerr.SpawnFailure, "missing command")
		}
		args, err := shellquote.Split(cq.Args)
		if err != nil {
			return Params{}, proxyerr.New(proxyerr.SpawnFailure, fmt.Errorf("parse args: %w", err))
		}
		env := map[string]string{}
		if cq.Env != "" {
			if err := json.Unmarshal([]byte(cq.Env), &env); err != nil {
				return Params{}, proxyerr.New(proxyerr.SpawnFailure, fmt.Errorf("parse env: %w", err))
			}
		}
		return Params{Type: TypeStdio, Stdio: &StdioParams{Command: cq.Command, Args: args, Env: env}}, nil
	case TypeSSE:
		if cq.URL == "" {
			return Params{}, proxyerr.Errorf(proxyerr.ConnectFailure, "missing url")
		}
		return Params{Type: TypeSSE, SSE: &SSEParams{URL: cq.URL, Header: Passthrough(r.Header, passthrough)}}, nil
	default:
		return Params{}, proxyerr.Errorf(proxyerr.InvalidTransportType, "invalid transport type %q", cq.TransportType)
	}
}

// Passthrough copies the allow-listed headers of in. When a header repeats,
// the last value wins. Everything else is dropped.
func Passthrough(in http.Header, allow []string) http.Header {
	out := http.Header{}
	for _, name := range allow {
		vv := in.Values(name)
		if len(vv) == 0 {
			continue
		}
		out.Set(name, vv[len(vv)-1])
	}
	return out
}
