package server

import (
	_ "embed"
	"net/http"

	"github.com/gaspardpetit/mcpinspector/internal/logx"
)

//go:embed status.html
var statusHTML string

// StatusHandler serves a page listing live sessions.
func StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write([]byte(statusHTML)); err != nil {
			logx.Log.Error().Err(err).Msg("write status page")
		}
	}
}
