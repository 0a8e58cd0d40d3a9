package api

import (
	"html/template"
	"net/http"

	"github.com/gaspardpetit/mcpinspector/internal/logx"
)

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8" />
  <title>{{.Title}}</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
  window.onload = () => {
    SwaggerUIBundle({ url: {{.SpecURL}}, dom_id: '#swagger-ui' });
  };
  </script>
</body>
</html>`))

// DocsHandler serves a Swagger UI page rendering the document at specURL.
func DocsHandler(specURL string) http.HandlerFunc {
	data := struct{ Title, SpecURL string }{"MCP inspector proxy API", specURL}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := docsPage.Execute(w, data); err != nil {
			logx.Log.Error().Err(err).Msg("write docs page")
		}
	}
}
