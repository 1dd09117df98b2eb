package handlers

import (
	_ "embed"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openapiDoc []byte

const swaggerUIPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>staging_kit %s</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/openapi.yaml",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout",
    });
  </script>
</body>
</html>`

// OpenAPISpec handles GET /openapi.yaml. The document's info.version is set
// to the running build.
func (h *Handler) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	doc := openapiDoc
	if h.Version != "" {
		stamped, err := stampVersion(openapiDoc, h.Version)
		if err != nil {
			slog.Error("stamp openapi version", "error", err)
		} else {
			doc = stamped
		}
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(doc)
}

// Docs handles GET /docs with a Swagger UI page.
func (h *Handler) Docs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, swaggerUIPage, html.EscapeString(h.Version))
}

func stampVersion(doc []byte, version string) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("empty openapi document")
	}
	v := mappingValue(mappingValue(root.Content[0], "info"), "version")
	if v == nil {
		return nil, fmt.Errorf("openapi document has no info.version")
	}
	v.Value = version
	v.Style = yaml.DoubleQuotedStyle
	return yaml.Marshal(&root)
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
