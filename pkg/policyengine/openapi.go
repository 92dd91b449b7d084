package policyengine

import (
	_ "embed"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/openshift/cincinnati/pkg/httphelper"
)

//go:embed openapiv3.json
var openAPISpec []byte

// OpenAPIHandler serves the static OpenAPI document with every path
// prefixed by the configured path prefix.
func OpenAPIHandler(pathPrefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec map[string]interface{}
		if err := json.Unmarshal(openAPISpec, &spec); err != nil {
			logrus.WithError(err).Error("could not deserialize the OpenAPI document")
			httphelper.WriteJSONError(w, http.StatusInternalServerError, "internal_error",
				"could not deserialize the OpenAPI document")
			return
		}

		if paths, ok := spec["paths"].(map[string]interface{}); ok {
			spec["paths"] = rewritePaths(paths, pathPrefix)
		}

		body, err := json.Marshal(spec)
		if err != nil {
			logrus.WithError(err).Error("could not serialize the OpenAPI document")
			httphelper.WriteJSONError(w, http.StatusInternalServerError, "internal_error",
				"could not serialize the OpenAPI document")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

// rewritePaths prefixes every path of the document with the path prefix.
func rewritePaths(paths map[string]interface{}, pathPrefix string) map[string]interface{} {
	if pathPrefix == "/" {
		return paths
	}
	out := make(map[string]interface{}, len(paths))
	for path, item := range paths {
		newPath := pathPrefix + path
		logrus.Tracef("rewrote path %s -> %s", path, newPath)
		out[newPath] = item
	}
	return out
}
