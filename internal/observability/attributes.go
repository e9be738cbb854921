package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrFrom    = "from"
	attrTo      = "to"
	attrOp      = "op"
	attrScheme  = "scheme"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func schemeAttr(scheme string) attribute.KeyValue {
	if scheme == "" {
		scheme = "local"
	}
	return attribute.String(attrScheme, scheme)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces job ids with a placeholder to bound cardinality.
//
//	/v1/jobs/abc123        -> /v1/jobs/{id}
//	/v1/jobs/abc123/status -> /v1/jobs/{id}/status
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	rest := path[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{id}" + rest[i:]
	}
	return prefix + "{id}"
}
