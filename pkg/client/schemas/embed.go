// Package schemas holds the JSON schemas of the collections HTTP API.
package schemas

import "embed"

// FS 所有响应体的 JSON Schema
//
//go:embed *.json
var FS embed.FS
