// Package api exposes marketd's HTTP/JSON REST interface under /api/v1/ for
// agents, listings, tasks, disputes, admin operations and auth tokens, plus
// the /metrics endpoint. It serves no gRPC interface and no OpenAPI document.
package api
