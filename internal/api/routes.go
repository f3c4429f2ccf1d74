package api

import "lukhas/internal/authz"

// protectedRoutes maps every authenticated route to its policy module and
// action. Routes missing here (health, OpenAPI, register, login) are public.
var protectedRoutes = []authz.Route{
	{Pattern: "GET /auth/me", Module: "auth", Action: "me"},

	{Pattern: "GET /chat/rooms/{room}/messages", Module: "chat", Action: "read"},
	{Pattern: "POST /chat/rooms/{room}/messages", Module: "chat", Action: "write"},
	{Pattern: "GET /chat/rooms/{room}/ws", Module: "chat", Action: "read"},

	{Pattern: "POST /content", Module: "content", Action: "write"},
	{Pattern: "GET /content", Module: "content", Action: "read"},
	{Pattern: "GET /content/{id}", Module: "content", Action: "read"},
	{Pattern: "POST /content/{id}/review", Module: "content", Action: "review"},

	{Pattern: "POST /social/follow/{user}", Module: "social", Action: "follow"},
	{Pattern: "DELETE /social/follow/{user}", Module: "social", Action: "follow"},
	{Pattern: "GET /social/following", Module: "social", Action: "read"},
	{Pattern: "GET /social/feed", Module: "social", Action: "read"},

	{Pattern: "POST /files", Module: "files", Action: "upload"},
	{Pattern: "GET /files/{name}", Module: "files", Action: "read"},

	{Pattern: "GET /compliance/decisions", Module: "compliance", Action: "read"},

	{Pattern: "POST /incidents", Module: "incident", Action: "report"},
	{Pattern: "GET /incidents", Module: "incident", Action: "read"},
	{Pattern: "GET /incidents/{id}", Module: "incident", Action: "read"},

	{Pattern: "GET /guardian/status", Module: "guardian", Action: "read"},
	{Pattern: "POST /guardian/metrics", Module: "guardian", Action: "record"},
}

// NewRouteTable returns the authorization table for the API.
func NewRouteTable() *authz.RouteTable {
	return authz.NewRouteTable(protectedRoutes...)
}
