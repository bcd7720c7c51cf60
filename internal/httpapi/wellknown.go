package httpapi

import "net/http"

// handleAuthServerMetadata serves the RFC 8414 authorization server
// metadata document.
func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := s.deps.Config.PublicURL
	s.writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/oauth/authorize",
		"token_endpoint":                        base + "/oauth/token",
		"registration_endpoint":                 base + "/oauth/register",
		"revocation_endpoint":                   base + "/oauth/revoke",
		"introspection_endpoint":                base + "/oauth/introspect",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"client_id_metadata_document_supported": true,
		"scopes_supported":                      []string{"mcp:tools", "mcp:resources", "mcp:prompts"},
	})
}

// handleProtectedResourceMetadata serves the RFC 9728 protected
// resource document for the /mcp endpoint.
func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := s.deps.Config.PublicURL
	s.writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 base + "/mcp",
		"resource_name":            serverName,
		"authorization_servers":    []string{base},
		"bearer_methods_supported": []string{"header"},
		"scopes_supported":         []string{"mcp:tools", "mcp:resources", "mcp:prompts"},
	})
}
