package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// managedHandler serves a management endpoint for a signed-in user
type managedHandler func(w http.ResponseWriter, r *http.Request, user *server.User)

// managed applies the per-IP rate limit and requires a signed-in user
func (h *Handler) managed(fn managedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := security.ClientIPFromContext(r.Context())
		if ip == "" {
			ip = h.server.ClientIP(r)
		}
		if !h.ipLimiter.Allow(ip) {
			e := server.ErrRateLimitExceeded("too many requests")
			e.RetryAfter = 1
			h.server.Auditor.LogRateLimitExceeded(r.Context(), "management", "", ip)
			h.writeError(w, e)
			return
		}

		user, e := h.currentUser(r)
		if e != nil {
			h.writeError(w, e)
			return
		}
		if user == nil {
			e := server.ErrAccessDenied("authentication required")
			e.Status = http.StatusUnauthorized
			h.writeError(w, e)
			return
		}
		fn(w, r, user)
	}
}

func errClientNotFound() *server.Error {
	e := server.ErrInvalidRequest("client not found")
	e.Status = http.StatusNotFound
	return e
}

// ownedClient loads a client the user may manage. Clients of other owners
// are reported as missing.
func (h *Handler) ownedClient(ctx context.Context, user *server.User, clientID string) (*storage.Client, *server.Error) {
	client, err := h.server.Clients.Lookup(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return nil, errClientNotFound()
	}
	if err != nil {
		return nil, server.AsError(err)
	}
	if !user.IsAdmin() && client.OwnerUserID != user.ID {
		return nil, errClientNotFound()
	}
	return client, nil
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) *server.Error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return server.ErrInvalidRequest("invalid JSON body")
	}
	return nil
}

func (h *Handler) createClient(w http.ResponseWriter, r *http.Request, user *server.User) {
	var req ClientRequest
	if e := h.decodeJSON(w, r, &req); e != nil {
		h.writeError(w, e)
		return
	}
	if req.ClientID != "" && !user.IsAdmin() {
		h.writeError(w, server.ErrAccessDenied("only administrators may choose a client_id"))
		return
	}

	spec := server.ClientSpec{
		ClientID:      req.ClientID,
		Type:          server.ClientType(req.ClientType),
		RedirectURIs:  req.RedirectURIs,
		AllowedScopes: req.AllowedScopes,
		OwnerUserID:   user.ID,
	}
	if req.ClientName != nil {
		spec.Name = *req.ClientName
	}

	client, secret, err := h.server.Clients.Register(r.Context(), spec)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	h.writeJSON(w, http.StatusCreated, newClientResponse(client, secret))
}

// listClients returns the caller's clients. Administrators see every
// client, optionally filtered with ?owner=.
func (h *Handler) listClients(w http.ResponseWriter, r *http.Request, user *server.User) {
	owner := user.ID
	if user.IsAdmin() {
		owner = r.URL.Query().Get("owner")
	}

	clients, err := h.server.Clients.List(r.Context(), owner)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	out := make([]ClientResponse, 0, len(clients))
	for _, c := range clients {
		out = append(out, newClientResponse(c, ""))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getClient(w http.ResponseWriter, r *http.Request, user *server.User) {
	client, e := h.ownedClient(r.Context(), user, r.PathValue("id"))
	if e != nil {
		h.writeError(w, e)
		return
	}
	h.writeJSON(w, http.StatusOK, newClientResponse(client, ""))
}

func (h *Handler) updateClient(w http.ResponseWriter, r *http.Request, user *server.User) {
	client, e := h.ownedClient(r.Context(), user, r.PathValue("id"))
	if e != nil {
		h.writeError(w, e)
		return
	}

	var req ClientRequest
	if e := h.decodeJSON(w, r, &req); e != nil {
		h.writeError(w, e)
		return
	}
	if req.ClientID != "" && req.ClientID != client.ClientID {
		h.writeError(w, server.ErrInvalidRequest("client_id cannot be changed"))
		return
	}
	if req.ClientType != "" && req.ClientType != client.ClientType {
		h.writeError(w, server.ErrInvalidRequest("client_type cannot be changed"))
		return
	}

	updated, err := h.server.Clients.Update(r.Context(), client.ClientID, server.ClientPatch{
		Name:          req.ClientName,
		RedirectURIs:  req.RedirectURIs,
		AllowedScopes: req.AllowedScopes,
	})
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, newClientResponse(updated, ""))
}

// deleteClient deactivates the client. Records are kept for the audit trail.
func (h *Handler) deleteClient(w http.ResponseWriter, r *http.Request, user *server.User) {
	if !h.setClientActive(w, r, user, false) {
		return
	}
	security.SetSecurityHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deactivateClient(w http.ResponseWriter, r *http.Request, user *server.User) {
	if h.setClientActive(w, r, user, false) {
		h.getClient(w, r, user)
	}
}

func (h *Handler) reactivateClient(w http.ResponseWriter, r *http.Request, user *server.User) {
	if h.setClientActive(w, r, user, true) {
		h.getClient(w, r, user)
	}
}

func (h *Handler) setClientActive(w http.ResponseWriter, r *http.Request, user *server.User, active bool) bool {
	client, e := h.ownedClient(r.Context(), user, r.PathValue("id"))
	if e != nil {
		h.writeError(w, e)
		return false
	}

	var err error
	if active {
		err = h.server.Clients.Reactivate(r.Context(), client.ClientID)
	} else {
		err = h.server.Clients.Deactivate(r.Context(), client.ClientID)
	}
	if err != nil {
		h.writeError(w, server.AsError(err))
		return false
	}
	return true
}

func (h *Handler) regenerateSecret(w http.ResponseWriter, r *http.Request, user *server.User) {
	client, e := h.ownedClient(r.Context(), user, r.PathValue("id"))
	if e != nil {
		h.writeError(w, e)
		return
	}

	secret, err := h.server.Clients.RegenerateSecret(r.Context(), client.ClientID)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	client, e = h.ownedClient(r.Context(), user, client.ClientID)
	if e != nil {
		h.writeError(w, e)
		return
	}
	h.writeJSON(w, http.StatusOK, newClientResponse(client, secret))
}

// listConsents returns the signed-in user's active consents
func (h *Handler) listConsents(w http.ResponseWriter, r *http.Request, user *server.User) {
	consents, err := h.server.Consents.ListForUser(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	out := make([]ConsentResponse, 0, len(consents))
	for _, c := range consents {
		out = append(out, ConsentResponse{
			ClientID:      c.ClientID,
			GrantedScopes: c.GrantedScopes,
			GrantedAt:     c.GrantedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// revokeConsent withdraws the user's consent for a client along with the
// refresh tokens issued under it
func (h *Handler) revokeConsent(w http.ResponseWriter, r *http.Request, user *server.User) {
	clientID := r.PathValue("client_id")
	if err := h.server.Guard.Input.ValidateClientID(r.Context(), clientID); err != nil {
		h.writeError(w, server.ErrInvalidRequest("client_id is malformed"))
		return
	}
	if err := h.server.Consents.Revoke(r.Context(), user.ID, clientID); err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	security.SetSecurityHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
