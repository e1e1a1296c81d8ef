package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"medshare.org/internal/audit"
	"medshare.org/internal/consent"
)

type createGrantRequest struct {
	PermissionType string `json:"permission_type"`
	TTLSeconds     int64  `json:"ttl_seconds,omitempty"`
}

const maxTTLSeconds = int64(consent.MaxTTL / time.Second)

type listGrantsResponse struct {
	Items []consent.Grant `json:"items"`
}

// handleShare routes everything under /share/:
//
//	POST /share/request/{ownerId}
//	POST /share/{grantId}/accept|deny|revoke
//	GET  /share/incoming, /share/outgoing, /share/events
func (a *API) handleShare(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/share/"), "/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && (parts[0] == "incoming" || parts[0] == "outgoing"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listGrants(w, r, parts[0])
	case len(parts) == 1 && parts[0] == "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.streamEvents(w, r)
	case len(parts) == 2 && parts[0] == "request" && parts[1] != "":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.createGrant(w, r, parts[1])
	case len(parts) == 2 && parts[0] != "":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		switch parts[1] {
		case "accept":
			a.decideGrant(w, r, parts[0], consent.DecisionAccept)
		case "deny":
			a.decideGrant(w, r, parts[0], consent.DecisionDeny)
		case "revoke":
			a.revokeGrant(w, r, parts[0])
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req createGrantRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pt, err := consent.ParsePermissionType(req.PermissionType)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	if req.TTLSeconds < 0 || req.TTLSeconds > maxTTLSeconds {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("ttl_seconds must be between 0 and %d", maxTTLSeconds))
		return
	}
	var opts []consent.RequestOption
	if req.TTLSeconds > 0 {
		opts = append(opts, consent.WithTTL(time.Duration(req.TTLSeconds)*time.Second))
	}

	grant, created, err := a.grants.RequestAccess(r.Context(), callerID(r), ownerID, pt, opts...)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	event := audit.EventGrantRequested
	if !created {
		event = audit.EventGrantRequestRepeated
	}
	_ = audit.LogEvent(r.Context(), event, grantFields(grant))
	w.Header().Set("Location", fmt.Sprintf("/share/%s", grant.ID))
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) decideGrant(w http.ResponseWriter, r *http.Request, grantID string, d consent.Decision) {
	grant, err := a.grants.Decide(r.Context(), callerID(r), grantID, d)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	event := audit.EventGrantAccepted
	if grant.Status == consent.StatusDenied {
		event = audit.EventGrantDenied
	}
	_ = audit.LogEvent(r.Context(), event, grantFields(grant))
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, grantID string) {
	grant, err := a.grants.Revoke(r.Context(), callerID(r), grantID)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventGrantRevoked, grantFields(grant))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "revoked",
		"grant_id": grant.ID,
	})
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request, direction string) {
	var status consent.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, err := consent.ParseStatus(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}

	var (
		items []consent.Grant
		err   error
	)
	if direction == "incoming" {
		items, err = a.grants.Incoming(r.Context(), callerID(r), status)
	} else {
		items, err = a.grants.Outgoing(r.Context(), callerID(r), status)
	}
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	if items == nil {
		items = []consent.Grant{}
	}
	writeJSON(w, http.StatusOK, listGrantsResponse{Items: items})
}

func grantFields(g consent.Grant) map[string]any {
	fields := map[string]any{
		"grant_id":        g.ID,
		"owner_id":        g.OwnerID,
		"requester_id":    g.RequesterID,
		"permission_type": string(g.PermissionType),
		"status":          string(g.Status),
	}
	if g.ExpiresAt != nil {
		fields["expires_at"] = g.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fields
}
