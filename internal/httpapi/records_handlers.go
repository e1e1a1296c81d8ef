package httpapi

import (
	"net/http"
	"strings"
)

type accessResponse struct {
	OwnerID string `json:"owner_id"`
	View    bool   `json:"view"`
	Edit    bool   `json:"edit"`
}

// handleRecords serves GET /records/{ownerId}/access: what the caller may do
// with ownerId's records right now.
func (a *API) handleRecords(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/records/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "access" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	ownerID, caller := parts[0], callerID(r)
	view, err := a.decisions.CanAccessUserRecords(r.Context(), caller, ownerID)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	edit, err := a.decisions.CanModifyUserRecords(r.Context(), caller, ownerID)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accessResponse{OwnerID: ownerID, View: view, Edit: edit})
}
