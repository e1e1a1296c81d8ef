// Command smoke-consent drives a provider EDIT grant through request, accept
// and revoke against a running API and checks the access answers in between.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type client struct {
	base string
	http *http.Client
}

type session struct {
	token string
	id    string
}

type access struct {
	View bool `json:"view"`
	Edit bool `json:"edit"`
}

func main() {
	log.SetFlags(0)
	c := client{base: envOr("MEDSHARE_API_URL", "http://localhost:8080"), http: &http.Client{Timeout: 5 * time.Second}}
	password := os.Getenv("MEDSHARE_SMOKE_PASSWORD")
	if password == "" {
		log.Fatal("MEDSHARE_SMOKE_PASSWORD is required")
	}

	provider := c.login(envOr("MEDSHARE_SMOKE_PROVIDER", "provider@example.com"), password)
	patient := c.login(envOr("MEDSHARE_SMOKE_PATIENT", "patient@example.com"), password)

	var grant struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	c.call(provider, http.MethodPost, "/share/request/"+patient.id, map[string]any{"permission_type": "EDIT"}, http.StatusCreated, &grant)
	if grant.Status != "PENDING" {
		log.Fatalf("expected PENDING grant, got %s", grant.Status)
	}
	c.expectAccess(provider, patient.id, access{})

	c.call(patient, http.MethodPost, "/share/"+grant.ID+"/accept", nil, http.StatusOK, &grant)
	c.expectAccess(provider, patient.id, access{View: true, Edit: true})

	c.call(provider, http.MethodPost, "/share/"+grant.ID+"/revoke", nil, http.StatusForbidden, nil)
	c.call(patient, http.MethodPost, "/share/"+grant.ID+"/revoke", nil, http.StatusOK, nil)
	c.expectAccess(provider, patient.id, access{})

	fmt.Printf("consent smoke test passed: grant=%s\n", grant.ID)
}

func (c client) login(email, password string) session {
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	c.call(session{}, http.MethodPost, "/auth/login", map[string]string{"email": email, "password": password}, http.StatusOK, &tokens)

	// The subject is only read for addressing requests; the server verifies the token.
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokens.AccessToken, &claims); err != nil {
		log.Fatalf("parse access token for %s: %v", email, err)
	}
	return session{token: tokens.AccessToken, id: claims.Subject}
}

func (c client) expectAccess(s session, ownerID string, want access) {
	var got access
	c.call(s, http.MethodGet, "/records/"+ownerID+"/access", nil, http.StatusOK, &got)
	if got != want {
		log.Fatalf("access to %s: got %+v, want %+v", ownerID, got, want)
	}
}

func (c client) call(s session, method, path string, body any, wantStatus int, out any) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s: %v", path, err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, payload)
	if err != nil {
		log.Fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
