package app

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"connectors-gateway/internal/common/errors"
	"connectors-gateway/internal/oauth"
)

type contextKey string

const tenantKey contextKey = "tenant"

// Router builds the HTTP surface: liveness and readiness probes plus the
// API-key-protected collaborator endpoints.
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", a.handleHealth).Methods("GET")
	router.HandleFunc("/ready", a.handleReady).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(a.requireAPIKey)
	api.HandleFunc("/proxy", a.handleProxy).Methods("POST")
	api.HandleFunc("/credentials/{integration}", a.handleStoreCredentials).Methods("POST")
	api.HandleFunc("/credentials/{integration}", a.handleRevokeCredentials).Methods("DELETE")
	api.HandleFunc("/oauth-configs/{integration}", a.handleStoreOAuthConfig).Methods("POST")
	api.HandleFunc("/refresh-jobs", a.handleJobs).Methods("GET")

	return router
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.Proxy.HealthCheck(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "secret store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requireAPIKey authenticates callers by the SHA-256 hash of their API key
// and scopes the request to the key's tenant.
func (a *App) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing API key"})
			return
		}

		record := a.Vault.GetAPIKey(r.Context(), apiKey)
		if record == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}

		ctx := context.WithValue(r.Context(), tenantKey, record.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(r *http.Request) string {
	tenant, _ := r.Context().Value(tenantKey).(string)
	return tenant
}

func (a *App) handleProxy(w http.ResponseWriter, r *http.Request) {
	var req oauth.ProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.TenantID = tenantFrom(r)

	resp, err := a.Proxy.ProxyRequest(r.Context(), &req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleStoreCredentials(w http.ResponseWriter, r *http.Request) {
	integration := mux.Vars(r)["integration"]
	tenant := tenantFrom(r)

	var tokenResp oauth.TokenResponse
	if err := json.NewDecoder(r.Body).Decode(&tokenResp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if tokenResp.AccessToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "access_token is required"})
		return
	}

	if err := a.Proxy.StoreInitialCredentials(r.Context(), tenant, integration, &tokenResp); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (a *App) handleRevokeCredentials(w http.ResponseWriter, r *http.Request) {
	integration := mux.Vars(r)["integration"]
	if err := a.Proxy.RevokeCredentials(r.Context(), tenantFrom(r), integration); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (a *App) handleStoreOAuthConfig(w http.ResponseWriter, r *http.Request) {
	integration := mux.Vars(r)["integration"]
	tenant := tenantFrom(r)

	var cfg oauth.TenantOAuthConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := a.TenantConfigs.Store(r.Context(), tenant, integration, &cfg, "api"); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (a *App) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Proxy.Scheduler().Jobs())
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func (a *App) writeError(w http.ResponseWriter, err error) {
	var (
		credNotFound  *oauth.CredentialNotFoundError
		confNotFound  *oauth.ConfigNotFoundError
		rateLimited   *oauth.RateLimitError
		tokenExpired  *oauth.TokenExpiredError
		refreshFailed *oauth.TokenRefreshError
		storeFailed   *oauth.SecretStoreError
	)

	switch {
	case stderrors.As(err, &credNotFound), stderrors.As(err, &confNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case stderrors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(rateLimited.WaitTime().Seconds()), 10))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case stderrors.As(err, &tokenExpired), stderrors.As(err, &refreshFailed):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.IsType(err, errors.ErrTypeValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case stderrors.As(err, &storeFailed):
		a.logger.Error("Secret store failure", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "secret store unavailable"})
	default:
		a.logger.Error("Unhandled request error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
