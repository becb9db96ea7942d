// Package proxy implements the credential proxy: it resolves OAuth
// application config, fetches and validates stored credentials, injects the
// Authorization header, forwards the request downstream, and recovers from
// expiry and 401 responses with a single mutex-serialized forced refresh.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"connectors-gateway/internal/circuitbreaker"
	commonhttp "connectors-gateway/internal/common/http"
	"connectors-gateway/internal/common/logging"
	"connectors-gateway/internal/crypto"
	"connectors-gateway/internal/locks"
	"connectors-gateway/internal/oauth"
	"connectors-gateway/internal/oauthconfig"
	"connectors-gateway/internal/scheduler"
	"connectors-gateway/internal/vault"
)

// allowedTokenTypes is the whitelist of Authorization schemes the proxy
// will inject, keyed by lower-cased token type. Anything else is rejected
// before a single byte goes on the wire; the token type comes from stored
// provider responses and must never be able to smuggle header content.
var allowedTokenTypes = map[string]string{
	"bearer": "Bearer",
	"mac":    "MAC",
}

// Config holds proxy construction settings.
type Config struct {
	// BaseURL is the downstream integration backend, e.g. "http://mcp:3000"
	BaseURL string
	// DownstreamTimeout bounds proxied calls (default 30s)
	DownstreamTimeout time.Duration
	// TokenTimeout bounds token-endpoint calls (default 10s)
	TokenTimeout time.Duration
	// Scheduler tunes the embedded refresh scheduler
	Scheduler scheduler.Config
}

// OAuthProxy orchestrates outbound calls on behalf of (tenant, integration)
// pairs. Each instance owns its scheduler and mutex registry.
type OAuthProxy struct {
	store       *vault.Client
	tenantStore *oauthconfig.TenantConfigStore
	static      *oauthconfig.StaticProvider
	providers   *oauthconfig.Chain
	scheduler   *scheduler.Scheduler
	locks       *locks.Registry
	breaker     *circuitbreaker.Breaker
	downstream  *http.Client
	tokenClient *http.Client
	baseURL     string
	logger      logging.Logger

	subscription *scheduler.Subscription
}

// New creates a proxy wired to the given secret store and tenant config
// store. Call Start to arm proactive refresh and Close on shutdown.
func New(store *vault.Client, tenantStore *oauthconfig.TenantConfigStore, encryptor *crypto.ConfigEncryptor, cfg Config, logger logging.Logger) (*OAuthProxy, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("downstream base URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("downstream base URL is invalid: %w", err)
	}
	if cfg.DownstreamTimeout <= 0 {
		cfg.DownstreamTimeout = 30 * time.Second
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	static := oauthconfig.NewStaticProvider(encryptor)
	registry := locks.NewRegistry()

	p := &OAuthProxy{
		store:       store,
		tenantStore: tenantStore,
		static:      static,
		providers:   oauthconfig.NewChain(static, tenantStore),
		locks:       registry,
		breaker:     circuitbreaker.New("oauth-token-endpoint", circuitbreaker.OAuthConfig, logger),
		downstream:  commonhttp.NewHTTPClientWithTimeout(cfg.DownstreamTimeout),
		tokenClient: commonhttp.NewHTTPClientWithTimeout(cfg.TokenTimeout),
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:      logger,
	}

	// The scheduler shares the proxy's mutex registry so proactive and
	// forced refreshes serialize on the same key.
	p.scheduler = scheduler.New(store, p.refreshTokens, registry, cfg.Scheduler, logger)
	p.subscription = p.scheduler.Subscribe(p.logRefreshEvent)

	return p, nil
}

// Start arms the proactive refresh scheduler.
func (p *OAuthProxy) Start() {
	p.scheduler.Start()
}

// Close detaches event subscriptions and stops the scheduler. Subscriptions
// close first so a recreated proxy never receives a stale callback.
func (p *OAuthProxy) Close() {
	p.subscription.Close()
	p.scheduler.Stop()
}

// Scheduler exposes the embedded scheduler for introspection.
func (p *OAuthProxy) Scheduler() *scheduler.Scheduler {
	return p.scheduler
}

func (p *OAuthProxy) logRefreshEvent(event scheduler.Event) {
	fields := []logging.Field{
		{Key: "event", Value: string(event.Type)},
		{Key: "tenant_id", Value: event.TenantID},
		{Key: "integration", Value: event.Integration},
	}
	switch event.Type {
	case scheduler.EventFailed:
		p.logger.Error("Refresh lifecycle event", event.Err, fields...)
	case scheduler.EventRetry:
		if event.Err != nil {
			fields = append(fields, logging.Err(event.Err))
		}
		p.logger.Warn("Refresh lifecycle event", fields...)
	default:
		p.logger.Debug("Refresh lifecycle event", fields...)
	}
}

// RegisterOAuthConfig adds a platform-wide OAuth client registration for an
// integration. Static registrations apply to all tenants and win over
// tenant-stored configs.
func (p *OAuthProxy) RegisterOAuthConfig(integration string, cfg oauth.ClientConfig) error {
	if err := p.static.Register(integration, cfg); err != nil {
		return err
	}
	p.logger.Info("Registered OAuth config", logging.Field{Key: "integration", Value: integration})
	return nil
}

// StoreInitialCredentials converts a raw token-exchange response into
// credentials, persists them, and schedules the first proactive refresh.
func (p *OAuthProxy) StoreInitialCredentials(ctx context.Context, tenantID, integration string, resp *oauth.TokenResponse) error {
	creds := oauth.CredentialsFromTokenResponse(integration, resp)
	if err := p.store.StoreCredentials(ctx, tenantID, integration, creds); err != nil {
		return err
	}
	p.scheduler.ScheduleRefresh(ctx, tenantID, integration, creds.ExpiresAt)
	return nil
}

// RevokeCredentials cancels any scheduled refresh, then deletes the stored
// credentials. Cancel runs first so the scheduler cannot fire against a
// record that is mid-deletion.
func (p *OAuthProxy) RevokeCredentials(ctx context.Context, tenantID, integration string) error {
	p.scheduler.CancelRefresh(tenantID, integration)
	if err := p.store.DeleteCredentials(ctx, tenantID, integration); err != nil {
		return err
	}
	p.logger.Info("Revoked credentials",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "integration", Value: integration},
	)
	return nil
}

// HealthCheck reports whether the secret store is reachable.
func (p *OAuthProxy) HealthCheck(ctx context.Context) bool {
	return p.store.HealthCheck(ctx)
}

// ProxyRequest performs one outbound call with credential injection. At
// most one forced refresh and one retry happen per request, whether the
// trigger is a locally detected expiry or a downstream 401.
func (p *OAuthProxy) ProxyRequest(ctx context.Context, req *oauth.ProxyRequest) (*oauth.ProxyResponse, error) {
	requestID := uuid.NewString()
	log := p.logger.WithFields(
		logging.Field{Key: "request_id", Value: requestID},
		logging.Field{Key: "tenant_id", Value: req.TenantID},
		logging.Field{Key: "integration", Value: req.Integration},
	)

	creds, err := p.store.GetCredentials(ctx, req.TenantID, req.Integration)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		if creds.IsExpired() {
			if attempt > 0 {
				return nil, oauth.NewTokenExpiredError("token expired after refresh", req.Integration, req.TenantID, creds.ExpiresAt, nil)
			}
			log.Info("Access token expired, forcing refresh")
			if err := p.forceRefresh(ctx, req.TenantID, req.Integration); err != nil {
				return nil, oauth.NewTokenExpiredError("token expired and refresh failed", req.Integration, req.TenantID, creds.ExpiresAt, err)
			}
			if creds, err = p.store.GetCredentials(ctx, req.TenantID, req.Integration); err != nil {
				return nil, err
			}
		}

		scheme, ok := allowedTokenTypes[strings.ToLower(creds.TokenType)]
		if !ok {
			return nil, oauth.NewOAuthError(
				fmt.Sprintf("invalid token type %q, allowed types are Bearer and MAC", creds.TokenType),
				req.Integration, req.TenantID, nil,
			)
		}

		resp, err := p.forward(ctx, req, requestID, scheme, creds.AccessToken)
		if err != nil {
			return nil, oauth.NewOAuthError("proxied request failed", req.Integration, req.TenantID, err)
		}

		switch {
		case resp.Status == http.StatusUnauthorized:
			if attempt > 0 {
				return nil, oauth.NewTokenExpiredError("request unauthorized after refresh", req.Integration, req.TenantID, creds.ExpiresAt, nil)
			}
			log.Info("Downstream returned 401, forcing refresh")
			if err := p.forceRefresh(ctx, req.TenantID, req.Integration); err != nil {
				return nil, oauth.NewTokenRefreshError("token refresh after 401 failed", req.Integration, req.TenantID, false, err)
			}
			if creds, err = p.store.GetCredentials(ctx, req.TenantID, req.Integration); err != nil {
				return nil, err
			}

		case resp.Status == http.StatusTooManyRequests:
			return nil, p.rateLimitError(req, resp)

		case resp.Status >= 400:
			return nil, oauth.NewOAuthError(
				fmt.Sprintf("downstream returned status %d", resp.Status),
				req.Integration, req.TenantID, nil,
			)

		default:
			return resp, nil
		}
	}

	// Unreachable: every second iteration returns.
	return nil, oauth.NewOAuthError("request retry budget exhausted", req.Integration, req.TenantID, nil)
}

// forward performs the downstream HTTP call with the Authorization header
// injected. Caller-supplied Authorization headers are dropped.
func (p *OAuthProxy) forward(ctx context.Context, req *oauth.ProxyRequest, requestID, scheme, accessToken string) (*oauth.ProxyResponse, error) {
	target := fmt.Sprintf("%s/integrations/%s%s", p.baseURL, req.Integration, req.Path)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	for key, value := range req.Headers {
		if strings.EqualFold(key, "Authorization") {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	httpReq.Header.Set("Authorization", scheme+" "+accessToken)
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := p.downstream.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return &oauth.ProxyResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Data:    data,
	}, nil
}

// rateLimitError builds a RateLimitError from provider rate-limit headers,
// falling back to a one-hour reset when the provider sends none.
func (p *OAuthProxy) rateLimitError(req *oauth.ProxyRequest, resp *oauth.ProxyResponse) *oauth.RateLimitError {
	resetTime := time.Now().Add(time.Hour).Unix()
	if raw := resp.Headers["X-Ratelimit-Reset"]; raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			resetTime = parsed
		}
	}
	remaining := 0
	if raw := resp.Headers["X-Ratelimit-Remaining"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			remaining = parsed
		}
	}
	return oauth.NewRateLimitError(
		fmt.Sprintf("rate limited by %s", req.Integration),
		req.Integration, req.TenantID, resetTime, remaining,
	)
}

// forceRefresh refreshes and persists credentials for the pair under its
// keyed mutex. Concurrent callers (including the scheduler) queue here, so
// a burst of 401s produces exactly one token-endpoint call.
func (p *OAuthProxy) forceRefresh(ctx context.Context, tenantID, integration string) error {
	return p.locks.RunExclusive(ctx, oauth.JobID(tenantID, integration), func() error {
		creds, err := p.store.GetCredentials(ctx, tenantID, integration)
		if err != nil {
			return err
		}

		resp, err := p.refreshTokens(ctx, tenantID, integration, creds)
		if err != nil {
			return err
		}

		newCreds := oauth.CredentialsFromTokenResponse(integration, resp)
		if newCreds.RefreshToken == "" {
			newCreds.RefreshToken = creds.RefreshToken
		}

		if err := p.store.StoreCredentials(ctx, tenantID, integration, newCreds); err != nil {
			return err
		}

		p.scheduler.ScheduleRefresh(ctx, tenantID, integration, newCreds.ExpiresAt)
		return nil
	})
}

// refreshTokens exchanges the refresh token at the provider's token
// endpoint. Client credentials go in the Basic Auth header per RFC 6749
// §2.3.1, never in the form body. The call runs inside the token-endpoint
// circuit breaker; this method is also the scheduler's refresh callback.
func (p *OAuthProxy) refreshTokens(ctx context.Context, tenantID, integration string, creds *oauth.Credentials) (*oauth.TokenResponse, error) {
	cfg, err := p.providers.Lookup(ctx, tenantID, integration)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, oauth.NewOAuthError("no OAuth config registered", integration, tenantID, nil)
	}
	if creds.RefreshToken == "" {
		return nil, oauth.NewTokenRefreshError("no refresh token available", integration, tenantID, false, nil)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)

	var tokenResp oauth.TokenResponse
	err = p.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)

		resp, err := p.tokenClient.Do(req)
		if err != nil {
			return oauth.NewTokenRefreshError("token endpoint unreachable", integration, tenantID, true, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return oauth.NewTokenRefreshError("failed to read token response", integration, tenantID, true, err)
		}

		if resp.StatusCode != http.StatusOK {
			// 4xx means the grant itself is bad (revoked or expired refresh
			// token); retrying will not help.
			retryable := resp.StatusCode >= 500
			return oauth.NewTokenRefreshError(
				fmt.Sprintf("token endpoint returned status %d", resp.StatusCode),
				integration, tenantID, retryable, nil,
			)
		}

		if err := json.Unmarshal(body, &tokenResp); err != nil {
			return oauth.NewTokenRefreshError("invalid token response", integration, tenantID, false, err)
		}
		if tokenResp.AccessToken == "" {
			return oauth.NewTokenRefreshError("token response missing access token", integration, tenantID, false, nil)
		}
		return nil
	})
	if err != nil {
		var refreshErr *oauth.TokenRefreshError
		if stderrors.As(err, &refreshErr) {
			return nil, err
		}
		return nil, oauth.NewTokenRefreshError("token refresh failed", integration, tenantID, true, err)
	}

	p.logger.Info("Refreshed tokens at provider",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "integration", Value: integration},
	)
	return &tokenResp, nil
}
