package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const stateCookiePrefix = "state"

// loginRequest is a third-party initiated login from a platform.
type loginRequest struct {
	Issuer         string
	LoginHint      string
	TargetLinkURI  string
	LTIMessageHint string
	ClientID       string
	DeploymentID   string
}

func parseLoginRequest(r *http.Request) (loginRequest, error) {
	// GET carries the parameters in the query, POST in the form; r.Form holds both.
	if err := r.ParseForm(); err != nil {
		return loginRequest{}, fmt.Errorf("%w: %v", ErrMissingParams, err)
	}
	req := loginRequest{
		Issuer:         r.Form.Get("iss"),
		LoginHint:      r.Form.Get("login_hint"),
		TargetLinkURI:  r.Form.Get("target_link_uri"),
		LTIMessageHint: r.Form.Get("lti_message_hint"),
		ClientID:       r.Form.Get("client_id"),
		DeploymentID:   r.Form.Get("lti_deployment_id"),
	}
	var missing []string
	if req.Issuer == "" {
		missing = append(missing, "iss")
	}
	if req.LoginHint == "" {
		missing = append(missing, "login_hint")
	}
	if req.TargetLinkURI == "" {
		missing = append(missing, "target_link_uri")
	}
	if len(missing) > 0 {
		return req, fmt.Errorf("%w: %v", ErrMissingParams, missing)
	}
	return req, nil
}

func (p *Provider) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := parseLoginRequest(r)
	if err != nil {
		p.metrics.logins.WithLabelValues(resultLabel(err)).Inc()
		renderError(w, p.log, httpStatus(err), err.Error())
		return
	}

	redirect, state, err := p.beginLogin(r.Context(), req)
	p.metrics.logins.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		p.log.Info("login rejected", zap.String("iss", req.Issuer), zap.String("client_id", req.ClientID), zap.Error(err))
		renderError(w, p.log, httpStatus(err), err.Error())
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookiePrefix + state,
		Value:    req.Issuer,
		Path:     "/",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   p.opts.Cookies.Secure,
		SameSite: p.opts.Cookies.sameSite(),
	})
	p.log.Debug("redirecting login to platform", zap.String("iss", req.Issuer), zap.String("client_id", req.ClientID))
	http.Redirect(w, r, redirect, http.StatusFound)
}

// beginLogin resolves the platform, stores a fresh state and nonce and builds
// the OIDC authentication request URL.
func (p *Provider) beginLogin(ctx context.Context, req loginRequest) (string, string, error) {
	plat, err := p.loginPlatform(ctx, req.Issuer, req.ClientID)
	if err != nil {
		return "", "", err
	}
	if !plat.Active {
		return "", "", ErrPlatformInactive
	}

	state, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	nonce, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	err = p.store.SaveState(ctx, LoginState{
		State:         state,
		Issuer:        plat.URL,
		ClientID:      plat.ClientID,
		TargetLinkURI: req.TargetLinkURI,
		Nonce:         nonce,
		ExpiresAt:     time.Now().Add(stateTTL),
	})
	if err != nil {
		return "", "", fmt.Errorf("save state: %w", err)
	}

	u, err := url.Parse(plat.AuthenticationEndpoint)
	if err != nil {
		return "", "", fmt.Errorf("platform authentication endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("id_token_signed_response_alg", "RS256")
	q.Set("scope", "openid")
	q.Set("client_id", plat.ClientID)
	q.Set("redirect_uri", req.TargetLinkURI)
	q.Set("login_hint", req.LoginHint)
	q.Set("nonce", nonce)
	q.Set("prompt", "none")
	q.Set("state", state)
	if req.LTIMessageHint != "" {
		q.Set("lti_message_hint", req.LTIMessageHint)
	}
	if req.DeploymentID != "" {
		q.Set("lti_deployment_id", req.DeploymentID)
	}
	u.RawQuery = q.Encode()
	return u.String(), state, nil
}

// loginPlatform finds the registration for iss. Without a client id the issuer
// must be registered exactly once.
func (p *Provider) loginPlatform(ctx context.Context, iss, clientID string) (*Platform, error) {
	if clientID != "" {
		return p.store.GetPlatform(ctx, iss, clientID)
	}
	plats, err := p.store.PlatformsByURL(ctx, iss)
	if err != nil {
		return nil, err
	}
	switch len(plats) {
	case 0:
		return nil, ErrPlatformNotFound
	case 1:
		return plats[0], nil
	default:
		return nil, fmt.Errorf("%w: client_id is required, %s has %d registrations", ErrMissingParams, iss, len(plats))
	}
}
