package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type launchContextKey struct{}

// launchInfo is what RequireLaunch and the launch handler put in the request context.
type launchInfo struct {
	launch   *Launch
	platform *Platform
	ltik     string
}

// LaunchFromContext returns the launch and platform of the current request.
func LaunchFromContext(ctx context.Context) (*Launch, *Platform, bool) {
	info, ok := ctx.Value(launchContextKey{}).(*launchInfo)
	if !ok || info == nil {
		return nil, nil, false
	}
	return info.launch, info.platform, true
}

// LtikFromContext returns the ltik of the current launch, or "" when the
// request was authenticated by the session cookie.
func LtikFromContext(ctx context.Context) string {
	if info, ok := ctx.Value(launchContextKey{}).(*launchInfo); ok && info != nil {
		return info.ltik
	}
	return ""
}

func (p *Provider) handleLaunch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, plat, state, err := p.validateLaunch(r)
	if err == nil {
		var info *launchInfo
		info, err = p.recordLaunch(ctx, token, plat)
		if err == nil {
			p.metrics.launches.WithLabelValues("ok").Inc()
			http.SetCookie(w, &http.Cookie{Name: stateCookiePrefix + state, Path: "/", MaxAge: -1})
			p.rememberLaunch(w, r, info.launch.ID)
			p.log.Info("lti launch",
				zap.String("iss", plat.URL), zap.String("client_id", plat.ClientID),
				zap.String("deployment_id", token.DeploymentID), zap.String("message_type", token.MessageType),
				zap.String("user", token.Subject), zap.String("launch_id", info.launch.ID))
			p.connect(w, r.WithContext(context.WithValue(ctx, launchContextKey{}, info)), token)
			return
		}
	}
	p.metrics.launches.WithLabelValues("error").Inc()
	p.log.Info("launch rejected", zap.Error(err))
	renderError(w, p.log, httpStatus(err), err.Error())
}

func (p *Provider) handleReentry(w http.ResponseWriter, r *http.Request) {
	launch, _, _ := LaunchFromContext(r.Context())
	p.connect(w, r, launch.Token)
}

func (p *Provider) connect(w http.ResponseWriter, r *http.Request, token *IDToken) {
	if err := p.onConnect(token, w, r); err != nil {
		p.log.Error("connect callback failed", zap.Error(err))
		renderError(w, p.log, http.StatusInternalServerError, "launch could not be completed")
	}
}

// validateLaunch checks the launch form post against the stored login state and
// verifies its id_token. It returns the state so the caller can clear its cookie.
func (p *Provider) validateLaunch(r *http.Request) (*IDToken, *Platform, string, error) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrMissingParams, err)
	}
	if e := r.PostForm.Get("error"); e != "" {
		return nil, nil, "", fmt.Errorf("%w: platform returned %s: %s", ErrInvalidToken, e, r.PostForm.Get("error_description"))
	}
	raw, state := r.PostForm.Get("id_token"), r.PostForm.Get("state")
	if raw == "" || state == "" {
		return nil, nil, "", fmt.Errorf("%w: id_token and state are required", ErrMissingParams)
	}

	st, err := p.store.ConsumeState(ctx, state)
	if err != nil {
		return nil, nil, state, err
	}
	c, err := r.Cookie(stateCookiePrefix + state)
	switch {
	case err == nil && c.Value != st.Issuer:
		return nil, nil, state, fmt.Errorf("%w: state cookie does not match issuer", ErrInvalidState)
	case err != nil && !p.opts.DevMode:
		return nil, nil, state, fmt.Errorf("%w: state cookie missing", ErrInvalidState)
	}

	token, plat, err := p.verifyIDToken(ctx, raw, st)
	if err != nil {
		return nil, nil, state, err
	}
	return token, plat, state, nil
}

// verifyIDToken verifies signature, registered claims, nonce and LTI claims.
func (p *Provider) verifyIDToken(ctx context.Context, raw string, st *LoginState) (*IDToken, *Platform, error) {
	var unverified IDToken
	tok, _, err := jwt.NewParser().ParseUnverified(raw, &unverified)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if alg := tok.Method.Alg(); alg != jwt.SigningMethodRS256.Alg() {
		return nil, nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, alg)
	}
	kid, _ := tok.Header["kid"].(string)

	clientID, err := audienceClient(&unverified)
	if err != nil {
		return nil, nil, err
	}
	if unverified.Issuer != st.Issuer || clientID != st.ClientID {
		return nil, nil, fmt.Errorf("%w: id_token was not issued for this login", ErrInvalidState)
	}

	plat, err := p.store.GetPlatform(ctx, unverified.Issuer, clientID)
	if err != nil {
		return nil, nil, err
	}
	if !plat.Active {
		return nil, nil, ErrPlatformInactive
	}
	if plat.AuthConfig.Method == AuthMethodJWKSet && kid == "" {
		return nil, nil, fmt.Errorf("%w: token header missing kid", ErrInvalidToken)
	}

	var claims IDToken
	_, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return p.keys.Key(ctx, plat, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(plat.URL),
		jwt.WithAudience(plat.ClientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(claims.Audience) > 1 && claims.AuthorizedParty != plat.ClientID {
		return nil, nil, fmt.Errorf("%w: azp must be the client id when there are several audiences", ErrInvalidToken)
	}
	if maxAge := p.opts.TokenMaxAge; maxAge > 0 {
		if claims.IssuedAt == nil {
			return nil, nil, fmt.Errorf("%w: iat is required", ErrInvalidToken)
		}
		if age := time.Since(claims.IssuedAt.Time); age > maxAge {
			return nil, nil, fmt.Errorf("%w: token issued %s ago, max age is %s", ErrInvalidToken, age.Round(time.Second), maxAge)
		}
	}
	if claims.Nonce == "" || claims.Nonce != st.Nonce {
		return nil, nil, fmt.Errorf("%w: nonce does not match login", ErrInvalidToken)
	}
	if err := p.store.UseNonce(ctx, claims.Nonce, claims.ExpiresAt.Time); err != nil {
		return nil, nil, err
	}
	if err := validateLTIClaims(&claims); err != nil {
		return nil, nil, err
	}
	return &claims, plat, nil
}

// audienceClient picks the client id out of aud, using azp when aud has several entries.
func audienceClient(t *IDToken) (string, error) {
	switch len(t.Audience) {
	case 0:
		return "", fmt.Errorf("%w: missing aud", ErrInvalidToken)
	case 1:
		return t.Audience[0], nil
	}
	if t.AuthorizedParty == "" || !slices.Contains(t.Audience, t.AuthorizedParty) {
		return "", fmt.Errorf("%w: azp is required and must be one of aud", ErrInvalidToken)
	}
	return t.AuthorizedParty, nil
}

func validateLTIClaims(t *IDToken) error {
	missing := func(claim string) error {
		return fmt.Errorf("%w: missing or invalid %s", ErrInvalidToken, claim)
	}
	if t.Version != ltiVersion {
		return missing(claimVersion)
	}
	switch t.MessageType {
	case MessageResourceLink:
		if t.ResourceLink == nil || strings.TrimSpace(t.ResourceLink.ID) == "" {
			return missing(claimResourceLink)
		}
		if t.TargetLinkURI == "" {
			return missing(claimTargetLinkURI)
		}
	case MessageDeepLinking:
		if t.DeepLinking == nil || t.DeepLinking.ReturnURL == "" {
			return missing("deep_linking_settings")
		}
	case MessageSubmissionReview:
	default:
		return missing(claimMessageType)
	}
	if t.DeploymentID == "" {
		return missing(claimDeploymentID)
	}
	if t.Roles == nil {
		return missing(claimRoles)
	}
	return nil
}

// recordLaunch persists a validated launch and mints its ltik.
func (p *Provider) recordLaunch(ctx context.Context, token *IDToken, plat *Platform) (*launchInfo, error) {
	now := time.Now()
	launch := &Launch{
		ID:           uuid.NewString(),
		PlatformID:   plat.ID,
		DeploymentID: token.DeploymentID,
		UserID:       token.Subject,
		MessageType:  token.MessageType,
		Token:        token,
		ExpiresAt:    now.Add(launchTTL),
	}
	if token.Context != nil {
		launch.ContextID = token.Context.ID
	}
	if err := p.store.SaveLaunch(ctx, launch); err != nil {
		return nil, fmt.Errorf("save launch: %w", err)
	}
	if err := p.store.SaveDeployment(ctx, plat.ID, token.DeploymentID); err != nil {
		return nil, fmt.Errorf("save deployment: %w", err)
	}
	ltik, err := issueLtik(p.key, plat, launch, now)
	if err != nil {
		return nil, fmt.Errorf("issue ltik: %w", err)
	}
	return &launchInfo{launch: launch, platform: plat, ltik: ltik}, nil
}

// RequireLaunch authenticates a request by its ltik (query, form or bearer
// token) or, failing that, by the launch remembered in the session.
func (p *Provider) RequireLaunch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := p.resolveLaunch(r)
		if err != nil {
			p.log.Debug("request without a valid launch", zap.String("path", r.URL.Path), zap.Error(err))
			renderError(w, p.log, httpStatus(err), err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), launchContextKey{}, info)))
	})
}

func (p *Provider) resolveLaunch(r *http.Request) (*launchInfo, error) {
	ctx := r.Context()
	launchID := ""
	ltik := requestLtik(r)
	if ltik != "" {
		claims, err := parseLtik(p.key, ltik)
		if err != nil {
			return nil, err
		}
		launchID = claims.LaunchID
	} else {
		launchID = p.sessionLaunch(r)
	}
	if launchID == "" {
		return nil, fmt.Errorf("%w: no ltik or launch session", ErrInvalidLtik)
	}

	launch, err := p.store.GetLaunch(ctx, launchID)
	if err != nil {
		return nil, err
	}
	plat, err := p.store.GetPlatformByID(ctx, launch.PlatformID)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return nil, ErrLaunchNotFound
		}
		return nil, err
	}
	if !plat.Active {
		return nil, ErrPlatformInactive
	}
	return &launchInfo{launch: launch, platform: plat, ltik: ltik}, nil
}

func requestLtik(r *http.Request) string {
	if v := r.URL.Query().Get("ltik"); v != "" {
		return v
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("ltik")
	}
	return ""
}

func (p *Provider) handleKeyset(w http.ResponseWriter, r *http.Request) {
	set, err := p.store.KeySet(r.Context())
	if err != nil {
		p.log.Error("building keyset failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, set)
}
