package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/unrolled/secure"
	"go.uber.org/zap"
)

const maxRegistrationBody = 1 << 20

var defaultRegistrationClaims = []string{"iss", "sub", "name", "given_name", "family_name", "email"}

// openIDConfiguration is the subset of the platform's OpenID configuration
// that registration needs.
type openIDConfiguration struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	RegistrationEndpoint  string   `json:"registration_endpoint"`
	AuthorizationServer   string   `json:"authorization_server,omitempty"`
	ScopesSupported       []string `json:"scopes_supported"`
	ClaimsSupported       []string `json:"claims_supported"`
	Platform              struct {
		ProductFamilyCode string `json:"product_family_code"`
		Version           string `json:"version"`
	} `json:"https://purl.imsglobal.org/spec/lti-platform-configuration"`
}

type toolMessage struct {
	Type          string `json:"type"`
	TargetLinkURI string `json:"target_link_uri,omitempty"`
	Label         string `json:"label,omitempty"`
}

type toolConfiguration struct {
	Domain           string            `json:"domain"`
	Description      string            `json:"description,omitempty"`
	TargetLinkURI    string            `json:"target_link_uri"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	Claims           []string          `json:"claims"`
	Messages         []toolMessage     `json:"messages"`
}

type clientRegistration struct {
	ApplicationType         string            `json:"application_type"`
	ResponseTypes           []string          `json:"response_types"`
	GrantTypes              []string          `json:"grant_types"`
	InitiateLoginURI        string            `json:"initiate_login_uri"`
	RedirectURIs            []string          `json:"redirect_uris"`
	ClientName              string            `json:"client_name"`
	JWKSURI                 string            `json:"jwks_uri"`
	LogoURI                 string            `json:"logo_uri,omitempty"`
	TokenEndpointAuthMethod string            `json:"token_endpoint_auth_method"`
	Scope                   string            `json:"scope"`
	ToolConfiguration       toolConfiguration `json:"https://purl.imsglobal.org/spec/lti-tool-configuration"`
}

type registrationResponse struct {
	ClientID          string `json:"client_id"`
	ToolConfiguration struct {
		DeploymentID string `json:"deployment_id"`
	} `json:"https://purl.imsglobal.org/spec/lti-tool-configuration"`
}

type registerCompleteData struct {
	ToolName     string
	PlatformName string
	Active       bool
	Nonce        string
}

func (p *Provider) handleDynamicRegistration(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	configURL := q.Get("openid_configuration")
	if configURL == "" {
		p.metrics.registrations.WithLabelValues("error").Inc()
		renderError(w, p.log, http.StatusBadRequest, fmt.Errorf("%w: openid_configuration", ErrMissingParams).Error())
		return
	}

	plat, err := p.DynamicRegistration(r.Context(), configURL, q.Get("registration_token"))
	p.metrics.registrations.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		p.log.Warn("dynamic registration failed", zap.String("openid_configuration", configURL), zap.Error(err))
		renderError(w, p.log, httpStatus(err), err.Error())
		return
	}

	executeTemplate(w, p.log, http.StatusOK, "register_complete.html", registerCompleteData{
		ToolName:     p.opts.DynReg.Name,
		PlatformName: plat.Name,
		Active:       plat.Active,
		Nonce:        secure.CSPNonce(r.Context()),
	})
}

// DynamicRegistration registers the tool with the platform that published
// configURL and stores the resulting registration.
func (p *Provider) DynamicRegistration(ctx context.Context, configURL, registrationToken string) (*Platform, error) {
	cfg, err := p.fetchOpenIDConfiguration(ctx, configURL)
	if err != nil {
		return nil, err
	}

	reg, err := p.toolRegistration(cfg)
	if err != nil {
		return nil, err
	}
	resp, err := p.postRegistration(ctx, cfg.RegistrationEndpoint, registrationToken, reg)
	if err != nil {
		return nil, err
	}

	name := cfg.Platform.ProductFamilyCode
	if name == "" {
		name = cfg.Issuer
	}
	plat, err := p.RegisterPlatform(ctx, PlatformConfig{
		URL:                    cfg.Issuer,
		Name:                   name,
		ClientID:               resp.ClientID,
		AuthenticationEndpoint: cfg.AuthorizationEndpoint,
		AccessTokenEndpoint:    cfg.TokenEndpoint,
		AuthorizationServer:    cfg.AuthorizationServer,
		AuthConfig:             AuthConfig{Method: AuthMethodJWKSet, Key: cfg.JWKSURI},
		Inactive:               !p.opts.DynReg.AutoActivate,
	})
	if err != nil {
		return nil, err
	}
	if id := resp.ToolConfiguration.DeploymentID; id != "" {
		if err := p.store.SaveDeployment(ctx, plat.ID, id); err != nil {
			return nil, fmt.Errorf("save deployment: %w", err)
		}
	}
	p.log.Info("dynamic registration complete",
		zap.String("iss", plat.URL), zap.String("client_id", plat.ClientID), zap.Bool("active", plat.Active))
	return plat, nil
}

func (p *Provider) fetchOpenIDConfiguration(ctx context.Context, configURL string) (*openIDConfiguration, error) {
	cu, err := url.Parse(configURL)
	if err != nil || cu.Host == "" {
		return nil, fmt.Errorf("%w: invalid openid_configuration %q", ErrMissingParams, configURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, configURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch openid configuration: %v", ErrRegistration, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch openid configuration: %s", ErrRegistration, resp.Status)
	}
	var cfg openIDConfiguration
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRegistrationBody)).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode openid configuration: %v", ErrRegistration, err)
	}

	var missing []string
	for name, v := range map[string]string{
		"issuer":                 cfg.Issuer,
		"authorization_endpoint": cfg.AuthorizationEndpoint,
		"token_endpoint":         cfg.TokenEndpoint,
		"jwks_uri":               cfg.JWKSURI,
		"registration_endpoint":  cfg.RegistrationEndpoint,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: openid configuration lacks %s", ErrRegistration, strings.Join(missing, ", "))
	}
	iu, err := url.Parse(cfg.Issuer)
	if err != nil || iu.Hostname() != cu.Hostname() {
		return nil, fmt.Errorf("%w: issuer %q does not match configuration host %q", ErrRegistration, cfg.Issuer, cu.Hostname())
	}
	return &cfg, nil
}

func (p *Provider) toolRegistration(cfg *openIDConfiguration) (*clientRegistration, error) {
	dr := p.opts.DynReg
	base, err := url.Parse(dr.URL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: tool url %q is not absolute", ErrRegistration, dr.URL)
	}
	abs := func(route string) string {
		return base.JoinPath(route).String()
	}

	var scopes []string
	for _, s := range []string{scopeNRPSMembership, scopeAGSLineItem, scopeAGSResultRead, scopeAGSScore} {
		if slices.Contains(cfg.ScopesSupported, s) {
			scopes = append(scopes, s)
		}
	}
	claims := cfg.ClaimsSupported
	if len(claims) == 0 {
		claims = defaultRegistrationClaims
	}
	launchURL := abs(p.opts.AppRoute)

	return &clientRegistration{
		ApplicationType:         "web",
		ResponseTypes:           []string{"id_token"},
		GrantTypes:              []string{"implicit", "client_credentials"},
		InitiateLoginURI:        abs(p.opts.LoginRoute),
		RedirectURIs:            []string{launchURL},
		ClientName:              dr.Name,
		JWKSURI:                 abs(p.opts.KeysetRoute),
		LogoURI:                 dr.Logo,
		TokenEndpointAuthMethod: "private_key_jwt",
		Scope:                   strings.Join(scopes, " "),
		ToolConfiguration: toolConfiguration{
			Domain:           base.Host,
			Description:      dr.Description,
			TargetLinkURI:    launchURL,
			CustomParameters: dr.CustomParameters,
			Claims:           claims,
			Messages: []toolMessage{
				{Type: MessageResourceLink, TargetLinkURI: launchURL},
				{Type: MessageDeepLinking, TargetLinkURI: launchURL, Label: dr.Name},
			},
		},
	}, nil
}

func (p *Provider) postRegistration(ctx context.Context, endpoint, token string, reg *clientRegistration) (*registrationResponse, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: platform answered %s: %s", ErrRegistration, resp.Status, strings.TrimSpace(string(msg)))
	}
	var out registrationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRegistrationBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode registration response: %v", ErrRegistration, err)
	}
	if out.ClientID == "" {
		return nil, fmt.Errorf("%w: registration response has no client_id", ErrRegistration)
	}
	return &out, nil
}
