package main

import (
	"io"
	"net/http"

	"go.uber.org/zap"
)

const connectPage = "<a href='/members'>Members</a> | <a href='/info'>Info</a>"

// appHandlers are the tool's own pages, served behind RequireLaunch.
type appHandlers struct {
	provider *Provider
	log      *zap.Logger
}

func (a *appHandlers) onConnect(token *IDToken, w http.ResponseWriter, r *http.Request) error {
	a.log.Debug("launch connected",
		zap.String("sub", token.Subject), zap.String("iss", token.Issuer),
		zap.Strings("roles", token.Roles), zap.String("message_type", token.MessageType))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := io.WriteString(w, connectPage)
	return err
}

type infoResponse struct {
	Name     string         `json:"name,omitempty"`
	Email    string         `json:"email,omitempty"`
	Roles    []string       `json:"roles"`
	Context  *LaunchContext `json:"context,omitempty"`
	Platform *ToolPlatform  `json:"platform,omitempty"`
}

func (a *appHandlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	launch, _, _ := LaunchFromContext(r.Context())
	t := launch.Token
	writeJSON(w, http.StatusOK, infoResponse{
		Name:     t.Name,
		Email:    t.Email,
		Roles:    t.Roles,
		Context:  t.Context,
		Platform: t.ToolPlatform,
	})
}

func (a *appHandlers) handleMembers(w http.ResponseWriter, r *http.Request) {
	launch, plat, _ := LaunchFromContext(r.Context())
	members, err := a.provider.Members(r.Context(), launch, plat)
	if err != nil {
		a.log.Warn("fetching members failed", zap.String("launch_id", launch.ID), zap.Error(err))
		status := httpStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func healthHandler(db *Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
