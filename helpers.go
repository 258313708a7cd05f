package main

import (
	"crypto/rand"
	"embed"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

//go:embed templates/*
var templatesFS embed.FS

var tpl = template.Must(template.New("").ParseFS(templatesFS, "templates/*.html"))

type errorPageData struct {
	Title   string
	Message string
}

func executeTemplate(w http.ResponseWriter, log *zap.Logger, status int, templateName string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tpl.ExecuteTemplate(w, templateName, data); err != nil {
		log.Error("template execution failed", zap.String("template", templateName), zap.Error(err))
	}
}

func renderError(w http.ResponseWriter, log *zap.Logger, status int, message string) {
	executeTemplate(w, log, status, "error.html", errorPageData{
		Title:   http.StatusText(status),
		Message: message,
	})
}

// writeJSON writes v indented with two spaces.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// randomToken returns n random bytes, base64url encoded.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
