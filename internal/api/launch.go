package api

import (
	"net/http"
	"strings"

	"github.com/nadmax/auditq/internal/httputil"
	"github.com/nadmax/auditq/internal/task"
)

const LaunchStarted = "started"

type LaunchResponse struct {
	Status        string `json:"status"`
	TaskID        string `json:"taskId"`
	EstimatedTime string `json:"estimatedTime,omitempty"`
}

type AuditRequest struct {
	Domain      string `json:"domain"`
	Location    string `json:"location"`
	Language    string `json:"language"`
	MaxPages    int    `json:"max_pages"`
	NotifyEmail string `json:"notify_email"`
}

type ContentRequest struct {
	Topic       string   `json:"topic"`
	Keywords    []string `json:"keywords"`
	Language    string   `json:"language"`
	Tone        string   `json:"tone"`
	NotifyEmail string   `json:"notify_email"`
}

func (a *API) handleLaunchAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AuditRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	req.Domain = strings.TrimSpace(req.Domain)
	if req.Domain == "" {
		httputil.WriteJSONError(w, "domain is required", http.StatusBadRequest)
		return
	}
	if req.MaxPages < 0 {
		httputil.WriteJSONError(w, "max_pages must not be negative", http.StatusBadRequest)
		return
	}

	payload := map[string]any{
		"domain":    req.Domain,
		"location":  req.Location,
		"language":  req.Language,
		"max_pages": req.MaxPages,
	}
	if req.NotifyEmail != "" {
		payload["notify_email"] = req.NotifyEmail
	}

	a.launch(w, r, task.NewTask(task.TypeTechnicalAudit, payload, task.MediumPriority))
}

func (a *API) handleLaunchContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ContentRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		httputil.WriteJSONError(w, "topic is required", http.StatusBadRequest)
		return
	}

	payload := map[string]any{
		"topic":    req.Topic,
		"keywords": req.Keywords,
		"language": req.Language,
		"tone":     req.Tone,
	}
	if req.NotifyEmail != "" {
		payload["notify_email"] = req.NotifyEmail
	}

	a.launch(w, r, task.NewTask(task.TypeContentGeneration, payload, task.MediumPriority))
}
