package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vbmedia/packline/internal/model"
	"github.com/vbmedia/packline/internal/queue"
	"github.com/vbmedia/packline/internal/store"
)

// CreatePackageRequest is the request body for POST /packages.
type CreatePackageRequest struct {
	CompanyID  string `json:"company_id"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id,omitempty"`

	RecipientName  string `json:"recipient_name,omitempty"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	RecipientPhone string `json:"recipient_phone,omitempty"`
	CopyEmail      string `json:"copy_email,omitempty"`
}

// AddImageRequest is the request body for POST /packages/{id}/images.
type AddImageRequest struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	Position     int    `json:"position,omitempty"`
	FromCampaign bool   `json:"from_campaign,omitempty"`
	IsSkipped    bool   `json:"is_skipped,omitempty"`
}

// PackageResponse is the operator/client view of a package.
type PackageResponse struct {
	ID     uint64       `json:"id"`
	Status model.Status `json:"status"`

	RecipientName  string `json:"recipient_name,omitempty"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	RecipientPhone string `json:"recipient_phone,omitempty"`

	LandingPageURL string     `json:"landing_page_url,omitempty"`
	QueuedUntil    *time.Time `json:"queued_until,omitempty"`
	LastMailed     *time.Time `json:"last_mailed,omitempty"`

	VideoViews int `json:"video_views"`
	ViewedTime int `json:"viewed_time"`
	ShareCount int `json:"share_count"`

	LastError string `json:"last_error,omitempty"`
}

// TrackRequest is the engagement callback landing pages post.
type TrackRequest struct {
	Type     string `json:"type"`
	Duration int    `json:"duration,omitempty"`
	Service  string `json:"service,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status string       `json:"status"`
	Uptime string       `json:"uptime"`
	Queue  *queue.Stats `json:"queue,omitempty"`
}

// ErrorResponse is the error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreatePackage handles POST /api/v1/packages. The package is created
// in preparation; photos are attached afterwards and submit enters it into
// the state machine.
func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var req CreatePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.CompanyID == "" || req.CampaignID == "" {
		s.sendError(w, http.StatusBadRequest, "company_id and campaign_id are required")
		return
	}

	company, err := s.store.GetCompany(req.CompanyID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load company")
		return
	}
	if company == nil {
		s.sendError(w, http.StatusBadRequest, "unknown company")
		return
	}

	campaign, err := s.store.GetCampaign(req.CampaignID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}
	if campaign == nil || campaign.CompanyID != req.CompanyID {
		s.sendError(w, http.StatusBadRequest, "unknown campaign")
		return
	}

	pkg := &model.Package{
		CompanyID:      req.CompanyID,
		CampaignID:     req.CampaignID,
		ContactID:      req.ContactID,
		Status:         model.StatusPreparation,
		RecipientName:  req.RecipientName,
		RecipientEmail: req.RecipientEmail,
		RecipientPhone: req.RecipientPhone,
		CopyEmail:      req.CopyEmail,
		CreatedAt:      time.Now(),
	}

	if err := s.pipe.ResolveContact(pkg, campaign); err != nil {
		s.logger.Error("failed to resolve contact", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to resolve contact")
		return
	}

	if err := s.store.CreatePackage(pkg); err != nil {
		s.logger.Error("failed to create package", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create package")
		return
	}

	s.logger.Info("package created via API",
		"package_id", pkg.ID,
		"company_id", pkg.CompanyID,
		"campaign_id", pkg.CampaignID,
	)

	s.sendJSON(w, http.StatusCreated, s.packageResponse(pkg))
}

// handleAddImage handles POST /api/v1/packages/{id}/images.
func (s *Server) handleAddImage(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.loadPackage(w, r)
	if !ok {
		return
	}

	var req AddImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Path == "" || req.Size <= 0 {
		s.sendError(w, http.StatusBadRequest, "path and size are required")
		return
	}

	if pkg.Status != model.StatusPreparation && pkg.Status != model.StatusPending {
		s.sendError(w, http.StatusConflict, fmt.Sprintf("cannot attach photos in status %s", pkg.Status))
		return
	}

	position := req.Position
	if position == 0 {
		existing, err := s.store.Images(pkg.ID)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "Failed to load images")
			return
		}
		position = len(existing) + 1
	}

	img := &model.PackageImage{
		PackageID:    pkg.ID,
		Path:         req.Path,
		Size:         req.Size,
		Position:     position,
		FromCampaign: req.FromCampaign,
		IsSkipped:    req.IsSkipped,
	}
	if err := s.store.AddImage(img); err != nil {
		s.logger.Error("failed to add image", "package_id", pkg.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to add image")
		return
	}

	s.sendJSON(w, http.StatusCreated, img)
}

// handleSubmit handles POST /api/v1/packages/{id}/submit: the package leaves
// preparation and the state machine takes over.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.loadPackage(w, r)
	if !ok {
		return
	}

	if pkg.Status != model.StatusPreparation {
		s.sendError(w, http.StatusConflict, fmt.Sprintf("package is already %s", pkg.Status))
		return
	}

	if _, err := s.store.SetStatus(pkg.ID, model.StatusPending); err != nil {
		s.logger.Error("failed to submit package", "package_id", pkg.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to submit package")
		return
	}

	if err := s.pipe.Advance(r.Context(), pkg.ID, model.StatusPreparation); err != nil {
		s.logger.Error("failed to advance package", "package_id", pkg.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to advance package")
		return
	}

	pkg, err := s.store.GetPackage(pkg.ID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load package")
		return
	}
	s.sendJSON(w, http.StatusOK, s.packageResponse(pkg))
}

// handleGetPackage handles GET /api/v1/packages/{id}.
func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.loadPackage(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, s.packageResponse(pkg))
}

// handleEvents handles GET /api/v1/packages/{id}/events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.loadPackage(w, r)
	if !ok {
		return
	}

	events, err := s.store.Events(pkg.ID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load events")
		return
	}
	s.sendJSON(w, http.StatusOK, events)
}

// handleRecover handles POST /api/v1/packages/{id}/recover.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.loadPackage(w, r)
	if !ok {
		return
	}

	if err := s.pipe.Recover(r.Context(), pkg.ID); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info("package recovery requested via API", "package_id", pkg.ID)
	pkg, err := s.store.GetPackage(pkg.ID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load package")
		return
	}
	s.sendJSON(w, http.StatusOK, s.packageResponse(pkg))
}

var trackEventTypes = map[string]model.EventType{
	"video": model.EventVideo,
	"visit": model.EventVisit,
	"share": model.EventShare,
}

// handleTrack handles POST /track/{key}: engagement callbacks from the
// landing page, keyed by the landing page key rather than the package ID.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	pkg, err := s.store.FindByLandingKey(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Unknown landing key")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to resolve landing key")
		return
	}

	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	eventType, ok := trackEventTypes[req.Type]
	if !ok {
		s.sendError(w, http.StatusBadRequest, "type must be video, visit or share")
		return
	}

	if err := s.store.AppendEvent(&model.Event{
		PackageID: pkg.ID,
		Type:      eventType,
		Duration:  req.Duration,
		Service:   req.Service,
		Time:      time.Now(),
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}); err != nil {
		s.logger.Error("failed to record engagement event", "package_id", pkg.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUnsubscribe handles GET /unsubscribe?company=...&email=... — the
// link target in delivery email footers.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	companyID := r.URL.Query().Get("company")
	email := r.URL.Query().Get("email")
	if companyID == "" || email == "" {
		s.sendError(w, http.StatusBadRequest, "company and email are required")
		return
	}

	if err := s.store.AddUnsubscribe(companyID, email); err != nil {
		s.logger.Error("failed to record unsubscribe", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to unsubscribe")
		return
	}

	s.logger.Info("address unsubscribed", "company_id", companyID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "You have been unsubscribed.")
}

// TaskSummary is one queue task in inspection responses.
type TaskSummary struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	PackageID uint64 `json:"package_id"`
	Status    string `json:"status"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

func taskSummaries(tasks []*queue.Task) []*TaskSummary {
	summaries := make([]*TaskSummary, len(tasks))
	for i, t := range tasks {
		summaries[i] = &TaskSummary{
			ID:        t.ID,
			Type:      t.Type,
			PackageID: t.PackageID,
			Status:    string(t.Status),
			Failures:  t.Failures,
			LastError: t.LastError,
		}
	}
	return summaries
}

// handleQueue handles GET /api/v1/queue.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Queue inspection not available")
		return
	}

	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	tasks, err := s.tasks.List(r.Context(), queue.ListFilter{Limit: 100})
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"stats": stats,
		"tasks": taskSummaries(tasks),
	})
}

// handleDLQ handles GET /api/v1/dlq.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Queue inspection not available")
		return
	}

	tasks, err := s.tasks.ListDLQ(r.Context(), 100, 0)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to list dead letter queue")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"tasks": taskSummaries(tasks)})
}

// handleDLQRetry handles POST /api/v1/dlq/{id}/retry.
func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Queue inspection not available")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.tasks.RetryFromDLQ(r.Context(), id); err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to retry task")
		return
	}

	s.logger.Info("task retried from DLQ", "task_id", id)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
	}
	if s.tasks != nil {
		resp.Queue, _ = s.tasks.Stats(r.Context())
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) packageResponse(pkg *model.Package) *PackageResponse {
	resp := &PackageResponse{
		ID:             pkg.ID,
		Status:         pkg.Status,
		RecipientName:  pkg.RecipientName,
		RecipientEmail: pkg.RecipientEmail,
		RecipientPhone: pkg.RecipientPhone,
		LandingPageURL: pkg.LandingPageURL,
		QueuedUntil:    pkg.QueuedUntil,
		LastMailed:     pkg.LastMailed,
		VideoViews:     pkg.VideoViews,
		ViewedTime:     pkg.ViewedTime,
		ShareCount:     pkg.ShareCount,
	}

	if event, err := s.store.LastErrorEvent(pkg.ID); err == nil && event != nil {
		resp.LastError = event.Description
	}
	return resp
}

// loadPackage resolves the {id} URL parameter, answering the error itself
// when the package cannot be loaded.
func (s *Server) loadPackage(w http.ResponseWriter, r *http.Request) (*model.Package, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid package id")
		return nil, false
	}

	pkg, err := s.store.GetPackage(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Package not found")
		} else {
			s.logger.Error("failed to load package", "package_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to load package")
		}
		return nil, false
	}
	return pkg, true
}

// sendJSON sends a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response.
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
