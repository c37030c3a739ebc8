package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/crawler"
	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/storage"
)

type crawlAccepted struct {
	JobID    string `json:"job_id"`
	Accepted int    `json:"accepted"`
	Message  string `json:"message"`
}

func (s *Server) handleCrawlRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.CrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.URLs) == 0 {
		s.respondWithError(w, http.StatusBadRequest, "URLs list cannot be empty")
		return
	}

	for _, u := range req.URLs {
		parsed, err := url.ParseRequestURI(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			s.respondWithError(w, http.StatusBadRequest, "Invalid URL in list: "+u)
			return
		}
	}

	jobID := uuid.NewString()
	for i, u := range req.URLs {
		if err := s.crawler.SubmitURL(r.Context(), u, req.ForceCrawl); err != nil {
			s.logger.Error("failed to submit URL", zap.String("job_id", jobID), zap.String("url", u), zap.Error(err))
			if errors.Is(err, crawler.ErrStopped) {
				s.respondWithError(w, http.StatusServiceUnavailable, "Crawler is shutting down")
				return
			}
			s.respondWithJSON(w, http.StatusAccepted, crawlAccepted{JobID: jobID, Accepted: i, Message: "Some URLs could not be queued"})
			return
		}
	}
	s.logger.Info("crawl job accepted", zap.String("job_id", jobID), zap.Int("urls", len(req.URLs)), zap.Bool("force_crawl", req.ForceCrawl))

	s.respondWithJSON(w, http.StatusAccepted, crawlAccepted{JobID: jobID, Accepted: len(req.URLs), Message: "URLs accepted for crawling"})
}

func (s *Server) handleStatusRequest(w http.ResponseWriter, r *http.Request) {
	urlParam := r.URL.Query().Get("url")
	if urlParam == "" {
		s.respondWithError(w, http.StatusBadRequest, "URL query parameter is required")
		return
	}

	// Statuses are stored under the request's escaped URL.
	target, err := domain.NewRequest(urlParam)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid URL")
		return
	}

	status, err := s.status.GetCrawlStatus(r.Context(), target.URL())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "URL status not found")
			return
		}
		s.logger.Error("failed to get crawl status", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not retrieve status")
		return
	}

	s.respondWithJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthStatus := make(map[string]string, len(s.health))
	isHealthy := true
	for name, dep := range s.health {
		if err := dep.Ping(ctx); err != nil {
			healthStatus[name] = "unhealthy"
			isHealthy = false
			s.logger.Error("health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		healthStatus[name] = "healthy"
	}

	if !isHealthy {
		s.respondWithJSON(w, http.StatusServiceUnavailable, healthStatus)
		return
	}
	s.respondWithJSON(w, http.StatusOK, healthStatus)
}

// --- Helper Functions ---

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		code = http.StatusInternalServerError
		response = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
