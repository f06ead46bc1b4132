// Package api exposes the run and comparison pipelines over HTTP. Handlers are
// thin: they validate input, call the engines and hand session IDs to the
// stream queues for background processing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"resalearb/comparepipe"
	"resalearb/domain"
	"resalearb/ossstore"
	"resalearb/runpipe"
	"resalearb/store"
	"resalearb/streamq"
	"resalearb/xlsxreport"
)

type Service struct {
	runs      store.RunStore
	comps     store.ComparisonStore
	runEngine *runpipe.Engine
	cmpEngine *comparepipe.Engine
	runQueue  streamq.SessionQueue
	cmpQueue  streamq.SessionQueue
	oss       *ossstore.Store
	tmpRoot   string
}

func NewService(runs store.RunStore, comps store.ComparisonStore, runEngine *runpipe.Engine, cmpEngine *comparepipe.Engine, runQueue, cmpQueue streamq.SessionQueue, oss *ossstore.Store, tmpRoot string) *Service {
	if strings.TrimSpace(tmpRoot) == "" {
		tmpRoot = os.TempDir()
	}
	return &Service{
		runs:      runs,
		comps:     comps,
		runEngine: runEngine,
		cmpEngine: cmpEngine,
		runQueue:  runQueue,
		cmpQueue:  cmpQueue,
		oss:       oss,
		tmpRoot:   tmpRoot,
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunRoutes)
	mux.HandleFunc("/comparisons", s.handleComparisons)
	mux.HandleFunc("/comparisons/", s.handleComparisonRoutes)
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		s.handleListRuns(w, r)
	case http.MethodPost:
		s.handleCreateRun(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifiers []string `json:"identifiers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	run, err := s.runEngine.CreateRun(req.Identifiers)
	if err != nil {
		if errors.Is(err, runpipe.ErrNoIdentifiers) {
			http.Error(w, "identifiers required", http.StatusBadRequest)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	if err := s.enqueue(r.Context(), s.runQueue, run.ID); err != nil {
		_, _, _ = s.runs.Update(run.ID, func(rn *domain.RunSession) {
			rn.IsRunning = false
			rn.Queue = nil
			rn.AppendLog("enqueue failed: " + err.Error())
		})
		http.Error(w, "enqueue failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId":  run.ID,
		"total":  run.Stats.Total,
		"status": runStatusLabel(run),
	})
}

func (s *Service) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRecent(store.DefaultRetention)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]interface{}, 0, len(runs))
	for _, run := range runs {
		out = append(out, map[string]interface{}{
			"runId":     run.ID,
			"createdAt": run.CreatedAt,
			"status":    runStatusLabel(run),
			"stats":     run.Stats,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
}

func (s *Service) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	// /runs/{runId}
	// /runs/{runId}/stop
	// /runs/{runId}/retry-failed
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/")
	if path == "" {
		http.Error(w, "runId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	runID := parts[0]

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetRun(w, r, runID)
		case http.MethodDelete:
			s.handleDeleteRun(w, r, runID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPost {
		switch parts[1] {
		case "stop":
			s.handleStopRun(w, r, runID)
			return
		case "retry-failed":
			s.handleRetryFailed(w, r, runID)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Service) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, ok, err := s.runs.Get(runID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId":     run.ID,
		"createdAt": run.CreatedAt,
		"status":    runStatusLabel(run),
		"stats":     run.Stats,
		"items":     run.Items,
		"logs":      run.Logs,
	})
}

func (s *Service) handleDeleteRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, ok, err := s.runs.Get(runID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if run.IsRunning {
		http.Error(w, "run is still running, stop it first", http.StatusConflict)
		return
	}
	if err := s.runs.Delete(runID); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runId": runID, "deleted": true})
}

func (s *Service) handleStopRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.runEngine.StopRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runpipe.ErrRunNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId":  run.ID,
		"status": runStatusLabel(run),
		"stats":  run.Stats,
	})
}

func (s *Service) handleRetryFailed(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.runEngine.RetryFailed(runID)
	if err != nil {
		switch {
		case errors.Is(err, runpipe.ErrRunNotFound):
			http.NotFound(w, r)
		case errors.Is(err, runpipe.ErrRunActive):
			http.Error(w, "run is still running", http.StatusConflict)
		case errors.Is(err, runpipe.ErrNothingToRetry):
			http.Error(w, "no failed items to retry", http.StatusUnprocessableEntity)
		default:
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}
	if err := s.enqueue(r.Context(), s.runQueue, runID); err != nil {
		http.Error(w, "enqueue failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId":  run.ID,
		"status": runStatusLabel(run),
		"queued": len(run.Queue),
	})
}

func (s *Service) handleComparisons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		s.handleListComparisons(w, r)
	case http.MethodPost:
		s.handleCreateComparison(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleCreateComparison(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		http.Error(w, "runId required", http.StatusBadRequest)
		return
	}

	sess, err := s.cmpEngine.CreateComparison(req.RunID)
	if err != nil {
		switch {
		case errors.Is(err, comparepipe.ErrRunNotFound):
			http.NotFound(w, r)
		case errors.Is(err, comparepipe.ErrNoResolvedItems):
			http.Error(w, "run has no priced items to compare", http.StatusUnprocessableEntity)
		default:
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}

	if err := s.enqueue(r.Context(), s.cmpQueue, sess.ID); err != nil {
		_, _, _ = s.comps.Update(sess.ID, func(c *domain.ComparisonSession) {
			c.IsRunning = false
			c.AppendLog("enqueue failed: " + err.Error())
		})
		http.Error(w, "enqueue failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"comparisonId": sess.ID,
		"runId":        sess.RunID,
		"total":        sess.Stats.Total,
	})
}

func (s *Service) handleListComparisons(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.comps.ListRecent(store.DefaultRetention)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]interface{}, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]interface{}{
			"comparisonId": sess.ID,
			"runId":        sess.RunID,
			"createdAt":    sess.CreatedAt,
			"isRunning":    sess.IsRunning,
			"stats":        sess.Stats,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"comparisons": out})
}

func (s *Service) handleComparisonRoutes(w http.ResponseWriter, r *http.Request) {
	// /comparisons/{id}
	// /comparisons/{id}/stop | /resume | /refresh | /export
	// /comparisons/{id}/items/{itemId}/memo | /favorite
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/comparisons/"), "/")
	if path == "" {
		http.Error(w, "comparisonId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	compID := parts[0]

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetComparison(w, r, compID)
		case http.MethodDelete:
			s.handleDeleteComparison(w, r, compID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "export":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleExportComparison(w, r, compID)
			return
		case "stop", "resume", "refresh":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleComparisonLifecycle(w, r, compID, parts[1])
			return
		}
	}

	if len(parts) == 4 && parts[1] == "items" && r.Method == http.MethodPost {
		itemID := parts[2]
		switch parts[3] {
		case "memo":
			s.handleSetMemo(w, r, compID, itemID)
			return
		case "favorite":
			s.handleToggleFavorite(w, r, compID, itemID)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Service) handleGetComparison(w http.ResponseWriter, r *http.Request, compID string) {
	sess, ok, err := s.comps.Get(compID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"comparisonId": sess.ID,
		"runId":        sess.RunID,
		"createdAt":    sess.CreatedAt,
		"isRunning":    sess.IsRunning,
		"stats":        sess.Stats,
		"items":        sess.Items,
		"logs":         sess.Logs,
	})
}

func (s *Service) handleDeleteComparison(w http.ResponseWriter, r *http.Request, compID string) {
	sess, ok, err := s.comps.Get(compID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if sess.IsRunning {
		http.Error(w, "comparison is still running, stop it first", http.StatusConflict)
		return
	}
	if err := s.comps.Delete(compID); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"comparisonId": compID, "deleted": true})
}

func (s *Service) handleComparisonLifecycle(w http.ResponseWriter, r *http.Request, compID, action string) {
	var (
		sess *domain.ComparisonSession
		err  error
	)
	switch action {
	case "stop":
		sess, err = s.cmpEngine.Stop(r.Context(), compID)
	case "resume":
		sess, err = s.cmpEngine.Resume(compID)
	case "refresh":
		sess, err = s.cmpEngine.Refresh(compID)
	}
	if err != nil {
		switch {
		case errors.Is(err, comparepipe.ErrComparisonNotFound):
			http.NotFound(w, r)
		case errors.Is(err, comparepipe.ErrComparisonActive):
			http.Error(w, "comparison is still running", http.StatusConflict)
		case errors.Is(err, comparepipe.ErrNothingPending):
			http.Error(w, "no pending items to resume", http.StatusUnprocessableEntity)
		default:
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}
	// resume/refresh restart background processing.
	if action != "stop" {
		if err := s.enqueue(r.Context(), s.cmpQueue, compID); err != nil {
			_, _, _ = s.comps.Update(compID, func(c *domain.ComparisonSession) {
				c.IsRunning = false
				c.AppendLog("enqueue failed: " + err.Error())
			})
			http.Error(w, "enqueue failed", http.StatusBadGateway)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"comparisonId": sess.ID,
		"isRunning":    sess.IsRunning,
		"stats":        sess.Stats,
	})
}

func (s *Service) handleSetMemo(w http.ResponseWriter, r *http.Request, compID, itemID string) {
	var req struct {
		Memo string `json:"memo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	sess, err := s.cmpEngine.SetItemMemo(compID, itemID, req.Memo)
	if err != nil {
		writeComparisonItemError(w, r, err)
		return
	}
	it := sess.ItemByID(itemID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"comparisonId": compID,
		"itemId":       itemID,
		"memo":         it.Memo,
	})
}

func (s *Service) handleToggleFavorite(w http.ResponseWriter, r *http.Request, compID, itemID string) {
	sess, err := s.cmpEngine.ToggleFavorite(compID, itemID)
	if err != nil {
		writeComparisonItemError(w, r, err)
		return
	}
	it := sess.ItemByID(itemID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"comparisonId": compID,
		"itemId":       itemID,
		"favorite":     it.Favorite,
	})
}

func writeComparisonItemError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, comparepipe.ErrComparisonNotFound):
		http.NotFound(w, r)
	case errors.Is(err, comparepipe.ErrItemNotFound):
		http.Error(w, "item not found", http.StatusNotFound)
	default:
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}

func (s *Service) handleExportComparison(w http.ResponseWriter, r *http.Request, compID string) {
	sess, ok, err := s.comps.Get(compID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if sess.IsRunning {
		http.Error(w, "comparison is still running", http.StatusConflict)
		return
	}

	outPath := filepath.Join(s.tmpRoot, "arb_exports", compID+".xlsx")
	if err := xlsxreport.GenerateComparisonXLSX(sess, outPath); err != nil {
		http.Error(w, "export failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// Prefer an OSS signed URL when available (cross-pod safe).
	if s.oss != nil && s.oss.Enabled() {
		key := s.oss.ObjectKeyForExport(compID)
		if err := s.oss.PutResultFile(key, outPath); err != nil {
			http.Error(w, "upload export failed", http.StatusBadGateway)
			return
		}
		_ = os.Remove(outPath)
		signed, err := s.oss.SignDownloadURL(key, "comparison.xlsx")
		if err != nil {
			http.Error(w, "sign download url failed", http.StatusBadGateway)
			return
		}
		if wantsJSON(r) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"url":      signed,
				"filename": "comparison.xlsx",
			})
			return
		}
		http.Redirect(w, r, signed, http.StatusFound)
		return
	}

	// Fallback: serve the file directly.
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="comparison.xlsx"`)
	http.ServeFile(w, r, outPath)
}

func (s *Service) enqueue(ctx context.Context, q streamq.SessionQueue, id string) error {
	if q == nil {
		return errors.New("queue not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.Enqueue(ctx, id)
}

func runStatusLabel(run *domain.RunSession) string {
	if run.IsRunning {
		return "running"
	}
	return "finished"
}

func wantsJSON(r *http.Request) bool {
	if r == nil {
		return false
	}
	q := r.URL.Query()
	if strings.EqualFold(strings.TrimSpace(q.Get("format")), "json") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	return strings.Contains(accept, "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
