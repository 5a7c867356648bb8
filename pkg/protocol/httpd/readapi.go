// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpd

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/monocorp/monoforge/pkg/storage"
)

// clSummary is the read API's flattened view over storage.CL. It carries
// none of the Conversation/Label/Assignee metadata the supplemented CL
// Engine operations attach (SPEC_FULL.md §C.1); clDetail adds that for a
// single CL.
type clSummary struct {
	Link      string `json:"link"`
	Path      string `json:"path"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	FromHash  string `json:"from_hash"`
	ToHash    string `json:"to_hash"`
	Author    string `json:"author"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toCLSummary(cl *storage.CL) clSummary {
	return clSummary{
		Link: cl.Link, Path: cl.Path, Title: cl.Title, Status: string(cl.Status),
		FromHash: cl.FromHash.String(), ToHash: cl.ToHash.String(), Author: cl.Author,
		CreatedAt: cl.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: cl.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// ListCLs serves `GET /api/v1/cls?path=<prefix>&status=<status>` (§C.3):
// every CL whose path starts with the (optional) prefix, narrowed to the
// (optional) status, newest first.
func (s *Server) ListCLs(w http.ResponseWriter, r *http.Request, claims *Claims) {
	pathPrefix := r.URL.Query().Get("path")
	status := storage.CLStatus(r.URL.Query().Get("status"))
	cls, err := s.svc.DB.ListCLs(r.Context(), pathPrefix, status)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]clSummary, len(cls))
	for i, cl := range cls {
		out[i] = toCLSummary(cl)
	}
	renderJSON(w, http.StatusOK, out)
}

// clDetail is GetCL's response shape: the CL itself plus its Conversation
// log, labels, and assignees — the same four storage reads
// `clengine.Engine` already exposes as separate operations, bundled here
// since a read-only detail view has no reason to make a caller issue four
// requests for one CL.
type clDetail struct {
	clSummary
	Conversations []*storage.Conversation `json:"conversations"`
	Labels        []*storage.Label        `json:"labels"`
	Assignees     []string                `json:"assignees"`
}

// GetCL serves `GET /api/v1/cls/{link}` (§C.3): one CL's full detail view.
func (s *Server) GetCL(w http.ResponseWriter, r *http.Request, claims *Claims) {
	link := mux.Vars(r)["link"]
	cl, err := s.svc.DB.GetCL(r.Context(), link)
	if err != nil {
		renderError(w, http.StatusNotFound, err)
		return
	}
	conversations, err := s.svc.CL.ListConversations(r.Context(), link)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	labels, err := s.svc.CL.ListLabels(r.Context(), link)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	assignees, err := s.svc.CL.ListAssignees(r.Context(), link)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	renderJSON(w, http.StatusOK, clDetail{
		clSummary:     toCLSummary(cl),
		Conversations: conversations,
		Labels:        labels,
		Assignees:     assignees,
	})
}

// queuePosition is GetQueuePosition's response shape.
type queuePosition struct {
	Position int `json:"position"`
	Total    int `json:"total_waiting"`
}

// GetQueuePosition serves `GET /api/v1/cls/{link}/queue-position` (§C.3):
// the CL's 1-based rank among Waiting merge-queue entries, and the total
// Waiting count. Position is 0 if the CL isn't currently Waiting (not
// queued at all, or already Testing/Merging/Merged/Failed).
func (s *Server) GetQueuePosition(w http.ResponseWriter, r *http.Request, claims *Claims) {
	if s.queue == nil {
		renderJSON(w, http.StatusOK, queuePosition{})
		return
	}
	link := mux.Vars(r)["link"]
	position, total, err := s.queue.Position(r.Context(), link)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	renderJSON(w, http.StatusOK, queuePosition{Position: position, Total: total})
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
