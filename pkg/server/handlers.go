package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
	"github.com/statflow/statflow/pkg/query"
)

const arrowMediaType = "application/vnd.apache.arrow.stream"

// Wire representations. Internal surrogate ids never leave the API.

type dataSetResponse struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Status               string    `json:"status"`
	LatestDraftVersionID string    `json:"latestDraftVersionId,omitempty"`
	LatestLiveVersionID  string    `json:"latestLiveVersionId,omitempty"`
	Created              time.Time `json:"created"`
	Updated              time.Time `json:"updated"`
}

type versionResponse struct {
	ID           string     `json:"id"`
	DataSetID    string     `json:"dataSetId"`
	Version      string     `json:"version"`
	Status       string     `json:"status"`
	Stage        string     `json:"stage"`
	ReplacesID   string     `json:"replacesId,omitempty"`
	MappedFromID string     `json:"mappedFromId,omitempty"`
	Created      time.Time  `json:"created"`
	Published    *time.Time `json:"published,omitempty"`
}

func toDataSetResponse(ds *model.DataSet) dataSetResponse {
	return dataSetResponse{
		ID:                   ds.ID,
		Title:                ds.Title,
		Status:               string(ds.Status),
		LatestDraftVersionID: ds.LatestDraftVersionID,
		LatestLiveVersionID:  ds.LatestLiveVersionID,
		Created:              ds.Created,
		Updated:              ds.Updated,
	}
}

func toVersionResponse(v *model.DataSetVersion) versionResponse {
	resp := versionResponse{
		ID:           v.ID,
		DataSetID:    v.DataSetID,
		Version:      v.Version.String(),
		Status:       string(v.Status),
		Stage:        v.Stage.String(),
		ReplacesID:   v.ReplacesID,
		MappedFromID: v.MappedFromID,
		Created:      v.Created,
	}
	if !v.Published.IsZero() {
		published := v.Published
		resp.Published = &published
	}
	return resp
}

func (s *Server) handleListDataSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.reg.ListDataSets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]dataSetResponse, 0, len(sets))
	for _, ds := range sets {
		out = append(out, toDataSetResponse(ds))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDataSet(w http.ResponseWriter, r *http.Request) {
	ds, err := s.reg.GetDataSet(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDataSetResponse(ds))
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.reg.ListVersions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]versionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, toVersionResponse(v))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.reg.GetVersion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toVersionResponse(v))
}

func (s *Server) handleStartMapping(w http.ResponseWriter, r *http.Request) {
	plan, err := s.mapper.Start(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleGetMappings(w http.ResponseWriter, r *http.Request) {
	versionID := mux.Vars(r)["id"]
	state, err := s.reg.GetMappingState(r.Context(), versionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cands, err := s.reg.GetMappingCandidates(r.Context(), versionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":      state,
		"candidates": cands,
	})
}

func (s *Server) handleApplyMappings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decisions []model.MappingDecision `json:"decisions"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Decisions) == 0 {
		s.writeError(w, errs.Validationf("$.decisions", "at least one decision is required"))
		return
	}

	outcome, err := s.mapper.ApplyBatch(r.Context(), mux.Vars(r)["id"], body.Decisions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

// handleReprocess rewinds a version to the start of the import pipeline so
// the next ingest run starts from scratch. Any cached lookup for the
// version is dropped so queries never serve its stale metadata.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	versionID := mux.Vars(r)["id"]
	if err := s.reg.ResetStage(r.Context(), versionID); err != nil {
		s.writeError(w, err)
		return
	}
	s.executor.InvalidateLookup(versionID)

	v, err := s.reg.GetVersion(r.Context(), versionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toVersionResponse(v))
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	versionID := mux.Vars(r)["id"]
	if err := s.lifecycle.Publish(r.Context(), versionID); err != nil {
		s.writeError(w, err)
		return
	}
	// Deprecation is retryable and independent; a failure here does not
	// undo the publish.
	if err := s.lifecycle.DeprecateReplaced(r.Context(), versionID); err != nil {
		s.log.WithError(err).WithField("version", versionID).
			Warn("deprecating replaced version failed; retry publish to finish")
	}

	v, err := s.reg.GetVersion(r.Context(), versionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toVersionResponse(v))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	versionID := mux.Vars(r)["id"]
	if err := s.lifecycle.Withdraw(r.Context(), versionID); err != nil {
		s.writeError(w, err)
		return
	}
	v, err := s.reg.GetVersion(r.Context(), versionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toVersionResponse(v))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	v, err := s.reg.GetVersion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body struct {
		Criteria json.RawMessage `json:"criteria"`
		Page     query.Page      `json:"page"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	var node query.Node
	if len(body.Criteria) > 0 && string(body.Criteria) != "null" {
		node, err = query.Decode(body.Criteria)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	result, err := s.executor.Execute(r.Context(), v, node, body.Page)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if r.Header.Get("Accept") == arrowMediaType {
		payload, err := query.EncodeArrow(result)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", arrowMediaType)
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return errs.Transient(err, "reading request body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Validationf("$", "invalid request body: %v", err)
	}
	return nil
}
