package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forest6511/recordvault/pkg/records"
)

// recordView is a record whose payload is JSON.
type recordView struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type recordRequest struct {
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

func viewOf(rec *records.Record) recordView {
	data := json.RawMessage(rec.Data)
	if !json.Valid(data) {
		// Written by something other than this API; return it as a string.
		data, _ = json.Marshal(string(rec.Data))
	}
	return recordView{
		Kind:      rec.Kind,
		ID:        rec.ID,
		Data:      data,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func decodeRecord(r *http.Request) (*recordRequest, error) {
	var req recordRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: data is required", errBadRequest)
	}
	return &req, nil
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request, token string) {
	kind := r.PathValue("kind")
	var out []recordView
	err := s.sessions.Records(token, func(store *records.Store, _ *records.Documents) error {
		recs, err := store.List(kind)
		if err != nil {
			return err
		}
		out = make([]recordView, 0, len(recs))
		for _, rec := range recs {
			out = append(out, viewOf(rec))
		}
		return nil
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request, token string) {
	req, err := decodeRecord(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.putRecord(w, token, r.PathValue("kind"), req.ID, req.Data, http.StatusCreated)
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request, token string) {
	req, err := decodeRecord(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.putRecord(w, token, r.PathValue("kind"), r.PathValue("id"), req.Data, http.StatusOK)
}

func (s *Server) putRecord(w http.ResponseWriter, token, kind, id string, data []byte, code int) {
	var rec *records.Record
	err := s.sessions.Records(token, func(store *records.Store, _ *records.Documents) error {
		stored, err := store.Put(kind, id, data)
		if err != nil {
			return err
		}
		rec, err = store.Get(kind, stored)
		return err
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSONStatus(w, code, viewOf(rec))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, token string) {
	var rec *records.Record
	err := s.sessions.Records(token, func(store *records.Store, _ *records.Documents) error {
		var err error
		rec, err = store.Get(r.PathValue("kind"), r.PathValue("id"))
		return err
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, viewOf(rec))
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request, token string) {
	err := s.sessions.Records(token, func(store *records.Store, _ *records.Documents) error {
		return store.Delete(r.PathValue("kind"), r.PathValue("id"))
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, token string) {
	var names []string
	err := s.sessions.Records(token, func(_ *records.Store, docs *records.Documents) error {
		var err error
		names, err = docs.List()
		return err
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, map[string][]string{"documents": names})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, token string) {
	var data []byte
	err := s.sessions.Records(token, func(_ *records.Store, docs *records.Documents) error {
		var err error
		data, err = docs.Get(r.PathValue("name"))
		return err
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request, token string) {
	data, err := io.ReadAll(io.LimitReader(r.Body, records.MaxDocumentSize+1))
	if err != nil {
		s.respondError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if len(data) > records.MaxDocumentSize {
		s.respondError(w, records.ErrPayloadTooBig)
		return
	}
	err = s.sessions.Records(token, func(_ *records.Store, docs *records.Documents) error {
		return docs.Put(r.PathValue("name"), data)
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, token string) {
	err := s.sessions.Records(token, func(_ *records.Store, docs *records.Documents) error {
		return docs.Delete(r.PathValue("name"))
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
