package server

import "net/http"

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/info", s.handleInfo)
	s.mux.HandleFunc("POST /api/setup", s.handleSetup)
	s.mux.HandleFunc("POST /api/unlock", s.handleUnlock)
	s.mux.HandleFunc("POST /api/unlock/recovery", s.handleUnlockRecovery)
	s.mux.HandleFunc("POST /api/recovery/reset", s.handleRecoveryReset)
	s.mux.HandleFunc("POST /api/backup/validate", s.handleBackupValidate)
	s.mux.HandleFunc("POST /api/restore", s.handleRestore)

	s.mux.HandleFunc("POST /api/lock", s.authed(s.handleLock))
	s.mux.HandleFunc("POST /api/refresh", s.authed(s.handleRefresh))
	s.mux.HandleFunc("POST /api/password", s.authed(s.handleChangePassword))
	s.mux.HandleFunc("POST /api/recovery/rotate", s.authed(s.handleRecoveryRotate))
	s.mux.HandleFunc("POST /api/device-binding", s.authed(s.handleDeviceBinding))
	s.mux.HandleFunc("GET /api/settings", s.authed(s.handleGetSettings))
	s.mux.HandleFunc("PUT /api/settings", s.authed(s.handlePutSettings))
	s.mux.HandleFunc("POST /api/backup", s.authed(s.handleBackupCreate))

	s.mux.HandleFunc("GET /api/records/{kind}", s.authed(s.handleListRecords))
	s.mux.HandleFunc("POST /api/records/{kind}", s.authed(s.handleCreateRecord))
	s.mux.HandleFunc("GET /api/records/{kind}/{id}", s.authed(s.handleGetRecord))
	s.mux.HandleFunc("PUT /api/records/{kind}/{id}", s.authed(s.handlePutRecord))
	s.mux.HandleFunc("DELETE /api/records/{kind}/{id}", s.authed(s.handleDeleteRecord))

	s.mux.HandleFunc("GET /api/documents", s.authed(s.handleListDocuments))
	s.mux.HandleFunc("GET /api/documents/{name...}", s.authed(s.handleGetDocument))
	s.mux.HandleFunc("PUT /api/documents/{name...}", s.authed(s.handlePutDocument))
	s.mux.HandleFunc("DELETE /api/documents/{name...}", s.authed(s.handleDeleteDocument))

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
