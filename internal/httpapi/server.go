// Package httpapi is the ingress surface the substrate exposes to the
// REST layer: the streaming run endpoint and the read views over
// workspace records.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"silexa/substrate/internal/container"
	"silexa/substrate/internal/errs"
	"silexa/substrate/internal/objectstore"
	"silexa/substrate/internal/run"
	"silexa/substrate/internal/sse"
	"silexa/substrate/internal/workspace"
)

const maxMultipartMemory = 32 << 20

// Server wires the execution substrate's components behind the HTTP
// surface. All business CRUD lives elsewhere; this serves only the run
// stream, the workspace read views, and the operator endpoints.
type Server struct {
	pipeline *run.Pipeline
	gw       *objectstore.Gateway
	store    *workspace.Store
	engine   *workspace.Engine
	pool     *container.Pool

	heartbeatEvery time.Duration
	heartbeatMiss  int

	metricsHandler http.Handler
	mcpHandler     http.Handler

	log zerolog.Logger
}

func NewServer(pipeline *run.Pipeline, gw *objectstore.Gateway, store *workspace.Store, engine *workspace.Engine, pool *container.Pool, heartbeatEvery time.Duration, heartbeatMiss int, metricsHandler, mcpHandler http.Handler, log zerolog.Logger) *Server {
	return &Server{
		pipeline:       pipeline,
		gw:             gw,
		store:          store,
		engine:         engine,
		pool:           pool,
		heartbeatEvery: heartbeatEvery,
		heartbeatMiss:  heartbeatMiss,
		metricsHandler: metricsHandler,
		mcpHandler:     mcpHandler,
		log:            log.With().Str("subsystem", "httpapi").Logger(),
	}
}

// Router builds the chi routing table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/tenants/{tenant}/conversations/{conversation}", func(r chi.Router) {
		r.Post("/stream", s.handleStream)
		r.Get("/files", s.handleListFiles)
		r.Get("/files/download", s.handleDownload)
		r.Get("/files/presented", s.handlePresented)
		r.Delete("/files", s.handleDeleteFile)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}
	if s.mcpHandler != nil {
		r.Mount("/mcp", s.mcpHandler)
	}

	r.Route("/internal", func(r chi.Router) {
		r.Get("/containers", s.handleContainers)
		r.Post("/reap", s.handleReap)
		r.Get("/health", s.handleHealth)
		r.Get("/runs/{conversation}", s.handleRuns)
	})

	return r
}

// requestData is the `request_data` multipart part.
type requestData struct {
	UserInput       string            `json:"user_input"`
	Executor        run.Executor      `json:"executor"`
	Tokens          map[string]string `json:"tokens"`
	PreferredSkills []string          `json:"preferred_skills"`
}

// fileMetadata is one entry of the `file_metadata` part. Identifier
// suffixes in filename/relative_path are caller-generated and preserved
// verbatim.
type fileMetadata struct {
	Filename             string `json:"filename"`
	OriginalName         string `json:"original_name"`
	RelativePath         string `json:"relative_path"`
	OriginalRelativePath string `json:"original_relative_path"`
	ContentType          string `json:"content_type"`
	Size                 int64  `json:"size"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	conv := chi.URLParam(r, "conversation")

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, errs.Validationf("invalid multipart body: %v", err))
		return
	}
	var reqData requestData
	if raw := r.FormValue("request_data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &reqData); err != nil {
			writeError(w, errs.Validationf("invalid request_data: %v", err))
			return
		}
	}

	if err := s.storeUploads(r, tenant, conv); err != nil {
		writeError(w, err)
		return
	}

	pr, err := s.pipeline.Prepare(r.Context(), tenant, conv)
	if err != nil {
		writeError(w, err)
		return
	}

	framer, err := sse.NewFramer(w, conv, s.heartbeatEvery, s.heartbeatMiss)
	if err != nil {
		s.pipeline.Abort(r.Context(), pr, err)
		writeError(w, errs.Internalf("streaming unsupported by connection"))
		return
	}

	streamCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	agentReq := run.Request{
		UserInput:       reqData.UserInput,
		Executor:        reqData.Executor,
		Tokens:          reqData.Tokens,
		PreferredSkills: reqData.PreferredSkills,
	}

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		s.pipeline.Execute(streamCtx, pr, agentReq, framer)
	}()
	go func() {
		<-execDone
		deadline := time.Now().Add(2 * time.Second)
		for framer.Pending() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	// The handler goroutine owns the response writer; Run drains frames
	// and heartbeats until the run completes or the client goes away.
	if err := framer.Run(streamCtx); err != nil && err != context.Canceled {
		s.log.Debug().Err(err).Str("conversation_id", conv).Msg("sse stream ended")
	}
	<-execDone
	framer.Close()
}

// storeUploads persists each multipart file under the uploads/ reserved
// subtree, preserving caller-generated identifier suffixes verbatim.
func (s *Server) storeUploads(r *http.Request, tenant, conv string) error {
	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		return nil
	}
	metaByName := map[string]fileMetadata{}
	if raw := r.FormValue("file_metadata"); raw != "" {
		var metas []fileMetadata
		if err := json.Unmarshal([]byte(raw), &metas); err != nil {
			return errs.Validationf("invalid file_metadata: %v", err)
		}
		for _, m := range metas {
			metaByName[m.Filename] = m
		}
	}

	for _, hdr := range r.MultipartForm.File["files"] {
		f, err := hdr.Open()
		if err != nil {
			return errs.Infra("open uploaded file", err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return errs.Infra("read uploaded file", err)
		}

		meta, ok := metaByName[hdr.Filename]
		if !ok {
			meta = fileMetadata{Filename: hdr.Filename, OriginalName: hdr.Filename, RelativePath: hdr.Filename, OriginalRelativePath: hdr.Filename}
		}
		storedPath := workspace.UploadPath(meta.RelativePath)
		contentType := meta.ContentType
		if contentType == "" {
			contentType = hdr.Header.Get("Content-Type")
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		if err := s.gw.Put(r.Context(), tenant, conv, storedPath, data, contentType); err != nil {
			return err
		}
		if err := s.store.Upsert(r.Context(), tenant, workspace.Record{
			ConversationID:       conv,
			FilePath:             storedPath,
			OriginalName:         meta.OriginalName,
			OriginalRelativePath: meta.OriginalRelativePath,
			SizeBytes:            int64(len(data)),
			MimeType:             contentType,
			Source:               workspace.SourceUserUpload,
			ContentHash:          workspace.HashBytes(data),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "conversation"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": fileViews(records)})
}

func (s *Server) handlePresented(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Presented(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "conversation"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": fileViews(records)})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	conv := chi.URLParam(r, "conversation")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, errs.Validationf("path query parameter required"))
		return
	}
	data, err := s.gw.Get(r.Context(), tenant, conv, path)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, err := s.gw.Head(r.Context(), tenant, conv, path)
	contentType := "application/octet-stream"
	if err == nil && meta != nil && meta.MimeType != "" {
		contentType = meta.MimeType
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	conv := chi.URLParam(r, "conversation")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, errs.Validationf("path query parameter required"))
		return
	}
	if err := s.engine.ExplicitDelete(r.Context(), tenant, conv, s.store, path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": path})
}

func (s *Server) handleContainers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"containers": s.pool.Descriptors()})
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	n := s.pool.Reap(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"reaped": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Health())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "conversation")
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.pipeline.Runs().ByConversation(conv)})
}

// fileView is the read-model shape of a workspace record.
type fileView struct {
	FileID               string `json:"file_id"`
	FilePath             string `json:"file_path"`
	OriginalName         string `json:"original_name"`
	OriginalRelativePath string `json:"original_relative_path"`
	SizeBytes            int64  `json:"size_bytes"`
	MimeType             string `json:"mime_type"`
	Version              int    `json:"version"`
	Source               string `json:"source"`
	IsPresented          bool   `json:"is_presented"`
}

func fileViews(records []workspace.Record) []fileView {
	out := make([]fileView, 0, len(records))
	for _, rec := range records {
		out = append(out, fileView{
			FileID:               rec.FileID,
			FilePath:             rec.FilePath,
			OriginalName:         rec.OriginalName,
			OriginalRelativePath: rec.OriginalRelativePath,
			SizeBytes:            rec.SizeBytes,
			MimeType:             rec.MimeType,
			Version:              rec.Version,
			Source:               string(rec.Source),
			IsPresented:          rec.IsPresented,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	if e, ok := errs.As(err); ok {
		writeJSON(w, e.HTTPStatus(), map[string]any{"error": map[string]string{
			"code":    string(e.Code),
			"message": e.Message,
		}})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]string{
		"code":    string(errs.Internal),
		"message": "internal error",
	}})
}
