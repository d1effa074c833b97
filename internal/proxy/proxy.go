package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/docker/go-connections/sockets"
	"github.com/rs/zerolog"
)

const maxBodyCap = 10 * 1024 * 1024 // oversized request bodies are rejected with 413

// SignerResolver maps a signing-profile name to the Signer that implements
// it, so the Proxy stays agnostic to how many profiles a deployment
// configures.
type SignerResolver func(profile string) (Signer, bool)

// Handler is a single container's credential-injection proxy: it serves
// one container's Unix socket with one whitelist view and one audit sink.
// A Server (below) owns the sockets and the map from container id to Handler.
type Handler struct {
	containerID string
	whitelist   *Whitelist
	resolve     SignerResolver
	audit       *AuditSink
	log         zerolog.Logger
	client      *http.Client
}

// NewHandler builds the per-container proxy handler.
func NewHandler(containerID string, wl *Whitelist, resolve SignerResolver, audit *AuditSink, log zerolog.Logger) *Handler {
	return &Handler{
		containerID: containerID,
		whitelist:   wl,
		resolve:     resolve,
		audit:       audit,
		log:         log.With().Str("subsystem", "proxy").Str("container_id", containerID).Logger(),
		client:      &http.Client{Timeout: 60 * time.Second},
	}
}

// ServeHTTP handles plain HTTP requests and CONNECT tunnels arriving on
// this container's socket: whitelist check, signing, forward.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}
	h.handleHTTP(w, r)
}

func (h *Handler) handleHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	entry, ok := h.whitelist.Match(host, r.Method)
	if !ok {
		h.deny(w, host, r.Method)
		return
	}
	h.audit.RecordAllowed()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyCap+1))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadGateway)
		return
	}
	if len(body) > maxBodyCap {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "build upstream request", http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Proxy-Authorization")

	if entry.SigningProfile != "" {
		signer, ok := h.resolve(entry.SigningProfile)
		if !ok {
			h.log.Error().Str("profile", entry.SigningProfile).Msg("unknown signing profile")
			http.Error(w, "signing profile unavailable", http.StatusBadGateway)
			return
		}
		if err := signer.Sign(r.Context(), outReq, body); err != nil {
			// Never leak credential material into an error body.
			h.log.Error().Err(safeErr(err)).Msg("request signing failed")
			http.Error(w, "upstream signing failed", http.StatusBadGateway)
			return
		}
	}

	resp, err := h.client.Do(outReq)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleConnect bridges a TLS tunnel after whitelist approval. Bytes are
// never inspected once the tunnel is up, and signing profiles requiring
// header injection are rejected here rather than silently skipped.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	entry, ok := h.whitelist.Match(host, http.MethodConnect)
	if !ok {
		h.deny(w, host, http.MethodConnect)
		return
	}
	if entry.SigningProfile != "" {
		if signer, found := h.resolve(entry.SigningProfile); found && !signer.AllowsConnect() {
			http.Error(w, "signing profile requires TLS termination at the proxy", http.StatusBadGateway)
			return
		}
	}
	h.audit.RecordAllowed()

	targetConn, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		http.Error(w, "upstream dial failed", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		targetConn.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		targetConn.Close()
		return
	}
	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			clientConn.Close()
			targetConn.Close()
		})
	}
	go func() { _, _ = io.Copy(targetConn, clientConn); closeBoth() }()
	go func() { _, _ = io.Copy(clientConn, targetConn); closeBoth() }()
}

// deny is the generic-message path/.5: no host detail is echoed
// beyond what the sandbox already sent, and the audit record captures the
// real decision for operators.
func (h *Handler) deny(w http.ResponseWriter, host, method string) {
	h.audit.Record(AuditRecord{ContainerID: h.containerID, Host: host, Method: method, Timestamp: time.Now()})
	http.Error(w, "destination not permitted", http.StatusForbidden)
}

// safeErr strips an error down to its type name so a signing failure
// never forwards a credential-bearing message into logs, matching the
// credential-containment invariant verbatim.
func safeErr(err error) error {
	return fmt.Errorf("%T", err)
}

// Server owns one Handler (and its listening Unix socket) per container,
// keyed by socket-path <-> container-id; request handling itself is
// stateless.
type Server struct {
	mu       sync.Mutex
	handlers map[string]*handlerListener
	wl       *Whitelist
	resolve  SignerResolver
	log      zerolog.Logger
}

type handlerListener struct {
	listener net.Listener
	srv      *http.Server
}

func NewServer(wl *Whitelist, resolve SignerResolver, log zerolog.Logger) *Server {
	return &Server{
		handlers: make(map[string]*handlerListener),
		wl:       wl,
		resolve:  resolve,
		log:      log.With().Str("subsystem", "proxy_server").Logger(),
	}
}

// Bind pre-binds a container's Unix socket before the container starts.
// uid restricts socket permissions to the container's mapped UID.
func (s *Server) Bind(containerID, socketPath string, uid int, audit *AuditSink) error {
	ln, err := sockets.NewUnixSocket(socketPath, uid)
	if err != nil {
		return fmt.Errorf("bind proxy socket %s: %w", socketPath, err)
	}
	if err := os.Chown(socketPath, uid, -1); err != nil {
		ln.Close()
		return fmt.Errorf("restrict proxy socket %s to uid %d: %w", socketPath, uid, err)
	}

	h := NewHandler(containerID, s.wl, s.resolve, audit, s.log)
	httpSrv := &http.Server{Handler: h}

	s.mu.Lock()
	s.handlers[containerID] = &handlerListener{listener: ln, srv: httpSrv}
	s.mu.Unlock()

	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Warn().Err(err).Str("container_id", containerID).Msg("proxy socket server exited")
		}
	}()
	return nil
}

// Unbind shuts down and removes a container's socket on release.
func (s *Server) Unbind(containerID, socketPath string) {
	s.mu.Lock()
	hl, ok := s.handlers[containerID]
	delete(s.handlers, containerID)
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = hl.srv.Shutdown(ctx)
	_ = os.Remove(socketPath)
}
