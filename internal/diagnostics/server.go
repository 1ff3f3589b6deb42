// Package diagnostics serves the loopback JSON endpoint that exposes GPU
// state and a few control operations.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/breeze-rmm/gpuhost/internal/domainblock"
	"github.com/breeze-rmm/gpuhost/internal/gpudata"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/gpuprocess"
	"github.com/breeze-rmm/gpuhost/internal/health"
	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/shadercache"
	"github.com/breeze-rmm/gpuhost/internal/websocket"
)

var log = logging.L("diagnostics")

const (
	maxBodyBytes    = 64 * 1024
	requestTimeout  = 30 * time.Second
	logPollInterval = time.Second
)

// Processes is the part of the process registry diagnostics drives.
type Processes interface {
	Hosts(ctx context.Context) []gpuprocess.HostStatus
	Counters() gpuprocess.Counters
	EstablishChannel(ctx context.Context, params ipc.EstablishChannelParams) (gpuprocess.ChannelResult, error)
	Send(kind gpuprocess.Kind, msgType string, payload any) error
}

// Options configures a Server.
type Options struct {
	Addr      string
	MaxConns  int
	Manager   *gpudata.Manager
	Processes Processes
	Health    *health.Monitor
	// Cache is optional.
	Cache *shadercache.Cache
}

// Server is the diagnostics HTTP server. It also observes the manager and
// republishes its notifications on the websocket stream.
type Server struct {
	opts Options
	hub  *websocket.Hub
	srv  *http.Server

	mu      sync.Mutex
	ln      net.Listener
	lastLog time.Time
}

// New builds the server and registers it as a manager observer.
func New(opts Options) *Server {
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	s := &Server{opts: opts, hub: websocket.NewHub()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /gpu", s.handleGPU)
	mux.HandleFunc("GET /domains", s.handleDomains)
	mux.HandleFunc("POST /domains/block", s.handleBlockDomain)
	mux.HandleFunc("POST /domains/unblock", s.handleUnblockDomain)
	mux.HandleFunc("POST /channels", s.handleEstablishChannel)
	mux.HandleFunc("POST /gpu/crash", s.handleSend(ipc.TypeCrash))
	mux.HandleFunc("POST /gpu/hang", s.handleSend(ipc.TypeHang))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /ws", s.hub)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	opts.Manager.AddObserver(s)
	s.refreshHealth()
	return s
}

// Handler exposes the routes for in-process tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Listen binds the configured address, capping concurrent connections.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: listen %s: %w", s.opts.Addr, err)
	}
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve runs until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.ln
		s.mu.Unlock()
	}
	log.Info("diagnostics listening", logging.KeyURL, "http://"+ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errc:
			s.close()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("diagnostics: serve: %w", err)
		case <-ticker.C:
			s.publishNewLogMessages()
		case <-ctx.Done():
			s.close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("diagnostics: shutdown: %w", err)
			}
			return nil
		}
	}
}

func (s *Server) close() {
	s.opts.Manager.RemoveObserver(s)
	s.hub.Close()
}

// publishNewLogMessages streams GPU log messages added since the last poll.
func (s *Server) publishNewLogMessages() {
	msgs := s.opts.Manager.LogMessages()
	s.mu.Lock()
	last := s.lastLog
	var fresh []gpudata.LogMessage
	for _, m := range msgs {
		if m.Time.After(last) {
			fresh = append(fresh, m)
			s.lastLog = m.Time
		}
	}
	s.mu.Unlock()
	for _, m := range fresh {
		s.publish("log_message", m)
	}
}

func (s *Server) publish(eventType string, data any) {
	if err := s.hub.Publish(eventType, data); err != nil {
		log.Warn("publish failed", "type", eventType, logging.KeyError, err)
	}
}

// refreshHealth derives component health from the manager and registry.
func (s *Server) refreshHealth() {
	mon := s.opts.Health
	snap := s.opts.Manager.Snapshot()
	switch {
	case !snap.AccessAllowed:
		mon.Update(health.ComponentGPUAccess, health.Unhealthy, snap.AccessReason)
	case !snap.HardwareEnabled || snap.UseSwiftShader:
		mon.Update(health.ComponentGPUAccess, health.Degraded, "software rendering")
	default:
		mon.Update(health.ComponentGPUAccess, health.Healthy, "")
	}

	if s.opts.Processes != nil {
		c := s.opts.Processes.Counters()
		switch {
		case !c.GPUEnabled && !c.HardwareGPUEnabled:
			mon.Update(health.ComponentGPUProcess, health.Unhealthy, "GPU process disabled after repeated crashes")
		case c.RecentCrashCount > 0 || !c.HardwareGPUEnabled:
			mon.Update(health.ComponentGPUProcess, health.Degraded, fmt.Sprintf("%d recent crashes", c.RecentCrashCount))
		default:
			mon.Update(health.ComponentGPUProcess, health.Healthy, "")
		}
	}
}

// OnGpuInfoUpdate implements gpudata.Observer.
func (s *Server) OnGpuInfoUpdate() {
	s.refreshHealth()
	s.publish("gpu_info_update", s.opts.Manager.Snapshot())
}

// OnVideoMemoryUsageStatsUpdate implements gpudata.Observer.
func (s *Server) OnVideoMemoryUsageStatsUpdate(stats gpuinfo.VideoMemoryUsageStats) {
	s.publish("video_memory_usage_stats", stats)
}

// OnGpuProcessCrashed implements gpudata.Observer.
func (s *Server) OnGpuProcessCrashed(exitCode int) {
	s.refreshHealth()
	s.publish("gpu_process_crashed", map[string]int{"exit_code": exitCode})
}

// OnDidBlock3DAPIs implements gpudata.Observer.
func (s *Server) OnDidBlock3DAPIs(url string, requester gpudata.Requester) {
	s.publish("did_block_3d_apis", map[string]string{"url": url, "requester": requester.String()})
}

// OnGpuSwitching implements gpudata.Observer.
func (s *Server) OnGpuSwitching() {
	s.publish("gpu_switching", nil)
}

type gpuResponse struct {
	gpudata.Snapshot
	Hosts       []gpuprocess.HostStatus `json:"hosts"`
	Counters    *gpuprocess.Counters    `json:"counters,omitempty"`
	ShaderCache *shadercache.Stats      `json:"shader_cache,omitempty"`
}

func (s *Server) handleGPU(w http.ResponseWriter, r *http.Request) {
	resp := gpuResponse{Snapshot: s.opts.Manager.Snapshot()}
	if p := s.opts.Processes; p != nil {
		resp.Hosts = p.Hosts(r.Context())
		c := p.Counters()
		resp.Counters = &c
	}
	if s.opts.Cache != nil {
		if st, err := s.opts.Cache.Stats(r.Context()); err == nil {
			resp.ShaderCache = &st
		} else {
			log.Warn("shader cache stats failed", logging.KeyError, err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	domains := s.opts.Manager.BlockedDomains()
	if domains == nil {
		domains = []domainblock.Entry{}
	}
	writeJSON(w, http.StatusOK, domains)
}

// DomainRequest is the body of the block and unblock endpoints.
type DomainRequest struct {
	URL   string `json:"url"`
	Guilt string `json:"guilt,omitempty"`
}

func (s *Server) handleBlockDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	guilt := domainblock.GuiltKnown
	switch req.Guilt {
	case "", "known":
	case "unknown":
		guilt = domainblock.GuiltUnknown
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown guilt %q", req.Guilt))
		return
	}
	s.opts.Manager.BlockDomainFrom3DAPIs(req.URL, guilt)
	log.Info("domain blocked", logging.KeyURL, req.URL, "guilt", guilt.String())
	writeJSON(w, http.StatusOK, map[string]string{"domain": domainblock.DomainOf(req.URL)})
}

func (s *Server) handleUnblockDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	s.opts.Manager.UnblockDomainFrom3DAPIs(req.URL)
	log.Info("domain unblocked", logging.KeyURL, req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"domain": domainblock.DomainOf(req.URL)})
}

type channelResponse struct {
	Status  string            `json:"status"`
	Handle  ipc.ChannelHandle `json:"handle"`
	GPUInfo gpuinfo.GPUInfo   `json:"gpu_info"`
}

func (s *Server) handleEstablishChannel(w http.ResponseWriter, r *http.Request) {
	if s.opts.Processes == nil {
		writeError(w, http.StatusServiceUnavailable, gpuprocess.ErrNoHost)
		return
	}
	var params ipc.EstablishChannelParams
	if !decodeBody(w, r, &params) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := s.opts.Processes.EstablishChannel(ctx, params)
	switch {
	case errors.Is(err, gpuprocess.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, gpuprocess.ErrHostInvalid), errors.Is(err, gpuprocess.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, gpuprocess.ErrChannelFailed):
		writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, channelResponse{Status: res.Status.String(), Handle: res.Handle, GPUInfo: res.GPUInfo})
	}
}

// handleSend forwards a control message to an existing GPU process. The
// kind query parameter selects the process.
func (s *Server) handleSend(msgType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Processes == nil {
			writeError(w, http.StatusServiceUnavailable, gpuprocess.ErrNoHost)
			return
		}
		kind, err := gpuprocess.ParseKind(r.URL.Query().Get("kind"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.opts.Processes.Send(kind, msgType, nil); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, gpuprocess.ErrNoHost) {
				status = http.StatusNotFound
			}
			writeError(w, status, err)
			return
		}
		log.Warn("control message sent to GPU process", logging.KeyMsgType, msgType, logging.KeyKind, kind.String())
		writeJSON(w, http.StatusAccepted, map[string]string{"sent": msgType, "kind": kind.String()})
	}
}

type healthResponse struct {
	Status health.Status  `json:"status"`
	Checks []health.Check `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.refreshHealth()
	overall := s.opts.Health.Overall()
	code := http.StatusOK
	if overall == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: overall, Checks: s.opts.Health.All()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", logging.KeyError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
