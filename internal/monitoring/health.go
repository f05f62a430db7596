// Package monitoring serves health, status and Prometheus endpoints for a
// process holding a loaded checkpoint.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-llamaload/internal/checkpoint"
	"github.com/23skdu/longbow-llamaload/internal/logger"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Model     ModelInfo     `json:"model"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	HeapMB       int    `json:"heap_mb"`
	HeapSysMB    int    `json:"heap_sys_mb"`
	NumGoroutine int    `json:"num_goroutine"`
}

// ModelInfo describes the checkpoint currently held, if any.
type ModelInfo struct {
	Loaded          bool   `json:"loaded"`
	Path            string `json:"path,omitempty"`
	FileSize        int64  `json:"file_size,omitempty"`
	StageMode       string `json:"stage_mode,omitempty"`
	Dim             int    `json:"dim,omitempty"`
	NumLayers       int    `json:"num_layers,omitempty"`
	NumHeads        int    `json:"num_heads,omitempty"`
	NumKVHeads      int    `json:"num_kv_heads,omitempty"`
	VocabSize       int    `json:"vocab_size,omitempty"`
	ContextLength   int    `json:"context_length,omitempty"`
	SharedEmbedding bool   `json:"shared_embedding,omitempty"`
}

type HealthMonitor struct {
	startTime time.Time

	mu      sync.RWMutex
	server  *http.Server
	stopped bool
	model   ModelInfo
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startTime: time.Now()}
}

// Handler routes /health, /healthz, /status and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until Stop is called and then returns http.ErrServerClosed.
// Start after Stop returns http.ErrServerClosed without listening.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	if hm.stopped {
		hm.mu.Unlock()
		return http.ErrServerClosed
	}
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.Info("Health monitor starting", "addr", addr)
	return srv.ListenAndServe()
}

// Stop shuts the server down gracefully. It is safe to call from another
// goroutine than Start, and before Start.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	hm.stopped = true
	srv := hm.server
	hm.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// SetModel records m as loaded. A nil model marks the process unloaded.
func (hm *HealthMonitor) SetModel(m *checkpoint.Model) {
	info := ModelInfo{}
	if m != nil {
		c := m.Config
		info = ModelInfo{
			Loaded:          true,
			Path:            m.Path,
			FileSize:        m.FileSize,
			StageMode:       m.StageMode().String(),
			Dim:             c.Dim,
			NumLayers:       c.NLayers,
			NumHeads:        c.NHeads,
			NumKVHeads:      c.NKVHeads,
			VocabSize:       c.VocabSize,
			ContextLength:   c.MaxSeqLen,
			SharedEmbedding: c.SharedEmbedding,
		}
	}
	hm.mu.Lock()
	hm.model = info
	hm.mu.Unlock()
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.getHealthStatus())
}

func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	hm.mu.RLock()
	model := hm.model
	hm.mu.RUnlock()

	status := "healthy"
	if !model.Loaded {
		status = "loading"
	}
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System:    getSystemInfo(),
		Model:     model,
	}
}

func getSystemInfo() SystemInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		HeapMB:       int(mem.HeapAlloc / 1024 / 1024),
		HeapSysMB:    int(mem.HeapSys / 1024 / 1024),
		NumGoroutine: runtime.NumGoroutine(),
	}
}
