package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/git-hunters/githunters/internal/httputil"
)

type chainHealth struct {
	Configured  bool   `json:"configured"`
	ChainID     string `json:"chainId,omitempty"`
	LatestBlock uint64 `json:"latestBlock,omitempty"`
	Signer      string `json:"signer,omitempty"`
	Error       string `json:"error,omitempty"`
}

type hostHealth struct {
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
	Load1             float64 `json:"load1"`
}

type healthResponse struct {
	Status    string      `json:"status"`
	Version   string      `json:"version"`
	Uptime    string      `json:"uptime"`
	Timestamp time.Time   `json:"timestamp"`
	Database  string      `json:"database"`
	Chain     chainHealth `json:"chain"`
	Host      *hostHealth `json:"host,omitempty"`
	Indexer   interface{} `json:"indexer,omitempty"`
	Clients   int         `json:"websocketClients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Version:   s.opts.Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Database:  "ok",
	}
	status := http.StatusOK

	if err := s.deps.Store.Ping(ctx); err != nil {
		resp.Database = err.Error()
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	if c := s.deps.Chain; c != nil {
		resp.Chain.Configured = true
		resp.Chain.ChainID = c.ChainID().String()
		if op, ok := c.Operator(); ok {
			resp.Chain.Signer = op.Hex()
		}
		if head, err := c.BlockNumber(ctx); err != nil {
			resp.Chain.Error = err.Error()
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		} else {
			resp.Chain.LatestBlock = head
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.Host = &hostHealth{MemoryUsedPercent: vm.UsedPercent}
		if avg, err := load.AvgWithContext(ctx); err == nil {
			resp.Host.Load1 = avg.Load1
		}
	}

	if s.deps.Indexer != nil {
		resp.Indexer = s.deps.Indexer.Status()
	}
	if s.deps.Hub != nil {
		resp.Clients = s.deps.Hub.Len()
	}

	httputil.WriteJSON(w, status, resp)
}
