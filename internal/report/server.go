package report

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/observability/metrics"
	"QuestPilot-Chain/internal/state"
	"QuestPilot-Chain/pkg/logger"

	"github.com/go-chi/chi/v5"
)

// Server 负责暴露只读的运行状态接口，开关接口是唯一的写操作。
type Server struct {
	addr    string
	state   *state.Context
	events  *MemoryPublisher
	journal ledger.JournalReader
	logger  *slog.Logger
}

// NewServer 构造报告服务。events 或 journal 为空时对应的查询接口返回 404。
func NewServer(addr string, st *state.Context, events *MemoryPublisher, journal ledger.JournalReader) *Server {
	return &Server{addr: addr, state: st, events: events, journal: journal, logger: logger.Named("report")}
}

// Handler 返回完整的路由，便于测试直接调用。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/rewards", s.handleRewards)
		r.Get("/rewards/summary", s.handleRewardSummary)
		r.Get("/swaps", s.handleSwaps)
		r.Get("/rpc", s.handleRPC)
		r.Get("/events", s.handleEvents)
		r.Get("/journal", s.handleJournal)
		r.Put("/toggles/{name}", s.handleToggle)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("报告接口已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusResponse struct {
	state.Snapshot
	AutoSell  bool `json:"auto_sell"`
	AutoStake bool `json:"auto_stake"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{
		Snapshot:  s.state.Snapshot(),
		AutoSell:  s.state.AutoSell(),
		AutoStake: s.state.AutoStake(),
	})
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	rewards := s.state.Rewards()
	if limit := queryLimit(r); limit > 0 && limit < len(rewards) {
		rewards = rewards[len(rewards)-limit:]
	}
	respondJSON(w, http.StatusOK, rewards)
}

func (s *Server) handleRewardSummary(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.state.RewardSummary())
}

func (s *Server) handleSwaps(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.state.Swaps())
}

type rpcResponse struct {
	Switches int              `json:"switches"`
	Errors   []state.RPCError `json:"errors"`
}

func (s *Server) handleRPC(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, rpcResponse{Switches: s.state.SwitchCount(), Errors: s.state.RPCErrors()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotFound, "未启用内存事件")
		return
	}
	respondJSON(w, http.StatusOK, s.events.Recent(queryLimit(r)))
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotFound, "未启用交易流水")
		return
	}
	entries, err := s.journal.ListLatest(r.Context(), queryLimit(r))
	if err != nil {
		s.logger.Warn("读取交易流水失败", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "读取交易流水失败")
		return
	}
	if entries == nil {
		entries = []ledger.JournalEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "请求体需要 enabled 字段")
		return
	}

	name := chi.URLParam(r, "name")
	switch name {
	case "auto-sell":
		s.state.SetAutoSell(*req.Enabled)
	case "auto-stake":
		s.state.SetAutoStake(*req.Enabled)
	default:
		respondError(w, http.StatusNotFound, "未知的开关: "+name)
		return
	}
	s.logger.Info("开关已修改", slog.String("toggle", name), slog.Bool("enabled", *req.Enabled))
	logger.Audit().Info("toggle_changed", slog.String("toggle", name), slog.Bool("enabled", *req.Enabled))
	respondJSON(w, http.StatusOK, map[string]bool{"auto_sell": s.state.AutoSell(), "auto_stake": s.state.AutoStake()})
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe 以路由模板为标签记录请求指标。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
