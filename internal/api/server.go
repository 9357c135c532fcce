package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"StratVault-Chain/internal/accesscontrol"
	"StratVault-Chain/internal/bridge"
	xerrors "StratVault-Chain/internal/errors"
	"StratVault-Chain/internal/ledger"
	"StratVault-Chain/internal/observability/metrics"
	"StratVault-Chain/internal/router"
)

// identityHeader 携带调用方身份。资金入口的权限判定全部基于它。
const identityHeader = "X-Caller-Identity"

// Server 负责暴露 REST 接口，供外部驱动资金托管引擎。
type Server struct {
	addr   string
	ledger *ledger.Service
	router *router.Router
	bridge *bridge.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ledgerSvc *ledger.Service, routerSvc *router.Router, bridgeSvc *bridge.Service) *Server {
	return &Server{addr: addr, ledger: ledgerSvc, router: routerSvc, bridge: bridgeSvc}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/deposits", s.instrument("deposits", s.handleDeposit))
	mux.HandleFunc("/api/v1/withdrawals", s.instrument("withdrawals", s.handleWithdraw))
	mux.HandleFunc("/api/v1/positions/", s.instrument("positions", s.handleGetPosition))
	mux.HandleFunc("/api/v1/strategies", s.instrument("strategies", s.handleStrategies))
	mux.HandleFunc("/api/v1/strategies/", s.instrument("strategy", s.handleStrategyByID))
	mux.HandleFunc("/api/v1/peg", s.instrument("peg", s.handlePeg))
	mux.HandleFunc("/api/v1/stats", s.instrument("stats", s.handleStats))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := s.mux()

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type amountRequest struct {
	Owner  string `json:"owner"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	pos, err := s.ledger.Deposit(r.Context(), req.Owner, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	pos, err := s.ledger.Withdraw(r.Context(), req.Owner, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	owner := strings.TrimPrefix(r.URL.Path, "/api/v1/positions/")
	if owner == "" || strings.Contains(owner, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 owner"))
		return
	}
	pos, err := s.ledger.GetPosition(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

type proposeRequest struct {
	Owner       string              `json:"owner"`
	Allocations []ledger.Allocation `json:"allocations"`
	TotalAmount int64               `json:"total_amount"`
}

type proposeResponse struct {
	StrategyID uint64 `json:"strategy_id"`
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleProposeStrategy(w, r)
	case http.MethodGet:
		s.handleListStrategies(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProposeStrategy(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	id, err := s.ledger.ProposeStrategy(r.Context(), callerIdentity(r), req.Owner, req.Allocations, req.TotalAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposeResponse{StrategyID: id})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	var opts []ledger.ListOption
	if owner := r.URL.Query().Get("owner"); owner != "" {
		opts = append(opts, ledger.WithOwner(owner))
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses := make([]ledger.Status, 0, 3)
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, ledger.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, ledger.WithStatuses(statuses...))
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, ledger.WithLimit(parsed))
		}
	}
	strategies, err := s.ledger.ListStrategies(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, strategies)
}

type executeResponse struct {
	Strategy   *ledger.Strategy `json:"strategy"`
	MessageIDs []string         `json:"message_ids,omitempty"`
}

func (s *Server) handleStrategyByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/strategies/")
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 非法"))
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		strategy, err := s.ledger.GetStrategy(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, strategy)
	case len(parts) == 2 && parts[1] == "approve" && r.Method == http.MethodPost:
		strategy, err := s.ledger.ApproveStrategy(r.Context(), callerIdentity(r), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, strategy)
	case len(parts) == 2 && parts[1] == "execute" && r.Method == http.MethodPost:
		if s.router == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调度层未初始化"))
			return
		}
		strategy, messageIDs, err := s.router.ExecuteFullStrategy(r.Context(), callerIdentity(r), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, executeResponse{Strategy: strategy, MessageIDs: messageIDs})
	default:
		http.Error(w, "未知路径", http.StatusNotFound)
	}
}

type pegResponse struct {
	Pegged bool `json:"pegged"`
}

func (s *Server) handlePeg(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	pegged, err := s.ledger.ValidatePeg(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pegResponse{Pegged: pegged})
}

type statsResponse struct {
	Ledger         ledger.Stats `json:"ledger"`
	Custody        int64        `json:"custody"`
	RouterHoldings int64        `json:"router_holdings"`
	BridgeInbound  int64        `json:"bridge_inbound"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statsResponse{Ledger: stats, Custody: s.ledger.Custody()}
	if s.router != nil {
		resp.RouterHoldings = s.router.Holdings()
	}
	if s.bridge != nil {
		resp.BridgeInbound = s.bridge.InboundTotal()
	}
	writeJSON(w, http.StatusOK, resp)
}

func callerIdentity(r *http.Request) accesscontrol.Identity {
	return accesscontrol.Identity(strings.TrimSpace(r.Header.Get(identityHeader)))
}

// instrument 记录每个入口的请求量与时延。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{}
	body.Error.Code = string(xerrors.CodeOf(err))
	body.Error.Message = err.Error()
	writeJSON(w, statusOf(err), body)
}

// statusOf 把领域错误码映射到 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case accesscontrol.CodeOnlyOwner, accesscontrol.CodeOnlyRouter:
		return http.StatusForbidden
	case xerrors.CodeNotFound, ledger.CodeStrategyNotFound:
		return http.StatusNotFound
	case xerrors.CodeInvalidArgument, ledger.CodeInvalidAmount:
		return http.StatusBadRequest
	case ledger.CodeStrategyNotApproved, ledger.CodeStrategyExecuted,
		router.CodeProtocolNotActive, bridge.CodeChainNotAllowed,
		bridge.CodeInvalidReceiver, bridge.CodeMessageAlreadyProcessed:
		return http.StatusConflict
	case ledger.CodeInsufficientBalance, router.CodeInsufficientFunds, bridge.CodeInsufficientFees:
		return http.StatusUnprocessableEntity
	case ledger.CodeStalePriceFeed, xerrors.CodeStaleData:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务正在关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
