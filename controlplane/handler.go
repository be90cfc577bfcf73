// Package controlplane serves the HTTP surface of the bridge: an
// authenticated REST face over the process pool that stdio adapters and
// operators talk to. Tool, resource, and prompt listings plus tool calls are
// proxied to the pool; the initialize handshake is answered locally so
// clients never negotiate with individual subprocesses.
package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-bridge-go/audit"
	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/policy"
	"github.com/ggoodman/mcp-bridge-go/pool"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	requestIDHeader       = "X-Request-Id"

	maxBodyBytes = 4 << 20
)

// Actions evaluated against the policy engine.
const (
	ActionInitialize    = "initialize"
	ActionToolsList     = "tools/list"
	ActionToolsCall     = "tools/call"
	ActionResourcesList = "resources/list"
	ActionPromptsList   = "prompts/list"
)

// writeJSONError emits a minimal JSON error body. The code carried in the
// body is a JSON-RPC error code, not the HTTP status, so stdio adapters can
// relay it unchanged. Shape: {"error":{"code":<rpcCode>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	policy     *policy.Engine
	audit      audit.Sink
	serverInfo mcp.ImplementationInfo
	realm      string
}

// WithLogger sets the slog logger used by the handler. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithPolicy installs a policy engine consulted after authentication and
// before routing. Without one, every authenticated request is allowed.
func WithPolicy(e *policy.Engine) Option {
	return func(c *newConfig) { c.policy = e }
}

// WithAudit installs the sink receiving one audit event per authenticated
// operation. Defaults to audit.Discard.
func WithAudit(s audit.Sink) Option {
	return func(c *newConfig) { c.audit = s }
}

// WithServerInfo sets the implementation info returned from the initialize
// handshake and surfaced in health responses.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *newConfig) { c.serverInfo = info }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted per RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler is the control plane's http.Handler.
type Handler struct {
	mux        *http.ServeMux
	log        *slog.Logger
	auth       auth.Authenticator
	policy     *policy.Engine
	audit      audit.Sink
	pool       *pool.Manager
	serverInfo mcp.ImplementationInfo
	realm      string
}

// New builds the control plane handler over the given pool and
// authenticator.
func New(mgr *pool.Manager, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if mgr == nil {
		return nil, fmt.Errorf("pool manager is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	cfg := newConfig{
		audit:      audit.Discard,
		serverInfo: mcp.ImplementationInfo{Name: "mcp-bridge", Version: "0.0.0"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	h := &Handler{
		log:        cfg.logger,
		auth:       authenticator,
		policy:     cfg.policy,
		audit:      cfg.audit,
		pool:       mgr,
		serverInfo: cfg.serverInfo,
		realm:      cfg.realm,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp/initialize", h.handleInitialize)
	mux.HandleFunc("GET /mcp/tools", h.handleListTools)
	mux.HandleFunc("POST /mcp/tools/call", h.handleCallTool)
	mux.HandleFunc("GET /mcp/resources", h.handleListResources)
	mux.HandleFunc("GET /mcp/prompts", h.handleListPrompts)
	mux.HandleFunc("GET /health", h.handleHealth)
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set(requestIDHeader, reqID)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})))
}

// checkAuthentication resolves the bearer token on the request. On failure it
// writes the response (challenge included) and returns nil.
func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request) auth.UserInfo {
	ctx := r.Context()
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750: no credentials presented, so no error code on the challenge.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		writeJSONError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeUnauthorized, "missing bearer token")
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "malformed bearer authorization header")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "empty bearer token")
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			writeJSONError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeUnauthorized, "invalid bearer token")
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "authentication failure")
		return nil
	}

	return userInfo
}

// authorize consults the policy engine. On denial it writes the response,
// records the audit event, and returns false.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, user auth.UserInfo, action, resource string) bool {
	if h.policy == nil {
		return true
	}
	decision := h.policy.Evaluate(policy.Input{
		Principal: user.UserID(),
		Action:    action,
		Resource:  resource,
	})
	if decision.Allowed {
		return true
	}
	ctx := r.Context()
	h.log.InfoContext(ctx, "policy.deny",
		slog.String("principal", user.UserID()),
		slog.String("action", action),
		slog.String("resource", resource),
	)
	h.record(r, audit.Event{
		Principal: user.UserID(),
		Action:    action,
		Resource:  resource,
		Decision:  audit.DecisionDeny,
		Outcome:   audit.OutcomeError,
		ErrorCode: int(jsonrpc.ErrorCodeForbidden),
	})
	writeJSONError(w, http.StatusForbidden, jsonrpc.ErrorCodeForbidden, fmt.Sprintf("policy denies %s", action))
	return false
}

func (h *Handler) record(r *http.Request, ev audit.Event) {
	ctx := r.Context()
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if rd := logctx.RequestDataFromContext(ctx); rd != nil {
		ev.RequestID = rd.RequestID
	}
	ev.RemoteAddr = r.RemoteAddr
	if err := h.audit.Record(ctx, ev); err != nil {
		h.log.WarnContext(ctx, "audit.record.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, result any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.log.ErrorContext(r.Context(), "response.encode.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	user := h.checkAuthentication(w, r)
	if user == nil {
		return
	}
	if !h.authorize(w, r, user, ActionInitialize, "") {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body")
		return
	}
	var initReq mcp.InitializeRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &initReq); err != nil {
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON body")
			return
		}
	}

	h.log.InfoContext(r.Context(), "mcp.initialize",
		slog.String("principal", user.UserID()),
		slog.String("client", initReq.ClientInfo.Name),
		slog.String("client_protocol", initReq.ProtocolVersion),
	)
	h.record(r, audit.Event{
		Principal: user.UserID(),
		Action:    ActionInitialize,
		Decision:  audit.DecisionAllow,
		Outcome:   audit.OutcomeOK,
	})

	h.writeResult(w, r, mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{},
			Resources: &mcp.ResourcesCapability{},
			Prompts:   &mcp.PromptsCapability{},
		},
		ServerInfo: h.serverInfo,
	})
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	user := h.checkAuthentication(w, r)
	if user == nil {
		return
	}
	if !h.authorize(w, r, user, ActionToolsList, "") {
		return
	}

	start := time.Now()
	tools := h.pool.ListTools()
	h.record(r, audit.Event{
		Principal:  user.UserID(),
		Action:     ActionToolsList,
		Decision:   audit.DecisionAllow,
		Outcome:    audit.OutcomeOK,
		DurationMS: time.Since(start).Milliseconds(),
	})
	h.writeResult(w, r, mcp.ListToolsResult{Tools: tools})
}

func (h *Handler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	user := h.checkAuthentication(w, r)
	if user == nil {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body")
		return
	}
	var callReq mcp.CallToolRequest
	if err := json.Unmarshal(body, &callReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON body")
		return
	}
	if callReq.Name == "" {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidParams, "tool name is required")
		return
	}

	if !h.authorize(w, r, user, ActionToolsCall, callReq.Name) {
		return
	}

	ctx := r.Context()
	start := time.Now()
	result, err := h.pool.CallTool(ctx, callReq.Name, callReq.Arguments)
	ev := audit.Event{
		Principal:  user.UserID(),
		Action:     ActionToolsCall,
		Resource:   callReq.Name,
		Decision:   audit.DecisionAllow,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status, code := mapPoolError(err)
		ev.Outcome = audit.OutcomeError
		ev.ErrorCode = int(code)
		h.record(r, ev)
		h.log.WarnContext(ctx, "tools.call.fail",
			slog.String("tool", callReq.Name),
			slog.String("err", err.Error()),
		)
		writeJSONError(w, status, code, err.Error())
		return
	}

	ev.Outcome = audit.OutcomeOK
	if result.IsError {
		ev.Outcome = audit.OutcomeError
	}
	h.record(r, ev)
	h.writeResult(w, r, result)
}

func (h *Handler) handleListResources(w http.ResponseWriter, r *http.Request) {
	user := h.checkAuthentication(w, r)
	if user == nil {
		return
	}
	if !h.authorize(w, r, user, ActionResourcesList, "") {
		return
	}

	start := time.Now()
	resources := h.pool.ListResources(r.Context())
	h.record(r, audit.Event{
		Principal:  user.UserID(),
		Action:     ActionResourcesList,
		Decision:   audit.DecisionAllow,
		Outcome:    audit.OutcomeOK,
		DurationMS: time.Since(start).Milliseconds(),
	})
	h.writeResult(w, r, mcp.ListResourcesResult{Resources: resources})
}

func (h *Handler) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	user := h.checkAuthentication(w, r)
	if user == nil {
		return
	}
	if !h.authorize(w, r, user, ActionPromptsList, "") {
		return
	}

	start := time.Now()
	prompts := h.pool.ListPrompts(r.Context())
	h.record(r, audit.Event{
		Principal:  user.UserID(),
		Action:     ActionPromptsList,
		Decision:   audit.DecisionAllow,
		Outcome:    audit.OutcomeOK,
		DurationMS: time.Since(start).Milliseconds(),
	})
	h.writeResult(w, r, mcp.ListPromptsResult{Prompts: prompts})
}

// HealthResponse is the unauthenticated health report.
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Version    string            `json:"version"`
	MCPServers map[string]string `json:"mcp_servers"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, r, HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    h.serverInfo.Version,
		MCPServers: h.pool.States(),
	})
}

// mapPoolError translates pool failures into an HTTP status and the JSON-RPC
// code relayed to stdio clients.
func mapPoolError(err error) (int, jsonrpc.ErrorCode) {
	var serverErr *pool.ServerError
	switch {
	case errors.As(err, &serverErr):
		return http.StatusBadGateway, serverErr.Code
	case errors.Is(err, pool.ErrNoOwner):
		return http.StatusNotFound, jsonrpc.ErrorCodeNoOwner
	case errors.Is(err, pool.ErrServerBusy):
		return http.StatusTooManyRequests, jsonrpc.ErrorCodeServerBusy
	case errors.Is(err, pool.ErrCallTimeout):
		return http.StatusGatewayTimeout, jsonrpc.ErrorCodeTimeout
	case errors.Is(err, pool.ErrServerUnavailable), errors.Is(err, pool.ErrServerFatal):
		return http.StatusServiceUnavailable, jsonrpc.ErrorCodeServerUnavailable
	default:
		return http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError
	}
}
