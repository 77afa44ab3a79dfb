// Package stdio serves line-delimited JSON-RPC 2.0 over a reader/writer
// pair, the transport MCP clients spawn the server under. Requests are
// handled sequentially in arrival order; a line that is not valid JSON gets
// a parse-error response and a request without a method an invalid-request
// response, rather than killing the session, and
// notifications (no id) are accepted and dropped.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/researchmcp/orchestrator/internal/errkind"
	"github.com/researchmcp/orchestrator/internal/telemetry"
	"github.com/researchmcp/orchestrator/transport"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type (
	request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  any             `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	toolCallParams struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	// Server runs the JSON-RPC loop against a Router.
	Server struct {
		router *transport.Router
		logger telemetry.Logger
		reader *bufio.Reader
		mu     sync.Mutex
		writer *bufio.Writer
	}
)

// New constructs a Server reading requests from r and writing responses to w.
func New(router *transport.Router, logger telemetry.Logger, r io.Reader, w io.Writer) *Server {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Server{
		router: router,
		logger: logger,
		reader: bufio.NewReader(r),
		writer: bufio.NewWriter(w),
	}
}

// Run reads and serves requests until the reader closes or ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.handle(ctx, []byte(line))
	}
}

func (s *Server) handle(ctx context.Context, raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reply(response{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if req.Method == "" {
		s.reply(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "missing method"}})
		return
	}
	// Notifications get no response.
	if len(req.ID) == 0 {
		return
	}

	result, rpcErr := s.dispatch(ctx, req)
	if rpcErr != nil {
		s.reply(response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}
	s.reply(response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) dispatch(ctx context.Context, req request) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "research-orchestrator", "version": "1.0.0"},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": transport.Descriptors()}, nil
	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid tools/call params"}
		}
		result, err := s.router.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			return nil, toRPCError(err)
		}
		return result, nil
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

func toRPCError(err error) *rpcError {
	switch errkind.Classify(err) {
	case errkind.InvalidParams:
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case errkind.NotFound:
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &rpcError{Code: codeInternalError, Message: err.Error()}
	}
}

func (s *Server) reply(resp response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn(context.Background(), "stdio: marshal response", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.writer.Write(raw)
	_ = s.writer.WriteByte('\n')
	_ = s.writer.Flush()
}
