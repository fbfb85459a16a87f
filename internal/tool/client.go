// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tool invokes tools on a streamable HTTP MCP server.
//
// Each call opens a fresh session (start, initialize, call, close) so a
// misbehaving tool server cannot poison later calls with stale session
// state.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/metrics"
	"github.com/tombee/stepflow/pkg/errors"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 45 * time.Second

// Request describes a single tool invocation.
type Request struct {
	// Name is the tool to invoke.
	Name string

	// Arguments are the tool's input parameters.
	Arguments map[string]interface{}

	// Timeout overrides the client default when positive.
	Timeout time.Duration
}

// Caller is the surface the execution engine depends on. The concrete
// Client talks MCP; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, req Request) (map[string]interface{}, error)
}

// session is one MCP conversation. Abstracted so tests can run without a
// live server.
type session interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Client invokes tools over streamable HTTP MCP.
type Client struct {
	serverURL string
	timeout   time.Duration
	logger    *slog.Logger

	// newSession opens a ready-to-use MCP session. Overridden in tests.
	newSession func(ctx context.Context) (session, error)
}

// NewClient creates a tool client for the given MCP server URL.
func NewClient(serverURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		serverURL: serverURL,
		timeout:   timeout,
		logger:    logger.With("component", "tool"),
	}
	c.newSession = c.dial
	return c
}

// dial opens a streamable HTTP session and completes the MCP handshake.
func (c *Client) dial(ctx context.Context) (session, error) {
	mcpClient, err := client.NewStreamableHttpClient(c.serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "stepflow",
		Version: "0.1.0",
	}

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("initialize request failed: %w", err)
	}

	return mcpClient, nil
}

// Call invokes a tool and decodes its first text content item as a JSON
// object.
//
// Failures are typed: deadline overruns surface as *errors.TimeoutError,
// connection and handshake problems as transport *errors.ToolError, a
// tool-reported error as a tool *errors.ToolError, and an unparseable
// payload as a decode *errors.ToolError.
func (c *Client) Call(ctx context.Context, req Request) (map[string]interface{}, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := c.call(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			c.logger.Warn("tool call timed out", log.ToolKey, req.Name, log.DurationKey, elapsed)
			metrics.RecordToolCall(req.Name, "timeout")
			return nil, &errors.TimeoutError{
				Operation: "tool call " + req.Name,
				Duration:  timeout,
				Cause:     err,
			}
		}
		var toolErr *errors.ToolError
		if errors.As(err, &toolErr) {
			metrics.RecordToolCall(req.Name, toolErr.Kind)
		}
		return nil, err
	}

	c.logger.Debug("tool call completed", log.ToolKey, req.Name, log.DurationKey, elapsed)
	metrics.RecordToolCall(req.Name, "success")
	return result, nil
}

func (c *Client) call(ctx context.Context, req Request) (map[string]interface{}, error) {
	sess, err := c.newSession(ctx)
	if err != nil {
		return nil, &errors.ToolError{
			Tool:    req.Name,
			Kind:    errors.ToolErrorTransport,
			Message: "failed to open MCP session",
			Cause:   err,
		}
	}
	defer func() { _ = sess.Close() }()

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = req.Name
	callReq.Params.Arguments = req.Arguments

	result, err := sess.CallTool(ctx, callReq)
	if err != nil {
		return nil, &errors.ToolError{
			Tool:    req.Name,
			Kind:    errors.ToolErrorTransport,
			Message: "tool call failed",
			Cause:   err,
		}
	}

	text, ok := firstText(result)
	if result.IsError {
		return nil, &errors.ToolError{
			Tool:    req.Name,
			Kind:    errors.ToolErrorTool,
			Message: text,
		}
	}
	if !ok {
		return nil, &errors.ToolError{
			Tool:    req.Name,
			Kind:    errors.ToolErrorDecode,
			Message: "tool returned no text content",
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, &errors.ToolError{
			Tool:    req.Name,
			Kind:    errors.ToolErrorDecode,
			Message: "tool returned non-JSON payload",
			Cause:   err,
		}
	}

	return payload, nil
}

// firstText returns the first text content item of a tool result.
func firstText(result *mcp.CallToolResult) (string, bool) {
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			return textContent.Text, true
		}
	}
	return "", false
}
