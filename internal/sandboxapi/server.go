// Package sandboxapi exposes the sandbox broker's tool contract over
// HTTP/JSON for the chat UI, alongside liveness and Prometheus metrics
// endpoints.
package sandboxapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sandbox-broker/internal/metrics"
	"sandbox-broker/internal/session"
	"sandbox-broker/internal/toolbundle"
)

// Server wires the sandbox tool bundle factory to a gin engine.
type Server struct {
	factory  *toolbundle.Factory
	registry *session.Registry
}

// NewServer builds a Server bound to factory and registry.
func NewServer(factory *toolbundle.Factory, registry *session.Registry) *Server {
	return &Server{factory: factory, registry: registry}
}

// Register mounts the server's routes onto engine.
func (s *Server) Register(engine *gin.Engine) {
	engine.GET("/healthz", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.POST("/sessions/:sessionId/tools/:tool", s.invokeTool)
	v1.GET("/sessions/:sessionId/status", s.sessionStatus)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) invokeTool(c *gin.Context) {
	sessionID := c.Param("sessionId")
	tool := c.Param("tool")
	bundle := s.factory.ToolsFor(sessionID)

	var raw json.RawMessage
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "errorMessage": "invalid JSON body"})
			return
		}
	}

	result, status, err := dispatchTool(c.Request.Context(), bundle, tool, raw)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "errorMessage": err.Error()})
		return
	}
	metrics.SetActiveSessions(len(s.registry.Stats()))
	metrics.SetActiveBundles(s.factory.Count())
	c.JSON(status, result)
}

func (s *Server) sessionStatus(c *gin.Context) {
	bundle := s.factory.ToolsFor(c.Param("sessionId"))
	result := bundle.CheckSandboxStatus(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

func dispatchTool(ctx context.Context, bundle *toolbundle.Bundle, tool string, raw json.RawMessage) (toolbundle.Result, int, error) {
	switch tool {
	case "execute_code_in_sandbox":
		var args toolbundle.ExecuteArgs
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &args)
		}
		return bundle.ExecuteCodeInSandbox(ctx, args), http.StatusOK, nil
	case "get_session_files":
		var args toolbundle.GetSessionFilesArgs
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &args)
		}
		return bundle.GetSessionFiles(ctx, args), http.StatusOK, nil
	case "list_session_structure":
		return bundle.ListSessionStructure(ctx), http.StatusOK, nil
	case "cleanup_expired_tasks":
		var args toolbundle.CleanupArgs
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &args)
		}
		return bundle.CleanupExpiredTasks(ctx, args), http.StatusOK, nil
	case "check_sandbox_status":
		return bundle.CheckSandboxStatus(ctx), http.StatusOK, nil
	default:
		return toolbundle.Result{}, http.StatusNotFound, fmt.Errorf("unknown tool %q", tool)
	}
}
