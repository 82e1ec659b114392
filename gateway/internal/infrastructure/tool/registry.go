package tool

import (
	"os"
	"time"

	"github.com/clawlite/gateway/internal/domain/service"
	"github.com/clawlite/gateway/internal/domain/service/trustgate"
	domaintool "github.com/clawlite/gateway/internal/domain/tool"
	"github.com/clawlite/gateway/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// ToolLayerDeps aggregates all external dependencies needed by the tool layer.
// This is the single configuration point for the entire tool subsystem.
type ToolLayerDeps struct {
	// Required
	Registry domaintool.Registry
	Logger   *zap.Logger

	// Infrastructure
	Sandbox   *sandbox.ProcessSandbox // nil = tools run unsandboxed
	SkillExec SkillExecutor           // nil = browser tools disabled

	// Paths
	PythonEnv string // conda/venv path for Python-based tools
	SkillsDir string // ~/.clawlite/skills

	// Research LLM (reserved: first configured provider, for future
	// web_search/stock_analysis result summarization; not yet consumed by
	// either tool's constructor)
	ResearchLLMURL   string
	ResearchLLMKey   string
	ResearchLLMModel string

	// Code Intelligence
	Workspace string // LSP workspace root

	// MCP
	MCPManager *MCPManager // nil = no MCP support

	// Trust & policy
	ToolPolicy *trustgate.ToolPolicyTable // nil = tools run unrestricted

	// Media (nil = media tools not registered, e.g. CLI mode)
	MediaSender MediaSender

	// Sub-Agent (nil = sub_agent tool not registered)
	SubAgent *SubAgentDeps
}

// SubAgentDeps holds dependencies for the sub_agent tool.
type SubAgentDeps struct {
	LLMClient    service.LLMClient
	ToolExecutor service.ToolExecutor
	DefaultModel string
	MaxSteps     int
	Timeout      time.Duration
}

// RegisterAllTools registers all tools in one place. This is the ONLY
// tool registration entry point. Adding a new tool? Add it here.
//
// Registration order:
//  1. Core file operations (bash, read, write, edit, list, grep, glob)
//  2. Advanced (apply_patch, web_fetch)
//  3. Web & data (web_search, stock_analysis)
//  4. Browser (navigate, screenshot, click, type)
//  5. Code intelligence (repo_map, git, lint_fix, lsp)
//  6. Agent capabilities (save_memory, update_plan, sub_agent)
//  7. MCP management (mcp_manage + dynamic MCP server tools)
func RegisterAllTools(deps ToolLayerDeps) int {
	var tools []domaintool.Tool

	// ── 1. Core File Operations ──
	tools = append(tools,
		NewBashTool(deps.Sandbox, deps.Logger),
		NewReadFileTool(deps.Sandbox, deps.Logger),
		NewWriteFileTool(deps.Sandbox, deps.Logger),
		NewEditFileTool(deps.Sandbox, deps.Logger),
		NewListDirTool(deps.Sandbox, deps.Logger),
		NewSearchTool(deps.Sandbox, deps.Logger),
		NewGlobTool(deps.Sandbox, deps.Logger),
	)

	// ── 2. Advanced ──
	webFetch := NewWebFetchTool(deps.Sandbox, deps.Logger)
	webFetch.SetPolicy(deps.ToolPolicy)
	tools = append(tools,
		NewApplyPatchTool(deps.Sandbox, deps.Logger),
		webFetch,
	)

	// ── 3. Web & Data ──
	webSearch := NewWebSearchTool(deps.PythonEnv, deps.SkillsDir, deps.Logger)
	webSearch.SetPolicy(deps.ToolPolicy)
	tools = append(tools,
		webSearch,
		NewStockAnalysisTool(deps.PythonEnv, deps.SkillsDir, deps.Logger),
	)

	// ── 4. Browser (gRPC delegate) ──
	browserNav := NewBrowserNavigateTool(deps.SkillExec, deps.Logger)
	browserShot := NewBrowserScreenshotTool(deps.SkillExec, deps.Logger)
	browserClick := NewBrowserClickTool(deps.SkillExec, deps.Logger)
	browserType := NewBrowserTypeTool(deps.SkillExec, deps.Logger)
	browserNav.SetPolicy(deps.ToolPolicy)
	browserShot.SetPolicy(deps.ToolPolicy)
	browserClick.SetPolicy(deps.ToolPolicy)
	browserType.SetPolicy(deps.ToolPolicy)
	tools = append(tools, browserNav, browserShot, browserClick, browserType)

	// ── 5. Code Intelligence ──
	tools = append(tools, NewRepoMapTool(deps.Logger))

	workspace := deps.Workspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	lspTool := NewLSPTool(workspace, deps.Logger)
	lspTool.SetPolicy(deps.ToolPolicy)
	tools = append(tools, lspTool)

	if deps.Sandbox != nil {
		gitTool := NewGitTool(deps.Sandbox, deps.Logger)
		gitTool.SetPolicy(deps.ToolPolicy)
		tools = append(tools,
			gitTool,
			NewLintFixTool(deps.Sandbox, deps.Logger),
		)
	}

	// ── 6. Agent Capabilities ──
	tools = append(tools,
		NewSaveMemoryTool(deps.Logger),
		NewUpdatePlanTool(deps.Logger),
	)

	// ── 6b. Media (TG only) ──
	if deps.MediaSender != nil {
		tools = append(tools,
			NewSendPhotoTool(deps.MediaSender, deps.Logger),
			NewSendDocumentTool(deps.MediaSender, deps.Logger),
		)
	}

	if deps.SubAgent != nil {
		sa := deps.SubAgent
		tools = append(tools, NewSubAgentTool(
			sa.LLMClient,
			sa.ToolExecutor,
			sa.DefaultModel,
			sa.MaxSteps,
			sa.Timeout,
			deps.Logger,
		))
	}

	// ── 7. MCP Management ──
	if deps.MCPManager != nil {
		tools = append(tools, NewMCPManageTool(deps.MCPManager, deps.Logger))
	}

	// ── Register everything ──
	registered := 0
	for _, t := range tools {
		if err := deps.Registry.Register(t); err != nil {
			deps.Logger.Warn("Failed to register tool",
				zap.String("tool", t.Name()),
				zap.Error(err),
			)
		} else {
			deps.Logger.Info("Registered tool", zap.String("tool", t.Name()))
			registered++
		}
	}

	// ── MCP servers (hot-plugged from mcp.json) ──
	if deps.MCPManager != nil {
		deps.MCPManager.InitFromConfig()
	}

	deps.Logger.Info("Tool layer initialized",
		zap.Int("total_registered", registered),
	)

	return registered
}
