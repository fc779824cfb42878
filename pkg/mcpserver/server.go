// Package mcpserver exposes the loaded skill commands as MCP tools. The tool
// list follows the runtime: every batch of skill changes adds or removes the
// affected tools in one step.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/skills"
)

const (
	serverName     = "omni-skills"
	subscriberID   = "mcpserver"
	runToolName    = "skill_run"
	statusToolName = "skill_status"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// SkillRuntime is the part of the skill runtime the server needs
type SkillRuntime interface {
	Run(ctx context.Context, skill, command string, args map[string]any) (string, error)
	Skill(name string) *skills.Skill
	Skills() []*skills.Skill
	Status() skills.Status
	Subscribe(id string, cb skills.Callback) bool
	Unsubscribe(id string)
}

// Server is an MCP server backed by a skill runtime
type Server struct {
	rt  SkillRuntime
	mcp *server.MCPServer

	mu    sync.Mutex
	tools map[string][]string // skill name -> registered tool names
}

// New creates the server, registers the tools of every loaded skill and
// subscribes to runtime changes
func New(ctx context.Context, rt SkillRuntime, version string) *Server {
	s := &Server{
		rt: rt,
		mcp: server.NewMCPServer(
			serverName,
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		tools: make(map[string][]string),
	}

	s.mcp.AddTool(mcp.NewTool(runToolName,
		mcp.WithDescription("Run a skill command. Skills that are not loaded yet are loaded on demand. The command \"help\" returns the skill documentation."),
		mcp.WithString("skill", mcp.Required(), mcp.Description("Skill name")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command name")),
		mcp.WithObject("args", mcp.Description("Command arguments")),
	), s.handleSkillRun)
	s.mcp.AddTool(mcp.NewTool(statusToolName,
		mcp.WithDescription("Show the loaded skills and runtime counters"),
	), s.handleStatus)

	for _, skill := range rt.Skills() {
		s.sync(ctx, skill.Name)
	}
	rt.Subscribe(subscriberID, s.onChange)
	return s
}

// MCPServer returns the underlying protocol server
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ToolNames returns the registered skill command tools, sorted
func (s *Server) ToolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, tools := range s.tools {
		names = append(names, tools...)
	}
	sort.Strings(names)
	return names
}

// ServeStdio serves the protocol on in/out until ctx is done or in closes.
// Protocol errors are logged, never written to out.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	errWriter := logger.G(ctx).WriterLevel(logrus.ErrorLevel)
	defer errWriter.Close()

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(errWriter, "", 0))

	logger.G(ctx).WithField("tools", len(s.ToolNames())).Info("serving skills over MCP stdio")
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "mcp stdio server stopped")
	}
	return nil
}

// Close stops following runtime changes
func (s *Server) Close() {
	s.rt.Unsubscribe(subscriberID)
}

func (s *Server) onChange(ctx context.Context, batch map[string]skills.ChangeType) {
	for name := range batch {
		s.sync(ctx, name)
	}
	logger.G(ctx).WithField("skills", len(batch)).Debug("mcp tool list refreshed")
}

// sync replaces the registered tools of one skill with its current commands
func (s *Server) sync(ctx context.Context, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.tools[name]; len(old) > 0 {
		s.mcp.DeleteTools(old...)
		delete(s.tools, name)
	}

	skill := s.rt.Skill(name)
	if skill == nil {
		return
	}

	var (
		tools []server.ServerTool
		names []string
	)
	for _, cmdName := range skill.CommandNames() {
		cmd := skill.Commands[cmdName]
		tool, err := commandTool(cmd)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("tool", cmd.QualifiedName()).Warn("skipping command with unusable input schema")
			continue
		}
		tools = append(tools, server.ServerTool{Tool: tool, Handler: s.commandHandler(skill.Name, cmd.Name)})
		names = append(names, tool.Name)
	}
	if len(tools) > 0 {
		s.mcp.AddTools(tools...)
		s.tools[name] = names
	}
}

func commandTool(cmd *skills.Command) (mcp.Tool, error) {
	schema := emptyObjectSchema
	if cmd.InputSchema != nil {
		raw, err := json.Marshal(cmd.InputSchema)
		if err != nil {
			return mcp.Tool{}, errors.Wrap(err, "failed to encode input schema")
		}
		schema = raw
	}

	description := cmd.Description
	if description == "" {
		description = "Run " + cmd.QualifiedName()
	}
	return mcp.NewToolWithRawSchema(cmd.QualifiedName(), description, schema), nil
}

func (s *Server) commandHandler(skill, command string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.run(ctx, skill, command, arguments(req)), nil
	}
}

func (s *Server) handleSkillRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := arguments(req)
	skill, _ := params["skill"].(string)
	command, _ := params["command"].(string)
	if strings.TrimSpace(skill) == "" || strings.TrimSpace(command) == "" {
		return mcp.NewToolResultError("skill and command are required"), nil
	}
	args, _ := params["args"].(map[string]any)
	return s.run(ctx, skill, command, args), nil
}

func (s *Server) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(s.rt.Status(), "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) run(ctx context.Context, skill, command string, args map[string]any) *mcp.CallToolResult {
	out, err := s.rt.Run(ctx, skill, command, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(out)
}

func arguments(req mcp.CallToolRequest) map[string]any {
	if args, ok := any(req.Params.Arguments).(map[string]any); ok {
		return args
	}
	return nil
}
