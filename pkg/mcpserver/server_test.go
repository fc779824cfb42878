package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/skills"
)

const gitScript = `
skill_command({
  name: "status",
  description: "Show status",
  input_schema: { type: "object", properties: { path: { type: "string" } }, required: ["path"] },
}, function (args) { return "clean:" + args.path; });

skill_command({ name: "fail" }, function () { throw new Error("nope"); });
`

func writeSkill(t *testing.T, root, name, script string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	manifest := "---\nname: " + name + "\ndescription: The " + name + " skill\n---\n\n# " + name + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "main.js"), []byte(script), 0o644))
	return dir
}

func newTestServer(t *testing.T) (*Server, *skills.Runtime, string) {
	t.Helper()
	cfg := skills.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Debounce = time.Hour
	cfg.SweepInterval = 0
	writeSkill(t, cfg.Dir, "git", gitScript)

	rt, err := skills.NewRuntime(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rt.Boot(ctx))
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	s := New(ctx, rt, "test")
	t.Cleanup(s.Close)
	return s, rt, cfg.Dir
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestServerRegistersLoadedCommands(t *testing.T) {
	s, _, _ := newTestServer(t)
	assert.Equal(t, []string{"git.fail", "git.status"}, s.ToolNames())
}

func TestCommandTool(t *testing.T) {
	_, rt, _ := newTestServer(t)
	cmd := rt.Skill("git").Commands["status"]

	tool, err := commandTool(cmd)
	require.NoError(t, err)
	assert.Equal(t, "git.status", tool.Name)
	assert.Equal(t, "Show status", tool.Description)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(tool.RawInputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"path"}, schema["required"])

	bare, err := commandTool(rt.Skill("git").Commands["fail"])
	require.NoError(t, err)
	assert.Equal(t, "Run git.fail", bare.Description)
	assert.JSONEq(t, string(emptyObjectSchema), string(bare.RawInputSchema))
}

func TestCommandHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.commandHandler("git", "status")(ctx, callRequest("git.status", map[string]any{"path": "/repo"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "clean:/repo", resultText(t, res))

	res, err = s.commandHandler("git", "fail")(ctx, callRequest("git.fail", nil))
	require.NoError(t, err, "command failures are tool errors, not protocol errors")
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "CommandExecutionFailed")
}

func TestSkillRunTool(t *testing.T) {
	s, _, root := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		args    map[string]any
		want    string
		isError bool
	}{
		{
			name: "loaded skill",
			args: map[string]any{"skill": "git", "command": "status", "args": map[string]any{"path": "/x"}},
			want: "clean:/x",
		},
		{
			name: "help",
			args: map[string]any{"skill": "git", "command": "help"},
			want: "# git",
		},
		{
			name:    "unknown skill",
			args:    map[string]any{"skill": "nope", "command": "x"},
			want:    "SkillNotFound",
			isError: true,
		},
		{
			name:    "missing command",
			args:    map[string]any{"skill": "git"},
			want:    "required",
			isError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleSkillRun(ctx, callRequest(runToolName, tt.args))
			require.NoError(t, err)
			assert.Equal(t, tt.isError, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}

	t.Run("loads skills on demand", func(t *testing.T) {
		writeSkill(t, root, "docs", `skill_command({ name: "read" }, function () { return "page"; });`)
		res, err := s.handleSkillRun(ctx, callRequest(runToolName, map[string]any{"skill": "docs", "command": "read"}))
		require.NoError(t, err)
		assert.Equal(t, "page", resultText(t, res))
	})
}

func TestStatusTool(t *testing.T) {
	s, _, _ := newTestServer(t)

	res, err := s.handleStatus(context.Background(), callRequest(statusToolName, nil))
	require.NoError(t, err)

	var st skills.Status
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &st))
	require.Len(t, st.Loaded, 1)
	assert.Equal(t, "git", st.Loaded[0].Name)
}

func TestServerFollowsRuntimeChanges(t *testing.T) {
	s, rt, root := newTestServer(t)
	ctx := context.Background()

	dir := writeSkill(t, root, "docker", `skill_command({ name: "ps" }, function () { return ""; });`)
	_, err := rt.Load(ctx, dir)
	require.NoError(t, err)
	assert.NotContains(t, s.ToolNames(), "docker.ps", "tools change once per delivered batch")

	require.NoError(t, rt.FlushChanges(ctx))
	assert.Contains(t, s.ToolNames(), "docker.ps")

	require.NoError(t, os.WriteFile(filepath.Join(root, "git", "scripts", "main.js"),
		[]byte(`skill_command({ name: "log" }, function () { return "log"; });`), 0o644))
	ok, err := rt.Reload(ctx, "git")
	require.NoError(t, err)
	require.True(t, ok)
	rt.Unload(ctx, "docker")
	require.NoError(t, rt.FlushChanges(ctx))

	assert.Equal(t, []string{"git.log"}, s.ToolNames())
}
