package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleProfileMergesOverBuiltin(t *testing.T) {
	data := []byte(`
name: claude
command:
  binary: /opt/bin/claude-code-acp
timeouts:
  tool_execution: 90s
`)
	profiles, err := Parse(data)
	require.NoError(t, err)

	p := profiles["claude"]
	require.NotNil(t, p)
	assert.Equal(t, "/opt/bin/claude-code-acp", p.Command.Binary)
	assert.Equal(t, 90*time.Second, p.Timeouts.ToolExecution.Std())
	// Untouched builtin fields survive the merge.
	assert.Equal(t, "bash", p.DefaultTool)
	assert.NotEmpty(t, p.ToolNamePatterns)
}

func TestParseProfileList(t *testing.T) {
	data := []byte(`
profiles:
  - name: claude
    default_tool: shell
  - name: inhouse
    command:
      binary: inhouse-agent
    default_tool: run
`)
	profiles, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "shell", profiles["claude"].DefaultTool)
	require.NotNil(t, profiles["inhouse"])
	assert.Equal(t, "inhouse-agent", profiles["inhouse"].Command.Binary)
	// Builtins not named in the file are still present.
	assert.NotNil(t, profiles["codex"])
	assert.NotNil(t, profiles["gemini"])
}

func TestParseRejectsNamelessProfile(t *testing.T) {
	_, err := Parse([]byte("profiles:\n  - default_tool: run\n"))
	assert.Error(t, err)
}

func TestParseBadDuration(t *testing.T) {
	_, err := Parse([]byte("name: claude\ntimeouts:\n  request: soon\n"))
	assert.Error(t, err)
}

func TestLineFilterDropsPrefixes(t *testing.T) {
	p := &Profile{StdoutDropPrefixes: []string{"[acp]", "npm warn"}}
	filter := p.LineFilter()

	_, keep := filter([]byte("[acp] starting up"))
	assert.False(t, keep)
	_, keep = filter([]byte("npm warn deprecated thing"))
	assert.False(t, keep)

	line, keep := filter([]byte(`{"jsonrpc":"2.0"}`))
	assert.True(t, keep)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, string(line))
}

func TestClassifyStderrFirstMatchWins(t *testing.T) {
	p := &Profile{StderrRules: []StderrRule{
		{Contains: "rate limit", Action: StderrStatus},
		{Contains: "limit", Action: StderrSuppress},
	}}

	assert.Equal(t, StderrStatus, p.ClassifyStderr("hit the rate limit, backing off"))
	assert.Equal(t, StderrSuppress, p.ClassifyStderr("memory limit raised"))
	assert.Equal(t, StderrLog, p.ClassifyStderr("something else entirely"))
}

func TestResolveNameFromID(t *testing.T) {
	p := Builtin("claude")
	require.NotNil(t, p)

	assert.Equal(t, "bash", p.ResolveNameFromID("call_Bash_01HXQ"))
	assert.Equal(t, "grep", p.ResolveNameFromID("toolu_grep_223"))
	assert.Equal(t, "", p.ResolveNameFromID("call_mystery_999"))
}

func TestIsInvestigationTool(t *testing.T) {
	p := Builtin("claude")
	require.NotNil(t, p)

	assert.True(t, p.IsInvestigationTool("grep"))
	assert.True(t, p.IsInvestigationTool("Task"))
	assert.False(t, p.IsInvestigationTool("bash"))
}

func TestBuiltinUnknown(t *testing.T) {
	assert.Nil(t, Builtin("nonexistent"))
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
