package profile

// builtinProfiles returns fresh copies of the built-in vendor profiles.
// Values here encode observed vendor behavior, not protocol requirements;
// override via a YAML profile file when an agent release changes them.
func builtinProfiles() map[string]*Profile {
	profiles := []*Profile{
		{
			Name:    "claude",
			Command: Command{Binary: "claude-code-acp"},
			StdoutDropPrefixes: []string{
				"[acp]",
				"Debugger attached",
			},
			StderrRules: []StderrRule{
				{Contains: "ExperimentalWarning", Action: StderrSuppress},
				{Contains: "punycode", Action: StderrSuppress},
				{Contains: "rate limit", Action: StderrStatus},
				{Contains: "overloaded", Action: StderrStatus},
			},
			ToolNamePatterns: []ToolNamePattern{
				{Substring: "bash", Name: "bash"},
				{Substring: "read", Name: "read"},
				{Substring: "edit", Name: "edit"},
				{Substring: "write", Name: "write"},
				{Substring: "grep", Name: "grep"},
				{Substring: "glob", Name: "glob"},
				{Substring: "task", Name: "task"},
				{Substring: "webfetch", Name: "webfetch"},
				{Substring: "websearch", Name: "websearch"},
			},
			InvestigationTools: []string{"grep", "glob", "task", "websearch"},
			DefaultTool:        "bash",
		},
		{
			Name:    "codex",
			Command: Command{Binary: "codex", Args: []string{"acp"}},
			StderrRules: []StderrRule{
				{Contains: "INFO", Action: StderrSuppress},
				{Contains: "stream error", Action: StderrStatus},
			},
			ToolNamePatterns: []ToolNamePattern{
				{Substring: "shell", Name: "shell"},
				{Substring: "apply_patch", Name: "apply_patch"},
				{Substring: "read", Name: "read"},
				{Substring: "search", Name: "search"},
			},
			InvestigationTools: []string{"search"},
			DefaultTool:        "shell",
		},
		{
			Name:    "gemini",
			Command: Command{Binary: "gemini", Args: []string{"--experimental-acp"}},
			StdoutDropPrefixes: []string{
				"Loaded cached credentials.",
			},
			StderrRules: []StderrRule{
				{Contains: "DeprecationWarning", Action: StderrSuppress},
				{Contains: "quota", Action: StderrStatus},
			},
			ToolNamePatterns: []ToolNamePattern{
				{Substring: "run_shell_command", Name: "run_shell_command"},
				{Substring: "read_file", Name: "read_file"},
				{Substring: "write_file", Name: "write_file"},
				{Substring: "replace", Name: "replace"},
				{Substring: "google_web_search", Name: "google_web_search"},
				{Substring: "glob", Name: "glob"},
			},
			InvestigationTools: []string{"google_web_search", "glob"},
			DefaultTool:        "run_shell_command",
		},
	}

	out := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		out[p.Name] = p
	}
	return out
}
