package spawner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/colony/pkg/profiles"
	"github.com/cuemby/colony/pkg/types"
)

// Environment variables injected into every worker runtime
const (
	EnvWorkerID   = "COLONY_WORKER_ID"
	EnvWorkerName = "COLONY_WORKER_NAME"
)

const (
	repoListingLimit = 50
	repoDocLimit     = 2000
)

// workerEnv returns the variables added to the runtime's inherited
// environment. Profile values may reference the host environment as ${VAR}.
func workerEnv(p types.WorkerProfile) []string {
	env := []string{
		EnvWorkerID + "=" + p.ID,
		EnvWorkerName + "=" + p.DisplayName(),
	}
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+os.ExpandEnv(p.Env[k]))
	}
	return env
}

// toolFlags derives per-tool enablement from the permission policy. Explicit
// profile tool flags and per-tool overrides win over category defaults.
func toolFlags(p types.WorkerProfile) map[string]bool {
	flags := map[string]bool{}
	if perm := p.Permissions; perm != nil {
		switch perm.Filesystem {
		case types.AccessNone:
			flags["read"] = false
			flags["write"] = false
			flags["edit"] = false
		case types.AccessRead:
			flags["write"] = false
			flags["edit"] = false
		}
		if perm.Execution == types.AccessNone {
			flags["bash"] = false
		}
		if perm.Network == types.AccessNone {
			flags["webfetch"] = false
		}
		for name, tp := range perm.Tools {
			flags[name] = tp.Enabled
		}
	}
	if !p.SupportsWeb {
		if _, set := flags["webfetch"]; !set {
			flags["webfetch"] = false
		}
	}
	for name, on := range p.Tools {
		flags[name] = on
	}
	return flags
}

// runtimeConfig is the configuration document handed to the worker runtime.
// With fallback set, tool servers are left out so the runtime starts even
// when the bridge to them is broken.
func runtimeConfig(p types.WorkerProfile, model string, servers map[string]profiles.MCPServer, fallback bool) map[string]any {
	cfg := map[string]any{
		"model": model,
		"tools": toolFlags(p),
	}
	if perm := p.Permissions; perm != nil {
		cfg["permission"] = map[string]any{
			"filesystem": perm.Filesystem,
			"execution":  perm.Execution,
			"network":    perm.Network,
			"paths":      perm.Paths,
		}
	}
	if fallback {
		cfg["mcp"] = map[string]any{}
		return cfg
	}

	mcp := map[string]any{}
	for _, name := range p.MCPServers {
		srv, ok := servers[name]
		if !ok || (srv.Enabled != nil && !*srv.Enabled) {
			continue
		}
		mcp[name] = srv
	}
	cfg["mcp"] = mcp
	return cfg
}

// bootstrapPrompt builds the hidden first message of a worker session
func bootstrapPrompt(p types.WorkerProfile, model, directory string) string {
	var b strings.Builder

	if p.SystemPrompt != "" {
		b.WriteString(strings.TrimSpace(p.SystemPrompt))
		b.WriteString("\n\n")
	}

	if p.InjectRepoContext && directory != "" {
		if ctx := repoContext(directory); ctx != "" {
			b.WriteString("<repository-context>\n")
			b.WriteString(ctx)
			b.WriteString("</repository-context>\n\n")
		}
	}

	identity := map[string]any{
		"id":          p.ID,
		"name":        p.DisplayName(),
		"model":       model,
		"sessionMode": p.Mode(),
		"capabilities": map[string]any{
			"vision": p.SupportsVision,
			"web":    p.SupportsWeb,
			"tools":  toolFlags(p),
		},
	}
	if p.Purpose != "" {
		identity["purpose"] = p.Purpose
	}
	data, _ := json.MarshalIndent(identity, "", "  ")
	b.WriteString("<worker-identity>\n")
	b.Write(data)
	b.WriteString("\n</worker-identity>\n\n")

	b.WriteString("<permissions>\n")
	b.WriteString(permissionsSummary(p.Permissions))
	b.WriteString("</permissions>\n\n")

	b.WriteString(`<instructions>
You are a worker managed by an orchestrator. Each request starts with a
<message-source> header naming the sender and, for asynchronous jobs, a job id.
Work only on the request you are given and stay within your permissions.
When you finish, reply with the complete result as your final message. For
job requests, end the reply with a fenced json block:
{"summary": "...", "issues": [], "filesChanged": [], "notes": "..."}
If you cannot complete the request, say why in one paragraph.
Do not reply to this message.
</instructions>
`)
	return b.String()
}

func permissionsSummary(perm *types.Permissions) string {
	if perm == nil {
		return "default permissions\n"
	}
	var b strings.Builder
	line := func(name string, a types.Access) {
		if a == "" {
			a = "default"
		}
		fmt.Fprintf(&b, "%s: %s\n", name, a)
	}
	line("filesystem", perm.Filesystem)
	line("execution", perm.Execution)
	line("network", perm.Network)
	if len(perm.Paths.Allowed) > 0 {
		fmt.Fprintf(&b, "allowed paths: %s\n", strings.Join(perm.Paths.Allowed, ", "))
	}
	if len(perm.Paths.Denied) > 0 {
		fmt.Fprintf(&b, "denied paths: %s\n", strings.Join(perm.Paths.Denied, ", "))
	}
	names := make([]string, 0, len(perm.Tools))
	for name := range perm.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := "disabled"
		if perm.Tools[name].Enabled {
			state = "enabled"
		}
		fmt.Fprintf(&b, "tool %s: %s\n", name, state)
	}
	return b.String()
}

// repoContext summarises the working directory: its top-level entries and
// the head of the first readme-like file found.
func repoContext(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Working directory: %s\n", dir)
	b.WriteString("Top-level entries:\n")
	for i, e := range entries {
		if i == repoListingLimit {
			fmt.Fprintf(&b, "  ... %d more\n", len(entries)-repoListingLimit)
			break
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&b, "  %s\n", name)
	}
	for _, doc := range []string{"AGENTS.md", "README.md", "README"} {
		data, err := os.ReadFile(filepath.Join(dir, doc))
		if err != nil {
			continue
		}
		text := string(data)
		if len(text) > repoDocLimit {
			text = text[:repoDocLimit] + "\n..."
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n", doc, text)
		break
	}
	return b.String()
}
