// Package command turns a job into the shell script the OS scheduler runs, and
// hands it to a scheduler backend to render.
package command

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"clockwork/internal/job"
	"clockwork/internal/osched"
)

// DefaultPath is appended after the agent's own directory in the job's PATH.
var DefaultPath = []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin", "/bin", "/usr/sbin", "/sbin"}

// Agent describes the agent CLI and the environment it runs in.
type Agent struct {
	// Binary is the agent executable. Relative names are resolved through PATH at run time.
	Binary string
	Home   string
	// ExtraPath is prepended to the generated PATH.
	ExtraPath []string
}

func (a Agent) binary() string {
	if a.Binary != "" {
		return a.Binary
	}
	if a.Home != "" {
		return filepath.Join(a.Home, ".local", "bin", "claude")
	}
	return "claude"
}

// PathEnv is the PATH given to every job.
func (a Agent) PathEnv() string {
	dirs := append([]string(nil), a.ExtraPath...)
	if filepath.IsAbs(a.binary()) {
		dirs = append(dirs, filepath.Dir(a.binary()))
	}
	if a.Home != "" {
		dirs = append(dirs, filepath.Join(a.Home, ".local", "bin"))
	}
	dirs = append(dirs, DefaultPath...)

	seen := make(map[string]bool, len(dirs))
	out := dirs[:0]
	for _, d := range dirs {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return strings.Join(out, ":")
}

// Invocation is the process the OS scheduler starts for a job.
type Invocation struct {
	Label      string
	Program    string
	Args       []string
	Script     string
	WorkingDir string
	Env        map[string]string
}

// Builder renders jobs for one layout, agent and backend.
type Builder struct {
	Layout  job.Layout
	Agent   Agent
	Backend osched.Scheduler
}

// Build returns the invocation for j and the artifact the backend would install for it.
func (b Builder) Build(j job.Job) (Invocation, osched.Artifact, error) {
	if b.Backend == nil {
		return Invocation{}, osched.Artifact{}, errors.New("command: no scheduler backend")
	}
	if j.Schedule == nil {
		return Invocation{}, osched.Artifact{}, errors.Newf("command: job %q has no schedule", j.Name)
	}
	inv := b.Invocation(j)
	art, err := b.Backend.Render(osched.Spec{
		Label:      inv.Label,
		Script:     inv.Script,
		WorkingDir: inv.WorkingDir,
		Env:        inv.Env,
		Schedule:   j.Schedule,
	})
	if err != nil {
		return Invocation{}, osched.Artifact{}, errors.Wrapf(err, "render %s", inv.Label)
	}
	return inv, art, nil
}

// Invocation builds the process description without rendering an artifact.
func (b Builder) Invocation(j job.Job) Invocation {
	script := b.Script(j)
	return Invocation{
		Label:      b.Layout.Label(j.Name),
		Program:    "/bin/sh",
		Args:       []string{"-c", script},
		Script:     script,
		WorkingDir: j.Directory,
		Env:        map[string]string{"PATH": b.Agent.PathEnv()},
	}
}

// Script is the shell program run on every fire. It tees the agent's output into
// the scratch files, then copies them into the history directory under a
// timestamped stem and records the exit code last.
func (b Builder) Script(j job.Job) string {
	hist := shellquote.Join(b.Layout.HistoryDir(j.Name))
	out := shellquote.Join(b.Layout.StdoutPath(j.Name))
	errLog := shellquote.Join(b.Layout.StderrPath(j.Name))

	run := "printf '%s' " + shellquote.Join(j.Prompt) + " | " +
		shellquote.Join(AgentArgs(b.Agent.binary(), j.Profile)...) +
		" > " + out + " 2> " + errLog

	lines := []string{
		"mkdir -p " + hist,
		"TS=$(date +%Y-%m-%d_%H-%M-%S)",
		run,
		"EXIT_CODE=$?",
		"cp " + out + " " + hist + `/"$TS".log`,
		"if [ -s " + errLog + " ]; then cp " + errLog + " " + hist + `/"$TS".err.log; fi`,
		`echo "$EXIT_CODE" > ` + hist + `/"$TS".exitcode`,
		"exit $EXIT_CODE",
	}
	return strings.Join(lines, "\n")
}

// AgentArgs is the agent command line for a profile, binary first. The prompt is
// read from stdin.
func AgentArgs(binary string, p job.Profile) []string {
	args := []string{binary, "-p", "--model", p.Model, "--max-turns", strconv.Itoa(p.MaxTurns)}
	tools, skip := p.AllowedTools()
	switch {
	case skip:
		args = append(args, "--dangerously-skip-permissions")
	case tools != "":
		args = append(args, "--allowedTools", tools)
	}
	if p.OutputFormat == job.OutputJSON {
		args = append(args, "--output-format", "json")
	}
	if s := strings.TrimSpace(p.AppendSystemPrompt); s != "" {
		args = append(args, "--append-system-prompt", p.AppendSystemPrompt)
	}
	return args
}

// Preview renders the agent command for display, one flag per line, with the
// prompt as the final argument.
func Preview(j job.Job) string {
	args := AgentArgs("claude", j.Profile)
	lines := []string{shellquote.Join(args[0], args[1])}
	for i := 2; i < len(args); i++ {
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			lines = append(lines, shellquote.Join(args[i], args[i+1]))
			i++
			continue
		}
		lines = append(lines, shellquote.Join(args[i]))
	}
	lines = append(lines, shellquote.Join(j.Prompt))
	return strings.Join(lines, " \\\n  ")
}
