// Package job defines the schedulable unit managed by clockwork: a prompt plus the
// execution profile used to invoke the agent CLI, a working directory and a schedule.
package job

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Permission selects which tools the agent may use without asking.
type Permission string

const (
	PermReadOnly Permission = "readonly"
	PermStandard Permission = "standard"
	PermFull     Permission = "full"
	PermYolo     Permission = "yolo"
	PermCustom   Permission = "custom"
)

// Tools returns the preset allow-list. Yolo and custom have none.
func (p Permission) Tools() string {
	switch p {
	case PermReadOnly:
		return "Read,Grep,Glob,LS"
	case PermStandard:
		return "Read,Write,Edit,Bash(git *)"
	case PermFull:
		return "Read,Write,Edit,MultiEdit,Bash,WebFetch,WebSearch"
	default:
		return ""
	}
}

func (p Permission) DisplayName() string {
	switch p {
	case PermReadOnly:
		return "Read-only"
	case PermStandard:
		return "Standard"
	case PermFull:
		return "Full access"
	case PermYolo:
		return "YOLO"
	case PermCustom:
		return "Custom"
	default:
		return string(p)
	}
}

type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// Profile is how the agent CLI is invoked for a job.
type Profile struct {
	Model              string       `json:"model" validate:"required"`
	Permission         Permission   `json:"permission" validate:"oneof=readonly standard full yolo custom"`
	CustomTools        string       `json:"custom_tools,omitempty" validate:"required_if=Permission custom"`
	MaxTurns           int          `json:"max_turns" validate:"min=1,max=1000"`
	OutputFormat       OutputFormat `json:"output_format" validate:"oneof=text json"`
	AppendSystemPrompt string       `json:"append_system_prompt,omitempty"`
}

// AllowedTools returns the tool allow-list and whether permission prompts are skipped entirely.
func (p Profile) AllowedTools() (tools string, skipPermissions bool) {
	switch p.Permission {
	case PermYolo:
		return "", true
	case PermCustom:
		return strings.TrimSpace(p.CustomTools), false
	default:
		return p.Permission.Tools(), false
	}
}

// Job is a named, schedulable prompt.
//
// Every path and the scheduler label are derived from Name (see Layout),
// so a rename needs an uninstall of the old name before the new one is installed.
type Job struct {
	ID        string `validate:"required"`
	Name      string `validate:"required,max=64,jobname"`
	Prompt    string `validate:"required"`
	Directory string `validate:"required"`
	Profile   Profile
	Schedule  Schedule `validate:"-"`
	Enabled   bool
}

// New returns a job with the same defaults the editor starts from.
func New(name string) Job {
	return Job{
		ID:   uuid.NewString(),
		Name: NormalizeName(name),
		Profile: Profile{
			Model:        "sonnet",
			Permission:   PermStandard,
			MaxTurns:     10,
			OutputFormat: OutputText,
		},
		Schedule: Interval{Count: 1, Unit: Hours, Align: FromLoad},
		Enabled:  true,
	}
}

// NormalizeName lower-cases the name and turns spaces into hyphens.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

type jobJSON struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Prompt    string       `json:"prompt"`
	Directory string       `json:"directory"`
	Profile   Profile      `json:"profile"`
	Schedule  scheduleJSON `json:"schedule"`
	Enabled   bool         `json:"enabled"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	sj, err := encodeSchedule(j.Schedule)
	if err != nil {
		return nil, errors.Wrapf(err, "job %q", j.Name)
	}
	return json.Marshal(jobJSON{
		ID:        j.ID,
		Name:      j.Name,
		Prompt:    j.Prompt,
		Directory: j.Directory,
		Profile:   j.Profile,
		Schedule:  sj,
		Enabled:   j.Enabled,
	})
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var raw jobJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s, err := raw.Schedule.decode()
	if err != nil {
		return errors.Wrapf(err, "job %q", raw.Name)
	}
	*j = Job{
		ID:        raw.ID,
		Name:      raw.Name,
		Prompt:    raw.Prompt,
		Directory: raw.Directory,
		Profile:   raw.Profile,
		Schedule:  s,
		Enabled:   raw.Enabled,
	}
	return nil
}
