package job

import (
	"path/filepath"
	"strings"
)

// DefaultPrefix is prepended to job names to form scheduler labels.
const DefaultPrefix = "com.clockwork"

// Layout derives the scheduler label and on-disk paths of a job from its name.
type Layout struct {
	Prefix      string
	HistoryRoot string
	ScratchDir  string
}

func (l Layout) prefix() string {
	if p := strings.TrimSpace(l.Prefix); p != "" {
		return p
	}
	return DefaultPrefix
}

// LabelPrefix is the label prefix including the trailing dot.
func (l Layout) LabelPrefix() string { return l.prefix() + "." }

func (l Layout) Label(name string) string { return l.LabelPrefix() + name }

// NameFromLabel reverses Label. ok is false for labels of other applications.
func (l Layout) NameFromLabel(label string) (string, bool) {
	name, ok := strings.CutPrefix(label, l.LabelPrefix())
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func (l Layout) HistoryDir(name string) string { return filepath.Join(l.HistoryRoot, name) }

// StdoutPath is the scratch file the current run writes stdout to.
func (l Layout) StdoutPath(name string) string {
	return filepath.Join(l.ScratchDir, l.Label(name)+".out.log")
}

// StderrPath is the scratch file the current run writes stderr to.
func (l Layout) StderrPath(name string) string {
	return filepath.Join(l.ScratchDir, l.Label(name)+".err.log")
}
