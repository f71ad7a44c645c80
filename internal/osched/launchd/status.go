package launchd

import (
	"strconv"
	"strings"

	"clockwork/internal/osched"
)

// ParseList reads the output of `launchctl list <label>` for a loaded label.
//
// Two shapes are accepted: the dictionary dump
//
//	"PID" = 123;
//	"LastExitStatus" = 0;
//
// and a tab-separated "pid<TAB>status<TAB>label" first line, where a pid of "-"
// means not running. Only top-level keys count; the dump also echoes
// ProgramArguments, which carries the job's prompt.
func ParseList(out string) osched.Status {
	st := osched.Status{Loaded: true}
	lines := strings.Split(out, "\n")
	for _, line := range lines {
		key, v, ok := dictInt(line)
		if !ok {
			continue
		}
		switch key {
		case "LastExitStatus":
			st.LastExitCode = &v
		case "PID":
			if v > 0 {
				st.PID = &v
			}
		}
	}

	if parts := strings.Split(lines[0], "\t"); len(parts) >= 3 {
		if pid, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil && pid > 0 {
			st.PID = &pid
		}
		if code, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			st.LastExitCode = &code
		}
	}
	return st
}

// dictInt parses a `"Key" = -12;` line. Anything else, including quoted
// strings inside arrays, is rejected.
func dictInt(line string) (string, int, bool) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, `"`)
	if !ok {
		return "", 0, false
	}
	key, rest, ok := strings.Cut(rest, `"`)
	if !ok {
		return "", 0, false
	}
	rest, ok = strings.CutPrefix(strings.TrimSpace(rest), "=")
	if !ok {
		return "", 0, false
	}
	raw, ok := strings.CutSuffix(strings.TrimSpace(rest), ";")
	if !ok {
		return "", 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return "", 0, false
	}
	return key, v, true
}
