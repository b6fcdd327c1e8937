package deployment

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// Shell Rendering
// =============================================================================

// FailedStepMarker prefixes the line a rendered script prints when a fatal step fails.
const FailedStepMarker = "deploy-step-failed:"

// timestampCmd is evaluated on the target host.
const timestampCmd = `"$(date -u '+%Y-%m-%dT%H:%M:%SZ')"`

var safeShellWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote returns s as a single shell word.
//
// Example:
//
//	Quote("cicd-backend")   // returns "cicd-backend"
//	Quote("postgres://a b") // returns "'postgres://a b'"
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeShellWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteArgs quotes each argument and joins them with spaces.
func QuoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Render turns a script into POSIX shell text for transports that execute
// shell (SSM RunShellScript, SSH). Every value is quoted; only the log file
// variable and the timestamp are expanded on the host.
func Render(s Script) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "LOG_FILE=%s\n", Quote(s.logFile))
	b.WriteString(`mkdir -p "$(dirname "$LOG_FILE")" 2>/dev/null || true` + "\n")
	fmt.Fprintf(&b, `fail() { printf '%%s %%s\n' %s "$1" | tee -a "$LOG_FILE" >&2; tail -n 20 "$LOG_FILE" >&2; exit 1; }`+"\n", Quote(FailedStepMarker))
	for _, step := range s.steps {
		b.WriteString(RenderStep(step))
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderLines is Render split into lines, without the trailing empty line.
func RenderLines(s Script) []string {
	return strings.Split(strings.TrimRight(Render(s), "\n"), "\n")
}

// RenderStep renders a single step as one line of shell.
func RenderStep(step Step) string {
	const toLog = `>>"$LOG_FILE" 2>&1`

	var cmd string
	switch step.Kind {
	case StepLock:
		cmd = fmt.Sprintf(`exec 9>>%s && flock -n 9`, Quote(step.Path))
	case StepMarker:
		return fmt.Sprintf(`printf '%%s %%s\n' %s %s | tee -a "$LOG_FILE"`, timestampCmd, Quote(step.Message))
	case StepPruneImages:
		cmd = fmt.Sprintf(`docker images --format %s %s | grep -vxF %s | xargs -r docker rmi %s`,
			Quote("{{.Repository}}:{{.Tag}}"), Quote(step.Repository), Quote(step.Image), toLog)
		return withPolicy(cmd, step)
	case StepRegistryLogin:
		cmd = fmt.Sprintf(`aws ecr get-login-password --region %s | docker login --username AWS --password-stdin %s %s`,
			Quote(step.Region), Quote(step.Registry), toLog)
		return withPolicy(cmd, step)
	case StepEnsureNetwork:
		cmd = fmt.Sprintf(`docker network inspect %s >/dev/null 2>&1 || docker network create %s %s`,
			Quote(step.Network), Quote(step.Network), toLog)
		return withPolicy(cmd, step)
	default:
		cmd = QuoteArgs(step.Args) + " " + toLog
	}
	return withPolicy(cmd, step)
}

func withPolicy(cmd string, step Step) string {
	if step.Policy == Fatal {
		return fmt.Sprintf("%s || fail %s", cmd, Quote(string(step.Kind)))
	}
	return cmd + " || true"
}

// ParseFailedStep finds the step a rendered script reported as failed in its output.
func ParseFailedStep(output string) StepKind {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		idx := strings.Index(lines[i], FailedStepMarker)
		if idx < 0 {
			continue
		}
		rest := strings.Fields(lines[i][idx+len(FailedStepMarker):])
		if len(rest) > 0 {
			return StepKind(rest[0])
		}
	}
	return ""
}

// Tail returns at most the last n lines of s.
func Tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
