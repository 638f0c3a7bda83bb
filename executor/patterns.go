package executor

import "regexp"

// Known verbose commands. Output is suppressed on success.
var noisyPatterns = compile([]string{
	`^(pip|pip3|python -m pip)\s+install`,
	`^npm\s+(install|ci|update)`,
	`^yarn(\s+install)?`,
	`^pnpm\s+install`,
	`^bun\s+(install|add)`,
	`^git\s+(clone|pull|fetch)`,
	`^apt(-get)?\s+(install|update)`,
	`^cargo\s+build`,
	`^make\b`,
})

// Commands requiring confirmed=true before they run.
var confirmPatterns = compile([]string{
	`git\s+push`,
	`git\s+reset\s+--hard`,
	`git\s+clean\s+-[fd]`,
	`git\s+checkout\s+\.`,
	`rm\s+-[rf]`,
	`pip\s+uninstall`,
	`npm\s+publish`,
	`docker\s+(rm|rmi|system\s+prune)`,
})

// Blocked commands. Never executed.
var blockedPatterns = compile([]string{
	`sudo\s+`,
	`rm\s+-[rf]*\s+[/~]`,
	`rm\s+-[rf]*\s+\.\.`,
	`>\s*/dev/`,
	`chmod\s+777`,
	`curl.*\|\s*(ba)?sh`,
	`wget.*\|\s*(ba)?sh`,
	`mkfs\.`,
	`dd\s+if=`,
	`:\(\)\s*\{\s*:\|:\s*&\s*\}`,
	`>\s*/etc/`,
	`git\s+push.*--force`,
})

// Dev-server URL patterns, tried in order. A digit-only capture is a
// bare port and is expanded to http://localhost:<port>.
var urlPatterns = compile([]string{
	`Local:\s*(https?://\S+)`,
	`http://localhost:(\d+)`,
	`http://127\.0\.0\.1:(\d+)`,
	`Server running (?:at|on)\s*(https?://\S+)`,
	`listening on\s*(https?://\S+)`,
})

var digitsOnly = regexp.MustCompile(`^\d+$`)

func compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

func matchesAny(patterns []*regexp.Regexp, command string) bool {
	for _, p := range patterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

func isBlocked(command string) bool     { return matchesAny(blockedPatterns, command) }
func needsConfirm(command string) bool  { return matchesAny(confirmPatterns, command) }
func isNoisy(command string) bool       { return matchesAny(noisyPatterns, command) }

// DetectURL scans command output for the first dev-server URL.
func DetectURL(output string) string {
	for _, p := range urlPatterns {
		m := p.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		url := m[1]
		if digitsOnly.MatchString(url) {
			url = "http://localhost:" + url
		}
		return url
	}
	return ""
}

// isBinary reports whether text looks like binary output: more than 10%
// of the first 1000 bytes are non-printable control characters.
func isBinary(text string) bool {
	if text == "" {
		return false
	}
	sample := text
	if len(sample) > 1000 {
		sample = sample[:1000]
	}
	nonPrintable := 0
	for _, c := range []byte(sample) {
		if c < 32 && c != '\n' && c != '\r' && c != '\t' {
			nonPrintable++
		}
	}
	return nonPrintable > len(sample)/10
}
