package policy

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	reURL       = regexp.MustCompile(`\b(?:https?|wss?|ftp)://([A-Za-z0-9.-]+)`)
	reQuotedAbs = regexp.MustCompile(`["'](/[\w.-]+(?:/[\w.-]*)*)["']`)

	obfuscationPrimitives = regexp.MustCompile(`\bchr\s*\(|String\.fromCharCode|\batob\s*\(|\bbtoa\s*\(|` +
		`\bbase64\.(?:b64decode|b64encode|decodebytes|StdEncoding\.Decode)|\bcodecs\.(?:decode|encode)\s*\(|` +
		`\bbytes\.fromhex\s*\(|Buffer\.from\s*\([^)]*["'](?:base64|hex)["']|\bunescape\s*\(|` +
		`(?:\\x[0-9a-fA-F]{2}){4,}`)

	reLoopPy     = regexp.MustCompile(`^(\s*)while\s*\(?\s*(?:True|1)\s*\)?\s*:`)
	reLoopShell  = regexp.MustCompile(`^\s*(?:while|until)\s+(?:true|:|\[\s*1\s*\])\s*(?:;\s*do\b|$)`)
	reLoopBrace  = regexp.MustCompile(`\bwhile\s*\(\s*(?:true|1)\s*\)|\bfor\s*\(\s*;\s*;\s*\)|(?m:^[ \t]*for[ \t]*\{)|\bloop\s*\{`)
	reLoopEscape = regexp.MustCompile(`\b(?:break|return)\b`)
	reShellDone  = regexp.MustCompile(`\bdone\b`)
	reShellExit  = regexp.MustCompile(`\b(?:break|return|exit)\b`)
)

func scanNetwork(lines []string, profile Profile) []Violation {
	severity := SeverityMedium
	if !profile.NetworkAllowed() {
		severity = SeverityHigh
	}

	var out []Violation
	for i, line := range lines {
		for _, m := range reURL.FindAllStringSubmatch(line, -1) {
			host := strings.ToLower(m[1])
			if profile.NetworkAllowed() && DomainAllowed(host, profile.AllowedDomains) {
				continue
			}
			out = append(out, Violation{
				Type:     TypeNetworkAccess,
				Severity: severity,
				Message:  fmt.Sprintf("network access to %q is not permitted by the %s policy", host, profile.Level),
				Line:     i + 1,
				Pattern:  m[0],
			})
		}
	}
	return out
}

// DomainAllowed reports whether host equals, or is a subdomain of, an
// allowed domain. A "*" entry allows every host.
func DomainAllowed(host string, allowed []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		switch {
		case d == "*":
			return true
		case d == "":
			continue
		case host == d, strings.HasSuffix(host, "."+d):
			return true
		}
	}
	return false
}

func scanPaths(lines []string, profile Profile) []Violation {
	var out []Violation
	for i, line := range lines {
		if i == 0 && strings.HasPrefix(line, "#!") {
			continue
		}
		for _, m := range reQuotedAbs.FindAllStringSubmatch(line, -1) {
			if PathAllowed(m[1], profile.AllowedFilesystemPaths) {
				continue
			}
			out = append(out, Violation{
				Type:     TypeFileAccess,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("filesystem path %q is outside the paths allowed by the %s policy", m[1], profile.Level),
				Line:     i + 1,
				Pattern:  m[1],
			})
		}
	}
	return out
}

// PathAllowed reports whether p is one of allowed or nested beneath one.
func PathAllowed(p string, allowed []string) bool {
	for _, root := range allowed {
		root = strings.TrimSuffix(root, "/")
		if root == "" {
			continue
		}
		if p == root || strings.HasPrefix(p, root+"/") {
			return true
		}
	}
	return false
}

func detectObfuscation(lines []string) (Violation, bool) {
	for i, line := range lines {
		if match := obfuscationPrimitives.FindString(line); match != "" {
			return Violation{
				Type:     TypeMaliciousPattern,
				Severity: SeverityMedium,
				Message:  "character-code or encoding primitives suggest obfuscated code",
				Line:     i + 1,
				Pattern:  match,
			}, true
		}
	}
	return Violation{}, false
}

// detectUnboundedLoops flags literal forever-loops whose body shows no way
// out. Inner loops count, so a break in a nested loop silences the outer one.
func detectUnboundedLoops(code string) []Violation {
	lines := strings.Split(code, "\n")
	var out []Violation

	flag := func(line int, text string) {
		out = append(out, Violation{
			Type:     TypeMaliciousPattern,
			Severity: SeverityMedium,
			Message:  "infinite loop without break or return",
			Line:     line,
			Pattern:  strings.TrimSpace(text),
		})
	}

	for i, line := range lines {
		if m := reLoopPy.FindStringSubmatch(line); m != nil {
			if !reLoopEscape.MatchString(indentedBlock(lines[i+1:], len(m[1]))) {
				flag(i+1, line)
			}
			continue
		}
		if reLoopShell.MatchString(line) {
			if !reShellExit.MatchString(shellBody(lines[i:])) {
				flag(i+1, line)
			}
		}
	}

	lineStarts := lineOffsets(code)
	for _, loc := range reLoopBrace.FindAllStringIndex(code, -1) {
		if strings.HasPrefix(strings.TrimLeft(code[loc[1]:], " \t"), ":") {
			continue // python spelling, handled above
		}
		body := braceBody(code, loc[1])
		if !reLoopEscape.MatchString(body) {
			n := lineAt(lineStarts, loc[0])
			flag(n+1, lines[n])
		}
	}

	return out
}

// indentedBlock returns the lines of a python block: everything indented
// deeper than indent, ignoring blank lines.
func indentedBlock(lines []string, indent int) string {
	var b strings.Builder
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line)-len(strings.TrimLeft(line, " \t")) <= indent {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func shellBody(lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		text := line
		if i == 0 {
			// only what follows "do" on the loop line belongs to the body
			_, after, ok := strings.Cut(line, "do")
			if !ok {
				continue
			}
			text = after
		}
		if loc := reShellDone.FindStringIndex(text); loc != nil {
			b.WriteString(text[:loc[0]])
			break
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}

// braceBody returns the text of the block that follows a loop header ending
// at from. A loop with no braces has a single-statement body ending at ';' or
// newline.
func braceBody(code string, from int) string {
	start := from
	if !strings.HasSuffix(code[:from], "{") {
		rest := code[from:]
		trimmed := strings.TrimLeft(rest, " \t\r\n")
		if !strings.HasPrefix(trimmed, "{") {
			end := strings.IndexAny(rest, ";\n")
			if end < 0 {
				end = len(rest)
			}
			return rest[:end]
		}
		start = from + len(rest) - len(trimmed) + 1
	}

	depth := 1
	for i := start; i < len(code); i++ {
		switch code[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return code[start:i]
			}
		}
	}
	return code[start:]
}

func lineOffsets(code string) []int {
	starts := []int{0}
	for i := 0; i < len(code); i++ {
		if code[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func lineAt(starts []int, offset int) int {
	n := 0
	for i, s := range starts {
		if s > offset {
			break
		}
		n = i
	}
	return n
}
