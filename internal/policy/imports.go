package policy

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// import x from "y", import "y", import f "fmt"
	reQuotedImport = regexp.MustCompile(`^\s*import\s+(?:[\w$*{}\s,]+\s+from\s+|[\w.]+\s+)?["']([^"']+)["']`)
	reRequire      = regexp.MustCompile(`\brequire\s*\(\s*["']([^"']+)["']\s*\)`)
	reDynImport    = regexp.MustCompile(`\bimport\s*\(\s*["']([^"']+)["']\s*\)`)
	rePyImport     = regexp.MustCompile(`^\s*import\s+([\w.]+(?:\s+as\s+\w+)?(?:\s*,\s*[\w.]+(?:\s+as\s+\w+)?)*)\s*(?:#.*)?$`)
	rePyFrom       = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
	reGoBlockStart = regexp.MustCompile(`^\s*import\s*\(\s*$`)
	reGoBlockSpec  = regexp.MustCompile(`^\s*(?:[\w.]+\s+)?"([^"]+)"`)
	reInclude      = regexp.MustCompile(`^\s*#\s*include\s*[<"]([^>"]+)[>"]`)
	reSource       = regexp.MustCompile(`^\s*(?:source|\.)\s+([^\s;&|]+)`)

	// if x:, else:, try:, class C(B): ... heading an inline python statement
	reCompoundHead = regexp.MustCompile(`^\s*(?:(?:async\s+)?(?:if|elif|while|for|with|except|def|class)\b[^:]*|else|try|finally|except)\s*:`)
)

type importStmt struct {
	module string
	line   int
	text   string
}

// extractImports finds import-like statements across the supported
// languages. It is textual, so string contents can produce false positives.
func extractImports(lines []string) []importStmt {
	var out []importStmt
	inGoBlock := false

	for i, line := range lines {
		text := strings.TrimSpace(line)
		add := func(module string) {
			out = append(out, importStmt{module: module, line: i + 1, text: text})
		}

		if inGoBlock {
			if strings.HasPrefix(text, ")") {
				inGoBlock = false
				continue
			}
			if m := reGoBlockSpec.FindStringSubmatch(line); m != nil {
				add(m[1])
			}
			continue
		}
		if reGoBlockStart.MatchString(line) {
			inGoBlock = true
			continue
		}

		for _, stmt := range strings.Split(line, ";") {
			if m := reQuotedImport.FindStringSubmatch(stmt); m != nil {
				add(m[1])
				continue
			}
			py := stripCompoundHeads(stmt)
			if m := rePyImport.FindStringSubmatch(py); m != nil {
				for _, part := range strings.Split(m[1], ",") {
					if fields := strings.Fields(part); len(fields) > 0 {
						add(fields[0])
					}
				}
			} else if m := rePyFrom.FindStringSubmatch(py); m != nil {
				add(m[1])
			} else if m := reInclude.FindStringSubmatch(stmt); m != nil {
				add(m[1])
			} else if m := reSource.FindStringSubmatch(stmt); m != nil {
				add(m[1])
			}
		}

		for _, m := range reRequire.FindAllStringSubmatch(line, -1) {
			add(m[1])
		}
		for _, m := range reDynImport.FindAllStringSubmatch(line, -1) {
			add(m[1])
		}
	}

	return out
}

// stripCompoundHeads drops leading "if ...:" style clauses so the statement
// that follows them on the same line is matched as if it started the line.
func stripCompoundHeads(stmt string) string {
	for {
		loc := reCompoundHead.FindStringIndex(stmt)
		if loc == nil {
			return stmt
		}
		stmt = stmt[loc[1]:]
	}
}

func scanImports(lines []string, profile Profile) []Violation {
	var out []Violation
	for _, imp := range extractImports(lines) {
		if _, ok := firstMatch(imp.module, profile.AllowedImports, modulePrefix); ok {
			continue
		}
		prefix, ok := firstMatch(imp.module, profile.BlockedImports, blockedPrefix)
		if !ok {
			continue
		}
		out = append(out, Violation{
			Type:     TypeForbiddenImport,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("import of %q is blocked by the %s policy (prefix %q)", imp.module, profile.Level, prefix),
			Line:     imp.line,
			Pattern:  imp.text,
		})
	}
	return out
}

// blockedPrefix reports whether module starts with prefix. It ignores module
// boundaries, so "socket" also blocks "socketserver".
func blockedPrefix(module, prefix string) bool {
	return prefix != "" && strings.HasPrefix(module, prefix)
}

// modulePrefix reports whether module equals prefix or lives under it. A
// prefix ending in a separator matches any module starting with it.
func modulePrefix(module, prefix string) bool {
	if prefix == "" {
		return false
	}
	if module == prefix {
		return true
	}
	if strings.HasSuffix(prefix, "/") || strings.HasSuffix(prefix, ".") || strings.HasSuffix(prefix, ":") {
		return strings.HasPrefix(module, prefix)
	}
	if !strings.HasPrefix(module, prefix) {
		return false
	}
	switch module[len(prefix)] {
	case '.', '/', ':':
		return true
	}
	return false
}

func firstMatch(module string, prefixes []string, match func(module, prefix string) bool) (string, bool) {
	candidates := []string{module}
	if bare, ok := strings.CutPrefix(module, "node:"); ok {
		candidates = append(candidates, bare)
	}
	for _, p := range prefixes {
		for _, m := range candidates {
			if match(m, p) {
				return p, true
			}
		}
	}
	return "", false
}
