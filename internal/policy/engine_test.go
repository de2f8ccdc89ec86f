package policy

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(nil, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func analyze(t *testing.T, e *Engine, level Level, o Overrides, code string) []Violation {
	t.Helper()
	p, err := e.Effective(level, o)
	if err != nil {
		t.Fatalf("Effective(%s): %v", level, err)
	}
	return e.Analyze(code, p)
}

func TestAnalyze(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name      string
		level     Level
		overrides Overrides
		code      string
		want      []Violation
	}{
		{
			name:  "clean python",
			level: LevelModerate,
			code:  "print('hi')",
		},
		{
			name:  "strict blocks socket import",
			level: LevelStrict,
			code:  "import socket",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "import socket",
			}},
		},
		{
			name:      "allowed import override",
			level:     LevelStrict,
			overrides: Overrides{AllowedImports: []string{"socket"}},
			code:      "import socket",
		},
		{
			name:  "blocked prefix matches any module starting with it",
			level: LevelModerate,
			code:  "import socketserver",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "import socketserver",
			}},
		},
		{
			name:      "allowed import exempts only its own module",
			level:     LevelStrict,
			overrides: Overrides{AllowedImports: []string{"socket"}},
			code:      "import socket\nimport socketserver",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 2, Pattern: "import socketserver",
			}},
		},
		{
			name:  "import followed by a statement",
			level: LevelStrict,
			code:  "import socket; s = socket.socket()",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "import socket; s = socket.socket()",
			}},
		},
		{
			name:  "import with trailing semicolon",
			level: LevelStrict,
			code:  "import socket;",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "import socket;",
			}},
		},
		{
			name:  "multi import before a statement",
			level: LevelStrict,
			code:  "import os, socket; print(1)",
			want: []Violation{
				{Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "import os, socket; print(1)"},
				{Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "import os, socket; print(1)"},
			},
		},
		{
			name:  "import after a statement",
			level: LevelModerate,
			code:  "x = 1; import subprocess",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "x = 1; import subprocess",
			}},
		},
		{
			name:  "inline if import",
			level: LevelStrict,
			code:  "if True: import socket",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "if True: import socket",
			}},
		},
		{
			name:  "nested inline clauses",
			level: LevelModerate,
			code:  "try: from subprocess import run",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "try: from subprocess import run",
			}},
		},
		{
			name:  "from import after semicolon",
			level: LevelModerate,
			code:  "x = 1; from socket import socket",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "x = 1; from socket import socket",
			}},
		},
		{
			name:  "node require followed by a statement",
			level: LevelStrict,
			code:  "const a = require('fs'); a.readFileSync(0)",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "const a = require('fs'); a.readFileSync(0)",
			}},
		},
		{
			name:  "node import after a statement",
			level: LevelModerate,
			code:  `let n = 1; import cp from "child_process";`,
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: `let n = 1; import cp from "child_process";`,
			}},
		},
		{
			name:  "dotted submodule is blocked",
			level: LevelStrict,
			code:  "import os.path",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "import os.path",
			}},
		},
		{
			name:  "from import",
			level: LevelModerate,
			code:  "x = 1\nfrom subprocess import run",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 2, Pattern: "from subprocess import run",
			}},
		},
		{
			name:  "node require",
			level: LevelModerate,
			code:  "const cp = require('child_process');",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "const cp = require('child_process');",
			}},
		},
		{
			name:  "node scheme import",
			level: LevelModerate,
			code:  `import { fork } from "node:child_process";`,
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: `import { fork } from "node:child_process";`,
			}},
		},
		{
			name:  "go import block",
			level: LevelStrict,
			code:  "package main\n\nimport (\n\t\"fmt\"\n\t\"os/exec\"\n)\n",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 5, Pattern: `"os/exec"`,
			}},
		},
		{
			name:  "blocked pattern with line number",
			level: LevelStrict,
			code:  "x = 1\ny = eval('2')",
			want: []Violation{{
				Type: TypeMaliciousPattern, Severity: SeverityHigh, Line: 2, Pattern: "eval(",
			}},
		},
		{
			name:  "obfuscation is a soft signal",
			level: LevelModerate,
			code:  "s = chr(104) + chr(105)\nprint(s)",
			want: []Violation{{
				Type: TypeMaliciousPattern, Severity: SeverityMedium, Line: 1, Pattern: "chr(",
			}},
		},
		{
			name:  "obfuscation suppressed by other violations",
			level: LevelModerate,
			code:  "import subprocess\nprint(chr(65))",
			want: []Violation{{
				Type: TypeForbiddenImport, Severity: SeverityHigh, Line: 1, Pattern: "import subprocess",
			}},
		},
		{
			name:  "python forever loop",
			level: LevelModerate,
			code:  "while True:\n    x = 1\nprint(x)",
			want: []Violation{{
				Type: TypeMaliciousPattern, Severity: SeverityMedium, Line: 1, Pattern: "while True:",
			}},
		},
		{
			name:  "python loop with break",
			level: LevelModerate,
			code:  "while True:\n    if x:\n        break\n",
		},
		{
			name:  "javascript forever loop",
			level: LevelModerate,
			code:  "let n = 0;\nwhile (true) {\n  n++;\n}",
			want: []Violation{{
				Type: TypeMaliciousPattern, Severity: SeverityMedium, Line: 2, Pattern: "while (true) {",
			}},
		},
		{
			name:  "javascript loop with return",
			level: LevelModerate,
			code:  "for (;;) { if (done) { return; } }",
		},
		{
			name:  "go bare for",
			level: LevelModerate,
			code:  "func main() {\n\tfor {\n\t}\n}",
			want: []Violation{{
				Type: TypeMaliciousPattern, Severity: SeverityMedium, Line: 2, Pattern: "for {",
			}},
		},
		{
			name:  "shell forever loop",
			level: LevelModerate,
			code:  "while true; do\n  echo hi\ndone",
			want: []Violation{{
				Type: TypeMaliciousPattern, Severity: SeverityMedium, Line: 1, Pattern: "while true; do",
			}},
		},
		{
			name:  "network denied under strict",
			level: LevelStrict,
			code:  `fetch("https://example.com/api")`,
			want: []Violation{{
				Type: TypeNetworkAccess, Severity: SeverityHigh, Line: 1, Pattern: "https://example.com",
			}},
		},
		{
			name:  "allowed domain under moderate",
			level: LevelModerate,
			code:  `r = get("https://pypi.org/simple")`,
		},
		{
			name:  "unlisted domain under moderate is soft",
			level: LevelModerate,
			code:  `r = get("https://evil.example")`,
			want: []Violation{{
				Type: TypeNetworkAccess, Severity: SeverityMedium, Line: 1, Pattern: "https://evil.example",
			}},
		},
		{
			name:  "file outside allowed paths",
			level: LevelModerate,
			code:  `open("/etc/passwd")`,
			want: []Violation{{
				Type: TypeFileAccess, Severity: SeverityHigh, Line: 1, Pattern: "/etc/passwd",
			}},
		},
		{
			name:  "file inside allowed paths",
			level: LevelModerate,
			code:  `open("/tmp/out.txt", "w")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := analyze(t, e, tt.level, tt.overrides, tt.code)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d violations %+v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				g, w := got[i], tt.want[i]
				if g.Type != w.Type || g.Severity != w.Severity || g.Line != w.Line || g.Pattern != w.Pattern {
					t.Errorf("violation[%d] = {%s %s line %d %q}, want {%s %s line %d %q}",
						i, g.Type, g.Severity, g.Line, g.Pattern, w.Type, w.Severity, w.Line, w.Pattern)
				}
				if g.Message == "" {
					t.Errorf("violation[%d] has empty message", i)
				}
			}
		})
	}
}

func TestAnalyze_FailsClosed(t *testing.T) {
	e := newTestEngine(t, WithMaxCodeBytes(10))
	p, _ := e.Profile(LevelPermissive)

	tests := []struct {
		name     string
		code     string
		wantType ViolationType
	}{
		{"invalid utf8", "\xff\xfe", TypeMaliciousPattern},
		{"nul byte", "a\x00b", TypeMaliciousPattern},
		{"too large", strings.Repeat("x", 11), TypeResourceLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Analyze(tt.code, p)
			if len(got) != 1 {
				t.Fatalf("got %d violations, want 1", len(got))
			}
			if got[0].Type != tt.wantType || got[0].Severity != SeverityCritical {
				t.Errorf("got {%s %s}, want {%s critical}", got[0].Type, got[0].Severity, tt.wantType)
			}
			if !Blocking(got) {
				t.Error("Blocking() = false, want true")
			}
		})
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	e := newTestEngine(t)
	p, _ := e.Profile(LevelStrict)

	code := "import os\ny = eval(input())\nwhile True:\n    pass\n"
	first := e.Analyze(code, p)

	e.Analyze("import subprocess", p)
	e.Analyze("print(chr(1))", p)

	second := e.Analyze(code, p)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ between calls:\n%+v\n%+v", first, second)
	}
}

func TestNewEngine(t *testing.T) {
	t.Run("invalid pattern", func(t *testing.T) {
		p := DefaultProfiles()[0]
		p.BlockedPatterns = []string{"("}
		if _, err := NewEngine([]Profile{p}); err == nil {
			t.Error("expected error for invalid pattern")
		}
	})

	t.Run("invalid limits", func(t *testing.T) {
		p := DefaultProfiles()[1]
		p.MaxExecutionTime = 0
		if _, err := NewEngine([]Profile{p}); err == nil {
			t.Error("expected error for zero max_execution_time")
		}
	})

	t.Run("override replaces level", func(t *testing.T) {
		custom := Profile{
			Level:            LevelPermissive,
			MaxExecutionTime: time.Second,
			MaxMemoryMB:      32,
			CodeAnalysis:     false,
		}
		e, err := NewEngine([]Profile{custom})
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		got, _ := e.Profile(LevelPermissive)
		if got.CodeAnalysis || got.MaxMemoryMB != 32 {
			t.Errorf("Profile(permissive) = %+v, want custom profile", got)
		}
		if strict, _ := e.Profile(LevelStrict); !strict.CodeAnalysis {
			t.Error("strict profile should keep defaults")
		}
	})
}

func TestEffective_DoesNotMutateDefaults(t *testing.T) {
	e := newTestEngine(t)

	p, err := e.Effective(LevelStrict, Overrides{
		Timeout:        2 * time.Second,
		MemoryLimitMB:  32,
		AllowedImports: []string{"socket", "socket"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxExecutionTime != 2*time.Second || p.MaxMemoryMB != 32 {
		t.Errorf("overrides not applied: %+v", p)
	}
	if len(p.AllowedImports) != 1 {
		t.Errorf("AllowedImports = %v, want deduplicated [socket]", p.AllowedImports)
	}

	base, _ := e.Profile(LevelStrict)
	if len(base.AllowedImports) != 0 || base.MaxExecutionTime != 5*time.Second {
		t.Errorf("level defaults were mutated: %+v", base)
	}

	if _, err := e.Effective(Level("lenient"), Overrides{}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestProfiles_OrderedByStrictness(t *testing.T) {
	e := newTestEngine(t)
	ps := e.Profiles()
	if len(ps) != 3 {
		t.Fatalf("got %d profiles, want 3", len(ps))
	}
	for i, want := range Levels() {
		if ps[i].Level != want {
			t.Errorf("Profiles()[%d] = %s, want %s", i, ps[i].Level, want)
		}
	}
}

func TestCapabilityScope(t *testing.T) {
	e := newTestEngine(t)

	strict, _ := e.Profile(LevelStrict)
	s := e.CapabilityScope("python", strict)
	for _, c := range []Capability{CapEval, CapReflection, CapNetwork, CapFilesystem} {
		if s.Allows(c) {
			t.Errorf("strict scope allows %s", c)
		}
	}
	if !s.Allows(CapConsole) || !s.Allows(CapJSON) {
		t.Error("strict scope should allow console and json")
	}

	moderate, _ := e.Profile(LevelModerate)
	s = e.CapabilityScope("node", moderate)
	for _, c := range []Capability{CapEval, CapReflection, CapNetwork, CapFilesystem} {
		if !s.Allows(c) {
			t.Errorf("moderate scope missing %s", c)
		}
	}
	if s.MaxNetworkRequests != 5 {
		t.Errorf("MaxNetworkRequests = %d, want 5", s.MaxNetworkRequests)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"strict", LevelStrict, false},
		{"permissive", LevelPermissive, false},
		{"", LevelModerate, false},
		{"lenient", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	if !(LevelStrict.Rank() < LevelModerate.Rank() && LevelModerate.Rank() < LevelPermissive.Rank()) {
		t.Error("levels are not ordered strict < moderate < permissive")
	}
}

func TestSeverity_JSON(t *testing.T) {
	v := Violation{Type: TypeTimeout, Severity: SeverityHigh, Message: "slow"}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"severity":"high"`) {
		t.Errorf("Marshal = %s, want severity as name", b)
	}

	var decoded Violation
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Severity != SeverityHigh {
		t.Errorf("decoded severity = %s, want high", decoded.Severity)
	}
	if Severity(99).String() != "unknown" {
		t.Errorf("Severity(99).String() = %q, want unknown", Severity(99).String())
	}
}

func TestDomainAndPathAllowed(t *testing.T) {
	if !DomainAllowed("files.pypi.org", []string{"pypi.org"}) {
		t.Error("subdomain should be allowed")
	}
	if DomainAllowed("notpypi.org", []string{"pypi.org"}) {
		t.Error("suffix without dot boundary should not be allowed")
	}
	if !DomainAllowed("anything.test", []string{"*"}) {
		t.Error("wildcard should allow every host")
	}
	if !PathAllowed("/tmp/a/b", []string{"/tmp/"}) {
		t.Error("nested path should be allowed")
	}
	if PathAllowed("/tmpfoo", []string{"/tmp"}) {
		t.Error("sibling with shared prefix should not be allowed")
	}
}
