package runtime

import (
	"context"
	"errors"
	"slices"
	"testing"

	"polyglot-sandbox/internal/config"
	"polyglot-sandbox/internal/policy"
	"polyglot-sandbox/internal/sandbox"
)

// recordingEngine captures what runtimes ask of the engine.
type recordingEngine struct {
	prepared []sandbox.Target
	released []sandbox.Target
	specs    []sandbox.RunSpec
	result   *sandbox.RunResult
	err      error
}

func (e *recordingEngine) Name() string { return "recording" }

func (e *recordingEngine) Prepare(_ context.Context, t sandbox.Target) error {
	e.prepared = append(e.prepared, t)
	return e.err
}

func (e *recordingEngine) Run(_ context.Context, spec sandbox.RunSpec) (*sandbox.RunResult, error) {
	e.specs = append(e.specs, spec)
	if e.result == nil {
		return &sandbox.RunResult{Stdout: "ok\n"}, e.err
	}
	return e.result, e.err
}

func (e *recordingEngine) Release(_ context.Context, t sandbox.Target) error {
	e.released = append(e.released, t)
	return nil
}

func (e *recordingEngine) Close() error { return nil }

func TestCatalog_Describe(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		name string
		want Language
	}{
		{"python", Python},
		{"py", Python},
		{"javascript", Node},
		{"JS", Node},
		{"sh", Bash},
		{"golang", Go},
		{" go ", Go},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := c.Describe(tt.name)
			if err != nil {
				t.Fatalf("Describe(%q) = %v", tt.name, err)
			}
			if d.Language != tt.want {
				t.Errorf("Describe(%q).Language = %q, want %q", tt.name, d.Language, tt.want)
			}
			if d.FootprintBytes <= 0 || d.Image == "" || d.Binary == "" {
				t.Errorf("incomplete descriptor %+v", d)
			}
		})
	}

	_, err := c.Describe("rust")
	if !errors.Is(err, ErrUnknownLanguage) || !errors.Is(err, sandbox.ErrUnsupportedLang) {
		t.Errorf("Describe(rust) = %v, want ErrUnknownLanguage", err)
	}
}

func TestCatalog_Supported(t *testing.T) {
	got := DefaultCatalog().Supported()
	want := []Language{Bash, Go, Node, Python}
	if !slices.Equal(got, want) {
		t.Errorf("Supported() = %v, want %v", got, want)
	}
	if n := len(DefaultCatalog().Images()); n != 4 {
		t.Errorf("Images() has %d entries, want 4", n)
	}
}

func TestCatalog_ForExtension(t *testing.T) {
	c := DefaultCatalog()
	tests := []struct {
		ext  string
		want Language
		ok   bool
	}{
		{".py", Python, true},
		{".JS", Node, true},
		{".sh", Bash, true},
		{".go", Go, true},
		{".rb", "", false},
	}
	for _, tt := range tests {
		d, ok := c.ForExtension(tt.ext)
		if ok != tt.ok || d.Language != tt.want {
			t.Errorf("ForExtension(%q) = %s, %v", tt.ext, d.Language, ok)
		}
	}
}

func TestCatalogFromConfig(t *testing.T) {
	c, err := CatalogFromConfig(map[string]config.RuntimeOverride{
		"py": {Binary: "python3.12", FootprintMB: 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	d, _ := c.Describe("python")
	if d.Binary != "python3.12" || d.FootprintBytes != 10<<20 {
		t.Errorf("override not applied: %+v", d)
	}
	if n, _ := c.Describe("node"); n.Binary != "node" {
		t.Errorf("node should keep defaults, got %+v", n)
	}

	if _, err := CatalogFromConfig(map[string]config.RuntimeOverride{"cobol": {}}); err == nil {
		t.Error("expected error for unknown language override")
	}
}

func TestNew(t *testing.T) {
	engine := &recordingEngine{}
	for _, d := range DefaultDescriptors() {
		rt, err := New(d, engine)
		if err != nil {
			t.Fatalf("New(%s) = %v", d.Language, err)
		}
		if rt.Descriptor().Language != d.Language {
			t.Errorf("Descriptor().Language = %q, want %q", rt.Descriptor().Language, d.Language)
		}
	}

	if _, err := New(Descriptor{Language: "cobol"}, engine); !errors.Is(err, ErrUnknownLanguage) {
		t.Errorf("New(cobol) = %v, want ErrUnknownLanguage", err)
	}
}

func TestRuntime_Lifecycle(t *testing.T) {
	engine := &recordingEngine{}
	d, _ := DefaultCatalog().Describe("python")
	rt, _ := New(d, engine)

	if err := rt.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rt.Cleanup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(engine.prepared) != 1 || engine.prepared[0].Image != d.Image || engine.prepared[0].Binary != "python3" {
		t.Errorf("prepared = %+v", engine.prepared)
	}
	if len(engine.released) != 1 || engine.released[0].Name != "python" {
		t.Errorf("released = %+v", engine.released)
	}
}

func TestPythonRuntime_Execute(t *testing.T) {
	engine := &recordingEngine{}
	d, _ := DefaultCatalog().Describe("python")
	rt, _ := New(d, engine)

	out, err := rt.Execute(context.Background(), "print('hi')", ExecOptions{
		ExecID:   "e1",
		Scope:    policy.Scope{Capabilities: []policy.Capability{policy.CapConsole}},
		ProxyURL: "http://tok@127.0.0.1:1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Stdout != "ok\n" {
		t.Errorf("Stdout = %q", out.Stdout)
	}

	spec := engine.specs[0]
	if spec.FileName != "main.py" || spec.Code != "print('hi')" || spec.ExecID != "e1" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Network || spec.ProxyURL != "" {
		t.Error("network must stay off when the scope lacks it")
	}
	if spec.WritableTmp {
		t.Error("python should not get a writable /tmp without filesystem scope")
	}
	if spec.Limits != sandbox.DefaultLimits() {
		t.Errorf("Limits = %+v, want defaults", spec.Limits)
	}
	want := []string{"python3", "-I", "-u", "-B", "/w/main.py"}
	if got := spec.Command("/w/main.py"); !slices.Equal(got, want) {
		t.Errorf("Command = %v, want %v", got, want)
	}
}

func TestNodeRuntime_Command(t *testing.T) {
	d, _ := DefaultCatalog().Describe("node")
	rt := &NodeRuntime{engineRuntime{desc: d}}

	strict := ExecOptions{Limits: sandbox.ResourceLimits{MemoryMB: 64}}
	got := rt.Command("/w/main.js", strict)
	want := []string{"node", "--max-old-space-size=64", "--disallow-code-generation-from-strings", "/w/main.js"}
	if !slices.Equal(got, want) {
		t.Errorf("Command = %v, want %v", got, want)
	}

	withEval := ExecOptions{Scope: policy.Scope{Capabilities: []policy.Capability{policy.CapEval}}}
	got = rt.Command("/w/main.js", withEval)
	if slices.Contains(got, "--disallow-code-generation-from-strings") {
		t.Errorf("eval scope should allow code generation: %v", got)
	}
}

func TestGoRuntime_Execute(t *testing.T) {
	engine := &recordingEngine{}
	d, _ := DefaultCatalog().Describe("go")
	rt, _ := New(d, engine)

	_, err := rt.Execute(context.Background(), "package main\nfunc main() {}", ExecOptions{
		Env:      []string{"X=1"},
		Scope:    policy.Scope{Capabilities: []policy.Capability{policy.CapNetwork}},
		ProxyURL: "http://p:1",
	})
	if err != nil {
		t.Fatal(err)
	}
	spec := engine.specs[0]
	if !spec.WritableTmp {
		t.Error("go needs a writable /tmp for its build cache")
	}
	if !slices.Contains(spec.Env, "CGO_ENABLED=0") || !slices.Contains(spec.Env, "X=1") {
		t.Errorf("Env = %v", spec.Env)
	}
	if !spec.Network || spec.ProxyURL != "http://p:1" {
		t.Errorf("network scope not forwarded: %+v", spec)
	}
	if got := spec.Command("/w/main.go"); !slices.Equal(got, []string{"go", "run", "/w/main.go"}) {
		t.Errorf("Command = %v", got)
	}
	if len(goEnv) != 4 {
		t.Errorf("goEnv was mutated: %v", goEnv)
	}
}

func TestRuntime_PartialResultOnError(t *testing.T) {
	engine := &recordingEngine{
		result: &sandbox.RunResult{Stdout: "partial", ExitCode: -1},
		err:    sandbox.ErrTimeout,
	}
	d, _ := DefaultCatalog().Describe("bash")
	rt, _ := New(d, engine)

	out, err := rt.Execute(context.Background(), "sleep 100", ExecOptions{})
	if !errors.Is(err, sandbox.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if out == nil || out.Stdout != "partial" || out.ExitCode != -1 {
		t.Errorf("out = %+v, want partial output", out)
	}
	if got := engine.specs[0].Command("/w/main.sh"); !slices.Equal(got, []string{"sh", "-e", "-u", "/w/main.sh"}) {
		t.Errorf("Command = %v", got)
	}
}
