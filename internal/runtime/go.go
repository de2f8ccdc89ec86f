package runtime

import "context"

// GoRuntime compiles and runs a single-file Go program.
type GoRuntime struct{ engineRuntime }

// goEnv keeps the toolchain offline and the build cache inside the sandbox.
var goEnv = []string{
	"CGO_ENABLED=0",
	"GOTOOLCHAIN=local",
	"GOPROXY=off",
	"GOCACHE=/tmp/.gocache",
}

func (g *GoRuntime) Execute(ctx context.Context, code string, opts ExecOptions) (*Output, error) {
	return g.run(ctx, code, opts, g.Command, goEnv, true)
}

func (g *GoRuntime) Command(codePath string) []string {
	return []string{g.desc.Binary, "run", codePath}
}
