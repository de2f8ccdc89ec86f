package runtime

import (
	"context"
	"fmt"

	"polyglot-sandbox/internal/policy"
)

// NodeRuntime executes JavaScript with Node.js.
type NodeRuntime struct{ engineRuntime }

func (n *NodeRuntime) Execute(ctx context.Context, code string, opts ExecOptions) (*Output, error) {
	return n.run(ctx, code, opts, func(codePath string) []string {
		return n.Command(codePath, opts)
	}, nil, false)
}

// Command caps the V8 heap at the memory limit and disables eval and
// new Function unless the scope grants dynamic evaluation.
func (n *NodeRuntime) Command(codePath string, opts ExecOptions) []string {
	args := []string{n.desc.Binary}
	if opts.Limits.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--max-old-space-size=%d", opts.Limits.MemoryMB))
	}
	if !opts.Scope.Allows(policy.CapEval) {
		args = append(args, "--disallow-code-generation-from-strings")
	}
	return append(args, codePath)
}
