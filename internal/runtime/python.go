package runtime

import "context"

// PythonRuntime executes CPython scripts.
type PythonRuntime struct{ engineRuntime }

func (p *PythonRuntime) Execute(ctx context.Context, code string, opts ExecOptions) (*Output, error) {
	return p.run(ctx, code, opts, p.Command, nil, false)
}

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{
		p.desc.Binary,
		"-I", // isolated: ignore PYTHON* env and user site-packages
		"-u", // unbuffered output
		"-B", // no .pyc files
		codePath,
	}
}
