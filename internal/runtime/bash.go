package runtime

import "context"

// BashRuntime executes POSIX shell scripts.
type BashRuntime struct{ engineRuntime }

func (b *BashRuntime) Execute(ctx context.Context, code string, opts ExecOptions) (*Output, error) {
	return b.run(ctx, code, opts, b.Command, nil, false)
}

func (b *BashRuntime) Command(codePath string) []string {
	return []string{
		b.desc.Binary,
		"-e", // exit on error
		"-u", // unset variables are errors
		codePath,
	}
}
