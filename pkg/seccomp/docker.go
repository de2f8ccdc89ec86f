package seccomp

import (
	"encoding/json"
	"fmt"
)

// DockerJSON renders a profile in the format accepted by
// `docker run --security-opt seccomp=<file>`.
func DockerJSON(opts Options) ([]byte, error) {
	data, err := json.MarshalIndent(ForOptions(opts), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}
