package utils

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

const stderrTail = 2048

// RunCommand runs an external program to completion. On failure the error
// carries the tail of its stderr.
func RunCommand(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrTail {
			msg = "..." + msg[len(msg)-stderrTail:]
		}
		if msg != "" {
			return stdout.Bytes(), eris.Wrapf(err, "%s: %s", name, msg)
		}
		return stdout.Bytes(), eris.Wrap(err, name)
	}
	return stdout.Bytes(), nil
}
