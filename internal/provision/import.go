package provision

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

const importTimeout = 10 * time.Minute

// runImport invokes the external linuxmuster-import-devices executable
// once per batch.
func runImport(ctx context.Context, bin string, args ...string) (stdout string, err error) {
	cctx, cancel := context.WithTimeout(ctx, importTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, bin, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err = cmd.Run()
	return buf.String(), err
}
