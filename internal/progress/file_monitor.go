package progress

import (
	"context"
	"fmt"
	"os"
)

// FileMonitor samples progress from an output file (or directory): the token
// combines size and mtime, so any append or rewrite counts as progress.
// A missing file is a valid sample (the service may not have produced output
// yet), reported as a distinct token.
type FileMonitor struct{ Path string }

func (m FileMonitor) Sample(ctx context.Context, _ string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return NoToken, ErrSampleTimeout
	}
	fi, err := os.Stat(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Token("absent"), nil
		}
		return NoToken, err
	}
	return Token(fmt.Sprintf("%d:%d", fi.Size(), fi.ModTime().UnixNano())), nil
}

func (m FileMonitor) Describe() string { return "file:" + m.Path }
