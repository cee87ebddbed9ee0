package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Stage 把 r 的内容写入 dir 下的新临时文件，返回其路径与字节数，供 Store.Write 使用。
func Stage(ctx context.Context, dir string, r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("%w: create staging dir: %w", ErrIOFailure, err)
	}
	tempFile, err := os.CreateTemp(dir, ".stage-*")
	if err != nil {
		return "", 0, fmt.Errorf("%w: create staging file: %w", ErrIOFailure, err)
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, r)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", 0, err
		}
		return "", 0, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return tempName, written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
