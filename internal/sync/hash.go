package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// hashChunkSize bounds each read so cancellation is checked at regular
// intervals while hashing large files.
const hashChunkSize = 4 * 1024 * 1024

// Hash returns the hex SHA-256 of the file's content, computing it on
// first use and caching the result. CMIS 1.1 servers report the content
// stream hash in the same form, so the two sides compare directly.
func (v *LocalView) Hash(ctx context.Context) (string, error) {
	if v.hash != "" {
		return v.hash, nil
	}

	digest, err := hashFile(ctx, v.AbsPath)
	if err != nil {
		return "", err
	}

	v.hash = digest

	return digest, nil
}

// hashFile computes the hex SHA-256 of the file at absPath.
func hashFile(ctx context.Context, absPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", fmt.Errorf("sync: opening %s for hashing: %w", absPath, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return "", fmt.Errorf("sync: hashing %s: %w", absPath, readErr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
