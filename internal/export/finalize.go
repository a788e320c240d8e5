package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FileName is the name under which the export captured on day is stored.
func FileName(day time.Time) string {
	return "export_" + day.Format("20060102") + ".xls"
}

// Finalize moves a captured download into dataDir as today's export,
// replacing a file captured earlier the same day. It returns the final path
// and size.
func Finalize(src, dataDir string, now time.Time) (string, int64, error) {
	if src == "" {
		return "", 0, fmt.Errorf("download has no file")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create data dir: %w", err)
	}
	dest := filepath.Join(dataDir, FileName(now))

	if err := os.Rename(src, dest); err != nil {
		// Staging and data may sit on different filesystems.
		if cerr := copyFile(src, dest); cerr != nil {
			return "", 0, fmt.Errorf("move %s to %s: %w", src, dest, cerr)
		}
		_ = os.Remove(src)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", dest, err)
	}
	return dest, info.Size(), nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
