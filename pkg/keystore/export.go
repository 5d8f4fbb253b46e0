package keystore

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Export gzip-streams the three on-disk key forms plus a plaintext manifest
// line (fingerprint, generation time) to w, for backup. It only reads the
// existing files; it never regenerates or mutates them, and is never called
// on the connect path.
func (s *Store) Export(w io.Writer) error {
	fp, err := s.Fingerprint()
	if err != nil {
		return fmt.Errorf("keystore: export: %w", err)
	}
	info, err := os.Stat(s.path(privateFile))
	if err != nil {
		return fmt.Errorf("keystore: export: %w", err)
	}

	gw := gzip.NewWriter(w)
	defer gw.Close()

	manifest := fmt.Sprintf("fingerprint=%s generated=%s\n", fp, info.ModTime().UTC().Format(time.RFC3339))
	if _, err := io.WriteString(gw, manifest); err != nil {
		return fmt.Errorf("keystore: export: write manifest: %w", err)
	}

	for _, name := range []string{privateFile, publicFile, blobFile} {
		b, err := os.ReadFile(s.path(name))
		if err != nil {
			return fmt.Errorf("keystore: export: read %s: %w", name, err)
		}
		if _, err := gw.Write(b); err != nil {
			return fmt.Errorf("keystore: export: write %s: %w", name, err)
		}
	}

	return gw.Close()
}
