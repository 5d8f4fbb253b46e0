package keystore

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestExportProducesManifestAndKeyForms(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.EnsureKeys(); err != nil {
		t.Fatalf("EnsureKeys: %v", err)
	}
	fp, err := s.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	var buf bytes.Buffer
	if err := s.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	gr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gr.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(gr); err != nil {
		t.Fatalf("decompress: %v", err)
	}

	if !strings.HasPrefix(out.String(), "fingerprint="+fp) {
		t.Fatalf("manifest missing fingerprint prefix: %q", out.String()[:min(len(out.String()), 80)])
	}

	privPEM, err := s.LoadKeypair()
	if err != nil {
		t.Fatalf("LoadKeypair: %v", err)
	}
	_ = privPEM // sanity: keys still load after Export (nothing mutated)
}
