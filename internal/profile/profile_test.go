package profile

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seamlik/viska/internal/pki"
)

func TestCreateStandardProfileWritesCertificateAndKey(t *testing.T) {
	dir := t.TempDir()

	accountID, err := CreateStandardProfile(dir)
	if err != nil {
		t.Fatalf("CreateStandardProfile: %v", err)
	}

	layout := NewLayout(dir, accountID)
	if _, err := os.Stat(layout.CertificatePath()); err != nil {
		t.Fatalf("certificate not written: %v", err)
	}
	if _, err := os.Stat(layout.KeyPath()); err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(layout.DatabasePath())); err != nil {
		t.Fatalf("database directory not created: %v", err)
	}
}

func TestLoadRoundTripsCertificate(t *testing.T) {
	dir := t.TempDir()

	accountID, err := CreateStandardProfile(dir)
	if err != nil {
		t.Fatalf("CreateStandardProfile: %v", err)
	}

	bundle, err := Load(dir, accountID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pki.DeriveAccountID(bundle.CertificateDER) != accountID {
		t.Fatal("loaded certificate does not derive the requested account id")
	}
}

func TestLoadRejectsMismatchedAccountID(t *testing.T) {
	dir := t.TempDir()

	if _, err := CreateStandardProfile(dir); err != nil {
		t.Fatalf("CreateStandardProfile: %v", err)
	}

	wrongID, err := pki.ParseAccountID(strings.Repeat("0", 64))
	if err != nil {
		t.Fatalf("ParseAccountID: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "account"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	actualID, err := pki.ParseAccountID(entries[0].Name())
	if err != nil {
		t.Fatalf("ParseAccountID: %v", err)
	}

	// Point Load at the real certificate files but ask for a different account id.
	realLayout := NewLayout(dir, actualID)
	wrongLayout := NewLayout(dir, wrongID)
	if err := os.MkdirAll(filepath.Dir(wrongLayout.DatabasePath()), 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	certBytes, err := os.ReadFile(realLayout.CertificatePath())
	if err != nil {
		t.Fatalf("ReadFile certificate: %v", err)
	}
	keyBytes, err := os.ReadFile(realLayout.KeyPath())
	if err != nil {
		t.Fatalf("ReadFile key: %v", err)
	}
	if err := os.WriteFile(wrongLayout.CertificatePath(), certBytes, 0o600); err != nil {
		t.Fatalf("WriteFile certificate: %v", err)
	}
	if err := os.WriteFile(wrongLayout.KeyPath(), keyBytes, 0o600); err != nil {
		t.Fatalf("WriteFile key: %v", err)
	}

	if _, err := Load(dir, wrongID); err != ErrIncorrectAccountID {
		t.Fatalf("expected ErrIncorrectAccountID, got %v", err)
	}
}

func TestBackupProducesZipWithExpectedEntries(t *testing.T) {
	dir := t.TempDir()

	accountID, err := CreateStandardProfile(dir)
	if err != nil {
		t.Fatalf("CreateStandardProfile: %v", err)
	}

	layout := NewLayout(dir, accountID)
	if err := os.WriteFile(layout.DatabasePath(), []byte("fake db contents"), 0o600); err != nil {
		t.Fatalf("WriteFile database: %v", err)
	}

	destPath := filepath.Join(t.TempDir(), "backup.zip")
	if err := Backup(dir, accountID, destPath); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	zr, err := zip.OpenReader(destPath)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer zr.Close()

	want := map[string]bool{"certificate.der": false, "key.der": false, "database/main.db": false}
	for _, f := range zr.File {
		if _, ok := want[f.Name]; ok {
			want[f.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("backup archive missing entry %q", name)
		}
	}
}
