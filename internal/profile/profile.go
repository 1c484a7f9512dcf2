// Package profile lays out and manages an account's on-disk state: its
// certificate, private key, and database file, rooted at a configurable
// data directory.
package profile

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/seamlik/viska/internal/pki"
)

// Layout resolves the filesystem paths for one account under dirData.
type Layout struct {
	dirData   string
	accountID pki.AccountID
}

// NewLayout returns the Layout for accountID rooted at dirData.
func NewLayout(dirData string, accountID pki.AccountID) Layout {
	return Layout{dirData: dirData, accountID: accountID}
}

func (l Layout) accountDir() string {
	return filepath.Join(l.dirData, "account", l.accountID.String())
}

// CertificatePath returns <dir_data>/account/<HEX_ACCOUNT_ID>/certificate.der.
func (l Layout) CertificatePath() string {
	return filepath.Join(l.accountDir(), "certificate.der")
}

// KeyPath returns <dir_data>/account/<HEX_ACCOUNT_ID>/key.der.
func (l Layout) KeyPath() string {
	return filepath.Join(l.accountDir(), "key.der")
}

// DatabasePath returns <dir_data>/account/<HEX_ACCOUNT_ID>/database/main.db.
func (l Layout) DatabasePath() string {
	return filepath.Join(l.accountDir(), "database", "main.db")
}

// CreateStandardProfile generates a fresh certificate bundle, derives its
// AccountId, and writes the certificate and key under dirData, creating the
// account and database directories as needed. It returns the newly
// generated AccountId.
func CreateStandardProfile(dirData string) (pki.AccountID, error) {
	bundle, err := pki.NewCertificate()
	if err != nil {
		return pki.AccountID{}, fmt.Errorf("profile: generate certificate: %w", err)
	}
	accountID := pki.DeriveAccountID(bundle.CertificateDER)
	layout := NewLayout(dirData, accountID)

	if err := os.MkdirAll(filepath.Dir(layout.DatabasePath()), 0o700); err != nil {
		return pki.AccountID{}, fmt.Errorf("profile: create database directory: %w", err)
	}
	if err := os.WriteFile(layout.CertificatePath(), bundle.CertificateDER, 0o600); err != nil {
		return pki.AccountID{}, fmt.Errorf("profile: write certificate: %w", err)
	}
	if err := os.WriteFile(layout.KeyPath(), bundle.KeyDER, 0o600); err != nil {
		return pki.AccountID{}, fmt.Errorf("profile: write key: %w", err)
	}

	slog.Info("profile created", "account_id", accountID.String(), "dir_data", dirData)
	return accountID, nil
}

// ErrIncorrectAccountID is returned by Load when the loaded certificate's
// derived AccountId does not match the requested one.
var ErrIncorrectAccountID = fmt.Errorf("profile: certificate does not match the requested account id")

// Load reads the certificate and key for accountID and verifies the
// certificate actually derives that AccountId.
func Load(dirData string, accountID pki.AccountID) (pki.CertificateBundle, error) {
	layout := NewLayout(dirData, accountID)

	certDER, err := os.ReadFile(layout.CertificatePath())
	if err != nil {
		return pki.CertificateBundle{}, fmt.Errorf("profile: read certificate: %w", err)
	}
	keyDER, err := os.ReadFile(layout.KeyPath())
	if err != nil {
		return pki.CertificateBundle{}, fmt.Errorf("profile: read key: %w", err)
	}

	if pki.DeriveAccountID(certDER) != accountID {
		return pki.CertificateBundle{}, ErrIncorrectAccountID
	}

	return pki.CertificateBundle{CertificateDER: certDER, KeyDER: keyDER}, nil
}

// Backup writes a zip archive of the account's certificate, key, and
// database file to destPath. This supplements the standard profile layout
// with the export operation an account owner needs before reinstalling or
// migrating devices.
func Backup(dirData string, accountID pki.AccountID, destPath string) error {
	layout := NewLayout(dirData, accountID)

	archive, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("profile: create backup archive: %w", err)
	}
	defer archive.Close()

	zw := zip.NewWriter(archive)
	defer zw.Close()

	files := map[string]string{
		"certificate.der":  layout.CertificatePath(),
		"key.der":          layout.KeyPath(),
		"database/main.db": layout.DatabasePath(),
	}
	for archiveName, srcPath := range files {
		if err := addFileToZip(zw, archiveName, srcPath); err != nil {
			return err
		}
	}

	slog.Info("profile backed up", "account_id", accountID.String(), "dest", destPath)
	return nil
}

func addFileToZip(zw *zip.Writer, archiveName, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("profile: open %s for backup: %w", srcPath, err)
	}
	defer src.Close()

	w, err := zw.Create(archiveName)
	if err != nil {
		return fmt.Errorf("profile: add %s to backup archive: %w", archiveName, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("profile: write %s to backup archive: %w", archiveName, err)
	}
	return nil
}
