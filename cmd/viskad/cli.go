package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/seamlik/viska/internal/pki"
	"github.com/seamlik/viska/internal/profile"
	"github.com/seamlik/viska/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled (the daemon should not start in that case).
func RunCLI(args []string, dirData string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Println("viskad (development build)")
		return true
	case "account":
		return cliAccount(args[1:], dirData)
	case "roster":
		return cliRoster(args[1:], dirData)
	case "hash":
		return cliHash(args[1:])
	case "backup":
		return cliBackup(args[1:], dirData)
	default:
		return false
	}
}

func cliAccount(args []string, dirData string) bool {
	if len(args) == 0 || args[0] == "list" {
		entries, err := os.ReadDir(filepath.Join(dirData, "account"))
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No accounts found.")
				return true
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		for _, e := range entries {
			fmt.Printf("  %s\n", e.Name())
		}
		return true
	}

	if args[0] == "create" {
		accountID, err := profile.CreateStandardProfile(dirData)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating account: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created account %s\n", accountID.String())
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: viskad account [list|create]\n")
	os.Exit(1)
	return true
}

func cliRoster(args []string, dirData string) bool {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: viskad roster <account-id>\n")
		os.Exit(1)
	}

	accountID, err := pki.ParseAccountID(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid account id: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(profile.NewLayout(dirData, accountID).DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	roster, err := st.Roster()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(roster) == 0 {
		fmt.Println("Roster is empty.")
		return true
	}
	for _, entry := range roster {
		fmt.Printf("  %s  %s\n", entry.AccountID, entry.DisplayName)
	}
	return true
}

func cliHash(args []string) bool {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: viskad hash <file>\n")
		os.Exit(1)
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	digest := pki.Hash(content)
	fmt.Printf("%x\n", digest)
	return true
}

func cliBackup(args []string, dirData string) bool {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: viskad backup <account-id> [dest.zip]\n")
		os.Exit(1)
	}

	accountID, err := pki.ParseAccountID(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid account id: %v\n", err)
		os.Exit(1)
	}

	destPath := "viska-backup.zip"
	if len(args) > 1 {
		destPath = args[1]
	}

	if err := profile.Backup(dirData, accountID, destPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Account %s backed up to %s\n", accountID.String(), destPath)
	return true
}
