package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// --- 1. Error Reporting ---

// ShowError prints the unified error box. If the worker left stderr output
// behind, its last lines follow the details.
func ShowError(w io.Writer, context string, err error, workerTail []string) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 CELLBRIDGE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}

	if len(workerTail) > 0 {
		fmt.Fprintf(w, "\nWORKER LOGS (last %d lines):\n%s\n", len(workerTail), strings.Join(workerTail, "\n"))
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for cellbridge.
// It prints the error box to stderr and exits with status 1.
func Die(context string, err error, workerTail []string) {
	ShowError(os.Stderr, context, err, workerTail)
	os.Exit(1)
}

// --- 2. File Identity ---

// Fingerprint creates a deterministic hash for a file based on its
// content. Runs record it so results can be traced to the exact pipeline
// definition that produced them.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ShortID abbreviates a fingerprint or id for display.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
