package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
	"southwinds.dev/keepsafe"
	"southwinds.dev/keepsafe/internal/misc"
)

const keyringService = "keepsafe"

// resolveMasterPassword finds the master password, trying in order: the
// configured environment variable, the OS keyring, and finally an
// interactive prompt. The second return value reports whether the password
// came from the prompt (only prompted passwords are offered to --remember).
func resolveMasterPassword() (string, bool, error) {
	if name := viper.GetString("passphrase_env"); name != "" {
		if password := os.Getenv(name); password != "" {
			return password, false, nil
		}
	}

	if password, err := keyring.Get(keyringService, resolveVaultPath()); err == nil && password != "" {
		return password, false, nil
	}

	password, err := promptPassword("Master password: ")
	if err != nil {
		return "", false, err
	}
	return password, true, nil
}

func rememberPassword(password string) error {
	return keyring.Set(keyringService, resolveVaultPath(), password)
}

func forgetPassword() error {
	err := keyring.Delete(keyringService, resolveVaultPath())
	// Keyring backends disagree on how a missing entry is reported.
	if err == keyring.ErrNotFound || misc.IsNotFoundError(err) {
		return nil
	}
	return err
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}

// parseFieldArgs turns "key=value" arguments into a record.
func parseFieldArgs(args []string) (keepsafe.Record, error) {
	record := keepsafe.Record{}
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", arg)
		}
		record[key] = value
	}
	return record, nil
}

// printRecords renders records as a YAML sequence.
func printRecords(records []keepsafe.Record) error {
	if len(records) == 0 {
		fmt.Println("(empty)")
		return nil
	}
	out, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to render records: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
