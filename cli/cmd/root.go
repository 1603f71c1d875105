package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/keepsafe"
	"southwinds.dev/keepsafe/audit"
	"southwinds.dev/keepsafe/persist"
)

var (
	cfgFile   string
	vaultPath string
	storeType string
	envVar    string
	auditLog  string
	remember  bool
	memLock   bool

	session *keepsafe.Session
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keepsafe",
	Short: "An encrypted personal data vault",
	Long: `keepsafe is a local, single-user vault for sensitive records: documents,
accounts, certificates, contacts and credentials. Collections are encrypted
with ChaCha20-Poly1305 under a key derived from a single master password,
which can be rotated without data loss.`,
	PersistentPreRunE: initializeSession,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if session != nil {
			return session.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.keepsafe/config.yaml)")
	flags.StringVar(&vaultPath, "vault", "", "vault location (directory or bolt database file)")
	flags.StringVar(&storeType, "store", string(persist.FileSystemStoreType), "storage backend: filesystem, bolt or s3")
	flags.StringVar(&envVar, "passphrase-env", "KEEPSAFE_PASSWORD", "environment variable consulted for the master password")
	flags.StringVar(&auditLog, "audit-log", "", "append audit events to this file")
	flags.BoolVar(&remember, "remember", false, "cache the master password in the OS keyring")
	flags.BoolVar(&memLock, "memlock", false, "lock process memory to keep keys out of swap")

	bindFlag := func(key string, flag *pflag.Flag) {
		if err := viper.BindPFlag(key, flag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to bind flag %s: %v\n", flag.Name, err)
			os.Exit(1)
		}
	}
	bindFlag("vault", flags.Lookup("vault"))
	bindFlag("store", flags.Lookup("store"))
	bindFlag("passphrase_env", flags.Lookup("passphrase-env"))
	bindFlag("audit_log", flags.Lookup("audit-log"))
	bindFlag("memlock", flags.Lookup("memlock"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".keepsafe"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}
	viper.SetEnvPrefix("KEEPSAFE")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // a missing config file is fine
}

// sessionlessCommands run without opening the vault.
var sessionlessCommands = map[string]bool{
	"strength":   true,
	"forget":     true,
	"help":       true,
	"completion": true,
}

func initializeSession(cmd *cobra.Command, args []string) error {
	if sessionlessCommands[cmd.Name()] {
		return nil
	}

	store, err := buildStore(cmd.Context())
	if err != nil {
		return err
	}

	auditLogger, err := buildAuditLogger()
	if err != nil {
		return err
	}

	password, fromPrompt, err := resolveMasterPassword()
	if err != nil {
		return err
	}

	session, err = keepsafe.NewWithStore(cmd.Context(), keepsafe.Options{
		MasterPassword:   password,
		EnableMemoryLock: viper.GetBool("memlock"),
	}, store, auditLogger)
	if err != nil {
		return err
	}

	session.RegisterMigration("finance_items", keepsafe.FinanceItemsMigration)

	if remember && fromPrompt {
		if err = rememberPassword(password); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not store password in keyring: %v\n", err)
		}
	}
	return nil
}

func buildStore(ctx context.Context) (persist.Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	config := persist.StoreConfig{
		Type: persist.StoreType(viper.GetString("store")),
		Path: resolveVaultPath(),
	}
	if config.Type == persist.S3StoreType {
		config.S3 = &persist.S3Config{
			Endpoint:        viper.GetString("s3.endpoint"),
			AccessKeyID:     viper.GetString("s3.access_key_id"),
			SecretAccessKey: viper.GetString("s3.secret_access_key"),
			BucketName:      viper.GetString("s3.bucket"),
			Region:          viper.GetString("s3.region"),
			UseSSL:          viper.GetBool("s3.use_ssl"),
			Prefix:          viper.GetString("s3.prefix"),
		}
	}
	return persist.NewStore(ctx, config)
}

func resolveVaultPath() string {
	if path := viper.GetString("vault"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keepsafe"
	}
	return filepath.Join(home, ".keepsafe", "vault")
}

func buildAuditLogger() (audit.Logger, error) {
	path := viper.GetString("audit_log")
	if path == "" {
		return audit.NewNoOpLogger(), nil
	}
	return audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
}
