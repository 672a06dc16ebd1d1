package main

import (
	"context"
	"crypto"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/assetledger/internal/identity"
	"github.com/jmerrifield20/assetledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Asset ledger CLI",
	Long: `ledgerctl is the command-line interface for the asset ledger.

It generates signing keys, registers them with ledger and auditor nodes,
executes contracts and inspects asset histories.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(ledgerHome())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("LEDGERCTL")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()

		if err := viper.ReadInConfig(); err != nil {
			var cfgNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &cfgNotFound) && cfgFile != "" {
				return fmt.Errorf("read config: %w", err)
			}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.ledger/config.yaml)")
	pf.String("ledger", "http://localhost:8080", "ledger node URL")
	pf.String("auditor", "", "auditor node URL; executions are cross-checked when set")
	pf.Duration("auditor-timeout", 10*time.Second, "how long to wait for the auditor")
	pf.String("entity", "", "entity id requests are signed as")
	pf.Uint64("key-version", 1, "version of the entity's key")
	pf.String("key-file", "", "PEM private key (default ~/.ledger/<entity>.pem)")
	pf.String("secret-file", "", "HMAC secret file, used instead of --key-file")
	pf.String("admin-secret", "", "operator secret for register-secret")
	pf.Int("retries", 1, "executions attempted when losing a commit race")

	for _, name := range []string{"ledger", "auditor", "auditor-timeout", "entity", "key-version", "key-file", "secret-file", "admin-secret", "retries"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(registerCertCmd)
	rootCmd.AddCommand(registerSecretCmd)
	rootCmd.AddCommand(registerContractCmd)
	rootCmd.AddCommand(contractCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(versionCmd)
}

func ledgerHome() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ledger")
}

func defaultKeyFile(entity string) string {
	return filepath.Join(ledgerHome(), entity+".pem")
}

// newClient builds a client from flags and config. Without an entity the
// client is unsigned and only read commands work.
func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithConflictRetry(max(1, viper.GetInt("retries")))}
	if a := viper.GetString("auditor"); a != "" {
		opts = append(opts, client.WithAuditor(a, viper.GetDuration("auditor-timeout")))
	}
	if s := viper.GetString("admin-secret"); s != "" {
		opts = append(opts, client.WithAdminSecret(s))
	}
	if entity := viper.GetString("entity"); entity != "" {
		ver := viper.GetUint64("key-version")
		switch {
		case viper.GetString("secret-file") != "":
			opts = append(opts, client.WithSecretFile(entity, ver, viper.GetString("secret-file")))
		case viper.GetString("key-file") != "":
			opts = append(opts, client.WithKeyFile(entity, ver, viper.GetString("key-file")))
		default:
			opts = append(opts, client.WithKeyFile(entity, ver, defaultKeyFile(entity)))
		}
	}
	return client.New(viper.GetString("ledger"), opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// ── keygen ───────────────────────────────────────────────────────────────────

var (
	keygenAlg  string
	keygenOut  string
	keygenCert bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key for --entity",
	Long: `keygen writes a new private key to --out (default ~/.ledger/<entity>.pem)
and the matching public key next to it as <name>.pub.pem. With --cert a
self-signed certificate naming the entity is written as <name>.crt as well.

Register the public key afterwards with 'ledgerctl register-cert'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		entity := viper.GetString("entity")
		if entity == "" {
			return errors.New("--entity is required")
		}
		out := keygenOut
		if out == "" {
			out = defaultKeyFile(entity)
		}
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite", out)
		}

		var key crypto.Signer
		var err error
		switch strings.ToLower(keygenAlg) {
		case "es256":
			key, err = identity.GenerateECDSAKey()
		case "eddsa", "ed25519":
			key, err = identity.GenerateEd25519Key()
		default:
			return fmt.Errorf("unsupported algorithm %q (want es256 or eddsa)", keygenAlg)
		}
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
		if err := identity.WritePrivateKeyFile(out, key); err != nil {
			return err
		}
		pub, err := identity.MarshalPublicKeyPEM(key.Public())
		if err != nil {
			return err
		}
		pubPath := strings.TrimSuffix(out, ".pem") + ".pub.pem"
		if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}

		register := pubPath
		fmt.Printf("✓ Key generated for %s\n\n", entity)
		fmt.Printf("  Private: %s\n", out)
		fmt.Printf("  Public:  %s\n", pubPath)
		if keygenCert {
			certPEM, err := identity.IssueEntityCertificate(entity, key, 0)
			if err != nil {
				return err
			}
			certPath := strings.TrimSuffix(out, ".pem") + ".crt"
			if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
				return fmt.Errorf("write certificate: %w", err)
			}
			fmt.Printf("  Cert:    %s\n", certPath)
			register = certPath
		}
		fmt.Printf("\nNext: ledgerctl register-cert --entity %s %s\n", entity, register)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenAlg, "alg", "es256", "key algorithm: es256 or eddsa")
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "private key path")
	keygenCmd.Flags().BoolVar(&keygenCert, "cert", false, "also write a self-signed entity certificate")
}

// ── register-cert ────────────────────────────────────────────────────────────

var registerCertCmd = &cobra.Command{
	Use:   "register-cert <public-key.pem>",
	Short: "Register the entity's public key or certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pemBytes, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.RegisterCertificate(context.Background(), string(pemBytes))
		if err != nil {
			return fmt.Errorf("register certificate: %w", err)
		}
		fmt.Printf("✓ Registered %s key version %d (%s)\n", info.EntityID, info.KeyVersion, info.Algorithm)
		return nil
	},
}

// ── register-secret ──────────────────────────────────────────────────────────

var registerSecretCmd = &cobra.Command{
	Use:   "register-secret <entity> <secret-file>",
	Short: "Register an HMAC secret for an entity (requires --admin-secret)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.RegisterSecret(context.Background(), args[0], viper.GetUint64("key-version"), secret)
		if err != nil {
			return fmt.Errorf("register secret: %w", err)
		}
		fmt.Printf("✓ Registered %s key version %d (%s)\n", info.EntityID, info.KeyVersion, info.Algorithm)
		return nil
	},
}

// ── register-contract ────────────────────────────────────────────────────────

var regProperties string

var registerContractCmd = &cobra.Command{
	Use:   "register-contract <contract-id> <binary>",
	Short: "Bind a contract id to a compiled-in contract",
	Long: `register-contract binds <contract-id> to one of the contracts compiled
into the ledger, e.g. asset.put or table.insert.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var props json.RawMessage
		if regProperties != "" {
			if !json.Valid([]byte(regProperties)) {
				return errors.New("--properties is not valid JSON")
			}
			props = json.RawMessage(regProperties)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.RegisterContract(context.Background(), args[0], args[1], props)
		if err != nil {
			return fmt.Errorf("register contract: %w", err)
		}
		fmt.Printf("✓ Contract %s → %s registered by %s\n", rec.ID, rec.Binary, rec.EntityID)
		return nil
	},
}

func init() {
	registerContractCmd.Flags().StringVar(&regProperties, "properties", "", "JSON properties passed to every execution")
}

// ── contract ─────────────────────────────────────────────────────────────────

var contractCmd = &cobra.Command{
	Use:   "contract <contract-id>",
	Short: "Show a registered contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.GetContract(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

// ── execute ──────────────────────────────────────────────────────────────────

var execNonce string

var executeCmd = &cobra.Command{
	Use:   "execute <contract-id> <json-argument>",
	Short: "Execute a contract",
	Long: `execute signs the JSON argument and runs <contract-id> on the ledger.

With --auditor set the same request is run on the auditor and both results
must agree. Use "-" as the argument to read it from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		arg := []byte(args[1])
		if args[1] == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			arg = b
		}
		if !json.Valid(arg) {
			return errors.New("argument is not valid JSON")
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		nonce := execNonce
		if nonce == "" {
			nonce = uuid.NewString()
		}
		res, err := c.ExecuteWithNonce(context.Background(), args[0], nonce, json.RawMessage(arg))
		if errors.Is(err, client.ErrAuditorUnavailable) && res != nil {
			fmt.Fprintf(os.Stderr, "warning: %v; result is unaudited\n", err)
			err = nil
		}
		if err != nil {
			return fmt.Errorf("execute (nonce %s): %w", nonce, err)
		}
		return printJSON(res)
	},
}

func init() {
	executeCmd.Flags().StringVar(&execNonce, "nonce", "", "request nonce (default: a random UUID)")
}

// ── validate ─────────────────────────────────────────────────────────────────

var (
	valNamespace string
	valStart     uint64
	valEnd       int64
)

var validateCmd = &cobra.Command{
	Use:   "validate <asset-id>",
	Short: "Verify the hash chain of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var end *uint64
		if valEnd >= 0 {
			e := uint64(valEnd)
			end = &e
		}
		res, err := c.Validate(context.Background(), valNamespace, args[0], valStart, end)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		fmt.Printf("✓ %s: %d version(s) verified\n", res.Key, res.Count)
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&valNamespace, "namespace", "", "asset namespace (default: the ledger's)")
	validateCmd.Flags().Uint64Var(&valStart, "start", 0, "first age to verify")
	validateCmd.Flags().Int64Var(&valEnd, "end", -1, "last age to verify (default: latest)")
}

// ── history ──────────────────────────────────────────────────────────────────

var (
	histNamespace string
	histStart     int64
	histEnd       int64
	histDesc      bool
	histLimit     int
	histJSON      bool
)

var historyCmd = &cobra.Command{
	Use:   "history <asset-id>",
	Short: "List the versions of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q := client.HistoryQuery{Namespace: histNamespace, Descending: histDesc, Limit: histLimit}
		if histStart >= 0 {
			s := uint64(histStart)
			q.StartAge = &s
		}
		if histEnd >= 0 {
			e := uint64(histEnd)
			q.EndAge = &e
		}
		res, err := c.History(context.Background(), args[0], q)
		if err != nil {
			return err
		}
		if histJSON {
			return printJSON(res)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AGE\tCONTRACT\tHASH\tDATA")
		for _, a := range res.Records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", a.Age, a.ContractID, shortHash(a.Hash), a.Data)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().StringVar(&histNamespace, "namespace", "", "asset namespace (default: the ledger's)")
	historyCmd.Flags().Int64Var(&histStart, "start", -1, "first age (inclusive)")
	historyCmd.Flags().Int64Var(&histEnd, "end", -1, "last age (inclusive)")
	historyCmd.Flags().BoolVar(&histDesc, "desc", false, "newest first")
	historyCmd.Flags().IntVar(&histLimit, "limit", 0, "maximum number of versions")
	historyCmd.Flags().BoolVar(&histJSON, "json", false, "print full records as JSON")
}

func shortHash(h []byte) string {
	s := hex.EncodeToString(h)
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// ── state ────────────────────────────────────────────────────────────────────

var stateCmd = &cobra.Command{
	Use:   "state <tx-id>",
	Short: "Show the state of a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.State(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", st.TxID, st.State)
		return nil
	},
}

// ── abort ────────────────────────────────────────────────────────────────────

var abortCmd = &cobra.Command{
	Use:   "abort <nonce>",
	Short: "Abort an execution that has not committed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Abort(context.Background(), args[0]); err != nil {
			return fmt.Errorf("abort: %w", err)
		}
		fmt.Printf("✓ Nonce %s aborted\n", args[0])
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
