package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokenvault/tokenvault/internal/besteffort"
	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/custodyclient"
	"github.com/tokenvault/tokenvault/internal/device"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/keystore"
	"github.com/tokenvault/tokenvault/internal/kv"
	"github.com/tokenvault/tokenvault/internal/localcache"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/teardown"
)

// drainTimeout bounds how long logout waits for fired revocations before
// the process exits.
const drainTimeout = 10 * time.Second

// openKeyStore is replaced in tests; the OS keychain is not available there.
var openKeyStore = func(cfg config.DeviceConfig) (keystore.KeyStore, error) {
	return keystore.OpenKeyring(keystore.KeyringConfig{
		ServiceName:  cfg.KeyringService,
		Backends:     cfg.KeyringBackends,
		FileDir:      cfg.KeyringDir,
		FilePassword: cfg.KeyringPassword,
	})
}

// deviceEnv is a device session plus what has to be released with it.
type deviceEnv struct {
	session *device.Session
	runner  *besteffort.Runner
	logger  *logging.Logger
	kv      *kv.SQLiteStore
}

func (e *deviceEnv) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := e.runner.Wait(ctx); err != nil {
		e.logger.Warn("best-effort operations still running at exit", "error", err.Error())
	}
	return e.kv.Close()
}

func openDevice(cmd *cobra.Command) (*deviceEnv, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if globalFlags.DBPath != "" {
		cfg.Device.KVPath = globalFlags.DBPath
	}
	logger := newLogger(cfg.Server.LogLevel, cmd.ErrOrStderr())
	return buildDevice(cfg, logger)
}

func buildDevice(cfg *config.Config, logger *logging.Logger) (*deviceEnv, error) {
	keys, err := openKeyStore(cfg.Device)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg, logger, nil)
	if err != nil {
		return nil, err
	}

	var custody device.Custody
	if cfg.Device.CustodyURL != "" {
		client, err := custodyclient.New(cfg.Device.CustodyURL, cfg.Device.CustodyAPIKey, custodyclient.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		custody = client
	}

	store, err := kv.NewSQLiteStore(cfg.Device.KVPath)
	if err != nil {
		return nil, err
	}

	runner := besteffort.NewRunner(logger, 0)
	credentials := localcache.NewCredentialStore(localcache.New(store, keys), logger)
	return &deviceEnv{
		session: device.NewSession(registry, credentials, custody,
			device.WithLogger(logger),
			device.WithRunner(runner),
			device.WithRefreshBuffer(cfg.Custody.RefreshBuffer),
		),
		runner: runner,
		logger: logger,
		kv:     store,
	}, nil
}

var linkFlags struct {
	Code string
}

// linkCmd runs the authorization flow for one provider.
var linkCmd = &cobra.Command{
	Use:   "link <provider>",
	Short: "Link a mail account on this device",
	Long: `Link a Google or Microsoft mail account.

The command prints the authorization URL. Open it, approve access and paste
the code, or the whole redirect URL, back into the prompt. The credential
is stored encrypted on this device and, when device.custody_url is set,
handed to the custody server.

Example:
  tokenvault link google
  tokenvault link outlook --code 4/0AX...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parseProviderArg(args[0])
		if err != nil {
			return err
		}
		env, err := openDevice(cmd)
		if err != nil {
			return err
		}
		defer env.Close()
		return runLink(cmd.Context(), env.session, p, linkFlags.Code, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runLink(ctx context.Context, session *device.Session, p models.Provider, code string, in io.Reader, out io.Writer) error {
	req, err := session.BeginLink(p)
	if err != nil {
		return err
	}

	if code == "" {
		fmt.Fprintf(out, "Open this URL to authorize %s:\n\n  %s\n\nPaste the code or redirect URL: ", p, req.URL)
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading authorization code: %w", err)
		}
		code = line
	}

	code, err = extractCode(code, req.State)
	if err != nil {
		return err
	}

	cred, err := session.CompleteLink(ctx, p, code, req.CodeVerifier)
	if cred == nil {
		return err
	}
	fmt.Fprintf(out, "Linked %s account %s\n", p, cred.SubjectEmail)
	if err != nil {
		fmt.Fprintf(out, "Warning: custody server did not accept the credential; it is kept on this device only\n")
		return err
	}
	return nil
}

func parseProviderArg(arg string) (models.Provider, error) {
	p, err := models.ParseProvider(arg)
	if err != nil {
		return "", &tverrors.ValidationError{Field: "provider", Reason: err.Error()}
	}
	return p, nil
}

// extractCode accepts a bare code or a redirect URL carrying code and state.
// A state that does not match the one sent is rejected.
func extractCode(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", &tverrors.ValidationError{Field: "code", Reason: "required"}
	}
	if !strings.Contains(input, "code=") {
		return input, nil
	}

	query := input
	if i := strings.Index(input, "?"); i >= 0 {
		query = input[i+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", &tverrors.ValidationError{Field: "code", Reason: "malformed redirect URL"}
	}
	if e := values.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	if got := values.Get("state"); got != "" && state != "" && got != state {
		return "", &tverrors.ValidationError{Field: "state", Reason: "does not match the authorization request"}
	}
	code := values.Get("code")
	if code == "" {
		return "", &tverrors.ValidationError{Field: "code", Reason: "missing from redirect URL"}
	}
	return code, nil
}

// StatusEntry is one linked account in status output.
type StatusEntry struct {
	Provider  string    `json:"provider"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Custody   bool      `json:"custody"`
	Status    string    `json:"status"`
}

// statusCmd lists linked accounts.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show linked accounts on this device",
	Long: `Show the accounts linked on this device. Accounts held by custody are
refreshed by the server. Local-only access tokens close to expiry are
refreshed; an account whose refresh is rejected is cleared and shown as
needing a relink.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openDevice(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := collectStatus(cmd.Context(), env.session)
		if err != nil {
			return err
		}
		return writeStatus(cmd.OutOrStdout(), entries, globalFlags.JSON)
	},
}

func collectStatus(ctx context.Context, session *device.Session) ([]StatusEntry, error) {
	linked, err := session.Linked(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]StatusEntry, 0, len(linked))
	for _, p := range linked {
		entry := StatusEntry{Provider: p.String(), Status: "ok"}
		cred, err := session.Credential(ctx, p)
		switch {
		case err == nil:
			entry.Email = cred.SubjectEmail
			entry.ExpiresAt = cred.ExpiresAt
			entry.Custody = cred.TokenRef != ""
		case tverrors.NeedsRelink(err):
			entry.Status = "relink required"
		default:
			entry.Status = "error: " + err.Error()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func writeStatus(w io.Writer, entries []StatusEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No linked accounts")
		return nil
	}
	for _, e := range entries {
		custody := "local only"
		if e.Custody {
			custody = "custody"
		}
		fmt.Fprintf(w, "%-10s %-32s %-16s %s\n", e.Provider, e.Email, custody, e.Status)
	}
	return nil
}

// logoutCmd tears down one provider.
var logoutCmd = &cobra.Command{
	Use:   "logout <provider>",
	Short: "Log out of one provider on this device",
	Long: `Clear the local credential for a provider. Token revocation and the
custody delete are attempted but their failure does not fail the command.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parseProviderArg(args[0])
		if err != nil {
			return err
		}
		env, err := openDevice(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.session.Logout(cmd.Context(), p); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged out of %s\n", p)
		return nil
	},
}

// forgetCmd removes every credential and reports each step.
var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove every credential from this device and custody",
	Long: `Revoke every linked account, delete it from the custody server and
clear the local cache. Local state is cleared even when the remote steps
fail; each step is reported.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openDevice(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		report := env.session.Forget(cmd.Context())
		if err := writeReport(cmd.OutOrStdout(), report, globalFlags.JSON); err != nil {
			return err
		}
		return report.Err()
	},
}

type reportStep struct {
	Step  string `json:"step"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeReport(w io.Writer, report teardown.Report, asJSON bool) error {
	var steps []reportStep
	for _, r := range report.Remote {
		step := reportStep{Step: r.Name, OK: r.OK()}
		if r.Err != nil {
			step.Error = r.Err.Error()
		}
		steps = append(steps, step)
	}
	for _, l := range report.Local {
		step := reportStep{Step: "clear:" + l.Provider.String(), OK: l.Err == nil}
		if l.Err != nil {
			step.Error = l.Err.Error()
		}
		steps = append(steps, step)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(steps)
	}
	for _, s := range steps {
		mark := "ok"
		if !s.OK {
			mark = "failed: " + s.Error
		}
		fmt.Fprintf(w, "%-28s %s\n", s.Step, mark)
	}
	if report.LocalCleared() {
		fmt.Fprintln(w, "Local credentials cleared")
	}
	return nil
}

func init() {
	linkCmd.Flags().StringVar(&linkFlags.Code, "code", "", "Authorization code or redirect URL (skips the prompt)")

	RootCmd.AddCommand(linkCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(logoutCmd)
	RootCmd.AddCommand(forgetCmd)
}
