package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/recordvault/internal/config"
	"github.com/forest6511/recordvault/internal/logging"
	"github.com/forest6511/recordvault/internal/metrics"
	"github.com/forest6511/recordvault/internal/worker"
	"github.com/forest6511/recordvault/pkg/audit"
	"github.com/forest6511/recordvault/pkg/backup"
	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/keychain"
	"github.com/forest6511/recordvault/pkg/ratelimit"
	"github.com/forest6511/recordvault/pkg/session"
	"github.com/forest6511/recordvault/pkg/vault"
)

var (
	rootDir  string
	logLevel string

	// a is built in PersistentPreRunE for every command.
	a *app

	// promptIn buffers non-terminal input across prompts.
	promptIn  io.Reader
	promptBuf *bufio.Reader
)

var rootCmd = &cobra.Command{
	Use:           "recordvault",
	Short:         "recordvault keeps personal financial records in a local encrypted vault",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		source := audit.SourceCLI
		if cmd == serveCmd {
			source = audit.SourceAPI
		}
		var err error
		a, err = newApp(rootDir, source, cmd.ErrOrStderr())
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if a != nil {
			a.sessions.Lock()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Data root (default ~/.recordvault)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
}

// app holds everything a command needs, wired from the settings.
type app struct {
	settings *config.Settings
	logger   zerolog.Logger
	keychain *keychain.Keychain
	vault    *vault.Vault
	limiter  *ratelimit.Limiter
	audit    *audit.Logger
	sessions *session.Manager
	backups  *backup.Service
	metrics  *metrics.Metrics
	pool     *worker.Pool
}

func newApp(root, source string, logOut io.Writer) (*app, error) {
	if root == "" {
		var err error
		if root, err = config.DefaultRoot(); err != nil {
			return nil, err
		}
	}
	settings, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	level := settings.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(level, settings.Log.Format, logOut)
	if err != nil {
		return nil, err
	}

	keyPath, err := settings.DeviceKeyFile()
	if err != nil {
		return nil, err
	}
	kc := keychain.New(keyPath)
	m := metrics.New()
	pool := worker.New(0)

	if err := os.MkdirAll(root, config.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", root, err)
	}
	v, err := vault.Open(settings.DataPath(),
		vault.WithKeychain(kc),
		vault.WithRunner(pool),
		vault.WithLogger(logger.With().Str("component", "vault").Logger()),
		vault.WithKDFObserver(m.KDF),
	)
	if err != nil {
		return nil, err
	}

	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(logger.With().Str("component", "ratelimit").Logger()),
		ratelimit.WithFailurePredicate(session.IsAuthFailure),
		ratelimit.WithLockoutHook(func(failures int, d time.Duration) {
			m.Lockout(failures, d)
			logger.Warn().Int("failures", failures).Dur("cooldown", d).Msg("unlock locked out")
		}),
	}
	if path := settings.RateLimitPath(); path != "" {
		limiterOpts = append(limiterOpts, ratelimit.WithStateFile(path))
	}
	limiter := ratelimit.New(limiterOpts...)

	auditLog := audit.NewLogger(settings.AuditPath(), logger.With().Str("component", "audit").Logger())
	deviceKey, err := kc.DeviceKey()
	if err != nil {
		return nil, err
	}
	err = auditLog.SetHMACKey(deviceKey)
	crypto.SecureWipe(deviceKey)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewManager(v, limiter,
		session.WithLogger(logger.With().Str("component", "session").Logger()),
		session.WithAuditor(auditLog),
		session.WithSource(source),
		session.WithObserver(m),
		session.WithLockTimeout(time.Duration(settings.LockTimeoutMinutes)*time.Minute),
	)
	if err != nil {
		return nil, err
	}

	backups := backup.NewService(v,
		backup.WithLogger(logger.With().Str("component", "backup").Logger()),
		backup.WithInvalidator(sessions),
		backup.WithAuditor(auditLog, source),
		backup.WithObserver(m.Backup),
	)

	return &app{
		settings: settings,
		logger:   logger,
		keychain: kc,
		vault:    v,
		limiter:  limiter,
		audit:    auditLog,
		sessions: sessions,
		backups:  backups,
		metrics:  m,
		pool:     pool,
	}, nil
}

// unlock prompts for the master password and starts a session.
func (a *app) unlock(cmd *cobra.Command) (*session.Session, error) {
	pw, err := readPassword(cmd, "Enter master password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(pw)
	return a.unlockWith(pw)
}

func (a *app) unlockWith(pw []byte) (*session.Session, error) {
	s, err := a.sessions.Unlock(pw)
	if err != nil {
		return nil, describe(err)
	}
	return s, nil
}

// describe turns domain errors into messages for the terminal.
func describe(err error) error {
	var rle *ratelimit.RateLimitError
	switch {
	case errors.As(err, &rle):
		return fmt.Errorf("too many failed attempts, try again in %d seconds", rle.RetryAfterSeconds)
	case session.IsAuthFailure(err):
		return errors.New("incorrect credentials")
	case errors.Is(err, session.ErrNotInitialized), errors.Is(err, vault.ErrVaultNotFound):
		return errors.New("no vault found, run 'recordvault init' first")
	case errors.Is(err, vault.ErrVaultCorrupted):
		return fmt.Errorf("%w (restore a backup or use 'recordvault recovery reset')", err)
	}
	return err
}

// readPassword reads a secret without echo from a terminal, or one line
// from stdin otherwise.
func readPassword(cmd *cobra.Command, prompt string) ([]byte, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return pw, nil
	}

	line, err := lineReader(cmd).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// readNewPassword prompts twice and checks length limits. Strength
// warnings are printed but do not block.
func readNewPassword(cmd *cobra.Command, label string) ([]byte, error) {
	pw1, err := readPassword(cmd, fmt.Sprintf("Enter %s: ", label))
	if err != nil {
		return nil, err
	}
	pw2, err := readPassword(cmd, fmt.Sprintf("Confirm %s: ", label))
	if err != nil {
		crypto.SecureWipe(pw1)
		return nil, err
	}
	defer crypto.SecureWipe(pw2)
	if string(pw1) != string(pw2) {
		crypto.SecureWipe(pw1)
		return nil, errors.New("passwords do not match")
	}

	result := vault.ValidateMasterPassword(string(pw1))
	if !result.Valid {
		crypto.SecureWipe(pw1)
		return nil, fmt.Errorf("password validation failed: %w", result.Err)
	}
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "Password strength: %s\n", result.Strength)
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
	return pw1, nil
}

func lineReader(cmd *cobra.Command) *bufio.Reader {
	if in := cmd.InOrStdin(); in != promptIn || promptBuf == nil {
		promptIn = in
		promptBuf = bufio.NewReader(in)
	}
	return promptBuf
}

// confirm asks a yes/no question; anything but y/yes is no.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", question)
	line, _ := lineReader(cmd).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// parseDuration accepts Go durations plus d (days), w (weeks), m (30-day
// months) and y (365-day years).
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
