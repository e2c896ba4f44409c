package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"docqr/internal/config"
	"docqr/internal/domain"
	"docqr/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "docqr",
	Short: "Document QR locator toolkit",
	Long: `docqr reads QR codes printed on engineering drawings and answers whether
the sheet in your hand is still the actual revision.

- A payload is a signed URL: <base>/r/<doc_uid>/<revision>/<page>?ts=<unix>&t=<hmac>.
- scan/resolve: parse, verify the HMAC and its freshness, then ask the status
  backend (results are cached for the TTL in status.cache_ttl).
- issue: mint a signed payload and render it as a PNG.
- serve/revision: run and feed a local status backend.

Configuration comes from docqr.yml in the workspace, .env, DOCQR_* environment
variables and flags, in increasing priority.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", describeError(err))
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("DOCQR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("issuer.secret", "DOCQR_SECRET", "DOCQR_ISSUER_SECRET")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/docqr.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("status-url", "", "status backend base URL")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("status.base_url", rootCmd.PersistentFlags().Lookup("status-url"))
}

func registerCommands() {
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(revisionCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file then applies environment and flag
// overrides for every known key.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	for _, key := range config.Keys() {
		if !viper.IsSet(key) {
			continue
		}
		if err := cfg.Override(key, viper.GetString(key)); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
}

// withConfig loads config and logger for a command and flushes the logger
// afterwards.
func withConfig(fn func(*config.Config, *zap.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	return fn(cfg, log)
}

var exitCodes = map[domain.Kind]int{
	domain.KindInvalidFormat:        2,
	domain.KindInvalidSignature:     3,
	domain.KindExpired:              4,
	domain.KindNotFound:             5,
	domain.KindNetworkError:         6,
	domain.KindServerError:          7,
	domain.KindCameraAccessDenied:   8,
	domain.KindDecodeNeverSucceeded: 9,
}

func exitCode(err error) int {
	if code, ok := exitCodes[domain.KindOf(err)]; ok {
		return code
	}
	return 1
}

func describeError(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case domain.KindInvalidFormat:
			return "not a document QR code: " + err.Error()
		case domain.KindInvalidSignature:
			return "QR code signature does not match; the code may be forged"
		case domain.KindExpired:
			return "QR code is outside its validity window; print a fresh copy"
		case domain.KindNotFound:
			return "document, revision or page is unknown to the status backend"
		case domain.KindNetworkError:
			return "status backend unreachable: " + err.Error()
		case domain.KindCameraAccessDenied:
			return "camera unavailable: " + err.Error()
		case domain.KindDecodeNeverSucceeded:
			return "scan cancelled before a code was recognized"
		}
	}
	return err.Error()
}
