package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"docqr/internal/app"
	"docqr/internal/config"
	"docqr/internal/domain"
	"docqr/internal/engine"
	"docqr/internal/issuer"
	"docqr/internal/scanner"
	"docqr/internal/server"
	"docqr/internal/signature"
)

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <payload>",
		Short: "Verify a scanned payload and fetch the page status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config, log *zap.Logger) error {
				if err := cfg.RequireSecret(); err != nil {
					return err
				}
				a, err := app.New(cmd.Context(), cfg, log)
				if err != nil {
					return err
				}
				defer a.Close()
				st, err := a.ResolveScan(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
}

func scanCmd() *cobra.Command {
	var (
		frames    string
		loop      bool
		timeout   time.Duration
		noResolve bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan frames until a QR code is recognized, then resolve it",
		Long: `scan plays a directory of PNG/JPEG frames (in name order) as a rear camera,
tries to decode a QR code at scan.interval and, once one is recognized, resolves
it like 'docqr resolve'. Interrupt to cancel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config, log *zap.Logger) error {
				if !noResolve {
					if err := cfg.RequireSecret(); err != nil {
						return err
					}
				}
				cam, err := scanner.NewDirCamera(frames, loop)
				if err != nil {
					return err
				}
				a, err := app.New(cmd.Context(), cfg, log)
				if err != nil {
					return err
				}
				defer a.Close()

				ctx := cmd.Context()
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				s := a.Scanner(cam, scanner.NewZXingDecoder(), nil, nil)
				payload, err := s.Scan(ctx)
				if err != nil {
					return err
				}
				sess := s.Session()
				log.Info("payload recognized", zap.String("session", sess.ID), zap.Int("failed_attempts", sess.Attempts))
				if noResolve {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"payload": payload, "session": sess})
					}
					fmt.Println(payload)
					return nil
				}
				st, err := a.ResolveScan(cmd.Context(), payload)
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringVar(&frames, "frames", ".", "directory of frames to play as the camera")
	cmd.Flags().BoolVar(&loop, "loop", false, "restart from the first frame after the last")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the scan after this long")
	cmd.Flags().BoolVar(&noResolve, "no-resolve", false, "print the payload without resolving it")
	return cmd
}

func issueCmd() *cobra.Command {
	var (
		pngPath string
		size    int
	)
	cmd := &cobra.Command{
		Use:   "issue <doc_uid> <revision> <page>",
		Short: "Mint a signed payload for a page, optionally as a QR PNG",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[2])
			if err != nil {
				return domain.Errorf(domain.KindInvalidFormat, "page must be a number: %s", args[2])
			}
			return withConfig(func(cfg *config.Config, log *zap.Logger) error {
				if err := cfg.RequireSecret(); err != nil {
					return err
				}
				iss := issuer.Issuer{BaseURL: cfg.Issuer.BaseURL, Secret: []byte(cfg.Issuer.Secret)}
				loc, payload, err := iss.Issue(args[0], args[1], page)
				if err != nil {
					return err
				}
				if pngPath != "" {
					if err := issuer.WritePNG(payload, pngPath, size); err != nil {
						return fmt.Errorf("write png: %w", err)
					}
					log.Info("qr code written", zap.String("path", pngPath), zap.Int("size", size))
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"locator": loc, "payload": payload, "png": pngPath})
				}
				fmt.Println(payload)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pngPath, "png", "", "write the QR code to this PNG file")
	cmd.Flags().IntVar(&size, "size", 256, "PNG edge length in pixels")
	return cmd
}

func serveCmd() *cobra.Command {
	var basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the document status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config, log *zap.Logger) error {
				e, closeDB, err := app.OpenRegistry(registryWorkspace(cfg), log)
				if err != nil {
					return err
				}
				defer closeDB()

				var verifier *signature.Verifier
				if cfg.RequireSecret() == nil {
					v := signature.NewVerifier([]byte(cfg.Issuer.Secret), cfg.Issuer.Tolerance)
					verifier = &v
				} else {
					log.Warn("no signing secret configured; the payload route is disabled")
				}
				handler, err := server.New(server.Config{
					Engine:      e,
					BasePath:    basePath,
					Verifier:    verifier,
					CORSOrigins: cfg.Server.CORSOrigins,
					Log:         log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
				go func() {
					<-cmd.Context().Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				log.Info("serving document status API",
					zap.String("addr", cfg.Server.Addr),
					zap.String("base_path", basePath),
					zap.String("docs", basePath+"/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

// registryWorkspace prefers server.workspace unless it is left at the
// default, in which case the --workspace flag decides.
func registryWorkspace(cfg *config.Config) string {
	if ws := cfg.Server.Workspace; ws != "" && ws != "." {
		return ws
	}
	return viper.GetString("workspace")
}

func withRegistry(fn func(context.Context, engine.Engine) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withConfig(func(cfg *config.Config, log *zap.Logger) error {
			e, closeDB, err := app.OpenRegistry(registryWorkspace(cfg), log)
			if err != nil {
				return err
			}
			defer closeDB()
			return fn(cmd.Context(), e)
		})
	}
}

func revisionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "revision", Short: "Manage the local revision registry"}
	cmd.AddCommand(revisionPutCmd(), revisionListCmd(), revisionShowCmd(), revisionLogCmd())
	return cmd
}

func revisionPutCmd() *cobra.Command {
	var in engine.RevisionInput
	var status string
	cmd := &cobra.Command{
		Use:   "put <doc_uid> <revision>",
		Short: "Register a revision; a new revision supersedes the previous actual one",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		in.DocUID, in.Revision = args[0], args[1]
		in.BusinessStatus = domain.BusinessStatus(status)
		return withRegistry(func(ctx context.Context, e engine.Engine) error {
			res, err := e.RegisterRevision(ctx, in)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			verb := "updated"
			if res.Created {
				verb = "registered"
			}
			fmt.Printf("%s %s revision %s\n", verb, res.Revision.DocUID, res.Revision.Revision)
			for _, s := range res.Superseded {
				fmt.Printf("superseded revision %s\n", s)
			}
			return nil
		})(c, args)
	}
	cmd.Flags().IntVar(&in.Pages, "pages", 1, "number of pages")
	cmd.Flags().StringVar(&status, "status", string(domain.StatusInWork), "business status")
	cmd.Flags().StringVar(&in.EnoviaState, "enovia-state", "", "ENOVIA lifecycle state")
	cmd.Flags().StringVar(&in.ReleasedAt, "released-at", "", "release time (RFC3339)")
	cmd.Flags().StringVar(&in.DocumentURL, "url", "", "document URL")
	cmd.Flags().StringVar(&in.ActorID, "actor-id", "local-user", "actor identifier")
	return cmd
}

func revisionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [doc_uid]",
		Short: "List registered revisions",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		doc := ""
		if len(args) == 1 {
			doc = args[0]
		}
		return withRegistry(func(ctx context.Context, e engine.Engine) error {
			revs, err := e.Revisions(ctx, doc)
			if err != nil {
				return err
			}
			return printRevisions(revs)
		})(c, args)
	}
	return cmd
}

func revisionShowCmd() *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "show <doc_uid> <revision>",
		Short: "Show the status a page of a revision reports",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, e engine.Engine) error {
			st, _, err := e.Status(ctx, args[0], args[1], page)
			if err != nil {
				return err
			}
			return printStatus(st)
		})(c, args)
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	return cmd
}

func revisionLogCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log [doc_uid]",
		Short: "Show recent registry events",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		doc := ""
		if len(args) == 1 {
			doc = args[0]
		}
		return withRegistry(func(ctx context.Context, e engine.Engine) error {
			evts, err := e.History(ctx, doc, n)
			if err != nil {
				return err
			}
			return printEvents(evts)
		})(c, args)
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect and create docqr.yml"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secret redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printYAML(cfg.Redacted())
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireSecret(); err != nil {
				fmt.Println("warning:", err)
			}
			fmt.Println("config ok")
			return nil
		},
	}

	var baseURL string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default docqr.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			content := config.GenerateDefault(baseURL)
			if _, err := config.FromYAML([]byte(content)); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "base URL for issued payloads and the status backend")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(show, validate, initCmd)
	return cmd
}
