package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/cert"
	"stagehand/internal/config"
	"stagehand/internal/deploy"
)

func newRenewCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew certificates nearing expiry and reload the proxy",
		Long: `Checks every configured domain and renews any certificate expiring
within the renewal window. On at least one successful renewal the
reverse proxy is reloaded gracefully. A failure for one domain never
blocks the others; the command exits non-zero if any domain failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			store := cert.NewStore(cfg.Cert.StoreDir)
			runner, err := deploy.NewDockerRunner()
			if err != nil {
				return err
			}

			mgr, err := buildCertManager(ctx, cfg, store, runner)
			if err != nil {
				return err
			}
			if force {
				mgr.Force()
			}

			results := mgr.RenewAll(ctx)
			for _, res := range results {
				switch {
				case res.Err != nil:
					fmt.Printf("%s: FAILED: %v\n", res.Domain, res.Err)
				case res.Renewed:
					fmt.Printf("%s: renewed, expires %s\n", res.Domain, res.ExpiresAt.Format(time.RFC3339))
				default:
					fmt.Printf("%s: still valid until %s, skipped\n", res.Domain, res.ExpiresAt.Format(time.RFC3339))
				}
			}

			return certFailureError(results)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "re-issue even when valid certificates exist")

	return cmd
}
