package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/cert"
	"stagehand/internal/config"
	"stagehand/internal/core"
	"stagehand/internal/deploy"
	"stagehand/internal/dns"
	"stagehand/internal/health"
)

func newDeployCmd() *cobra.Command {
	var (
		stop      bool
		status    bool
		logs      bool
		skipCerts bool
		tail      int
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Validate, ensure certificates, start the service group and poll for readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store := cert.NewStore(cfg.Cert.StoreDir)
			runner, err := deploy.NewDockerRunner()
			if err != nil {
				return err
			}
			orch := deploy.New(cfg, store, runner, health.NewHTTPChecker())

			switch {
			case stop:
				if err := orch.Stop(ctx); err != nil {
					return err
				}
				fmt.Printf("Service group %s stopped\n", cfg.ServiceGroup)
				return nil
			case status:
				return printStatus(ctx, orch)
			case logs:
				return printLogs(ctx, cfg, orch, tail)
			}

			// Full deployment: validate -> certificates -> start -> poll.
			// Config errors abort before anything is touched.
			if err := cfg.Validate(); err != nil {
				return err
			}

			// A renewal failure for a domain whose previous certificate is
			// still valid does not block the deployment, but it must still
			// fail the run: exit code 0 means every step fully succeeded.
			var certErr error
			if !skipCerts {
				mgr, err := buildCertManager(ctx, cfg, store, runner)
				if err != nil {
					return err
				}
				// Every domain finishes (success or recorded failure) before
				// the orchestrator may start the proxy.
				results := mgr.RenewAll(ctx)
				for _, res := range results {
					if res.Err != nil {
						fmt.Printf("certificate %s: FAILED: %v\n", res.Domain, res.Err)
					} else if res.Renewed {
						fmt.Printf("certificate %s: issued, expires %s\n", res.Domain, res.ExpiresAt.Format(time.RFC3339))
					} else {
						fmt.Printf("certificate %s: valid until %s\n", res.Domain, res.ExpiresAt.Format(time.RFC3339))
					}
				}
				certErr = certFailureError(results)
			}

			res, err := orch.Deploy(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("deployment %s: started %d service(s), polling for readiness\n",
				res.Attempt, len(res.Started))

			if err := orch.Await(ctx, res); err != nil {
				for name, tail := range res.UnhealthyLogs {
					fmt.Printf("\n--- logs: %s ---\n%s\n", name, tail)
				}
				return err
			}

			fmt.Printf("deployment %s: all services healthy after %s\n", res.Attempt, res.Health.Elapsed)
			return certErr
		},
	}

	cmd.Flags().BoolVar(&stop, "stop", false, "stop the service group instead of deploying")
	cmd.Flags().BoolVar(&status, "status", false, "show the service group's current state")
	cmd.Flags().BoolVar(&logs, "logs", false, "print a log tail for every service")
	cmd.Flags().BoolVar(&skipCerts, "skip-certs", false, "skip certificate issuance (HTTP-only bootstrap)")
	cmd.Flags().IntVar(&tail, "tail", 50, "log lines per service with --logs")

	return cmd
}

func printStatus(ctx context.Context, orch *deploy.Orchestrator) error {
	statuses, err := orch.Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("no containers found for the service group")
		return nil
	}
	for _, st := range statuses {
		fmt.Printf("%-20s %-10s %s\n", st.Name, st.State, st.Detail)
	}
	return nil
}

func printLogs(ctx context.Context, cfg config.Config, orch *deploy.Orchestrator, tail int) error {
	for _, spec := range cfg.Services {
		out, err := orch.Logs(ctx, spec.Name, tail)
		if err != nil {
			fmt.Printf("--- logs: %s ---\n(unavailable: %v)\n", spec.Name, err)
			continue
		}
		fmt.Printf("--- logs: %s ---\n%s\n", spec.Name, out)
	}
	return nil
}

// certFailureError aggregates per-domain certificate outcomes into a
// single error, nil when every domain succeeded.
func certFailureError(results []core.CertificateResult) error {
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d domain(s) failed certificate issuance", failed, len(results))
}

// buildCertManager wires the certificate manager with the reachability
// preflight, the optional Cloudflare provisioner and the proxy reloader.
func buildCertManager(ctx context.Context, cfg config.Config, store *cert.Store, runner *deploy.DockerRunner) (*cert.Manager, error) {
	checker := dns.NewChecker(dns.Mode(cfg.DNS.CheckMode), cfg.DNS.Resolver, cfg.DNS.PublicIPEndpoint)

	var provisioner cert.Provisioner
	if cfg.DNS.Cloudflare.Enabled {
		serverIP, err := checker.PublicIP(ctx)
		if err != nil {
			return nil, fmt.Errorf("cloudflare provisioning needs the public IP: %w", err)
		}
		provisioner, err = dns.NewCloudflareProvisioner(cfg.DNS.Cloudflare.APIToken, cfg.DNS.Cloudflare.ZoneID, serverIP)
		if err != nil {
			return nil, err
		}
	}

	reloader := deploy.NewDockerReloader(runner.Client(), cfg.Proxy.ContainerName)

	return cert.NewManager(cert.Options{
		Email:          cfg.Cert.Email,
		DirectoryURL:   cfg.Cert.DirectoryURL,
		AccountKeyFile: cfg.Cert.AccountKeyFile,
		RenewBefore:    cfg.RenewBefore(),
		ChallengeAddr:  cfg.Cert.ChallengeAddr,
		Domains:        cfg.Domains,
	}, store, reloader, checker, provisioner)
}
