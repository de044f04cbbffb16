package app

import (
	"context"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/httpx"
	"github.com/ggonzalez94/defi-advisor/internal/model"
	"github.com/ggonzalez94/defi-advisor/internal/source"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (s *runtimeState) newHealthCommand() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the completion service and portfolio API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			if strings.TrimSpace(apiURL) == "" {
				apiURL = s.settings.PortfolioAPIURL
			}
			report := s.checkHealth(cmd.Context(), apiURL)

			providers := make([]model.ProviderStatus, 0, len(report.Components))
			for _, c := range report.Components {
				status := "ok"
				if !c.Healthy {
					status = "unhealthy"
				}
				providers = append(providers, model.ProviderStatus{Name: c.Name, Status: status, LatencyMS: c.LatencyMS})
			}
			s.captureCommandDiagnostics(nil, providers)
			if err := s.emitSuccess(path, report, nil, cacheMetaBypass(), providers); err != nil {
				return err
			}
			if !report.Healthy {
				return clierr.New(clierr.CodeUnavailable, "one or more components are unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "portfolio-api", "", "Portfolio API base URL (overrides config)")
	return cmd
}

// checkHealth probes each configured component concurrently with a single
// attempt each. The portfolio API is skipped when no URL is configured.
func (s *runtimeState) checkHealth(ctx context.Context, apiURL string) model.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	components := []model.HealthStatus{{Name: completionProvider}}
	if apiURL != "" {
		components = append(components, model.HealthStatus{Name: portfolioProvider})
	}

	var g errgroup.Group
	g.Go(func() error {
		start := time.Now()
		client, err := s.advisorClient()
		if err != nil {
			components[0].Detail = errorDetail(err)
			return nil
		}
		components[0].Healthy = client.HealthCheck(ctx)
		components[0].LatencyMS = time.Since(start).Milliseconds()
		if !components[0].Healthy {
			components[0].Detail = "completion service did not answer"
		}
		return nil
	})
	if apiURL != "" {
		g.Go(func() error {
			start := time.Now()
			err := source.NewRemote(apiURL, httpx.New(s.settings.Timeout, nil)).Ping(ctx)
			components[1].Healthy = err == nil
			components[1].LatencyMS = time.Since(start).Milliseconds()
			if err != nil {
				components[1].Detail = errorDetail(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := model.HealthReport{Healthy: true, Components: components}
	for _, c := range components {
		report.Healthy = report.Healthy && c.Healthy
	}
	return report
}

func errorDetail(err error) string {
	if cErr, ok := clierr.As(err); ok {
		return cErr.Message
	}
	return err.Error()
}
