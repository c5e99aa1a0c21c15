package cmd

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"firestige.xyz/lowpan/internal/config"
)

var statsURL string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show adaptation layer counters",
	Long: `Scrape the daemon's metrics endpoint and print the lowpan_ series.

The endpoint defaults to metrics.listen and metrics.path from the config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := statsURL
		if url == "" {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			url = metricsURL(cfg.Metrics)
		}
		return runStats(url, cmd.OutOrStdout())
	},
}

func init() {
	statsCmd.Flags().StringVarP(&statsURL, "url", "u", "", "metrics endpoint URL")
}

// metricsURL turns a listen address into a URL reachable from this host.
func metricsURL(cfg config.MetricsConfig) string {
	host, port, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return "http://" + cfg.Listen + cfg.Path
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + cfg.Path
}

func runStats(url string, out io.Writer) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to scrape %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to scrape %s: %s", url, resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse metrics: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		if strings.HasPrefix(name, "lowpan_") {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	for _, name := range names {
		for _, m := range families[name].GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			var value float64
			switch {
			case m.Counter != nil:
				value = m.GetCounter().GetValue()
			case m.Gauge != nil:
				value = m.GetGauge().GetValue()
			case m.Histogram != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			default:
				value = m.GetUntyped().GetValue()
			}
			if len(labels) > 0 {
				fmt.Fprintf(out, "%s{%s} %g\n", name, strings.Join(labels, ","), value)
			} else {
				fmt.Fprintf(out, "%s %g\n", name, value)
			}
		}
	}
	return nil
}
