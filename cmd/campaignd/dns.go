package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaignd/internal/dkim"
	"github.com/foxzi/campaignd/internal/dnscheck"
)

var (
	dnsCheckMX    bool
	dnsCheckSPF   bool
	dnsCheckDKIM  bool
	dnsCheckDMARC bool
	dnsSelector   string
	dnsFormat     string
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS commands",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check [domain]",
	Short: "Check the sender domain's DNS records",
	Long: `Check SPF, DKIM, DMARC and MX records of a sender domain.

Without a domain argument the domain of email.from is checked. When the
configuration enables DKIM, the published key is compared with the
configured signing key.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDNSCheck,
}

func init() {
	dnsCheckCmd.Flags().BoolVar(&dnsCheckMX, "mx", false, "Check MX records")
	dnsCheckCmd.Flags().BoolVar(&dnsCheckSPF, "spf", false, "Check SPF record")
	dnsCheckCmd.Flags().BoolVar(&dnsCheckDKIM, "dkim", false, "Check DKIM record")
	dnsCheckCmd.Flags().BoolVar(&dnsCheckDMARC, "dmarc", false, "Check DMARC record")
	dnsCheckCmd.Flags().StringVar(&dnsSelector, "selector", "", "DKIM selector (default: from config or \"default\")")
	dnsCheckCmd.Flags().StringVar(&dnsFormat, "format", "table", "Output format (table, json)")

	dnsCmd.AddCommand(dnsCheckCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	opts := dnscheck.CheckOptions{
		MX:       dnsCheckMX,
		SPF:      dnsCheckSPF,
		DKIM:     dnsCheckDKIM,
		DMARC:    dnsCheckDMARC,
		Selector: dnsSelector,
	}

	var domain string
	if len(args) == 1 {
		domain = args[0]
	}

	if cfgFile != "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if domain == "" && cfg.Email.From != "" {
			domain = senderDomain(cfg.Email.From)
		}
		if d := cfg.Email.DKIM; d.Enabled && d.Domain == domain {
			if opts.Selector == "" {
				opts.Selector = d.Selector
			}
			if opts.Selector == d.Selector {
				signer, err := dkim.LoadPrivateKey(d.KeyFile)
				if err != nil {
					return fmt.Errorf("failed to load DKIM key: %w", err)
				}
				if opts.PublicKey, err = dkim.PublicKeyData(signer.Public()); err != nil {
					return err
				}
			}
		}
	}
	if domain == "" {
		return fmt.Errorf("domain is required (argument or email.from in -c config)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := dnscheck.New(nil).CheckDomain(ctx, domain, opts)
	if err != nil {
		return err
	}

	if dnsFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printDNSResult(os.Stdout, result)
	if !result.Summary.Healthy() {
		return fmt.Errorf("%d check(s) failed", result.Summary.Errors+result.Summary.NotFound)
	}
	return nil
}

func printDNSResult(w io.Writer, result *dnscheck.DomainCheckResult) {
	fmt.Fprintf(w, "Checking DNS records for: %s\n\n", result.Domain)

	for _, r := range result.Results {
		statusIcon := "?"
		switch r.Status {
		case dnscheck.StatusOK:
			statusIcon = "[OK]"
		case dnscheck.StatusWarning:
			statusIcon = "[WARN]"
		case dnscheck.StatusError:
			statusIcon = "[ERR]"
		case dnscheck.StatusNotFound:
			statusIcon = "[N/A]"
		}

		fmt.Fprintf(w, "%s %s\n", statusIcon, r.Type)
		if r.Value != "" {
			fmt.Fprintf(w, "    Value: %s\n", r.Value)
		}
		if r.Message != "" {
			fmt.Fprintf(w, "    %s\n", r.Message)
		}
		fmt.Fprintln(w)
	}

	s := result.Summary
	fmt.Fprintf(w, "Summary: %d OK, %d warnings, %d errors, %d missing\n", s.OK, s.Warnings, s.Errors, s.NotFound)
}
