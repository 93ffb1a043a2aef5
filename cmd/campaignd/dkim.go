package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaignd/internal/dkim"
)

var (
	dkimSelector string
	dkimBits     int
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate <domain>",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA DKIM key pair for campaign mail and output the DNS record.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDKIMGenerate,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "default", "DKIM selector")
	dkimGenerateCmd.Flags().IntVar(&dkimBits, "bits", 2048, "RSA key size")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")

	dkimCmd.AddCommand(dkimGenerateCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	domain := args[0]
	if dkimBits < 1024 {
		return fmt.Errorf("key size must be at least 1024 bits")
	}

	kp, err := dkim.GenerateKey(domain, dkimSelector, dkimBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.key", domain))
	if err := kp.Save(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", kp.DNSName())
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n\n", kp.DNSRecord())
	fmt.Printf("Config:\n")
	fmt.Printf("  email.dkim.enabled: true\n")
	fmt.Printf("  email.dkim.domain: %s\n", domain)
	fmt.Printf("  email.dkim.selector: %s\n", dkimSelector)
	fmt.Printf("  email.dkim.key_file: %s\n", keyPath)

	return nil
}
