package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaignd/internal/dkim"
)

// initOptions holds the answers collected by the init wizard
type initOptions struct {
	Output      string
	DataDir     string
	Mode        string // production, sandbox
	EmailHost   string
	EmailFrom   string
	DKIM        bool
	DKIMDomain  string
	DKIMKeyPath string
	WhatsApp    bool
	APIKey      string
	APIKeyHash  string
	Force       bool
}

var initOpts initOptions

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize campaignd configuration",
	Long: `Interactive wizard to create a campaignd configuration file.

This command helps you set up campaignd by:
  1. Creating a configuration file
  2. Generating an API key (only its bcrypt hash is stored)
  3. Optionally generating DKIM keys for campaign mail

Examples:
  # Interactive mode - prompts for missing values
  campaignd init

  # Quick setup for testing, all deliveries are captured
  campaignd init --mode sandbox -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOpts.Output, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initOpts.DataDir, "data-dir", "/var/lib/campaignd", "Data directory for databases and keys")
	initCmd.Flags().StringVar(&initOpts.Mode, "mode", "", "Delivery mode: production, sandbox")
	initCmd.Flags().StringVar(&initOpts.EmailHost, "smtp-host", "", "SMTP relay host")
	initCmd.Flags().StringVar(&initOpts.EmailFrom, "from", "", "Sender address for campaign mail")
	initCmd.Flags().BoolVar(&initOpts.DKIM, "dkim", false, "Generate DKIM keys")
	initCmd.Flags().BoolVar(&initOpts.WhatsApp, "whatsapp", false, "Enable the WhatsApp channel")
	initCmd.Flags().StringVar(&initOpts.APIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initOpts.Force, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)
	opts := &initOpts

	fmt.Println("campaignd Configuration Wizard")
	fmt.Println("==============================")
	fmt.Println()

	opts.DataDir = prompt(reader, "Data directory", opts.DataDir)

	if opts.Mode == "" {
		opts.Mode = prompt(reader, "Mode (production, sandbox)", "sandbox")
	}
	if opts.Mode != "production" && opts.Mode != "sandbox" {
		return fmt.Errorf("invalid mode: %s (must be production or sandbox)", opts.Mode)
	}

	if opts.Mode == "production" {
		if opts.EmailHost == "" {
			opts.EmailHost = prompt(reader, "SMTP relay host", "localhost")
		}
		if opts.EmailFrom == "" {
			opts.EmailFrom = prompt(reader, "Sender address (e.g., news@example.com)", "")
			if opts.EmailFrom == "" {
				return fmt.Errorf("sender address is required")
			}
		}
		if !opts.WhatsApp {
			opts.WhatsApp = yes(prompt(reader, "Enable WhatsApp? [y/N]", "n"))
		}
		if !opts.DKIM {
			opts.DKIM = yes(prompt(reader, "Generate DKIM keys? [y/N]", "n"))
		}
	}

	if opts.APIKey == "" {
		opts.APIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", opts.APIKey)
	}
	hash, err := hashAPIKey(opts.APIKey)
	if err != nil {
		return err
	}
	opts.APIKeyHash = hash

	if !opts.Force {
		if _, err := os.Stat(opts.Output); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", opts.Output)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	var kp *dkim.KeyPair
	if opts.DKIM {
		opts.DKIMDomain = senderDomain(opts.EmailFrom)
		dkimDir := filepath.Join(opts.DataDir, "dkim")
		if err := os.MkdirAll(dkimDir, 0700); err != nil {
			return fmt.Errorf("failed to create DKIM directory: %w", err)
		}

		kp, err = dkim.GenerateKey(opts.DKIMDomain, "campaignd", 2048)
		if err != nil {
			return fmt.Errorf("failed to generate DKIM key: %w", err)
		}

		opts.DKIMKeyPath = filepath.Join(dkimDir, opts.DKIMDomain+".key")
		if err := kp.Save(opts.DKIMKeyPath); err != nil {
			return fmt.Errorf("failed to save DKIM key: %w", err)
		}
		fmt.Printf("  DKIM key saved to: %s\n", opts.DKIMKeyPath)
	}

	if err := os.WriteFile(opts.Output, []byte(generateConfig(opts)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("  Configuration saved to: %s\n", opts.Output)
	fmt.Println()

	if kp != nil {
		fmt.Println("DKIM Record")
		fmt.Println("===========")
		fmt.Printf("   Name:  %s\n", kp.DNSName())
		fmt.Printf("   Type:  TXT\n")
		fmt.Printf("   Value: %s\n", kp.DNSRecord())
		fmt.Println()
	}

	printNextSteps(os.Stdout, opts)
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

func senderDomain(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return addr
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig(opts *initOptions) string {
	var b strings.Builder

	fmt.Fprintf(&b, `# campaignd configuration
# Generated by: campaignd init

api:
  listen_addr: ":8080"
  api_key_hash: %q
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

database:
  path: "%s/campaignd.db"

storage:
  path: "%s/state.db"

dispatch:
  concurrency: 5
  send_timeout: 30s
  sweep_interval: 1m
  stale_after: 30m
`, opts.APIKeyHash, opts.DataDir, opts.DataDir)

	if opts.Mode == "production" {
		fmt.Fprintf(&b, `
email:
  enabled: true
  host: %q
  port: 587
  tls: "starttls"
  from: %q
`, opts.EmailHost, opts.EmailFrom)
		if opts.DKIM {
			fmt.Fprintf(&b, `  dkim:
    enabled: true
    selector: "campaignd"
    domain: %q
    key_file: %q
`, opts.DKIMDomain, opts.DKIMKeyPath)
		}
	}

	if opts.WhatsApp {
		b.WriteString(`
whatsapp:
  enabled: true
  account_sid: "${WHATSAPP_ACCOUNT_SID}"
  auth_token: "${WHATSAPP_AUTH_TOKEN}"
  from: "${WHATSAPP_FROM}"
`)
	}

	if opts.Mode == "sandbox" {
		b.WriteString(`
sandbox:
  enabled: true
  retention_max_age: 168h
`)
	}

	b.WriteString(`
rate_limit:
  enabled: true
  global:
    messages_per_hour: 50000
    messages_per_day: 500000
  default_recipient:
    messages_per_day: 10

metrics:
  enabled: false
  listen_addr: ":9090"

logging:
  level: "info"
  format: "json"
`)

	return b.String()
}

func printNextSteps(w io.Writer, opts *initOptions) {
	fmt.Fprintln(w, "Next Steps")
	fmt.Fprintln(w, "==========")
	fmt.Fprintln(w)
	step := 1
	if opts.WhatsApp {
		fmt.Fprintf(w, "%d. Set WHATSAPP_ACCOUNT_SID, WHATSAPP_AUTH_TOKEN and WHATSAPP_FROM\n", step)
		fmt.Fprintf(w, "   (a .env file next to %s is loaded automatically)\n", opts.Output)
		fmt.Fprintln(w)
		step++
	}
	fmt.Fprintf(w, "%d. Create the database:\n", step)
	fmt.Fprintf(w, "   campaignd migrate -c %s\n", opts.Output)
	fmt.Fprintln(w)
	step++
	fmt.Fprintf(w, "%d. Import contacts:\n", step)
	fmt.Fprintf(w, "   campaignd contacts import contacts.csv -c %s\n", opts.Output)
	fmt.Fprintln(w)
	step++
	if opts.DKIM {
		fmt.Fprintf(w, "%d. Publish the DKIM record above, then verify the sender domain:\n", step)
		fmt.Fprintf(w, "   campaignd dns check -c %s\n", opts.Output)
		fmt.Fprintln(w)
		step++
	}
	fmt.Fprintf(w, "%d. Start the server:\n", step)
	fmt.Fprintf(w, "   campaignd serve -c %s\n", opts.Output)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Credentials")
	fmt.Fprintln(w, "-----------")
	fmt.Fprintf(w, "API Key: %s\n", opts.APIKey)
	fmt.Fprintln(w)
}
