// ABOUTME: Entry point for the dockhand controller and its operator CLI
// ABOUTME: Serves the agent and operator APIs, writes config, mints operator tokens, and queries a running controller

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"

	"github.com/2389/dockhand/internal/auth"
	"github.com/2389/dockhand/internal/config"
	"github.com/2389/dockhand/internal/gateway"
	"github.com/2389/dockhand/internal/protocol"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _            _    _                     _
  __| | ___   ___| | _| |__   __ _ _ __   __| |
 / _' |/ _ \ / __| |/ / '_ \ / _' | '_ \ / _' |
| (_| | (_) | (__|   <| | | | (_| | | | | (_| |
 \__,_|\___/ \___|_|\_\_| |_|\__,_|_| |_|\__,_|
`

// getConfigPath returns the path to the controller config file.
// Priority: DOCKHAND_CONFIG env var > XDG_CONFIG_HOME/dockhand/dockhand.yaml > ~/.config/dockhand/dockhand.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DOCKHAND_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "dockhand.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dockhand", "dockhand.yaml")
}

// getDataPath returns the path to the dockhand data directory.
// Priority: XDG_DATA_HOME/dockhand > ~/.local/share/dockhand
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "dockhand")
}

func usage() {
	fmt.Println("Usage: dockhand <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the controller")
	fmt.Println("  init                       Create a new config file interactively")
	fmt.Println("  token --subject NAME       Mint an operator token")
	fmt.Println("  health                     Check controller health")
	fmt.Println("  agents                     List registered agents")
	fmt.Println("  version                    Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadDotEnv populates unset environment variables from path. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s", cfg.Database.Driver)
	if cfg.Database.Driver == config.DriverSQLite {
		gray.Printf(" (%s)", cfg.Database.Path)
	}
	fmt.Println()
	if cfg.Idempotency.IsEnabled() {
		green.Print("    ▶ ")
		fmt.Printf("Replay:    %s\n", cfg.Idempotency.Backend)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! operator API is unauthenticated (auth.jwt_secret not set)")
	}
	fmt.Println()

	logger.Info("starting dockhand",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runToken mints an operator JWT signed with the configured secret.
func runToken(args []string) error {
	fset := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fset.String("subject", "", "operator name recorded on cancellations and in logs")
	ttl := fset.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fset.Arg(0))
	}

	name := strings.TrimSpace(*subject)
	if name == "" {
		return fmt.Errorf("--subject flag is required")
	}
	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "expires %s\n", time.Now().Add(*ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

// controlURL returns the base URL of the running controller.
// DOCKHAND_URL wins; otherwise the configured listen address is used, with a
// bare ":port" resolved to localhost.
func controlURL(cfg *config.Config) string {
	if u := os.Getenv("DOCKHAND_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func newAPIClient(ctx context.Context) (*resty.Request, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	rc := resty.New().SetBaseURL(controlURL(cfg)).SetTimeout(10 * time.Second)
	req := rc.R().SetContext(ctx).SetError(&protocol.ErrorResponse{})
	if token := os.Getenv("DOCKHAND_TOKEN"); token != "" {
		req.SetAuthToken(token)
	}
	return req, nil
}

func apiError(resp *resty.Response) error {
	if e, ok := resp.Error().(*protocol.ErrorResponse); ok && e != nil && e.Error != "" {
		return fmt.Errorf("controller returned %d: %s", resp.StatusCode(), e.Error)
	}
	return fmt.Errorf("controller returned %d", resp.StatusCode())
}

func runHealth(ctx context.Context) error {
	req, err := newAPIClient(ctx)
	if err != nil {
		return err
	}

	resp, err := req.Get("/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	req, err := newAPIClient(ctx)
	if err != nil {
		return err
	}

	var out protocol.AgentsResponse
	resp, err := req.SetResult(&out).Get("/api/agents")
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if !resp.IsSuccess() {
		return apiError(resp)
	}

	if len(out.Agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOSTNAME\tSTATUS\tLAST SEEN")
	for _, a := range out.Agents {
		lastSeen := "never"
		if !a.LastSeen.IsZero() {
			lastSeen = time.Since(a.LastSeen).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Hostname, a.Status, lastSeen)
	}
	return tw.Flush()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("dockhand configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "dockhand.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", ":8080")

	fmt.Println("\n--- Database Configuration ---")
	driver := prompt(reader, "Driver (sqlite/postgres)", config.DriverSQLite)
	var dbPath, dsn string
	if driver == config.DriverPostgres {
		dsn = prompt(reader, "Postgres DSN", "postgres://dockhand@localhost:5432/dockhand")
	} else {
		driver = config.DriverSQLite
		dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	}

	fmt.Println("\n--- Agent Configuration ---")
	enrollmentKey := prompt(reader, "Enrollment key (leave empty to allow open registration)", "")

	fmt.Println("\n--- Operator Authentication ---")
	var jwtSecret string
	if isYes(prompt(reader, "Require operator tokens?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# dockhand configuration\n")
	cfg.WriteString("# Generated by dockhand init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", driver))
	if driver == config.DriverSQLite {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	} else {
		cfg.WriteString(fmt.Sprintf("  dsn: %q\n", dsn))
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  liveness_timeout: \"5m\"\n")
	cfg.WriteString("  sweep_interval: \"30s\"\n")
	cfg.WriteString("  require_token: true\n")
	if enrollmentKey != "" {
		cfg.WriteString(fmt.Sprintf("  enrollment_key: %q\n", enrollmentKey))
	}
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("idempotency:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  backend: \"memory\"\n")
	cfg.WriteString("  ttl: \"24h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if _, err := config.Parse([]byte(cfg.String()), false); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file may hold the JWT secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	if dbPath != "" {
		green.Printf("  ✓ Data directory: %s\n", filepath.Dir(dbPath))
	}
	fmt.Println("\nTo start the controller:")
	fmt.Println("  dockhand serve")
	if jwtSecret != "" {
		fmt.Println("\nTo mint an operator token:")
		fmt.Println("  dockhand token --subject you@example.com")
	}

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
