// ABOUTME: Entry point for the atelier-gateway session gateway
// ABOUTME: Serves tenant workspaces and drives the admin control API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/atelierhq/atelier-gateway/internal/config"
	"github.com/atelierhq/atelier-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
        _       _ _                          _
   __ _| |_ ___| (_) ___ _ __ ___ __ _  __ _| |_ _____      ____ _ _   _
  / _' | __/ _ \ | |/ _ \ '__|___/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | (_| | ||  __/ | |  __/ |  |__| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \__,_|\__\___|_|_|\___|_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                 |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: ATELIER_CONFIG env var > XDG_CONFIG_HOME/atelier/gateway.yaml > ~/.config/atelier/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ATELIER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "atelier", "gateway.yaml")
}

// getDataPath returns the path to the atelier data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "atelier")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: atelier-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  onboard FILE           Create tenants from a TOML seed file")
		fmt.Println("  provision TENANT       Start (or revive) a tenant's workspace")
		fmt.Println("  deprovision TENANT     Drain and stop a tenant's workspace")
		fmt.Println("  status TENANT          Show a tenant's instance state")
		fmt.Println("  health                 Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "onboard":
		err = runOnboard(ctx)
	case "provision":
		err = runInstanceOp(ctx, "provision")
	case "deprovision":
		err = runInstanceOp(ctx, "deprovision")
	case "status":
		err = runStatus(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
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
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Domain:    %s\n", cfg.Server.Domain)
	green.Print("    ▶ ")
	fmt.Printf("Backends:  ports %d-%d\n", cfg.Backend.PortRangeStart, cfg.Backend.PortRangeEnd)
	if cfg.TLS.CertFile != "" {
		green.Print("    ▶ ")
		fmt.Printf("TLS:       %s\n", cfg.TLS.CertFile)
	}
	fmt.Println()

	logger.Info("starting atelier-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"domain", cfg.Server.Domain,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// adminRequest performs an authenticated call against the running gateway's
// admin API and prints the JSON response.
func adminRequest(ctx context.Context, cfg *config.Config, method, path string) error {
	if cfg.Auth.AdminToken == "" {
		return fmt.Errorf("auth.admin_token not configured in %s", getConfigPath())
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Auth.AdminToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	fmt.Println(strings.TrimSpace(string(body)))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func runInstanceOp(ctx context.Context, op string) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: atelier-gateway %s TENANT", op)
	}
	tenant := os.Args[2]

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return adminRequest(ctx, cfg, http.MethodPost, "/admin/api/tenants/"+tenant+"/"+op)
}

func runStatus(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: atelier-gateway status TENANT")
	}
	tenant := os.Args[2]

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return adminRequest(ctx, cfg, http.MethodGet, "/admin/api/tenants/"+tenant+"/status")
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("atelier-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "Listen address", "0.0.0.0:8443")
	domain := prompt(reader, "Public domain", "workspaces.example.com")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Backend Configuration ---")
	backendCmd := prompt(reader, "Workspace command", "workspace-server")
	portStart := prompt(reader, "Port range start", "8081")
	portEnd := prompt(reader, "Port range end", "8180")

	fmt.Println("\n--- TLS Configuration ---")
	certFile := prompt(reader, "Certificate file (leave empty for plain HTTP)", "")
	var keyFile string
	if certFile != "" {
		keyFile = prompt(reader, "Key file", "")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	tokenSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating token secret: %w", err)
	}
	adminToken, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating admin token: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# atelier-gateway configuration\n")
	cfg.WriteString("# Generated by atelier-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  domain: %q\n", domain))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  token_secret: %q\n", tokenSecret))
	cfg.WriteString(fmt.Sprintf("  admin_token: %q\n", adminToken))
	cfg.WriteString("  token_ttl: \"60s\"\n")
	cfg.WriteString("  rate_limit_window: \"1m\"\n")
	cfg.WriteString("  rate_limit_max_failures: 5\n")
	cfg.WriteString("\n")

	cfg.WriteString("backend:\n")
	cfg.WriteString(fmt.Sprintf("  command: %q\n", backendCmd))
	cfg.WriteString("  args: [\"--port\", \"{port}\", \"--user\", \"{tenant}\"]\n")
	cfg.WriteString(fmt.Sprintf("  port_range_start: %s\n", portStart))
	cfg.WriteString(fmt.Sprintf("  port_range_end: %s\n", portEnd))
	cfg.WriteString("  provision_timeout: \"30s\"\n")
	cfg.WriteString("  health_interval: \"10s\"\n")
	cfg.WriteString("\n")

	if certFile != "" {
		cfg.WriteString("tls:\n")
		cfg.WriteString(fmt.Sprintf("  cert_file: %q\n", certFile))
		cfg.WriteString(fmt.Sprintf("  key_file: %q\n", keyFile))
		cfg.WriteString("  renew_threshold: \"720h\"\n")
		cfg.WriteString("  renew_interval: \"12h\"\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("proxy:\n")
	cfg.WriteString("  wait_for_ready: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  atelier-gateway onboard tenants.toml   # create tenants")
	fmt.Println("  atelier-gateway serve                  # start the gateway")

	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
