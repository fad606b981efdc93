package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/adblock"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/auth"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/config"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/proxy"
)

var version string

func main() {
	cfg, opts := parseFlagsAndConfig()

	if opts.authAdd != "" || opts.authMod != "" || opts.authDel != "" {
		manageUsers(cfg, opts)
		return
	}
	if opts.updateAdBlockDB {
		updateAdBlockDB(cfg)
		return
	}

	runProxy(cfg, opts.configPath)
}

type cliOptions struct {
	configPath      string
	authAdd         string
	authMod         string
	authDel         string
	updateAdBlockDB bool
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (*config.Config, cliOptions) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")

	host := flag.String("H", "", "Listen host (overrides config)")
	port := flag.Int("p", 0, "Listen port, 1024-65535 (overrides config)")
	allowPrivate := flag.Bool("allow-private", false, "Allow connections to private address ranges")
	authFile := flag.String("auth", "", "Path to digest credential file; enables proxy authentication")
	adBlockDB := flag.String("ad-block-db", "", "Path to the ad-block SQLite database")
	allowlist := flag.String("allowlist", "", "Path to a file of domains exempt from ad blocking")
	authAdd := flag.String("auth-add", "", "Add a user to the credential file and exit")
	authMod := flag.String("auth-mod", "", "Change a user's password in the credential file and exit")
	authDel := flag.String("auth-del", "", "Delete a user from the credential file and exit")
	updateDB := flag.Bool("update-ad-block-db", false, "Rebuild the ad-block database from public blocklists and exit")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("wormhole version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	applyFlagOverrides(cfg, *host, *port, *allowPrivate, *authFile, *adBlockDB, *allowlist)

	logger.Debug("Listen address: %s", cfg.ListenAddress)
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	logger.Debug("Allow private destinations: %v", cfg.AllowPrivate)

	return cfg, cliOptions{
		configPath:      *configPathPtr,
		authAdd:         *authAdd,
		authMod:         *authMod,
		authDel:         *authDel,
		updateAdBlockDB: *updateDB,
	}
}

func applyFlagOverrides(cfg *config.Config, host string, port int, allowPrivate bool, authFile, adBlockDB, allowlist string) {
	listenHost, listenPort, err := net.SplitHostPort(cfg.ListenAddress)
	if err != nil {
		logger.Fatal("Invalid listen address %q: %v", cfg.ListenAddress, err)
	}
	if host != "" {
		listenHost = host
	}
	if port != 0 {
		if port < 1024 || port > 65535 {
			logger.Fatal("Listen port must be between 1024 and 65535, got %d", port)
		}
		listenPort = strconv.Itoa(port)
	}
	cfg.ListenAddress = net.JoinHostPort(listenHost, listenPort)

	if allowPrivate {
		cfg.AllowPrivate = true
	}
	if authFile != "" {
		cfg.AuthFile = authFile
	}
	if adBlockDB != "" {
		cfg.AdBlockDB = adBlockDB
	}
	if allowlist != "" {
		cfg.AllowlistFile = allowlist
	}
}

// manageUsers serves the --auth-add/--auth-mod/--auth-del commands.
func manageUsers(cfg *config.Config, opts cliOptions) {
	if cfg.AuthFile == "" {
		logger.Fatal("User management requires --auth or an auth-file config entry")
	}
	store, err := auth.LoadStore(cfg.AuthFile)
	if err != nil {
		logger.Fatal("Failed to load credential file: %v", err)
	}

	switch {
	case opts.authDel != "":
		if err := store.DeleteUser(opts.authDel); err != nil {
			logger.Fatal("Failed to delete user: %v", err)
		}
		logger.Info("Deleted user %s", opts.authDel)
	case opts.authAdd != "":
		if err := store.AddUser(opts.authAdd, promptPassword(opts.authAdd)); err != nil {
			logger.Fatal("Failed to add user: %v", err)
		}
		logger.Info("Added user %s", opts.authAdd)
	case opts.authMod != "":
		if err := store.ModifyUser(opts.authMod, promptPassword(opts.authMod)); err != nil {
			logger.Fatal("Failed to modify user: %v", err)
		}
		logger.Info("Updated password for %s", opts.authMod)
	}
}

func promptPassword(username string) string {
	fmt.Printf("Password for %s: ", username)
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		logger.Fatal("Failed to read password: %v", err)
	}
	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		logger.Fatal("Password must not be empty")
	}
	return password
}

// updateAdBlockDB rebuilds the blocklist database from public lists.
func updateAdBlockDB(cfg *config.Config) {
	if cfg.AdBlockDB == "" {
		logger.Fatal("Updating the ad-block database requires --ad-block-db or an ad-block-db config entry")
	}

	var allowed []string
	if cfg.AllowlistFile != "" {
		var err error
		allowed, err = adblock.ReadAllowlistFile(cfg.AllowlistFile)
		if err != nil {
			logger.Fatal("Failed to load allowlist: %v", err)
		}
	}

	n, err := adblock.UpdateDatabase(context.Background(), cfg.AdBlockDB, allowed)
	if err != nil {
		logger.Fatal("Failed to update ad-block database: %v", err)
	}
	logger.Info("Ad-block database updated with %d domains", n)
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string) {
	logger.Info("Starting wormhole proxy server")

	proxyInstance, err := proxy.NewProxy(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize proxy: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	startProxy := func(p *proxy.Proxy) {
		go func() {
			if err := p.Start(); err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
		}()
	}

	startProxy(proxyInstance)
	currentCfg := cfg

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; purging DNS cache only.")
				proxyInstance.PurgeDNSCache()
				continue
			}
			logger.Info("Config changed. Restarting proxy...")
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error stopping proxy for reload: %v", err)
			}
			proxyInstance, err = proxy.NewProxy(newCfg)
			if err != nil {
				logger.Fatal("Failed to initialize proxy with new configuration: %v", err)
			}
			startProxy(proxyInstance)
			currentCfg = newCfg
			logger.Info("Proxy restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error during shutdown: %v", err)
			}
			logger.Info("Proxy server shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
