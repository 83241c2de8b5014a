// Package config loads process configuration from a flat key=value file
// and the environment, with environment variables taking precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is prepended to every key's uppercase form to derive its
// environment variable name, e.g. broker_host -> DCAUTH_BROKER_HOST.
const EnvPrefix = "DCAUTH_"

// Config holds every setting read from the environment/config file
// superset described in the external-interfaces contract.
type Config struct {
	BrokerHost     string
	BrokerPort     int
	BrokerPassword string
	BrokerDB       int

	OpsAPIBaseURL string
	OpsAPIKey     string

	ConsumerName string
	LogDir       string

	RepairScriptPath string
	ImportScriptPath string
	LockFilePath     string

	School string

	MasterInventoryPath string
	DeltaInventoryPath  string
	DHCPVerifyFilePath  string

	SambaToolAuthArgs []string

	ReverseDNSOctets   int
	ProvisionBatchSize int
	ProvisionDebounceS int

	Domain string

	// Boot-config / changelog sources.
	BootConfigDir   string
	ChangelogDBPath string

	// Watcher tuning.
	WatchDebounceMS int
	WatchCooldownS  int

	// API edge.
	ListenAddr      string
	AuthTokenFile   string
	AuthTokenEnv    string
	TrustProxy      bool
	IPAllowlist     []string
	RateLimitPerMin int

	// DHCP export network settings.
	DHCPServerIP  string
	DHCPSubnet    string
	DHCPInterface string
	DHCPNISDomain string

	// Image manifest/download root.
	ImagesRoot string

	SambaToolBin string
	HostCmdBin   string

	// Machine-account repair.
	MaxRetries int

	// Changelog compaction.
	ChangelogCompactIntervalMin int
	ChangelogMaxAgeHours        int
	ChangelogMaxEntries         int
}

// defaults holds the documented out-of-the-box settings.
func defaults() Config {
	return Config{
		BrokerHost:          "127.0.0.1",
		BrokerPort:          6379,
		BrokerDB:            0,
		ConsumerName:        "dc-authority-worker",
		LogDir:              "/var/log/linbo",
		LockFilePath:        "/var/lock/dc-authority-provision.lock",
		MasterInventoryPath: "/etc/linuxmuster/sophomorix/devices.csv",
		DeltaInventoryPath:  "/etc/linuxmuster/sophomorix/devices.csv.delta",
		ReverseDNSOctets:    3,
		ProvisionBatchSize:  50,
		ProvisionDebounceS:  5,
		BootConfigDir:       "/srv/linbo",
		ChangelogDBPath:     "/var/lib/dc-authority/changelog.db",
		WatchDebounceMS:     500,
		WatchCooldownS:      5,
		ListenAddr:          ":8080",
		RateLimitPerMin:     60,
		ImagesRoot:          "/srv/linbo",
		SambaToolBin:        "samba-tool",
		HostCmdBin:          "host",
		MaxRetries:          3,

		ChangelogCompactIntervalMin: 60,
		ChangelogMaxAgeHours:        24 * 7,
		ChangelogMaxEntries:         100000,
	}
}

// fileKeys maps lowercase_underscore config-file keys to setter functions.
var fileKeys = map[string]func(*Config, string){
	"broker_host":            func(c *Config, v string) { c.BrokerHost = v },
	"broker_port":            func(c *Config, v string) { c.BrokerPort = atoiOr(v, c.BrokerPort) },
	"broker_password":        func(c *Config, v string) { c.BrokerPassword = v },
	"broker_db":              func(c *Config, v string) { c.BrokerDB = atoiOr(v, c.BrokerDB) },
	"ops_api_base_url":       func(c *Config, v string) { c.OpsAPIBaseURL = v },
	"ops_api_key":            func(c *Config, v string) { c.OpsAPIKey = v },
	"consumer_name":          func(c *Config, v string) { c.ConsumerName = v },
	"log_dir":                func(c *Config, v string) { c.LogDir = v },
	"repair_script_path":     func(c *Config, v string) { c.RepairScriptPath = v },
	"import_script_path":     func(c *Config, v string) { c.ImportScriptPath = v },
	"lock_file_path":         func(c *Config, v string) { c.LockFilePath = v },
	"school":                 func(c *Config, v string) { c.School = v },
	"master_inventory_path":  func(c *Config, v string) { c.MasterInventoryPath = v },
	"delta_inventory_path":   func(c *Config, v string) { c.DeltaInventoryPath = v },
	"dhcp_verify_file_path":  func(c *Config, v string) { c.DHCPVerifyFilePath = v },
	"samba_tool_auth_args":   func(c *Config, v string) { c.SambaToolAuthArgs = splitArgs(v) },
	"reverse_dns_octets":     func(c *Config, v string) { c.ReverseDNSOctets = atoiOr(v, c.ReverseDNSOctets) },
	"provision_batch_size":   func(c *Config, v string) { c.ProvisionBatchSize = atoiOr(v, c.ProvisionBatchSize) },
	"provision_debounce_sec": func(c *Config, v string) { c.ProvisionDebounceS = atoiOr(v, c.ProvisionDebounceS) },
	"domain":                 func(c *Config, v string) { c.Domain = v },

	"boot_config_dir":   func(c *Config, v string) { c.BootConfigDir = v },
	"changelog_db_path": func(c *Config, v string) { c.ChangelogDBPath = v },
	"watch_debounce_ms": func(c *Config, v string) { c.WatchDebounceMS = atoiOr(v, c.WatchDebounceMS) },
	"watch_cooldown_s":  func(c *Config, v string) { c.WatchCooldownS = atoiOr(v, c.WatchCooldownS) },

	"listen_addr":        func(c *Config, v string) { c.ListenAddr = v },
	"auth_token_file":    func(c *Config, v string) { c.AuthTokenFile = v },
	"auth_token_env":     func(c *Config, v string) { c.AuthTokenEnv = v },
	"trust_proxy":        func(c *Config, v string) { c.TrustProxy = parseBool(v) },
	"ip_allowlist":       func(c *Config, v string) { c.IPAllowlist = splitArgs(v) },
	"rate_limit_per_min": func(c *Config, v string) { c.RateLimitPerMin = atoiOr(v, c.RateLimitPerMin) },

	"dhcp_server_ip":  func(c *Config, v string) { c.DHCPServerIP = v },
	"dhcp_subnet":     func(c *Config, v string) { c.DHCPSubnet = v },
	"dhcp_interface":  func(c *Config, v string) { c.DHCPInterface = v },
	"dhcp_nis_domain": func(c *Config, v string) { c.DHCPNISDomain = v },

	"images_root":    func(c *Config, v string) { c.ImagesRoot = v },
	"samba_tool_bin": func(c *Config, v string) { c.SambaToolBin = v },
	"host_cmd_bin":   func(c *Config, v string) { c.HostCmdBin = v },

	"max_retries": func(c *Config, v string) { c.MaxRetries = atoiOr(v, c.MaxRetries) },

	"changelog_compact_interval_min": func(c *Config, v string) { c.ChangelogCompactIntervalMin = atoiOr(v, c.ChangelogCompactIntervalMin) },
	"changelog_max_age_hours":        func(c *Config, v string) { c.ChangelogMaxAgeHours = atoiOr(v, c.ChangelogMaxAgeHours) },
	"changelog_max_entries":          func(c *Config, v string) { c.ChangelogMaxEntries = atoiOr(v, c.ChangelogMaxEntries) },
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "1":
		return true
	default:
		return false
	}
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func splitArgs(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Load reads path (if non-empty and present) then overlays environment
// variables, and returns the resulting Config. A missing file is not an
// error; the loader falls through to defaults and environment.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		if setter, ok := fileKeys[key]; ok {
			setter(cfg, value)
		}
	}
	return scanner.Err()
}

func applyEnv(cfg *Config) {
	for key, setter := range fileKeys {
		envName := EnvPrefix + strings.ToUpper(key)
		if v, ok := os.LookupEnv(envName); ok {
			setter(cfg, v)
		}
	}
}
