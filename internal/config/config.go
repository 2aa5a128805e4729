package config

import (
	"bufio"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenHTTP      []string
	ListenHTTPS     []string
	TLSEnabled      bool
	TLSCertPath     string
	TLSKeyPath      string
	TLSAutoGenerate bool

	RawListen         string
	RawQueue          string
	RawMaxConnections int
	RawReadTimeout    time.Duration
	RawAcceptTimeout  time.Duration
	RawDrainPoll      time.Duration
	RawDrainTimeout   time.Duration
	MaxHeaderSize     int64

	IPPPrefix       string
	IPPFailureDelay time.Duration
	MaxRequestSize  int64
	DefaultQueue    string
	WebUIPath       string
	PPDFile         string

	DirectorySync     bool
	TrustedIPs        map[string]string
	InternetLookupTTL time.Duration

	DataDir     string
	ConfDir     string
	SpoolDir    string
	DBAdapter   string
	DBPath      string
	PostgresDSN string

	LogLevel      string
	ErrorLogPath  string
	AccessLogPath string
	PageLogPath   string
	MaxLogSize    int64

	PubsubProject   string
	PubsubTopic     string
	CredentialsFile string

	JWTSecret string
	TokenTTL  time.Duration

	ServerName    string
	BrowseDNSSD   bool
	DNSSDHostName string
}

func Load() Config {
	dataDir := getenv("PRINTGATE_DATA_DIR", "data")
	confDir := getenv("PRINTGATE_CONF_DIR", filepath.Join(dataDir, "conf"))

	cfg := Config{
		ListenHTTP:        []string{":631"},
		TLSEnabled:        false,
		TLSAutoGenerate:   true,
		RawListen:         ":9100",
		RawQueue:          "raw",
		RawMaxConnections: 256,
		RawReadTimeout:    5 * time.Second,
		RawAcceptTimeout:  2 * time.Second,
		RawDrainPoll:      100 * time.Millisecond,
		RawDrainTimeout:   30 * time.Second,
		MaxHeaderSize:     1 << 20,
		IPPPrefix:         "/printers",
		IPPFailureDelay:   5 * time.Second,
		MaxRequestSize:    256 << 20,
		WebUIPath:         "/user",
		TrustedIPs:        map[string]string{},
		InternetLookupTTL: 30 * time.Second,
		DataDir:           dataDir,
		ConfDir:           confDir,
		DBAdapter:         "sqlite",
		LogLevel:          "info",
		ErrorLogPath:      "stderr",
		MaxLogSize:        1 << 20,
		TokenTTL:          12 * time.Hour,
		ServerName:        "printgate",
	}

	parsePrintgateConf(filepath.Join(cfg.ConfDir, "printgate.conf"), &cfg)
	applyEnvOverrides(&cfg)
	applyDerivedDefaults(&cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if v, ok := os.LookupEnv("PRINTGATE_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_CONF_DIR"); ok {
		cfg.ConfDir = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_SPOOL_DIR"); ok {
		cfg.SpoolDir = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_PPD_FILE"); ok {
		cfg.PPDFile = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_TLS_CERT"); ok {
		cfg.TLSCertPath = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_TLS_KEY"); ok {
		cfg.TLSKeyPath = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_LISTEN_HTTP"); ok {
		cfg.ListenHTTP = splitListenList(v, "631")
	}
	if v, ok := os.LookupEnv("PRINTGATE_LISTEN_HTTPS"); ok {
		cfg.ListenHTTPS = splitListenList(v, "631")
	}
	if v, ok := os.LookupEnv("PRINTGATE_RAW_LISTEN"); ok {
		cfg.RawListen = ensurePort(v, "9100")
	}
	if v, ok := os.LookupEnv("PRINTGATE_RAW_QUEUE"); ok {
		cfg.RawQueue = strings.Trim(strings.TrimSpace(v), "/")
	}
	if v, ok := os.LookupEnv("PRINTGATE_RAW_MAX_CONNECTIONS"); ok {
		if n, ok := parseInt(v); ok && n > 0 {
			cfg.RawMaxConnections = n
		}
	}
	applyDurationEnv("PRINTGATE_RAW_READ_TIMEOUT", &cfg.RawReadTimeout)
	applyDurationEnv("PRINTGATE_RAW_ACCEPT_TIMEOUT", &cfg.RawAcceptTimeout)
	applyDurationEnv("PRINTGATE_RAW_DRAIN_TIMEOUT", &cfg.RawDrainTimeout)
	applyDurationEnv("PRINTGATE_IPP_FAILURE_DELAY", &cfg.IPPFailureDelay)
	applyDurationEnv("PRINTGATE_INTERNET_LOOKUP_TTL", &cfg.InternetLookupTTL)
	applyDurationEnv("PRINTGATE_TOKEN_TTL", &cfg.TokenTTL)
	if v, ok := os.LookupEnv("PRINTGATE_MAX_HEADER_SIZE"); ok {
		if n, ok := parseSize(v); ok && n > 0 {
			cfg.MaxHeaderSize = n
		}
	}
	if v, ok := os.LookupEnv("PRINTGATE_DEFAULT_QUEUE"); ok {
		cfg.DefaultQueue = strings.Trim(strings.TrimSpace(v), "/")
	}
	if v, ok := os.LookupEnv("PRINTGATE_WEBUI_PATH"); ok && strings.TrimSpace(v) != "" {
		cfg.WebUIPath = strings.TrimSpace(v)
	}
	cfg.DirectorySync = getenvBool("PRINTGATE_DIRECTORY_SYNC", cfg.DirectorySync)
	if v, ok := os.LookupEnv("PRINTGATE_TRUSTED_IPS"); ok {
		for addr, user := range parseTrustedList(v) {
			cfg.TrustedIPs[addr] = user
		}
	}
	if v, ok := os.LookupEnv("PRINTGATE_DB_ADAPTER"); ok {
		cfg.DBAdapter = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := os.LookupEnv("PRINTGATE_POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_ERROR_LOG"); ok {
		cfg.ErrorLogPath = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_ACCESS_LOG"); ok {
		cfg.AccessLogPath = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_PAGE_LOG"); ok {
		cfg.PageLogPath = v
	}
	cfg.PubsubProject = firstNonEmpty(os.Getenv("PRINTGATE_PUBSUB_PROJECT"), os.Getenv("GOOGLE_CLOUD_PROJECT"), cfg.PubsubProject)
	cfg.PubsubTopic = firstNonEmpty(os.Getenv("PRINTGATE_PUBSUB_TOPIC"), cfg.PubsubTopic)
	cfg.CredentialsFile = firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), cfg.CredentialsFile)
	if v, ok := os.LookupEnv("PRINTGATE_JWT_SECRET"); ok {
		cfg.JWTSecret = v
	}
	cfg.TLSEnabled = getenvBool("PRINTGATE_TLS_ENABLED", cfg.TLSEnabled)
	cfg.TLSAutoGenerate = getenvBool("PRINTGATE_TLS_AUTOGEN", cfg.TLSAutoGenerate)
	cfg.BrowseDNSSD = getenvBool("PRINTGATE_DNSSD", cfg.BrowseDNSSD)
	if v, ok := os.LookupEnv("PRINTGATE_SERVER_NAME"); ok {
		cfg.ServerName = v
	}
}

func applyDerivedDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "printgate.db")
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(cfg.DataDir, "spool")
	}
	if cfg.PPDFile == "" {
		cfg.PPDFile = filepath.Join(cfg.ConfDir, "printgate.ppd")
	}
	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cfg.ConfDir, "printgate.crt")
	}
	if cfg.TLSKeyPath == "" {
		cfg.TLSKeyPath = filepath.Join(cfg.ConfDir, "printgate.key")
	}
	if cfg.DBAdapter == "" {
		cfg.DBAdapter = "sqlite"
	}
	if cfg.IPPPrefix == "" {
		cfg.IPPPrefix = "/printers"
	}
	cfg.IPPPrefix = "/" + strings.Trim(cfg.IPPPrefix, "/")
}

// Redacted returns a view safe for logging.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"listenHTTP":        c.ListenHTTP,
		"listenHTTPS":       c.ListenHTTPS,
		"rawListen":         c.RawListen,
		"rawQueue":          c.RawQueue,
		"rawMaxConnections": c.RawMaxConnections,
		"ippPrefix":         c.IPPPrefix,
		"dbAdapter":         c.DBAdapter,
		"directorySync":     c.DirectorySync,
		"trustedIPs":        len(c.TrustedIPs),
		"pubsubTopic":       c.PubsubTopic,
		"jwtSecretProvided": c.JWTSecret != "",
		"postgresProvided":  c.PostgresDSN != "",
	}
}

func parsePrintgateConf(path string, cfg *Config) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		key := parts[0]
		value := strings.TrimSpace(line[len(key):])
		switch key {
		case "Listen":
			lower := strings.ToLower(value)
			if strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "ipps://") {
				cfg.ListenHTTPS = appendUnique(cfg.ListenHTTPS, normalizeListenAddr(value, "631"))
			} else {
				cfg.ListenHTTP = appendUnique(cfg.ListenHTTP, normalizeListenAddr(value, "631"))
			}
		case "RawListen":
			cfg.RawListen = normalizeListenAddr(value, "9100")
		case "RawQueue":
			cfg.RawQueue = strings.Trim(value, "/")
		case "RawMaxConnections":
			if n, ok := parseInt(value); ok && n > 0 {
				cfg.RawMaxConnections = n
			}
		case "RawReadTimeout":
			if d, ok := parseDuration(value); ok {
				cfg.RawReadTimeout = d
			}
		case "RawAcceptTimeout":
			if d, ok := parseDuration(value); ok {
				cfg.RawAcceptTimeout = d
			}
		case "RawDrainTimeout":
			if d, ok := parseDuration(value); ok {
				cfg.RawDrainTimeout = d
			}
		case "IPPFailureDelay":
			if d, ok := parseDuration(value); ok {
				cfg.IPPFailureDelay = d
			}
		case "MaxHeaderSize":
			if n, ok := parseSize(value); ok && n > 0 {
				cfg.MaxHeaderSize = n
			}
		case "MaxRequestSize":
			if n, ok := parseSize(value); ok {
				cfg.MaxRequestSize = n
			}
		case "DefaultQueue":
			cfg.DefaultQueue = strings.Trim(value, "/")
		case "WebUIPath":
			cfg.WebUIPath = value
		case "PPDFile":
			cfg.PPDFile = resolvePath(cfg.ConfDir, value)
		case "DirectorySync":
			if v, ok := parseBool(value); ok {
				cfg.DirectorySync = v
			}
		case "TrustedIP":
			if len(parts) >= 3 {
				if ip := net.ParseIP(parts[1]); ip != nil {
					cfg.TrustedIPs[ip.String()] = parts[2]
				}
			}
		case "InternetLookupTTL":
			if d, ok := parseDuration(value); ok {
				cfg.InternetLookupTTL = d
			}
		case "DataDir":
			cfg.DataDir = resolvePath(cfg.ConfDir, value)
		case "SpoolDir":
			cfg.SpoolDir = resolvePath(cfg.ConfDir, value)
		case "DBAdapter":
			cfg.DBAdapter = strings.ToLower(value)
		case "DBPath":
			cfg.DBPath = resolvePath(cfg.ConfDir, value)
		case "PostgresDSN":
			cfg.PostgresDSN = value
		case "LogLevel":
			cfg.LogLevel = value
		case "MaxLogSize":
			if v, ok := parseSize(value); ok {
				cfg.MaxLogSize = v
			}
		case "ErrorLog":
			cfg.ErrorLogPath = resolvePath(cfg.ConfDir, value)
		case "AccessLog":
			cfg.AccessLogPath = resolvePath(cfg.ConfDir, value)
		case "PageLog":
			cfg.PageLogPath = resolvePath(cfg.ConfDir, value)
		case "PubsubProject":
			cfg.PubsubProject = value
		case "PubsubTopic":
			cfg.PubsubTopic = value
		case "JWTSecret":
			cfg.JWTSecret = value
		case "TokenTTL":
			if d, ok := parseDuration(value); ok {
				cfg.TokenTTL = d
			}
		case "ServerName":
			cfg.ServerName = value
		case "BrowseDNSSD":
			if v, ok := parseBool(value); ok {
				cfg.BrowseDNSSD = v
			}
		case "DNSSDHostName":
			cfg.DNSSDHostName = value
		case "DefaultEncryption":
			applyDefaultEncryption(cfg, value)
		}
	}
}

func applyDefaultEncryption(cfg *Config, value string) {
	if cfg == nil {
		return
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "never", "off", "no":
		cfg.TLSEnabled = false
	case "required", "always", "ifrequested", "on", "yes", "true":
		cfg.TLSEnabled = true
	}
}

func parseTrustedList(value string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' }) {
		addr, user, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		ip := net.ParseIP(strings.TrimSpace(addr))
		user = strings.TrimSpace(user)
		if ip == nil || user == "" {
			continue
		}
		out[ip.String()] = user
	}
	return out
}

func normalizeListenAddr(value string, defaultPort string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if strings.Contains(v, "://") {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			v = u.Host
		}
	}
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	return ensurePort(v, defaultPort)
}

func ensurePort(addr string, defaultPort string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, "[") {
		if _, _, err := net.SplitHostPort(addr); err == nil {
			return addr
		}
		if strings.HasSuffix(addr, "]") {
			return addr + ":" + defaultPort
		}
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}
	if strings.Count(addr, ":") > 1 {
		return net.JoinHostPort(addr, defaultPort)
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}

func appendUnique(list []string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return list
	}
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func splitListenList(value string, defaultPort string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\r', '\n':
			return true
		default:
			return false
		}
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if addr := normalizeListenAddr(p, defaultPort); addr != "" {
			out = appendUnique(out, addr)
		}
	}
	return out
}

func resolvePath(root, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	switch strings.ToLower(value) {
	case "stderr", "stdout", "-", "none", "off":
		return value
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(root, value)
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func parseSize(value string) (int64, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	mult := int64(1)
	switch v[len(v)-1] {
	case 'k', 'K':
		mult = 1024
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		v = v[:len(v)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		v = v[:len(v)-1]
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || num < 0 {
		return 0, false
	}
	return int64(num * float64(mult)), true
}

func parseInt(value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseDuration accepts Go durations ("250ms") and cupsd-style suffixed
// seconds ("5", "2m", "1h").
func parseDuration(value string) (time.Duration, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if n, ok := parseTimeSeconds(v); ok {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

func parseTimeSeconds(value string) (int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	mult := 1
	switch v[len(v)-1] {
	case 's', 'S':
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 60
		v = v[:len(v)-1]
	case 'h', 'H':
		mult = 60 * 60
		v = v[:len(v)-1]
	case 'd', 'D':
		mult = 24 * 60 * 60
		v = v[:len(v)-1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n * mult, true
}

func applyDurationEnv(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, ok := parseDuration(v); ok {
			*dst = d
		}
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, ok := parseBool(v)
		if ok {
			return b
		}
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
