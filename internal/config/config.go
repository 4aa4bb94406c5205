package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sheerbytes/mixrelay/internal/logging"
	"github.com/sheerbytes/mixrelay/internal/transport"
	"github.com/sheerbytes/mixrelay/internal/wire"
)

// EnvPrefix prefixes every environment variable read by this package.
const EnvPrefix = "MIXRELAY_"

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	Addr         string        `toml:"addr"`
	Transport    string        `toml:"transport"`
	LogLevel     string        `toml:"log_level"`
	LogFormat    string        `toml:"log_format"`
	JobsDir      string        `toml:"jobs_dir"`
	Worker       string        `toml:"worker"`
	WorkerArgs   []string      `toml:"worker_args"`
	ScanInterval time.Duration `toml:"scan_interval"`
	AdminSocket  string        `toml:"admin_socket"`
	MaxFileSize  uint32        `toml:"max_file_size"`
	ChunkSize    int           `toml:"chunk_size"`
	AckBuffer    int           `toml:"ack_buffer"`
	IOTimeout    time.Duration `toml:"io_timeout"` // must exceed the clients' poll interval
	MaxConns     int           `toml:"max_conns"`
	AcceptRate   float64       `toml:"accept_rate"`
	AcceptBurst  int           `toml:"accept_burst"`
}

// ClientConfig holds configuration for the client binary.
type ClientConfig struct {
	Addr         string        `toml:"addr"`
	Transport    string        `toml:"transport"`
	LogLevel     string        `toml:"log_level"`
	LogFormat    string        `toml:"log_format"`
	ChunkSize    int           `toml:"chunk_size"`
	AckBuffer    int           `toml:"ack_buffer"`
	MaxFileSize  uint32        `toml:"max_file_size"`
	PollInterval time.Duration `toml:"poll_interval"`
	CheckRequest string        `toml:"check_request"`
	ReadyPhrase  string        `toml:"ready_phrase"`
	FailedPhrase string        `toml:"failed_phrase"`
	IOTimeout    time.Duration `toml:"io_timeout"`
	OutDir       string        `toml:"out_dir"`
	ResultName   string        `toml:"result_name"`
	AdminSocket  string        `toml:"admin_socket"`
	Quiet        bool          `toml:"quiet"`
	Loop         bool          `toml:"loop"`

	// Args holds the positional arguments left after flag parsing
	// (audio/transcript paths for submit).
	Args []string `toml:"-"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		Transport:    string(transport.KindTCP),
		LogLevel:     "info",
		LogFormat:    "text",
		JobsDir:      "jobs",
		Worker:       "./worker",
		ScanInterval: 10 * time.Second,
		AdminSocket:  DefaultAdminSocket(),
		MaxFileSize:  wire.DefaultMaxFrameSize,
		ChunkSize:    wire.DefaultChunkSize,
		AckBuffer:    wire.DefaultAckBufferSize,
		IOTimeout:    wire.DefaultTimeout,
		AcceptBurst:  10,
	}
}

// DefaultClientConfig returns the built-in client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:         "127.0.0.1:8080",
		Transport:    string(transport.KindTCP),
		LogLevel:     "info",
		LogFormat:    "text",
		ChunkSize:    wire.DefaultChunkSize,
		AckBuffer:    wire.DefaultAckBufferSize,
		MaxFileSize:  wire.DefaultMaxFrameSize,
		PollInterval: 5 * time.Second,
		CheckRequest: wire.CheckDoneRequest,
		ReadyPhrase:  wire.ReadyPhrase,
		IOTimeout:    wire.DefaultTimeout,
		OutDir:       ".",
		ResultName:   "done.wav",
		AdminSocket:  DefaultAdminSocket(),
	}
}

// DefaultAdminSocket returns the admin socket path under XDG_RUNTIME_DIR, or
// the temp dir when that is unset.
func DefaultAdminSocket() string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "mixrelayd", "admin.sock")
}

// WireOptions converts the server's framing settings.
func (c ServerConfig) WireOptions() wire.Options {
	return wire.Options{
		ChunkSize:     c.ChunkSize,
		AckBufferSize: c.AckBuffer,
		MaxFrameSize:  c.MaxFileSize,
		Timeout:       c.IOTimeout,
	}
}

// WireOptions converts the client's framing settings.
func (c ClientConfig) WireOptions() wire.Options {
	return wire.Options{
		ChunkSize:     c.ChunkSize,
		AckBufferSize: c.AckBuffer,
		MaxFrameSize:  c.MaxFileSize,
		Timeout:       c.IOTimeout,
	}
}

// ResultPath is where the fetched result is written.
func (c ClientConfig) ResultPath() string {
	return filepath.Join(c.OutDir, c.ResultName)
}

// Validate checks the server configuration for values no component accepts.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if _, err := transport.ParseKind(c.Transport); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, logging.ValidateLevel(c.LogLevel), logging.ValidateFormat(c.LogFormat))
	if c.JobsDir == "" {
		errs = append(errs, errors.New("jobs-dir must not be empty"))
	}
	if c.Worker == "" {
		errs = append(errs, errors.New("worker must not be empty"))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("scan-interval must be positive, got %s", c.ScanInterval))
	}
	errs = append(errs, validateFraming(c.ChunkSize, c.AckBuffer, c.MaxFileSize, c.IOTimeout))
	if c.MaxConns < 0 || c.AcceptRate < 0 || c.AcceptBurst < 0 {
		errs = append(errs, errors.New("max-conns, accept-rate and accept-burst must not be negative"))
	}
	return errors.Join(errs...)
}

// Validate checks the client configuration for values no component accepts.
func (c ClientConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if _, err := transport.ParseKind(c.Transport); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, logging.ValidateLevel(c.LogLevel), logging.ValidateFormat(c.LogFormat))
	errs = append(errs, validateFraming(c.ChunkSize, c.AckBuffer, c.MaxFileSize, c.IOTimeout))
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval))
	}
	if c.CheckRequest == "" {
		errs = append(errs, errors.New("check-request must not be empty"))
	}
	if c.ReadyPhrase == "" {
		errs = append(errs, errors.New("ready-phrase must not be empty"))
	}
	if c.ResultName == "" || strings.ContainsRune(c.ResultName, os.PathSeparator) {
		errs = append(errs, fmt.Errorf("result-name must be a plain file name, got %q", c.ResultName))
	}
	return errors.Join(errs...)
}

func validateFraming(chunk, ack int, maxFile uint32, timeout time.Duration) error {
	var errs []error
	if chunk <= 0 {
		errs = append(errs, fmt.Errorf("chunk-size must be positive, got %d", chunk))
	}
	if ack <= 0 {
		errs = append(errs, fmt.Errorf("ack-buffer must be positive, got %d", ack))
	}
	if maxFile == 0 {
		errs = append(errs, errors.New("max-file-size must be positive"))
	}
	if timeout < 0 {
		errs = append(errs, fmt.Errorf("io-timeout must not be negative, got %s", timeout))
	}
	return errors.Join(errs...)
}

// ParseServerConfig parses server configuration from the config file, .env,
// environment variables and flags, each layer overriding the previous one.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := decodeFile(configPath(args), &cfg); err != nil {
		return cfg, err
	}

	// Environment overrides the file
	env := envReader{}
	env.str("ADDR", &cfg.Addr)
	env.str("TRANSPORT", &cfg.Transport)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("LOG_FORMAT", &cfg.LogFormat)
	env.str("JOBS_DIR", &cfg.JobsDir)
	env.str("WORKER", &cfg.Worker)
	env.list("WORKER_ARGS", &cfg.WorkerArgs)
	env.duration("SCAN_INTERVAL", &cfg.ScanInterval)
	env.str("ADMIN_SOCKET", &cfg.AdminSocket)
	env.uint("MAX_FILE_SIZE", &cfg.MaxFileSize)
	env.integer("CHUNK_SIZE", &cfg.ChunkSize)
	env.integer("ACK_BUFFER", &cfg.AckBuffer)
	env.duration("IO_TIMEOUT", &cfg.IOTimeout)
	env.integer("MAX_CONNS", &cfg.MaxConns)
	env.float("ACCEPT_RATE", &cfg.AcceptRate)
	env.integer("ACCEPT_BURST", &cfg.AcceptBurst)
	if err := env.err(); err != nil {
		return cfg, err
	}

	// Flags override environment
	var unusedConfig string
	fs.StringVar(&unusedConfig, "config", "", "path to a TOML config file (env MIXRELAY_CONFIG)")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "stream transport (tcp, quic, ws)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.StringVar(&cfg.JobsDir, "jobs-dir", cfg.JobsDir, "job spool directory")
	fs.StringVar(&cfg.Worker, "worker", cfg.Worker, "worker command run for each job (job folder is appended)")
	workerArgs := make([]string, 0)
	fs.Var((*stringSlice)(&workerArgs), "worker-arg", "argument passed to the worker before the job folder (repeatable)")
	fs.DurationVar(&cfg.ScanInterval, "scan-interval", cfg.ScanInterval, "how often the spool is rescanned")
	fs.StringVar(&cfg.AdminSocket, "admin-socket", cfg.AdminSocket, "admin UNIX socket path (empty disables)")
	maxFile := uint64(cfg.MaxFileSize)
	fs.Uint64Var(&maxFile, "max-file-size", maxFile, "largest accepted file in bytes")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "payload bytes per read/write")
	fs.IntVar(&cfg.AckBuffer, "ack-buffer", cfg.AckBuffer, "max bytes read for one ack or status request")
	fs.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "per read/write timeout (0 disables)")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "max concurrent connections (0 = unlimited)")
	fs.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "new connections per second (0 = unlimited)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "burst allowed above accept-rate")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if len(workerArgs) > 0 {
		cfg.WorkerArgs = workerArgs
	}
	if maxFile > uint64(^uint32(0)) {
		return cfg, fmt.Errorf("max-file-size %d exceeds the 4-byte length header", maxFile)
	}
	cfg.MaxFileSize = uint32(maxFile)

	return cfg, cfg.Validate()
}

// ParseClientConfig parses client configuration from the config file, .env,
// environment variables and flags, each layer overriding the previous one.
func ParseClientConfig(args []string) (ClientConfig, error) {
	fs := flag.NewFlagSet("mixrelay", flag.ContinueOnError)
	return parseClientConfigWithFlagSet(fs, args)
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := decodeFile(configPath(args), &cfg); err != nil {
		return cfg, err
	}

	// Environment overrides the file
	env := envReader{}
	env.str("ADDR", &cfg.Addr)
	env.str("TRANSPORT", &cfg.Transport)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("LOG_FORMAT", &cfg.LogFormat)
	env.integer("CHUNK_SIZE", &cfg.ChunkSize)
	env.integer("ACK_BUFFER", &cfg.AckBuffer)
	env.uint("MAX_FILE_SIZE", &cfg.MaxFileSize)
	env.duration("POLL_INTERVAL", &cfg.PollInterval)
	env.str("CHECK_REQUEST", &cfg.CheckRequest)
	env.str("READY_PHRASE", &cfg.ReadyPhrase)
	env.str("FAILED_PHRASE", &cfg.FailedPhrase)
	env.duration("IO_TIMEOUT", &cfg.IOTimeout)
	env.str("OUT_DIR", &cfg.OutDir)
	env.str("RESULT_NAME", &cfg.ResultName)
	env.str("ADMIN_SOCKET", &cfg.AdminSocket)
	env.boolean("QUIET", &cfg.Quiet)
	env.boolean("LOOP", &cfg.Loop)
	if err := env.err(); err != nil {
		return cfg, err
	}

	// Flags override environment
	var unusedConfig string
	fs.StringVar(&unusedConfig, "config", "", "path to a TOML config file (env MIXRELAY_CONFIG)")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address (host:port, or ws:// URL for the ws transport)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "stream transport (tcp, quic, ws)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "payload bytes per read/write")
	fs.IntVar(&cfg.AckBuffer, "ack-buffer", cfg.AckBuffer, "max bytes read for one ack or status response")
	maxFile := uint64(cfg.MaxFileSize)
	fs.Uint64Var(&maxFile, "max-file-size", maxFile, "largest accepted result in bytes")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "time between status polls")
	fs.StringVar(&cfg.CheckRequest, "check-request", cfg.CheckRequest, "status request sent while polling")
	fs.StringVar(&cfg.ReadyPhrase, "ready-phrase", cfg.ReadyPhrase, "status answer substring meaning the job is done")
	fs.StringVar(&cfg.FailedPhrase, "failed-phrase", cfg.FailedPhrase, "status answer substring meaning the job failed (empty keeps polling)")
	fs.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "per read/write timeout (0 disables)")
	fs.StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "directory the result is written to")
	fs.StringVar(&cfg.ResultName, "result-name", cfg.ResultName, "file name of the result")
	fs.StringVar(&cfg.AdminSocket, "admin-socket", cfg.AdminSocket, "admin UNIX socket path")
	fs.BoolVar(&cfg.Quiet, "quiet", cfg.Quiet, "disable progress output")
	fs.BoolVar(&cfg.Loop, "loop", cfg.Loop, "offer to submit another job after each result")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if maxFile > uint64(^uint32(0)) {
		return cfg, fmt.Errorf("max-file-size %d exceeds the 4-byte length header", maxFile)
	}
	cfg.MaxFileSize = uint32(maxFile)
	cfg.Args = fs.Args()

	return cfg, cfg.Validate()
}

// loadDotEnv loads ./.env into the process environment without overriding
// variables that are already set.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load .env: %w", err)
}

// configPath finds -config in args before the flag set is parsed, falling
// back to MIXRELAY_CONFIG.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(EnvPrefix + "CONFIG")
}

func decodeFile(path string, v any) error {
	if path == "" {
		return nil
	}
	md, err := toml.DecodeFile(path, v)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// envReader reads MIXRELAY_* variables and collects parse errors.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, key, value, err))
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) list(key string, dst *[]string) {
	if v, ok := r.lookup(key); ok {
		*dst = strings.Fields(v)
	}
}

func (r *envReader) integer(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) uint(key string, dst *uint32) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = uint32(n)
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

func (s *stringSlice) IsBoolFlag() bool {
	return false
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
