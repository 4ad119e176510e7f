// Package config loads server settings. Values are layered: built-in
// defaults, then an optional YAML file, then environment variables, then
// command-line flags. Settings left unset in every layer are derived from
// mode and debug once all layers are applied.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"place-canvas/internal/store"
)

const (
	ModeDev        = "dev"
	ModeProduction = "production"
	ModeTest       = "test"
)

// Settings is the resolved server configuration.
type Settings struct {
	Mode         string        `yaml:"mode"`
	Debug        bool          `yaml:"debug"`
	TZ           string        `yaml:"tz"`
	DBURL        string        `yaml:"db_url"`
	RedisURL     string        `yaml:"redis_url"`
	MQURL        string        `yaml:"mq_url"`
	BroadcastURL string        `yaml:"broadcast_url"`
	CanvasSize   int           `yaml:"canvas_size"`
	DefaultColor string        `yaml:"default_color"`
	Addr         string        `yaml:"addr"`
	SnapshotTTL  time.Duration `yaml:"snapshot_ttl"`
	// SnapshotShared stores rendered pictures in Redis for other processes.
	SnapshotShared bool   `yaml:"snapshot_shared"`
	Presence       string `yaml:"presence"` // memory | redis
	Topic          string `yaml:"topic"`
	SuppressEcho   bool   `yaml:"suppress_echo"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // text | json
}

// layer holds the values one source sets. Nil means "not set here".
type layer struct {
	Mode           *string        `yaml:"mode"`
	Debug          *bool          `yaml:"debug"`
	TZ             *string        `yaml:"tz"`
	DBURL          *string        `yaml:"db_url"`
	RedisURL       *string        `yaml:"redis_url"`
	MQURL          *string        `yaml:"mq_url"`
	BroadcastURL   *string        `yaml:"broadcast_url"`
	CanvasSize     *int           `yaml:"canvas_size"`
	DefaultColor   *string        `yaml:"default_color"`
	Addr           *string        `yaml:"addr"`
	SnapshotTTL    *time.Duration `yaml:"snapshot_ttl"`
	SnapshotShared *bool          `yaml:"snapshot_shared"`
	Presence       *string        `yaml:"presence"`
	Topic          *string        `yaml:"topic"`
	SuppressEcho   *bool          `yaml:"suppress_echo"`
	LogLevel       *string        `yaml:"log_level"`
	LogFormat      *string        `yaml:"log_format"`
}

func (l *layer) merge(o layer) {
	if o.Mode != nil {
		l.Mode = o.Mode
	}
	if o.Debug != nil {
		l.Debug = o.Debug
	}
	if o.TZ != nil {
		l.TZ = o.TZ
	}
	if o.DBURL != nil {
		l.DBURL = o.DBURL
	}
	if o.RedisURL != nil {
		l.RedisURL = o.RedisURL
	}
	if o.MQURL != nil {
		l.MQURL = o.MQURL
	}
	if o.BroadcastURL != nil {
		l.BroadcastURL = o.BroadcastURL
	}
	if o.CanvasSize != nil {
		l.CanvasSize = o.CanvasSize
	}
	if o.DefaultColor != nil {
		l.DefaultColor = o.DefaultColor
	}
	if o.Addr != nil {
		l.Addr = o.Addr
	}
	if o.SnapshotTTL != nil {
		l.SnapshotTTL = o.SnapshotTTL
	}
	if o.SnapshotShared != nil {
		l.SnapshotShared = o.SnapshotShared
	}
	if o.Presence != nil {
		l.Presence = o.Presence
	}
	if o.Topic != nil {
		l.Topic = o.Topic
	}
	if o.SuppressEcho != nil {
		l.SuppressEcho = o.SuppressEcho
	}
	if o.LogLevel != nil {
		l.LogLevel = o.LogLevel
	}
	if o.LogFormat != nil {
		l.LogFormat = o.LogFormat
	}
}

// resolve fills every unset value with its default. Defaults that depend on
// other settings are computed after the explicit ones are known.
func (l layer) resolve() *Settings {
	s := &Settings{
		Mode:         or(l.Mode, ModeDev),
		TZ:           or(l.TZ, "Asia/Shanghai"),
		RedisURL:     or(l.RedisURL, "redis://redis:6379"),
		MQURL:        or(l.MQURL, ""),
		CanvasSize:   or(l.CanvasSize, 500),
		DefaultColor: or(l.DefaultColor, "ffffff"),
		Addr:         or(l.Addr, ":8080"),
		SnapshotTTL:  or(l.SnapshotTTL, 10*time.Second),
		Topic:        or(l.Topic, "canvas"),
		SuppressEcho: or(l.SuppressEcho, false),
		LogFormat:    or(l.LogFormat, "text"),
	}
	s.Debug = or(l.Debug, s.Mode != ModeProduction)

	dbURL := "sqlite://db.sqlite3"
	if s.Mode == ModeTest {
		dbURL = "sqlite://:memory:"
	}
	s.DBURL = or(l.DBURL, dbURL)

	broadcast := s.RedisURL
	switch {
	case s.MQURL != "":
		broadcast = s.MQURL
	case s.Debug:
		broadcast = "memory://"
	}
	s.BroadcastURL = or(l.BroadcastURL, broadcast)

	presence, level := "redis", "info"
	if s.Debug {
		presence, level = "memory", "debug"
	}
	s.Presence = or(l.Presence, presence)
	s.LogLevel = or(l.LogLevel, level)
	s.SnapshotShared = or(l.SnapshotShared, !s.Debug)
	return s
}

func or[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// Load resolves settings from args (without the program name) and the
// environment lookup getenv. A --config flag names the YAML file. It returns
// pflag.ErrHelp when --help is given.
func Load(args []string, getenv func(string) string) (*Settings, error) {
	fs := pflag.NewFlagSet("canvas-server", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to a YAML settings file")
	flags := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var merged layer
	if *configPath != "" {
		file, err := loadFile(*configPath)
		if err != nil {
			return nil, err
		}
		merged.merge(file)
	}
	env, err := fromEnv(getenv)
	if err != nil {
		return nil, err
	}
	merged.merge(env)
	merged.merge(flags.changed(fs))

	s := merged.resolve()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Usage returns the flag help text.
func Usage() string {
	fs := pflag.NewFlagSet("canvas-server", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML settings file")
	registerFlags(fs)
	return fs.FlagUsages()
}

func loadFile(path string) (layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return layer{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var l layer
	if err := yaml.Unmarshal(data, &l); err != nil {
		return layer{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return l, nil
}

func fromEnv(getenv func(string) string) (layer, error) {
	var l layer
	str := func(name string) *string {
		if v := getenv(name); v != "" {
			return &v
		}
		return nil
	}
	var err error
	boolean := func(name string) *bool {
		v := getenv(name)
		if v == "" || err != nil {
			return nil
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("config: %s: %w", name, perr)
			return nil
		}
		return &b
	}

	l.Mode = str("MODE")
	l.Debug = boolean("DEBUG")
	l.TZ = str("TZ")
	l.DBURL = str("DB_URL")
	l.RedisURL = str("REDIS_URL")
	l.MQURL = str("MQ_URL")
	l.BroadcastURL = str("BROADCAST_URL")
	l.DefaultColor = str("DEFAULT_COLOR")
	l.Addr = str("ADDR")
	l.SnapshotShared = boolean("SNAPSHOT_SHARED")
	l.Presence = str("PRESENCE")
	l.Topic = str("TOPIC")
	l.SuppressEcho = boolean("SUPPRESS_ECHO")
	l.LogLevel = str("LOG_LEVEL")
	l.LogFormat = str("LOG_FORMAT")
	if err != nil {
		return layer{}, err
	}

	if v := getenv("CANVAS_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return layer{}, fmt.Errorf("config: CANVAS_SIZE: %w", err)
		}
		l.CanvasSize = &n
	}
	if v := getenv("SNAPSHOT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return layer{}, fmt.Errorf("config: SNAPSHOT_TTL: %w", err)
		}
		l.SnapshotTTL = &d
	}
	return l, nil
}

// flagValues are the targets of the registered flags; only flags the user
// actually passed end up in the flag layer.
type flagValues struct {
	s Settings
}

func registerFlags(fs *pflag.FlagSet) *flagValues {
	v := &flagValues{}
	fs.StringVar(&v.s.Mode, "mode", ModeDev, "dev, production or test")
	fs.BoolVar(&v.s.Debug, "debug", false, "debug mode (default: mode != production)")
	fs.StringVar(&v.s.TZ, "tz", "Asia/Shanghai", "time zone for pixel timestamps")
	fs.StringVar(&v.s.DBURL, "db-url", "sqlite://db.sqlite3", "cell store: memory://, sqlite://path or mongodb://...")
	fs.StringVar(&v.s.RedisURL, "redis-url", "redis://redis:6379", "redis for presence and the shared picture")
	fs.StringVar(&v.s.MQURL, "mq-url", "", "amqp:// broker, used for broadcast when set")
	fs.StringVar(&v.s.BroadcastURL, "broadcast-url", "", "memory://, redis://, amqp:// or nats://")
	fs.IntVar(&v.s.CanvasSize, "canvas-size", 500, "canvas side length")
	fs.StringVar(&v.s.DefaultColor, "default-color", "ffffff", "initial pixel color")
	fs.StringVar(&v.s.Addr, "addr", ":8080", "listen address")
	fs.DurationVar(&v.s.SnapshotTTL, "snapshot-ttl", 10*time.Second, "how long a rendered picture is served")
	fs.BoolVar(&v.s.SnapshotShared, "snapshot-shared", false, "share rendered pictures through redis (default: !debug)")
	fs.StringVar(&v.s.Presence, "presence", "", "online counter: memory or redis")
	fs.StringVar(&v.s.Topic, "topic", "canvas", "broadcast topic")
	fs.BoolVar(&v.s.SuppressEcho, "suppress-echo", false, "do not send clients their own frames")
	fs.StringVar(&v.s.LogLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&v.s.LogFormat, "log-format", "text", "text or json")
	return v
}

func (v *flagValues) changed(fs *pflag.FlagSet) layer {
	var l layer
	set := func(name string) bool { return fs.Changed(name) }
	if set("mode") {
		l.Mode = &v.s.Mode
	}
	if set("debug") {
		l.Debug = &v.s.Debug
	}
	if set("tz") {
		l.TZ = &v.s.TZ
	}
	if set("db-url") {
		l.DBURL = &v.s.DBURL
	}
	if set("redis-url") {
		l.RedisURL = &v.s.RedisURL
	}
	if set("mq-url") {
		l.MQURL = &v.s.MQURL
	}
	if set("broadcast-url") {
		l.BroadcastURL = &v.s.BroadcastURL
	}
	if set("canvas-size") {
		l.CanvasSize = &v.s.CanvasSize
	}
	if set("default-color") {
		l.DefaultColor = &v.s.DefaultColor
	}
	if set("addr") {
		l.Addr = &v.s.Addr
	}
	if set("snapshot-ttl") {
		l.SnapshotTTL = &v.s.SnapshotTTL
	}
	if set("snapshot-shared") {
		l.SnapshotShared = &v.s.SnapshotShared
	}
	if set("presence") {
		l.Presence = &v.s.Presence
	}
	if set("topic") {
		l.Topic = &v.s.Topic
	}
	if set("suppress-echo") {
		l.SuppressEcho = &v.s.SuppressEcho
	}
	if set("log-level") {
		l.LogLevel = &v.s.LogLevel
	}
	if set("log-format") {
		l.LogFormat = &v.s.LogFormat
	}
	return l
}

// Validate checks that values are usable.
func (s *Settings) Validate() error {
	switch s.Mode {
	case ModeDev, ModeProduction, ModeTest:
	default:
		return fmt.Errorf("config: unknown mode %q", s.Mode)
	}
	if s.CanvasSize <= 0 {
		return fmt.Errorf("config: canvas_size must be > 0, got %d", s.CanvasSize)
	}
	if !store.ValidColor(s.DefaultColor) {
		return fmt.Errorf("config: default_color %q is not six lowercase hex digits", s.DefaultColor)
	}
	if s.SnapshotTTL <= 0 {
		return fmt.Errorf("config: snapshot_ttl must be > 0")
	}
	if s.Topic == "" {
		return fmt.Errorf("config: topic is required")
	}
	if err := checkScheme("db_url", s.DBURL, "memory", "sqlite", "mongodb", "mongodb+srv"); err != nil {
		return err
	}
	if err := checkScheme("broadcast_url", s.BroadcastURL, "memory", "redis", "rediss", "amqp", "amqps", "nats", "tls"); err != nil {
		return err
	}
	switch s.Presence {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: presence must be memory or redis, got %q", s.Presence)
	}
	if s.Presence == "redis" || s.SnapshotShared {
		if err := checkScheme("redis_url", s.RedisURL, "redis", "rediss"); err != nil {
			return err
		}
	}
	if _, err := s.Level(); err != nil {
		return err
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log_format must be text or json, got %q", s.LogFormat)
	}
	return nil
}

// checkScheme only looks at the scheme; paths such as sqlite://:memory:
// are not valid URLs.
func checkScheme(name, raw string, allowed ...string) error {
	scheme, _, ok := strings.Cut(raw, ":")
	if !ok {
		return fmt.Errorf("config: %s: missing scheme in %q", name, raw)
	}
	for _, a := range allowed {
		if strings.EqualFold(scheme, a) {
			return nil
		}
	}
	return fmt.Errorf("config: %s: unsupported scheme %q", name, scheme)
}

// Location is the zone pixel timestamps are rendered in. An unknown zone
// falls back to UTC.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Level parses LogLevel.
func (s *Settings) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}

// Logger builds the process logger writing to w.
func (s *Settings) Logger(w io.Writer) *slog.Logger {
	level, err := s.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if s.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
