package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/callcontrol/internal/app/downlink"
	"github.com/dkeye/callcontrol/internal/app/reconnect"
	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "CALLCONTROL"

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Reconnect struct {
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
	BoundedAttempts int           `mapstructure:"bounded_attempts"`
}

type Downlink struct {
	ReservedFraction    float64       `mapstructure:"reserved_fraction"`
	LowKbps             uint64        `mapstructure:"low_kbps"`
	MediumKbps          uint64        `mapstructure:"medium_kbps"`
	HighKbps            uint64        `mapstructure:"high_kbps"`
	SingleKbps          uint64        `mapstructure:"single_kbps"`
	MaterialChange      float64       `mapstructure:"material_change"`
	DefaultDisplaySize  string        `mapstructure:"default_display_size"`
	ResubscribeInterval time.Duration `mapstructure:"resubscribe_interval"`
	StatsInterval       time.Duration `mapstructure:"stats_interval"`
}

type Config struct {
	Mode       string `mapstructure:"mode"`
	LogLevel   string `mapstructure:"log_level"`
	StatusPort int    `mapstructure:"status_port"`

	SignalingURL string            `mapstructure:"signaling_url"`
	MeetingID    string            `mapstructure:"meeting_id"`
	AttendeeID   string            `mapstructure:"attendee_id"`
	JoinToken    string            `mapstructure:"join_token"`
	AppName      string            `mapstructure:"app_name"`
	AppVersion   string            `mapstructure:"app_version"`
	Metadata     map[string]string `mapstructure:"metadata"`
	SendVideo    bool              `mapstructure:"send_video"`

	ReadLimit          int64         `mapstructure:"read_limit"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	PongWait           time.Duration `mapstructure:"pong_wait"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	RequestCompression bool          `mapstructure:"request_compression"`

	DefaultSubscriptionLimit int           `mapstructure:"default_subscription_limit"`
	ICEServers               []ICEServer   `mapstructure:"ice_servers"`
	JoinTimeout              time.Duration `mapstructure:"join_timeout"`
	NegotiationTimeout       time.Duration `mapstructure:"negotiation_timeout"`
	LeaveTimeout             time.Duration `mapstructure:"leave_timeout"`

	Reconnect Reconnect `mapstructure:"reconnect"`
	Downlink  Downlink  `mapstructure:"downlink"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. A missing file is not an
// error. CALLCONTROL_* environment variables override both, nested keys
// joined with underscores (CALLCONTROL_RECONNECT_MAX_ATTEMPTS).
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if _, err := domain.ParseTargetDisplaySize(cfg.Downlink.DefaultDisplaySize); err != nil {
		return nil, fmt.Errorf("downlink.default_display_size: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("status_port", cfg.StatusPort).
		Str("signaling_url", cfg.SignalingURL).
		Str("meeting", cfg.MeetingID).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	rc := reconnect.DefaultConfig()
	dl := downlink.DefaultConfig()

	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("status_port", 8081)
	v.SetDefault("signaling_url", "")
	v.SetDefault("meeting_id", "")
	v.SetDefault("attendee_id", "")
	v.SetDefault("join_token", "")
	v.SetDefault("app_name", "callcontrol")
	v.SetDefault("app_version", "dev")
	v.SetDefault("metadata", map[string]string{})
	v.SetDefault("send_video", false)

	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("request_compression", true)

	v.SetDefault("default_subscription_limit", core.DefaultSubscriptionLimit)
	v.SetDefault("ice_servers", []map[string]any{})
	v.SetDefault("join_timeout", "10s")
	v.SetDefault("negotiation_timeout", "15s")
	v.SetDefault("leave_timeout", "2s")

	v.SetDefault("reconnect.initial_backoff", rc.InitialBackoff)
	v.SetDefault("reconnect.max_backoff", rc.MaxBackoff)
	v.SetDefault("reconnect.multiplier", rc.Multiplier)
	v.SetDefault("reconnect.max_attempts", rc.MaxAttempts)
	v.SetDefault("reconnect.max_elapsed", rc.MaxElapsed)
	v.SetDefault("reconnect.bounded_attempts", rc.BoundedAttempts)

	v.SetDefault("downlink.reserved_fraction", dl.ReservedFraction)
	v.SetDefault("downlink.low_kbps", dl.LowKbps)
	v.SetDefault("downlink.medium_kbps", dl.MediumKbps)
	v.SetDefault("downlink.high_kbps", dl.HighKbps)
	v.SetDefault("downlink.single_kbps", dl.SingleKbps)
	v.SetDefault("downlink.material_change", dl.MaterialChange)
	v.SetDefault("downlink.default_display_size", dl.DefaultDisplaySize.String())
	v.SetDefault("downlink.resubscribe_interval", "1s")
	v.SetDefault("downlink.stats_interval", "2s")
}

// Meeting builds the meeting identity. An empty attendee id is replaced
// with a generated one.
func (c *Config) Meeting() domain.MeetingConfig {
	attendee := domain.AttendeeID(c.AttendeeID)
	if attendee == "" {
		attendee = domain.NewAttendeeID()
	}
	md := domain.AppMetadata{"app_name": c.AppName, "app_version": c.AppVersion}
	for k, v := range c.Metadata {
		md[k] = v
	}
	return domain.MeetingConfig{
		MeetingID:    domain.MeetingID(c.MeetingID),
		AttendeeID:   attendee,
		JoinToken:    c.JoinToken,
		SignalingURL: c.SignalingURL,
		Metadata:     md,
	}
}

func (c *Config) ReconnectConfig() reconnect.Config {
	return reconnect.Config{
		InitialBackoff:  c.Reconnect.InitialBackoff,
		MaxBackoff:      c.Reconnect.MaxBackoff,
		Multiplier:      c.Reconnect.Multiplier,
		MaxAttempts:     c.Reconnect.MaxAttempts,
		MaxElapsed:      c.Reconnect.MaxElapsed,
		BoundedAttempts: c.Reconnect.BoundedAttempts,
	}
}

func (c *Config) DownlinkConfig() downlink.Config {
	size, err := domain.ParseTargetDisplaySize(c.Downlink.DefaultDisplaySize)
	if err != nil {
		size = domain.DisplayMedium
	}
	return downlink.Config{
		ReservedFraction:   c.Downlink.ReservedFraction,
		LowKbps:            c.Downlink.LowKbps,
		MediumKbps:         c.Downlink.MediumKbps,
		HighKbps:           c.Downlink.HighKbps,
		SingleKbps:         c.Downlink.SingleKbps,
		MaterialChange:     c.Downlink.MaterialChange,
		DefaultDisplaySize: size,
	}
}

// InitialICEServers are used until the server sends its own on join.
func (c *Config) InitialICEServers() []core.ICEServer {
	out := make([]core.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		out = append(out, core.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}
