package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vrlink/internal/bitrate"
	"vrlink/internal/negotiator"
	"vrlink/internal/presentsync"
	"vrlink/internal/scheduler"
	"vrlink/internal/telemetry"
	"vrlink/internal/transport"
	"vrlink/pkg/models"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr  string
	PublicURL string // Base URL headsets use to reach the host

	// Logging
	LogLevel  string
	LogFormat string

	// Display
	RefreshRate    float64
	RenderWidth    int // per eye, 0 = headset native
	RenderHeight   int
	MinRenderScale float64
	IPD            float64 // meters

	// Adaptive bitrate
	InitialBitrateMbps float64
	MinBitrateMbps     float64
	MaxBitrateMbps     float64
	BitratePolicy      string  // additive | multiplicative
	BitrateUp          float64 // Mbps for additive, factor for multiplicative
	BitrateDown        float64
	LightLoadThreshold float64
	UseFrametime       bool
	FrametimeWindow    int
	TargetOffsetMs     float64
	TargetMaximumMs    float64
	WarmupFrames       int

	// Foveation defaults
	FoveationEnabled bool
	CenterSizeX      float64
	CenterSizeY      float64
	CenterShiftX     float64
	CenterShiftY     float64
	EdgeRatioX       float64
	EdgeRatioY       float64

	// Encoder
	Codecs                []string // in order of preference
	RateControlMode       int
	GopLength             int
	EnableIntraRefresh    bool
	IntraRefreshPeriod    int
	IntraRefreshCount     int
	MaxNumRefFrames       int
	QualityPreset         int
	EntropyCoding         int
	MultiPass             int
	AdaptiveQuantization  int
	WeightedPrediction    bool
	PFrameStrategy        int
	LowDelayKeyFrameScale int
	RcBufferSize          int
	RcInitialDelay        int
	Use10BitEncoder       bool

	// Pipeline
	FrameQueueSize int
	RenderTimeout  time.Duration
	EncodeTimeout  time.Duration
	MaxFrameAge    time.Duration
	AckTimeout     time.Duration

	// Headset link
	LinkFrameQueue   int
	LinkWriteTimeout time.Duration
	LinkPingInterval time.Duration

	// Negotiation
	NegotiationAttempts int
	NegotiationTimeout  time.Duration

	// Client presentation (headset side)
	MaxBufferingFrames     float64
	BufferingHistoryWeight float64
	DecodeTimeout          time.Duration

	// Auth
	PairingTokenExpiration time.Duration
	MaxHeadsets            int

	// Capture
	StorageBackend string // local | gcs
	CaptureDir     string
	GCSBucket      string
	GCSPrefix      string
	CaptureQueue   int

	// Telemetry
	MQTTBroker        string // empty disables telemetry
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	MQTTTopicPrefix   string
	TelemetryInterval time.Duration
}

// LoadDotEnv loads variables from .env files into the environment. A missing
// file is reported as an error callers may ignore.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		PublicURL: getEnv("PUBLIC_URL", "http://localhost:8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		RefreshRate:    getFloatEnv("REFRESH_RATE", 72),
		RenderWidth:    getIntEnv("RENDER_WIDTH", 0),
		RenderHeight:   getIntEnv("RENDER_HEIGHT", 0),
		MinRenderScale: getFloatEnv("MIN_RENDER_SCALE", 0.5),
		IPD:            getFloatEnv("IPD", 0.063),

		InitialBitrateMbps: getFloatEnv("BITRATE_INITIAL_MBPS", 30),
		MinBitrateMbps:     getFloatEnv("BITRATE_MIN_MBPS", 10),
		MaxBitrateMbps:     getFloatEnv("BITRATE_MAX_MBPS", 100),
		BitratePolicy:      getEnv("BITRATE_POLICY", "additive"),
		BitrateUp:          getFloatEnv("BITRATE_UP", 1),
		BitrateDown:        getFloatEnv("BITRATE_DOWN", 3),
		LightLoadThreshold: getFloatEnv("BITRATE_LIGHT_LOAD_THRESHOLD", 0.2),
		UseFrametime:       getBoolEnv("BITRATE_USE_FRAMETIME", false),
		FrametimeWindow:    getIntEnv("BITRATE_FRAMETIME_WINDOW", 30),
		TargetOffsetMs:     getFloatEnv("BITRATE_TARGET_OFFSET_MS", 0),
		TargetMaximumMs:    getFloatEnv("BITRATE_TARGET_MAXIMUM_MS", 0),
		WarmupFrames:       getIntEnv("BITRATE_WARMUP_FRAMES", 30),

		FoveationEnabled: getBoolEnv("FOVEATION_ENABLED", true),
		CenterSizeX:      getFloatEnv("FOVEATION_CENTER_SIZE_X", 0.45),
		CenterSizeY:      getFloatEnv("FOVEATION_CENTER_SIZE_Y", 0.4),
		CenterShiftX:     getFloatEnv("FOVEATION_CENTER_SHIFT_X", 0.4),
		CenterShiftY:     getFloatEnv("FOVEATION_CENTER_SHIFT_Y", 0.1),
		EdgeRatioX:       getFloatEnv("FOVEATION_EDGE_RATIO_X", 4),
		EdgeRatioY:       getFloatEnv("FOVEATION_EDGE_RATIO_Y", 5),

		Codecs:                getListEnv("ENCODER_CODECS", []string{"hevc", "h264"}),
		RateControlMode:       getIntEnv("ENCODER_RATE_CONTROL_MODE", 1),
		GopLength:             getIntEnv("ENCODER_GOP_LENGTH", 0),
		EnableIntraRefresh:    getBoolEnv("ENCODER_INTRA_REFRESH", false),
		IntraRefreshPeriod:    getIntEnv("ENCODER_INTRA_REFRESH_PERIOD", 300),
		IntraRefreshCount:     getIntEnv("ENCODER_INTRA_REFRESH_COUNT", 0),
		MaxNumRefFrames:       getIntEnv("ENCODER_MAX_REF_FRAMES", 0),
		QualityPreset:         getIntEnv("ENCODER_QUALITY_PRESET", 1),
		EntropyCoding:         getIntEnv("ENCODER_ENTROPY_CODING", 0),
		MultiPass:             getIntEnv("ENCODER_MULTI_PASS", 0),
		AdaptiveQuantization:  getIntEnv("ENCODER_ADAPTIVE_QUANTIZATION", 0),
		WeightedPrediction:    getBoolEnv("ENCODER_WEIGHTED_PREDICTION", false),
		PFrameStrategy:        getIntEnv("ENCODER_P_FRAME_STRATEGY", 0),
		LowDelayKeyFrameScale: getIntEnv("ENCODER_LOW_DELAY_KEY_FRAME_SCALE", -1),
		RcBufferSize:          getIntEnv("ENCODER_RC_BUFFER_SIZE", 0),
		RcInitialDelay:        getIntEnv("ENCODER_RC_INITIAL_DELAY", 0),
		Use10BitEncoder:       getBoolEnv("ENCODER_10BIT", false),

		FrameQueueSize: getIntEnv("PIPELINE_QUEUE_SIZE", 4),
		RenderTimeout:  getDurationEnv("PIPELINE_RENDER_TIMEOUT", 0),
		EncodeTimeout:  getDurationEnv("PIPELINE_ENCODE_TIMEOUT", 0),
		MaxFrameAge:    getDurationEnv("PIPELINE_MAX_FRAME_AGE", 0),
		AckTimeout:     getDurationEnv("PIPELINE_ACK_TIMEOUT", 500*time.Millisecond),

		LinkFrameQueue:   getIntEnv("LINK_FRAME_QUEUE", 4),
		LinkWriteTimeout: getDurationEnv("LINK_WRITE_TIMEOUT", time.Second),
		LinkPingInterval: getDurationEnv("LINK_PING_INTERVAL", 5*time.Second),

		NegotiationAttempts: getIntEnv("NEGOTIATION_ATTEMPTS", 4),
		NegotiationTimeout:  getDurationEnv("NEGOTIATION_TIMEOUT", 10*time.Second),

		MaxBufferingFrames:     getFloatEnv("CLIENT_MAX_BUFFERING_FRAMES", 2),
		BufferingHistoryWeight: getFloatEnv("CLIENT_BUFFERING_HISTORY_WEIGHT", 0.9),
		DecodeTimeout:          getDurationEnv("CLIENT_DECODE_TIMEOUT", 50*time.Millisecond),

		PairingTokenExpiration: getDurationEnv("PAIRING_TOKEN_EXPIRATION", 5*time.Minute),
		MaxHeadsets:            getIntEnv("MAX_HEADSETS", 1),

		StorageBackend: getEnv("STORAGE_BACKEND", "local"),
		CaptureDir:     getEnv("CAPTURE_DIR", "./data/captures"),
		GCSBucket:      getEnv("GCS_BUCKET", ""),
		GCSPrefix:      getEnv("GCS_PREFIX", "captures"),
		CaptureQueue:   getIntEnv("CAPTURE_QUEUE", 32),

		MQTTBroker:        getEnv("MQTT_BROKER", ""),
		MQTTClientID:      getEnv("MQTT_CLIENT_ID", "vrlink-host"),
		MQTTUsername:      getEnv("MQTT_USERNAME", ""),
		MQTTPassword:      getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix:   getEnv("MQTT_TOPIC_PREFIX", "vrlink/stats"),
		TelemetryInterval: getDurationEnv("TELEMETRY_INTERVAL", time.Second),
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if _, err := c.BitrateConfig(); err != nil {
		return err
	}
	if c.RefreshRate <= 0 {
		return fmt.Errorf("%w: refresh rate must be > 0", models.ErrInvalidConfig)
	}
	if c.FoveationEnabled {
		if err := c.FoveationParams().Validate(); err != nil {
			return err
		}
	}
	if len(c.Codecs) == 0 {
		return fmt.Errorf("%w: no encoder codecs configured", models.ErrInvalidConfig)
	}
	switch c.StorageBackend {
	case "local":
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("%w: GCS_BUCKET is required for gcs storage", models.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", models.ErrInvalidConfig, c.StorageBackend)
	}
	return nil
}

// FrameInterval is the host refresh period.
func (c *Config) FrameInterval() time.Duration {
	if c.RefreshRate <= 0 {
		return time.Second / 72
	}
	return time.Duration(float64(time.Second) / c.RefreshRate)
}

// BitrateConfig converts the adaptive bitrate section.
func (c *Config) BitrateConfig() (bitrate.Config, error) {
	policy, err := bitrate.ParsePolicy(c.BitratePolicy, c.BitrateUp, c.BitrateDown)
	if err != nil {
		return bitrate.Config{}, err
	}

	cfg := bitrate.DefaultConfig()
	cfg.InitialBitrate = uint64(c.InitialBitrateMbps * bitrate.Mbps)
	cfg.MinBitrate = uint64(c.MinBitrateMbps * bitrate.Mbps)
	cfg.MaxBitrate = uint64(c.MaxBitrateMbps * bitrate.Mbps)
	cfg.Policy = policy
	cfg.LightLoadThreshold = c.LightLoadThreshold
	cfg.UseFrametime = c.UseFrametime
	cfg.FrametimeWindow = c.FrametimeWindow
	cfg.TargetOffsetMs = c.TargetOffsetMs
	cfg.TargetMaximumMs = c.TargetMaximumMs
	cfg.WarmupFrames = c.WarmupFrames
	cfg.FrameInterval = c.FrameInterval()

	if err := cfg.Validate(); err != nil {
		return bitrate.Config{}, err
	}
	return cfg, nil
}

// FoveationParams returns the configured foveation defaults.
func (c *Config) FoveationParams() models.FoveationParams {
	return models.FoveationParams{
		CenterSizeX:  float32(c.CenterSizeX),
		CenterSizeY:  float32(c.CenterSizeY),
		CenterShiftX: float32(c.CenterShiftX),
		CenterShiftY: float32(c.CenterShiftY),
		EdgeRatioX:   float32(c.EdgeRatioX),
		EdgeRatioY:   float32(c.EdgeRatioY),
	}
}

// EncoderTuning returns the pass-through encoder knobs.
func (c *Config) EncoderTuning() models.EncoderTuning {
	return models.EncoderTuning{
		RateControlMode:       int64(c.RateControlMode),
		GopLength:             int64(c.GopLength),
		EnableIntraRefresh:    c.EnableIntraRefresh,
		IntraRefreshPeriod:    int64(c.IntraRefreshPeriod),
		IntraRefreshCount:     int64(c.IntraRefreshCount),
		MaxNumRefFrames:       int64(c.MaxNumRefFrames),
		QualityPreset:         int64(c.QualityPreset),
		EntropyCoding:         int64(c.EntropyCoding),
		MultiPass:             int64(c.MultiPass),
		AdaptiveQuantization:  int64(c.AdaptiveQuantization),
		WeightedPrediction:    c.WeightedPrediction,
		PFrameStrategy:        int64(c.PFrameStrategy),
		LowDelayKeyFrameScale: int64(c.LowDelayKeyFrameScale),
		RcBufferSize:          int64(c.RcBufferSize),
		RcInitialDelay:        int64(c.RcInitialDelay),
		Use10BitEncoder:       c.Use10BitEncoder,
	}
}

// NegotiatorConfig converts the display, foveation and codec sections.
func (c *Config) NegotiatorConfig() negotiator.Config {
	return negotiator.Config{
		MaxAttempts:      c.NegotiationAttempts,
		RenderWidth:      uint32(max(c.RenderWidth, 0)),
		RenderHeight:     uint32(max(c.RenderHeight, 0)),
		RefreshRate:      float32(c.RefreshRate),
		MinScale:         c.MinRenderScale,
		FoveationEnabled: c.FoveationEnabled,
		Foveation:        c.FoveationParams(),
		Codecs:           append([]string(nil), c.Codecs...),
		Tuning:           c.EncoderTuning(),
	}
}

// SchedulerConfig converts the pipeline section.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		QueueSize:     c.FrameQueueSize,
		RenderTimeout: c.RenderTimeout,
		EncodeTimeout: c.EncodeTimeout,
		MaxFrameAge:   c.MaxFrameAge,
		AckTimeout:    c.AckTimeout,
		IPD:           float32(c.IPD),
	}
}

// TransportConfig converts the headset link section.
func (c *Config) TransportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.FrameQueue = c.LinkFrameQueue
	cfg.WriteTimeout = c.LinkWriteTimeout
	cfg.PingInterval = c.LinkPingInterval
	return cfg
}

// PresentSyncConfig converts the client presentation section.
func (c *Config) PresentSyncConfig() presentsync.Config {
	cfg := presentsync.DefaultConfig()
	cfg.MaxBufferingFrames = c.MaxBufferingFrames
	cfg.BufferingHistoryWeight = c.BufferingHistoryWeight
	cfg.DecodeTimeout = c.DecodeTimeout
	cfg.IPD = float32(c.IPD)
	return cfg
}

// MQTTConfig converts the telemetry section. ok is false when no broker is set.
func (c *Config) MQTTConfig() (cfg telemetry.MQTTConfig, ok bool) {
	if c.MQTTBroker == "" {
		return telemetry.MQTTConfig{}, false
	}
	return telemetry.MQTTConfig{
		Broker:   c.MQTTBroker,
		ClientID: c.MQTTClientID,
		Username: c.MQTTUsername,
		Password: c.MQTTPassword,
		QoS:      0,
	}, true
}

// StreamURL is the websocket endpoint handed out with pairing tokens.
func (c *Config) StreamURL(token string) string {
	base := strings.TrimSuffix(c.PublicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/stream?token=" + token
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
