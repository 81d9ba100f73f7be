package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"vrlink/internal/bitrate"
	"vrlink/pkg/models"
)

func TestLoad_defaults(t *testing.T) {
	cfg := Load()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if want := []string{"hevc", "h264"}; !reflect.DeepEqual(cfg.Codecs, want) {
		t.Errorf("Codecs = %v, want %v", cfg.Codecs, want)
	}

	bc, err := cfg.BitrateConfig()
	if err != nil {
		t.Fatalf("BitrateConfig: %v", err)
	}
	if bc.InitialBitrate != 30*bitrate.Mbps || bc.MinBitrate != 10*bitrate.Mbps || bc.MaxBitrate != 100*bitrate.Mbps {
		t.Errorf("bitrate bounds = %d/%d/%d", bc.InitialBitrate, bc.MinBitrate, bc.MaxBitrate)
	}
	if bc.Policy != (bitrate.Additive{Up: 1 * bitrate.Mbps, Down: 3 * bitrate.Mbps}) {
		t.Errorf("policy = %#v", bc.Policy)
	}
	if bc.FrameInterval != time.Second/72 {
		t.Errorf("FrameInterval = %v", bc.FrameInterval)
	}
}

func TestLoad_env(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("REFRESH_RATE", "90")
	t.Setenv("BITRATE_POLICY", "multiplicative")
	t.Setenv("BITRATE_UP", "0.05")
	t.Setenv("BITRATE_DOWN", "0.2")
	t.Setenv("BITRATE_USE_FRAMETIME", "true")
	t.Setenv("FOVEATION_ENABLED", "false")
	t.Setenv("ENCODER_CODECS", " h264 , ,hevc ")
	t.Setenv("ENCODER_GOP_LENGTH", "120")
	t.Setenv("PIPELINE_ACK_TIMEOUT", "250ms")
	t.Setenv("RENDER_WIDTH", "not-a-number")

	cfg := Load()
	if cfg.HTTPAddr != ":9000" || cfg.RefreshRate != 90 {
		t.Errorf("HTTPAddr/RefreshRate = %q/%v", cfg.HTTPAddr, cfg.RefreshRate)
	}
	if cfg.RenderWidth != 0 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.RenderWidth)
	}
	if want := []string{"h264", "hevc"}; !reflect.DeepEqual(cfg.Codecs, want) {
		t.Errorf("Codecs = %v, want %v", cfg.Codecs, want)
	}

	bc, err := cfg.BitrateConfig()
	if err != nil {
		t.Fatalf("BitrateConfig: %v", err)
	}
	if bc.Policy != (bitrate.Multiplicative{Up: 0.05, Down: 0.2}) || !bc.UseFrametime {
		t.Errorf("bitrate config = %+v", bc)
	}

	nc := cfg.NegotiatorConfig()
	if nc.FoveationEnabled || nc.RefreshRate != 90 || nc.Tuning.GopLength != 120 {
		t.Errorf("negotiator config = %+v", nc)
	}
	if sc := cfg.SchedulerConfig(); sc.AckTimeout != 250*time.Millisecond {
		t.Errorf("AckTimeout = %v", sc.AckTimeout)
	}
}

func TestValidate_rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min above max", func(c *Config) { c.MinBitrateMbps = 200 }},
		{"unknown policy", func(c *Config) { c.BitratePolicy = "pid" }},
		{"down below up", func(c *Config) { c.BitrateUp, c.BitrateDown = 5, 1 }},
		{"zero refresh", func(c *Config) { c.RefreshRate = 0 }},
		{"bad foveation", func(c *Config) { c.EdgeRatioX = 0.5 }},
		{"no codecs", func(c *Config) { c.Codecs = nil }},
		{"gcs without bucket", func(c *Config) { c.StorageBackend = "gcs" }},
		{"unknown storage", func(c *Config) { c.StorageBackend = "s3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, models.ErrInvalidConfig) {
				t.Errorf("Validate = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestValidate_disabledFoveationSkipsParams(t *testing.T) {
	cfg := Load()
	cfg.FoveationEnabled = false
	cfg.EdgeRatioX = 0.5
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}
}

func TestStreamURL(t *testing.T) {
	cfg := Load()
	tests := map[string]string{
		"http://localhost:8080":   "ws://localhost:8080/stream?token=abc",
		"https://vr.example.com/": "wss://vr.example.com/stream?token=abc",
		"ws://10.0.0.1:8080":      "ws://10.0.0.1:8080/stream?token=abc",
	}
	for base, want := range tests {
		cfg.PublicURL = base
		if got := cfg.StreamURL("abc"); got != want {
			t.Errorf("StreamURL(%q) = %q, want %q", base, got, want)
		}
	}
}

func TestMQTTConfig(t *testing.T) {
	cfg := Load()
	if _, ok := cfg.MQTTConfig(); ok {
		t.Error("telemetry should be disabled without a broker")
	}
	cfg.MQTTBroker = "localhost:1883"
	mc, ok := cfg.MQTTConfig()
	if !ok || mc.Broker != "localhost:1883" || mc.ClientID != "vrlink-host" {
		t.Errorf("MQTTConfig = %+v, %v", mc, ok)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("VRLINK_TEST_DOTENV=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VRLINK_TEST_DOTENV", "")
	os.Unsetenv("VRLINK_TEST_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("VRLINK_TEST_DOTENV"); got != "from-file" {
		t.Errorf("env = %q", got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing file")
	}
}
