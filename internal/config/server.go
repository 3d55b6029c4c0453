// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do twgate-server.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do twgate-server.
type ServerConfig struct {
	Server        ServerListen        `yaml:"server"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Games         GamesConfig         `yaml:"games"`
	Logging       LoggingInfo         `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Archive       ArchiveConfig       `yaml:"archive"`
	TLS           TLSServer           `yaml:"tls"`
}

// ServerListen contém o endereço de escuta da API HTTP.
type ServerListen struct {
	Listen       string        `yaml:"listen"`        // default: "0.0.0.0:8000"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 120s (cobre o deadline de exchange)
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
}

// RuntimeConfig configura o daemon de containers e o worker.
type RuntimeConfig struct {
	Image         string   `yaml:"image"`          // default: "twgate-worker:latest"
	DataVolume    string   `yaml:"data_volume"`    // "host:container:mode", default mode ro
	WorkerVolume  string   `yaml:"worker_volume"`  // idem
	WorkerCommand []string `yaml:"worker_command"` // default: ["python", "-u", "/worker/worker.py"]
	StartRate     float64  `yaml:"start_rate"`     // containers/s (default: 8)
	StartBurst    int      `yaml:"start_burst"`    // default: 4
	SweepSchedule string   `yaml:"sweep_schedule"` // cron de reconciliação de órfãos (default: "@every 5m")

	// Parsed são preenchidos em validate(); não vêm do YAML.
	ParsedData   Volume `yaml:"-"`
	ParsedWorker Volume `yaml:"-"`
}

// SessionsConfig configura admissão, batching e expiração de sessões.
type SessionsConfig struct {
	MaxSessions     int           `yaml:"max_sessions"`     // default: 64
	BatchWindow     time.Duration `yaml:"batch_window"`     // default: 50ms
	IdleTimeout     time.Duration `yaml:"idle_timeout"`     // default: 120s
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"` // default: 60s
	ReapInterval    time.Duration `yaml:"reap_interval"`    // default: 60s
}

// GamesConfig aponta para o YAML de descoberta de jogos.
type GamesConfig struct {
	Config string `yaml:"config"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // vazio = apenas stdout

	// SessionDir habilita um arquivo de log dedicado por sessão
	// ({dir}/{session_id}.log). Vazio desabilita.
	SessionDir string `yaml:"session_dir"`
}

// ObservabilityConfig configura os endpoints de observabilidade.
type ObservabilityConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowOrigins   []string `yaml:"allow_origins"`    // IP ou CIDR (deny-by-default)
	EventsFile     string   `yaml:"events_file"`      // default: "events.jsonl"
	EventsMaxLines int      `yaml:"events_max_lines"` // default: 10000
	HistorySize    int      `yaml:"history_size"`     // default: 500

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// ArchiveConfig configura o arquivamento de transcripts de sessões finalizadas.
type ArchiveConfig struct {
	Enabled bool     `yaml:"enabled"`
	Dir     string   `yaml:"dir"`   // spool local (default: "/var/lib/twgate/archive")
	Codec   string   `yaml:"codec"` // gzip|zst (default: zst)
	S3      S3Config `yaml:"s3"`
}

// S3Config configura o upload opcional dos transcripts para um bucket S3.
// Bucket vazio mantém o arquivamento apenas local.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // vazio = AWS
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// TLSServer contém os caminhos dos certificados do listener HTTPS (opcional).
// ClientCA habilita mTLS quando presente.
type TLSServer struct {
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
	ClientCA   string `yaml:"client_ca"`
}

// Enabled indica se o listener deve subir com TLS.
func (t TLSServer) Enabled() bool {
	return t.ServerCert != "" && t.ServerKey != ""
}

// FileExtension retorna a extensão dos transcripts arquivados neste codec.
func (a ArchiveConfig) FileExtension() string {
	switch a.Codec {
	case "gzip":
		return ".jsonl.gz"
	default:
		return ".jsonl.zst"
	}
}

// Volume representa um bind mount "host:container:mode".
type Volume struct {
	Host      string
	Container string
	Mode      string
}

// ParseVolume interpreta uma spec "host:container" ou "host:container:mode",
// expandindo ~ e variáveis de ambiente no lado host. Mode default é "ro".
func ParseVolume(s string) (Volume, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Volume{}, fmt.Errorf("volume %q must be host:container[:mode]", s)
	}

	host := expandPath(parts[0])
	container := parts[1]
	mode := "ro"
	if len(parts) == 3 && parts[2] != "" {
		mode = parts[2]
	}

	if host == "" || container == "" {
		return Volume{}, fmt.Errorf("volume %q has empty host or container path", s)
	}
	if !filepath.IsAbs(container) {
		return Volume{}, fmt.Errorf("volume %q: container path must be absolute", s)
	}
	if mode != "ro" && mode != "rw" {
		return Volume{}, fmt.Errorf("volume %q: mode must be ro or rw, got %q", s, mode)
	}

	return Volume{Host: host, Container: container, Mode: mode}, nil
}

// Bind retorna a spec no formato aceito pelo daemon.
func (v Volume) Bind() string {
	return v.Host + ":" + v.Container + ":" + v.Mode
}

// ContainerPath traduz um path do host para o path visível dentro do
// container, por substituição de prefixo. Um path fora do mount passa
// inalterado; o init do worker falha então com container-error, que é a
// superfície pretendida para configuração errada.
func (v Volume) ContainerPath(hostPath string) string {
	rel, err := filepath.Rel(v.Host, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return hostPath
	}
	return filepath.Join(v.Container, rel)
}

// expandPath expande variáveis de ambiente e o prefixo ~ do usuário.
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// DefaultServerConfig retorna uma configuração apenas com defaults aplicados.
// Usada quando o server sobe sem arquivo de configuração, só com flags.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	// Defaults são aplicados por Validate; games.config fica por conta das flags.
	cfg.Games.Config = "configs/games.yaml"
	if err := cfg.Validate(); err != nil {
		panic("default server config must validate: " + err.Error())
	}
	return cfg
}

// Validate aplica defaults e verifica a consistência da configuração.
// Exportado porque o main aplica overrides de flags antes de revalidar.
func (c *ServerConfig) Validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:8000"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Runtime.Image == "" {
		c.Runtime.Image = "twgate-worker:latest"
	}
	if c.Runtime.DataVolume == "" {
		c.Runtime.DataVolume = "~/.cache/twgate:/data:ro"
	}
	if c.Runtime.WorkerVolume == "" {
		c.Runtime.WorkerVolume = "/opt/twgate/worker:/worker:ro"
	}
	if len(c.Runtime.WorkerCommand) == 0 {
		c.Runtime.WorkerCommand = []string{"python", "-u", "/worker/worker.py"}
	}
	if c.Runtime.StartRate <= 0 {
		c.Runtime.StartRate = 8
	}
	if c.Runtime.StartBurst <= 0 {
		c.Runtime.StartBurst = 4
	}
	if c.Runtime.SweepSchedule == "" {
		c.Runtime.SweepSchedule = "@every 5m"
	}

	parsed, err := ParseVolume(c.Runtime.DataVolume)
	if err != nil {
		return fmt.Errorf("runtime.data_volume: %w", err)
	}
	c.Runtime.ParsedData = parsed

	parsed, err = ParseVolume(c.Runtime.WorkerVolume)
	if err != nil {
		return fmt.Errorf("runtime.worker_volume: %w", err)
	}
	c.Runtime.ParsedWorker = parsed

	if c.Sessions.MaxSessions <= 0 {
		c.Sessions.MaxSessions = 64
	}
	if c.Sessions.BatchWindow <= 0 {
		c.Sessions.BatchWindow = 50 * time.Millisecond
	}
	if c.Sessions.IdleTimeout <= 0 {
		c.Sessions.IdleTimeout = 120 * time.Second
	}
	if c.Sessions.ExchangeTimeout <= 0 {
		c.Sessions.ExchangeTimeout = 60 * time.Second
	}
	if c.Sessions.ReapInterval <= 0 {
		c.Sessions.ReapInterval = 60 * time.Second
	}

	if c.Games.Config == "" {
		return fmt.Errorf("games.config is required")
	}
	c.Games.Config = expandPath(c.Games.Config)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Observability.Enabled {
		if c.Observability.EventsFile == "" {
			c.Observability.EventsFile = "events.jsonl"
		}
		if c.Observability.EventsMaxLines <= 0 {
			c.Observability.EventsMaxLines = 10000
		}
		if c.Observability.HistorySize <= 0 {
			c.Observability.HistorySize = 500
		}
		if len(c.Observability.AllowOrigins) == 0 {
			return fmt.Errorf("observability.allow_origins is required when observability is enabled (deny-by-default)")
		}
		c.Observability.ParsedCIDRs = nil
		for _, origin := range c.Observability.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				// Tenta como IP único → converte para /32 ou /128
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("observability.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Observability.ParsedCIDRs = append(c.Observability.ParsedCIDRs, cidr)
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Dir == "" {
			c.Archive.Dir = "/var/lib/twgate/archive"
		}
		c.Archive.Dir = expandPath(c.Archive.Dir)
		if c.Archive.Codec == "" {
			c.Archive.Codec = "zst"
		}
		c.Archive.Codec = strings.ToLower(strings.TrimSpace(c.Archive.Codec))
		if c.Archive.Codec != "gzip" && c.Archive.Codec != "zst" {
			return fmt.Errorf("archive.codec must be gzip or zst, got %q", c.Archive.Codec)
		}
		if c.Archive.S3.Bucket != "" && c.Archive.S3.Region == "" && c.Archive.S3.Endpoint == "" {
			return fmt.Errorf("archive.s3.region or archive.s3.endpoint is required when a bucket is set")
		}
	}

	if (c.TLS.ServerCert == "") != (c.TLS.ServerKey == "") {
		return fmt.Errorf("tls.server_cert and tls.server_key must be set together")
	}

	return nil
}
