package conf

import (
	"time"

	"github.com/relaycache/relay/pkg/mapstruct"
)

// Bootstrap is the root configuration schema, decoded from YAML.
type Bootstrap struct {
	Hostname string    `yaml:"hostname"`
	PidFile  string    `yaml:"pidfile"`
	Logger   *Logger   `yaml:"logger"`
	Server   *Server   `yaml:"server"`
	Upstream *Upstream `yaml:"upstream"`
}

type Logger struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// Server holds the forward-proxy listener configuration. Addr is the
// `host:port` (or `:port`) the proxy listens on — distinct from any
// per-request origin, which is resolved from the client's Host header.
type Server struct {
	Addr      string     `yaml:"addr"`
	Backlog   int        `yaml:"backlog"`
	Admin     *Admin     `yaml:"admin"`
	AccessLog *AccessLog `yaml:"access_log"`
}

// Admin is the separate administrative HTTP surface (metrics, healthz,
// pprof, version) — it never touches proxied traffic.
type Admin struct {
	Addr  string       `yaml:"addr"`
	PProf *ServerPProf `yaml:"pprof"`
}

type ServerPProf struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type AccessLog struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Upstream carries upstream-dialing knobs plus a free-form Features map
// decoded on demand into typed option structs (see DecodeFeatures), an
// extension point for dial-time behavior flags without a schema change.
type Upstream struct {
	ResolveTimeout time.Duration  `yaml:"resolve_timeout"`
	Features       map[string]any `yaml:"features"`
}

// UpstreamFeatures is a typed projection of Upstream.Features, decoded
// via mapstruct.Decode.
type UpstreamFeatures struct {
	PreferIPv4 bool `json:"prefer_ipv4"`
}

// DecodeFeatures decodes u.Features into an UpstreamFeatures struct.
func (u *Upstream) DecodeFeatures() (UpstreamFeatures, error) {
	var f UpstreamFeatures
	if u == nil || len(u.Features) == 0 {
		return f, nil
	}
	err := mapstruct.Decode(u.Features, &f)
	return f, err
}

// Default returns a Bootstrap populated with the defaults merged
// underneath any loaded file (see contrib/config's Scan and its
// dario.cat/mergo usage).
func Default() *Bootstrap {
	return &Bootstrap{
		Hostname: "",
		PidFile:  "/var/run/relay.pid",
		Logger: &Logger{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		},
		Server: &Server{
			Addr:    ":8080",
			Backlog: 50,
			Admin: &Admin{
				Addr:  ":8081",
				PProf: &ServerPProf{},
			},
			AccessLog: &AccessLog{Enabled: true},
		},
		Upstream: &Upstream{
			ResolveTimeout: 5 * time.Second,
		},
	}
}
