package config

// Client is the process-level configuration of the library's tooling: where
// profiles come from, how to log, and whether to expose the status API.
type Client struct {
	Version       string        `yaml:"version"`
	Log           Log           `yaml:"log"`
	StatusServer  StatusServer  `yaml:"status_server"`
	ProfileCenter ProfileCenter `yaml:"profile_center"`
	Defaults      Defaults      `yaml:"defaults"`
}

type StatusServer struct {
	Enable          bool   `yaml:"enable"`
	Addr            string `yaml:"addr"`
	EnableBasicAuth bool   `yaml:"enable_basic_auth"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
}

type Log struct {
	Level   string  `yaml:"level"`
	Format  string  `yaml:"format"`
	LogFile LogFile `yaml:"log_file"`
}

type LogFile struct {
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxDays    int    `yaml:"max_days"`
	MaxBackups int    `yaml:"max_backups"`
}

type ProfileCenter struct {
	Type        string      `yaml:"type"`
	ProfileDir  ProfileDir  `yaml:"profile_dir"`
	ProfileEtcd ProfileEtcd `yaml:"profile_etcd"`
}

type ProfileDir struct {
	Path string `yaml:"path"`
}

type ProfileEtcd struct {
	Addrs       []string `yaml:"addrs,omitempty"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	BasePath    string   `yaml:"base_path"`
	StrictParse bool     `yaml:"strict_parse"`
}

// Defaults apply to every profile that does not override them.
type Defaults struct {
	ConnectTimeoutMs    int `yaml:"connect_timeout_ms"`
	ConnectAttempts     int `yaml:"connect_attempts"`
	TotalTimeoutMs      int `yaml:"total_timeout_ms"`
	ConnectTcpTimeoutMs int `yaml:"connect_tcp_timeout_ms"`
	QueryTimeoutMs      int `yaml:"query_timeout_ms"`
}
