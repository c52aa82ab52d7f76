package config

// Profile is one named connection target: endpoint, credentials and the
// per-connection options that override the client defaults.
type Profile struct {
	Version  string          `yaml:"version"`
	Profile  string          `yaml:"profile"`
	Endpoint Endpoint        `yaml:"endpoint"`
	Options  ProfileOptions  `yaml:"options"`
	Security ProfileSecurity `yaml:"security"`
}

type Endpoint struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	UnixSocketPath string `yaml:"unix_socket_path"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
}

type ProfileOptions struct {
	ConnectTimeoutMs     int               `yaml:"connect_timeout_ms"`
	ConnectAttempts      int               `yaml:"connect_attempts"`
	TotalTimeoutMs       int               `yaml:"total_timeout_ms"`
	ConnectTcpTimeoutMs  int               `yaml:"connect_tcp_timeout_ms"`
	QueryTimeoutMs       int               `yaml:"query_timeout_ms"`
	Compression          string            `yaml:"compression"`
	Attributes           map[string]string `yaml:"attributes"`
	Dscp                 int               `yaml:"dscp"`
	ResetConnBeforeClose bool              `yaml:"reset_conn_before_close"`
	DelayedResetConn     bool              `yaml:"delayed_reset_conn"`
	ChangeUserMode       bool              `yaml:"change_user_mode"`
	KillOnQueryTimeout   bool              `yaml:"kill_on_query_timeout"`
}

type ProfileSecurity struct {
	SniServerName string `yaml:"sni_server_name"`
}
