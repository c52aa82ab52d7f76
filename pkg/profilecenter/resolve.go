package profilecenter

import (
	"time"

	"github.com/db-incubator/asyncmysql/pkg/client"
	"github.com/db-incubator/asyncmysql/pkg/config"
	"github.com/pingcap/errors"
)

// Resolve turns a profile plus the client defaults into the key and options
// a ConnectOperation consumes.
func Resolve(profile *config.Profile, defaults config.Defaults) (*client.ConnectionKey, *client.ConnectionOptions, error) {
	key := client.NewConnectionKey(client.ConnectionKeyParams{
		Host:           profile.Endpoint.Host,
		Port:           profile.Endpoint.Port,
		UnixSocketPath: profile.Endpoint.UnixSocketPath,
		User:           profile.Endpoint.Username,
		Database:       profile.Endpoint.Database,
		Password:       profile.Endpoint.Password,
	})

	opts := client.NewConnectionOptions()
	opts.SetTimeout(pickMs(profile.Options.ConnectTimeoutMs, defaults.ConnectTimeoutMs))
	if total := pickMs(profile.Options.TotalTimeoutMs, defaults.TotalTimeoutMs); total > 0 {
		opts.SetTotalTimeout(total)
	}
	if qt := pickMs(profile.Options.QueryTimeoutMs, defaults.QueryTimeoutMs); qt > 0 {
		opts.SetQueryTimeout(qt)
	}
	if tcp := pickMs(profile.Options.ConnectTcpTimeoutMs, defaults.ConnectTcpTimeoutMs); tcp > 0 {
		opts.SetConnectTcpTimeout(tcp)
	}
	attempts := profile.Options.ConnectAttempts
	if attempts == 0 {
		attempts = defaults.ConnectAttempts
	}
	if attempts > 0 {
		opts.SetConnectAttempts(uint32(attempts))
	}
	if profile.Options.Compression != "" {
		if err := opts.SetCompression(profile.Options.Compression); err != nil {
			return nil, nil, errors.WithMessage(err, "profile "+profile.Profile)
		}
	}
	if len(profile.Options.Attributes) > 0 {
		opts.SetAttributes(profile.Options.Attributes)
	}
	if profile.Options.Dscp > 0 {
		if err := opts.SetDscp(uint8(profile.Options.Dscp)); err != nil {
			return nil, nil, errors.WithMessage(err, "profile "+profile.Profile)
		}
	}
	if profile.Security.SniServerName != "" {
		opts.SetSniServerName(profile.Security.SniServerName)
	}
	if profile.Options.ResetConnBeforeClose {
		opts.EnableResetConnBeforeClose()
	}
	if profile.Options.DelayedResetConn {
		opts.EnableDelayedResetConn()
	}
	if profile.Options.ChangeUserMode {
		opts.EnableChangeUser()
	}
	return key, opts, nil
}

func pickMs(profileMs, defaultMs int) time.Duration {
	if profileMs > 0 {
		return time.Duration(profileMs) * time.Millisecond
	}
	return time.Duration(defaultMs) * time.Millisecond
}
