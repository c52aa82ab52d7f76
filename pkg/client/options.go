package client

import (
	"time"

	"github.com/db-incubator/asyncmysql/pkg/util/datastructure"
	"github.com/pingcap/errors"
)

// Compression codecs the driver side understands.
const (
	CompressionZlib = "zlib"
	CompressionZstd = "zstd"
	CompressionLz4  = "lz4"
)

var supportedCompression = datastructure.StringSliceToSet([]string{
	CompressionZlib,
	CompressionZstd,
	CompressionLz4,
})

var ErrUnknownCompression = errors.New("unknown compression codec")

// CertValidatorCallback is invoked during the TLS handshake with the server
// certificate and the configured context. Returning ok=false fails the
// handshake; errMsg, if non-empty, is surfaced to the driver.
type CertValidatorCallback func(cert interface{}, context interface{}) (ok bool, errMsg string)

// ConnectCallback fires exactly once when a ConnectOperation completes.
type ConnectCallback func(op *ConnectOperation)

const (
	defaultConnectTimeout  = 1 * time.Second
	defaultConnectAttempts = 1
	// default TCP-handshake sub-timeout; 0 disables the sub-timer
	defaultTCPTimeout = 0 * time.Millisecond
)

// ConnectionOptions is the configuration record of one connect attempt
// sequence and the connection that survives it. Options are frozen once the
// owning operation leaves Unstarted; the operation setters enforce that.
type ConnectionOptions struct {
	timeout           time.Duration
	totalTimeout      time.Duration
	queryTimeout      time.Duration
	connectTcpTimeout time.Duration
	connectAttempts   uint32
	attributes        map[string]string
	compression       string
	sslProvider       SSLOptionsProvider
	sniServerName     string
	dscp              *uint8

	certValidationCb      CertValidatorCallback
	certValidationContext interface{}
	opPtrAsCertContext    bool

	resetConnBeforeClose bool
	delayedResetConn     bool
	changeUserMode       bool
}

func NewConnectionOptions() *ConnectionOptions {
	return &ConnectionOptions{
		timeout:           defaultConnectTimeout,
		connectTcpTimeout: defaultTCPTimeout,
		connectAttempts:   defaultConnectAttempts,
		attributes:        make(map[string]string),
	}
}

func (o *ConnectionOptions) SetTimeout(t time.Duration) *ConnectionOptions {
	o.timeout = t
	return o
}

func (o *ConnectionOptions) SetTotalTimeout(t time.Duration) *ConnectionOptions {
	o.totalTimeout = t
	return o
}

func (o *ConnectionOptions) SetQueryTimeout(t time.Duration) *ConnectionOptions {
	o.queryTimeout = t
	return o
}

func (o *ConnectionOptions) SetConnectTcpTimeout(t time.Duration) *ConnectionOptions {
	o.connectTcpTimeout = t
	return o
}

func (o *ConnectionOptions) SetConnectAttempts(n uint32) *ConnectionOptions {
	if n < 1 {
		n = 1
	}
	o.connectAttempts = n
	return o
}

func (o *ConnectionOptions) SetAttribute(key, value string) *ConnectionOptions {
	o.attributes[key] = value
	return o
}

func (o *ConnectionOptions) SetAttributes(attrs map[string]string) *ConnectionOptions {
	for k, v := range attrs {
		o.attributes[k] = v
	}
	return o
}

func (o *ConnectionOptions) SetCompression(codec string) error {
	if _, ok := supportedCompression[codec]; !ok {
		return errors.WithMessage(ErrUnknownCompression, codec)
	}
	o.compression = codec
	return nil
}

func (o *ConnectionOptions) SetSSLOptionsProvider(p SSLOptionsProvider) *ConnectionOptions {
	o.sslProvider = p
	return o
}

func (o *ConnectionOptions) SetSniServerName(name string) *ConnectionOptions {
	o.sniServerName = name
	return o
}

func (o *ConnectionOptions) SetDscp(dscp uint8) error {
	if dscp > 63 {
		return errors.Errorf("dscp value %d out of range", dscp)
	}
	d := dscp
	o.dscp = &d
	return nil
}

// SetCertValidationCallback installs cb. When opPtrAsContext is set the
// operation itself is handed to cb as the context instead of context.
func (o *ConnectionOptions) SetCertValidationCallback(cb CertValidatorCallback, context interface{}, opPtrAsContext bool) *ConnectionOptions {
	o.certValidationCb = cb
	o.certValidationContext = context
	o.opPtrAsCertContext = opPtrAsContext
	return o
}

func (o *ConnectionOptions) EnableResetConnBeforeClose() *ConnectionOptions {
	o.resetConnBeforeClose = true
	return o
}

func (o *ConnectionOptions) EnableDelayedResetConn() *ConnectionOptions {
	o.delayedResetConn = true
	return o
}

func (o *ConnectionOptions) EnableChangeUser() *ConnectionOptions {
	o.changeUserMode = true
	return o
}

func (o *ConnectionOptions) Timeout() time.Duration           { return o.timeout }
func (o *ConnectionOptions) QueryTimeout() time.Duration      { return o.queryTimeout }
func (o *ConnectionOptions) ConnectTcpTimeout() time.Duration { return o.connectTcpTimeout }
func (o *ConnectionOptions) ConnectAttempts() uint32          { return o.connectAttempts }
func (o *ConnectionOptions) Attributes() map[string]string    { return o.attributes }
func (o *ConnectionOptions) Compression() string              { return o.compression }
func (o *ConnectionOptions) SSLProvider() SSLOptionsProvider  { return o.sslProvider }
func (o *ConnectionOptions) SniServerName() string            { return o.sniServerName }
func (o *ConnectionOptions) Dscp() (uint8, bool) {
	if o.dscp == nil {
		return 0, false
	}
	return *o.dscp, true
}
func (o *ConnectionOptions) CertValidationCallback() CertValidatorCallback { return o.certValidationCb }
func (o *ConnectionOptions) CertValidationContext() interface{}            { return o.certValidationContext }
func (o *ConnectionOptions) OpPtrAsCertContext() bool                      { return o.opPtrAsCertContext }
func (o *ConnectionOptions) ResetConnBeforeClose() bool                    { return o.resetConnBeforeClose }
func (o *ConnectionOptions) DelayedResetConn() bool                        { return o.delayedResetConn }
func (o *ConnectionOptions) ChangeUserMode() bool                          { return o.changeUserMode }

// TotalTimeout is the budget across all connect attempts. When unset it
// defaults to attempts * per-attempt timeout.
func (o *ConnectionOptions) TotalTimeout() time.Duration {
	if o.totalTimeout > 0 {
		return o.totalTimeout
	}
	return time.Duration(o.connectAttempts) * o.timeout
}

// Clone deep-copies o so the operation can freeze its own copy at Run time.
func (o *ConnectionOptions) Clone() *ConnectionOptions {
	copied := *o
	copied.attributes = make(map[string]string, len(o.attributes))
	for k, v := range o.attributes {
		copied.attributes[k] = v
	}
	if o.dscp != nil {
		d := *o.dscp
		copied.dscp = &d
	}
	return &copied
}
