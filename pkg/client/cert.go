package client

import (
	"sync"

	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
)

// The driver-level certificate hook outlives any particular operation, so it
// cannot hold the operation directly: a handle table stands in for the weak
// back-reference. Validation against a handle whose operation has already
// completed fails safely.
var certRegistry = struct {
	sync.Mutex
	ops  map[uint64]*ConnectOperation
	next uint64
}{ops: make(map[uint64]*ConnectOperation)}

func registerCertOperation(op *ConnectOperation) uint64 {
	certRegistry.Lock()
	defer certRegistry.Unlock()
	certRegistry.next++
	handle := certRegistry.next
	certRegistry.ops[handle] = op
	return handle
}

func deregisterCertOperation(handle uint64) {
	certRegistry.Lock()
	defer certRegistry.Unlock()
	delete(certRegistry.ops, handle)
}

func lookupCertOperation(handle uint64) *ConnectOperation {
	certRegistry.Lock()
	defer certRegistry.Unlock()
	return certRegistry.ops[handle]
}

func (op *ConnectOperation) installCertValidator() {
	op.certHandle = registerCertOperation(op)
	handle := op.certHandle
	op.conn.internal.SetCertValidator(func(cert interface{}) (int, string) {
		return validateCertForHandle(handle, cert)
	})
}

func (op *ConnectOperation) deregisterCertValidator() {
	if op.certHandle != 0 {
		deregisterCertOperation(op.certHandle)
		op.certHandle = 0
	}
}

// validateCertForHandle bridges the driver's raw callback onto the user's
// CertValidatorCallback. The driver expects 0 for a valid certificate and 1
// for a rejected one.
func validateCertForHandle(handle uint64, cert interface{}) (int, string) {
	op := lookupCertOperation(handle)
	if op == nil {
		logutil.BgLogger().Error("cert validation against released operation",
			zap.Uint64("handle", handle))
		return 1, "connect operation already released"
	}

	cb := op.opts.CertValidationCallback()
	if cb == nil {
		return 1, "no cert validation callback installed"
	}
	context := op.opts.CertValidationContext()
	if op.opts.OpPtrAsCertContext() {
		context = op
	}

	ok, errMsg := cb(cert, context)
	if ok {
		return 0, errMsg
	}
	return 1, errMsg
}
