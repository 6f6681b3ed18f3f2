package errors

import (
	"github.com/pingcap/errors"
)

// errors used by the scheduler
var (
	// general errors
	ErrUnknown         = errors.Normalize("unknown error", errors.RFCCodeText("DSCHED:ErrUnknown"))
	ErrInvalidArgument = errors.Normalize("invalid argument: %s", errors.RFCCodeText("DSCHED:ErrInvalidArgument"))
	ErrIllegalState    = errors.Normalize("illegal state: %s", errors.RFCCodeText("DSCHED:ErrIllegalState"))

	// dag and workflow errors
	ErrInvalidDAGExpression = errors.Normalize("invalid dag expression %q: %s", errors.RFCCodeText("DSCHED:ErrInvalidDAGExpression"))
	ErrInvalidDAGNode       = errors.Normalize("invalid dag node %q", errors.RFCCodeText("DSCHED:ErrInvalidDAGNode"))
	ErrWorkflowEdgeNotFound = errors.Normalize("workflow edge not found: %s", errors.RFCCodeText("DSCHED:ErrWorkflowEdgeNotFound"))

	// job manager errors
	ErrJobNotFound        = errors.Normalize("job %d not found", errors.RFCCodeText("DSCHED:ErrJobNotFound"))
	ErrInstanceNotFound   = errors.Normalize("instance %d not found", errors.RFCCodeText("DSCHED:ErrInstanceNotFound"))
	ErrTaskNotFound       = errors.Normalize("task %d not found", errors.RFCCodeText("DSCHED:ErrTaskNotFound"))
	ErrGroupNotFound      = errors.Normalize("group %s not found", errors.RFCCodeText("DSCHED:ErrGroupNotFound"))
	ErrUnknownRetryType   = errors.Normalize("unknown retry type %s of job %d", errors.RFCCodeText("DSCHED:ErrUnknownRetryType"))
	ErrSplitJobFailed     = errors.Normalize("split job %d failed", errors.RFCCodeText("DSCHED:ErrSplitJobFailed"))
	ErrInvalidTriggerType = errors.Normalize("invalid trigger %s value %q", errors.RFCCodeText("DSCHED:ErrInvalidTriggerType"))
	ErrInstanceLockFailed = errors.Normalize("lock instance %d failed", errors.RFCCodeText("DSCHED:ErrInstanceLockFailed"))

	// dispatch and worker errors
	ErrWorkerNotFound     = errors.Normalize("no available worker in group %s", errors.RFCCodeText("DSCHED:ErrWorkerNotFound"))
	ErrHandlerNotFound    = errors.Normalize("job handler %s not found", errors.RFCCodeText("DSCHED:ErrHandlerNotFound"))
	ErrDispatchTaskFailed = errors.Normalize("dispatch task %d to %s failed", errors.RFCCodeText("DSCHED:ErrDispatchTaskFailed"))
	ErrVerifyJobFailed    = errors.Normalize("verify job %d failed", errors.RFCCodeText("DSCHED:ErrVerifyJobFailed"))
	ErrTaskRunnerFull     = errors.Normalize("task runner is full, capacity %d", errors.RFCCodeText("DSCHED:ErrTaskRunnerFull"))
	ErrTaskAlreadyRunning = errors.Normalize("task %d is already running", errors.RFCCodeText("DSCHED:ErrTaskAlreadyRunning"))
	ErrInvalidToken       = errors.Normalize("invalid token for group %s", errors.RFCCodeText("DSCHED:ErrInvalidToken"))

	// rpc and discovery errors
	ErrGrpcBuildConn    = errors.Normalize("dial grpc connection to %s failed", errors.RFCCodeText("DSCHED:ErrGrpcBuildConn"))
	ErrDiscoveryFail    = errors.Normalize("service discovery failed", errors.RFCCodeText("DSCHED:ErrDiscoveryFail"))
	ErrInvalidServerKey = errors.Normalize("invalid server key %q", errors.RFCCodeText("DSCHED:ErrInvalidServerKey"))

	// meta store errors
	ErrMetaNewClientFail = errors.Normalize("create meta client fail", errors.RFCCodeText("DSCHED:ErrMetaNewClientFail"))
	ErrMetaOpFail        = errors.Normalize("meta operation fail", errors.RFCCodeText("DSCHED:ErrMetaOpFail"))
	ErrMetaEntryNotFound = errors.Normalize("meta entry not found", errors.RFCCodeText("DSCHED:ErrMetaEntryNotFound"))

	// config related errors
	ErrConfigParseFlagSet = errors.Normalize("parse config flag set failed", errors.RFCCodeText("DSCHED:ErrConfigParseFlagSet"))
	ErrConfigInvalidFlag  = errors.Normalize("'%s' is an invalid flag", errors.RFCCodeText("DSCHED:ErrConfigInvalidFlag"))
	ErrDecodeConfigFile   = errors.Normalize("decode config file failed", errors.RFCCodeText("DSCHED:ErrDecodeConfigFile"))
	ErrConfigUnknownItem  = errors.Normalize("config contained unknown configuration options: %s", errors.RFCCodeText("DSCHED:ErrConfigUnknownItem"))
	ErrInvalidConfig      = errors.Normalize("invalid config: %s", errors.RFCCodeText("DSCHED:ErrInvalidConfig"))
)

// Wrap wraps err with the normalized rfcError and keeps err as the cause.
func Wrap(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// Is reports whether any error in err's chain carries the code of rfcError.
func Is(err error, rfcError *errors.Error) bool {
	for err != nil {
		if e, ok := err.(*errors.Error); ok && e.RFCCode() == rfcError.RFCCode() {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case interface{ Cause() error }:
			err = x.Cause()
		default:
			return false
		}
	}
	return false
}
