package hastate

import (
	"errors"
	"fmt"
)

var (
	ErrShutdown                  = errors.New("node is shutting down")
	ErrNodeIDRequired            = errors.New("node id required")
	ErrDataDirRequired           = errors.New("data dir required")
	ErrElectionTimeInvalid       = errors.New("election time must be greater than zero")
	ErrUnknownConsistencyMode    = errors.New("unknown consistency mode")
	ErrUnknownServerMode         = errors.New("unknown server mode")
	ErrUnknownMessageType        = errors.New("unknown message type")
	ErrIllegalStateTransition    = errors.New("illegal state transition")
	ErrIllegalState              = errors.New("illegal state")
	ErrVotingAlreadyInProgress   = errors.New("voting already in progress")
	ErrProtocolViolation         = errors.New("protocol violation")
	ErrNodeNotConnected          = errors.New("node not connected")
	ErrResponseTimeout           = errors.New("timeout waiting for responses")
	ErrUnknownPeer               = errors.New("unknown peer")
	ErrKeyNotFound               = errors.New("key not found")
	ErrMessageTooShort           = errors.New("message too short")
	ErrChecksumDataTooShort      = errors.New("data too short to contain a checksum")
	ErrChecksumMismatch          = errors.New("checksum mismatch")
	ErrRestartRequired           = errors.New("server restart required")
	ErrVoterRejected             = errors.New("voter rejected")
	ErrUnknownVoter              = errors.New("unknown voter")
	ErrAlreadyStarted            = errors.New("already started")
	ErrSyncSourceMismatch        = errors.New("sync source mismatch")
	ErrMissingCollaborator       = errors.New("group, consistency and persistence are required")
	ErrVoterLimitInvalid         = errors.New("voter limit must be positive or zero")
	ErrSafeStartupDisabled       = errors.New("safe startup is not enabled")
	errElectionFinishedWithoutID = errors.New("election finished without winner")
)

// RestartError is handed to the restart hook when the local node
// must restart, optionally after marking its data as dirty
type RestartError struct {
	// Reason explains why the node must restart
	Reason string

	// DirtyDB is true when the on disk state was marked as dirty
	DirtyDB bool
}

// Error implements the error interface
func (e *RestartError) Error() string {
	return fmt.Sprintf("restarting the server, dirty db %t: %s", e.DirtyDB, e.Reason)
}

// Unwrap allows errors.Is(err, ErrRestartRequired)
func (e *RestartError) Unwrap() error {
	return ErrRestartRequired
}
