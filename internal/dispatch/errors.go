package dispatch

import "errors"

// Store errors.
var (
	ErrRecordNotFound = errors.New("dispatch record not found")
	// ErrNotClaimable is returned when a claim finds the record already
	// claimed or otherwise ineligible. Not an error condition for workers:
	// the loser drops the record for this pass.
	ErrNotClaimable   = errors.New("record already claimed or not eligible")
	ErrNotProcessing  = errors.New("record is not processing")
	ErrNotCancellable = errors.New("record cannot be cancelled from its current status")
	ErrNotPausable    = errors.New("record cannot be paused from its current status")
	ErrNotPaused      = errors.New("record is not paused")
)

// Service errors.
var (
	ErrUnknownChannel      = errors.New("unknown delivery channel")
	ErrMissingRecipient    = errors.New("missing recipient for requested channel")
	ErrChannelNotRequested = errors.New("channel was not requested for this record")
	ErrNoSender            = errors.New("no sender configured for channel")
)
