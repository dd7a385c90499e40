package types

import "errors"

var (
	// ErrInvalidVideoID indicates the input could not be reduced to an 11-character video ID.
	ErrInvalidVideoID = errors.New("invalid video id")

	// ErrNoUsableSource indicates every extraction method was exhausted without a playable variant.
	ErrNoUsableSource = errors.New("no usable source")

	// ErrRecordNotFound indicates no persisted record exists for the video ID.
	ErrRecordNotFound = errors.New("record not found")

	// ErrHandleExpired indicates a stored file handle is no longer valid and
	// the blob must be re-acquired before it can be served again.
	ErrHandleExpired = errors.New("file handle expired")

	// ErrUploadTooLarge indicates the payload exceeds the store's hard size ceiling.
	ErrUploadTooLarge = errors.New("upload too large")
)
