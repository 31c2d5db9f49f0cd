package blobscache

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("blob not found")
	ErrUploadDeclined = errors.New("upload declined")
	ErrInvalidDigest  = errors.New("invalid content digest")
)

// ConfirmFunc is asked before content the server does not have yet leaves the
// machine.
type ConfirmFunc func(ctx context.Context, path, serverURL string) (bool, error)

// DeclineUploads is the ConfirmFunc of clients configured without one.
func DeclineUploads(context.Context, string, string) (bool, error) {
	return false, nil
}

// ApproveUploads approves every upload. Only for callers that opted in.
func ApproveUploads(context.Context, string, string) (bool, error) {
	return true, nil
}

type AddResponse struct {
	SHA256 string `json:"sha256"`
}
