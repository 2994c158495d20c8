package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	ErrNotFound           = errors.New("blob: not found")
	ErrUnauthorized       = errors.New("blob: unauthorized")
	ErrPreconditionFailed = errors.New("blob: precondition failed")
	ErrTransient          = errors.New("blob: transient failure")
)

// Error is a failed store operation. Kind is one of the package sentinels and
// Err is the underlying cause; errors.Is matches either.
type Error struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("blob.%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("blob.%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newError(op, key string, kind, err error) *Error {
	return &Error{Op: op, Key: key, Kind: kind, Err: err}
}

// IsNotFound reports whether err is a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFatal reports whether err must abort the current sync attempt. Only a
// missing key is recoverable.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}

// classify maps an SDK error onto one of the sentinels.
func classify(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "Forbidden", "Unauthorized":
			return ErrUnauthorized
		case "PreconditionFailed", "ConditionalRequestConflict":
			return ErrPreconditionFailed
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrUnauthorized
		case http.StatusPreconditionFailed, http.StatusConflict:
			return ErrPreconditionFailed
		}
	}

	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return ErrTransient
}
