package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

func TestStatusOfWrappedError(t *testing.T) {
	err := fmt.Errorf("approve: %w", LimitExceeded("license limit reached", nil))

	require.Equal(t, StatusLimitExceeded, StatusOf(err))
	require.True(t, Is(err, StatusLimitExceeded))
	require.False(t, Is(err, StatusConflict))
	require.Equal(t, StatusUnknown, StatusOf(errors.New("plain")))
	require.Equal(t, CoreStatus(""), StatusOf(nil))
}

func TestConstructorsKeepCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal("failed to save", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
}

func TestHTTPAndGRPCMapping(t *testing.T) {
	cases := []struct {
		status CoreStatus
		http   int
		grpc   codes.Code
	}{
		{StatusNotFound, http.StatusNotFound, codes.NotFound},
		{StatusLimitExceeded, http.StatusTooManyRequests, codes.ResourceExhausted},
		{StatusPaymentRequired, http.StatusPaymentRequired, codes.FailedPrecondition},
		{StatusHardwareMismatch, http.StatusForbidden, codes.PermissionDenied},
		{StatusIPNotAllowed, http.StatusForbidden, codes.PermissionDenied},
		{StatusLicenseExpired, http.StatusGone, codes.FailedPrecondition},
		{StatusConflict, http.StatusConflict, codes.Aborted},
		{StatusValidationFailed, http.StatusBadRequest, codes.InvalidArgument},
		{StatusStorageUnavailable, http.StatusServiceUnavailable, codes.Unavailable},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			require.Equal(t, tc.http, tc.status.HTTPStatus())
			require.Equal(t, tc.grpc, tc.status.GRPCCode())
		})
	}
}

func TestToGRPCError(t *testing.T) {
	err := ToGRPCError(HardwareMismatch("fingerprint differs", nil))
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	require.Equal(t, codes.Canceled, status.Code(ToGRPCError(context.Canceled)))
	require.Nil(t, ToGRPCError(nil))

	err = ToGRPCError(ValidationFailed("invalid request", nil, WithDetails(Detail{Field: "user_id", Message: "required"})))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), "user_id: required")

	err = ToGRPCError(errors.New("dial tcp: secret dsn"))
	require.Equal(t, codes.Internal, status.Code(err))
	require.NotContains(t, status.Convert(err).Message(), "secret")
}

func TestFromStorage(t *testing.T) {
	require.Nil(t, FromStorage("noop", nil))
	require.True(t, Is(FromStorage("missing", gorm.ErrRecordNotFound), StatusNotFound))
	require.True(t, Is(FromStorage("dup", errors.New("UNIQUE constraint failed: licenses.request_id")), StatusConflict))
	require.True(t, Is(FromStorage("down", context.DeadlineExceeded), StatusStorageUnavailable))
	require.True(t, Is(FromStorage("busy", errors.New("database is locked")), StatusStorageUnavailable))
	require.True(t, Is(FromStorage("other", errors.New("syntax error")), StatusInternal))

	domain := PaymentRequired("payment missing", nil)
	require.Equal(t, domain, FromStorage("wrap", domain))
}

func TestRetryable(t *testing.T) {
	require.True(t, StatusConflict.Retryable())
	require.True(t, StatusStorageUnavailable.Retryable())
	require.False(t, StatusLimitExceeded.Retryable())
}
