package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/git-hunters/githunters/internal/chain"
	"github.com/git-hunters/githunters/internal/database"
	svcerrors "github.com/git-hunters/githunters/internal/errors"
	"github.com/git-hunters/githunters/internal/httputil"
)

var errChainUnavailable = svcerrors.Unavailable("chain RPC not configured")

func errNotFound(resource, id string) error {
	return svcerrors.NotFound(resource, id)
}

func errMethodNotAllowed(method string) error {
	return &svcerrors.ServiceError{
		Code:       svcerrors.CodeBadRequest,
		Message:    "method " + method + " not allowed",
		HTTPStatus: http.StatusMethodNotAllowed,
	}
}

// toServiceError maps domain and chain errors onto API errors. Anything
// unrecognised is an internal error.
func toServiceError(err error) *svcerrors.ServiceError {
	if se := svcerrors.GetServiceError(err); se != nil {
		return se
	}
	switch {
	case errors.Is(err, chain.ErrNoSigner):
		return svcerrors.Unavailable("operator signer not configured")
	case errors.Is(err, chain.ErrTxReverted):
		return svcerrors.Reverted(err)
	case errors.Is(err, chain.ErrWouldRevert):
		return svcerrors.Reverted(err).WithDetails("reason", "gas estimation failed")
	case errors.Is(err, chain.ErrTxTimeout):
		return svcerrors.Timeout("timed out waiting for transaction receipt", err)
	case errors.Is(err, chain.ErrBountyNotFound):
		return svcerrors.NotFound("bounty", "")
	case database.IsNotFound(err):
		return svcerrors.NotFound("record", "")
	case errors.Is(err, context.DeadlineExceeded):
		return svcerrors.Timeout("request timed out", err)
	default:
		return svcerrors.Internal("internal server error", err)
	}
}

// chainError maps errors of chain calls; unrecognised failures are treated
// as upstream RPC errors.
func chainError(err error) error {
	se := toServiceError(err)
	if se.Code == svcerrors.CodeInternal {
		return svcerrors.Upstream("chain", err)
	}
	return se
}

// fail logs err with request context and writes the error envelope.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	se := toServiceError(err)
	entry := s.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": se.HTTPStatus,
		"code":   se.Code,
	})
	if se.Err != nil {
		entry = entry.WithError(se.Err)
	}
	if se.HTTPStatus >= http.StatusInternalServerError {
		entry.Error(se.Message)
	} else {
		entry.Debug(se.Message)
	}
	httputil.WriteError(w, se)
}
