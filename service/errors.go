package service

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/LatticeWorks/tether/archive"
	"github.com/LatticeWorks/tether/artifacts"
	"github.com/LatticeWorks/tether/owners"
	"github.com/LatticeWorks/tether/syncer"
	"github.com/LatticeWorks/tether/tkv"
	"github.com/LatticeWorks/tether/transfers"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: message}); err != nil {
		s.logger.Error("could not encode error response", "error", err)
	}
}

// respondError maps the orchestration/storage error taxonomy onto
// user-facing statuses. An offline target is a distinct "unavailable"
// signal, never a generic server fault.
func (s *Service) respondError(w http.ResponseWriter, err error) {
	var (
		fileNotFound     *artifacts.ErrFileNotFound
		invalidPath      *artifacts.ErrInvalidPath
		versionNotFound  *archive.ErrVersionNotFound
		ownerNotFound    *owners.ErrOwnerNotFound
		transferNotFound *transfers.ErrTransferNotFound
		txnConflict      *tkv.ErrConflict
	)

	switch {
	case errors.As(err, &fileNotFound),
		errors.As(err, &versionNotFound),
		errors.As(err, &ownerNotFound),
		errors.As(err, &transferNotFound),
		errors.Is(err, syncer.ErrDriverNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())

	case errors.As(err, &invalidPath),
		errors.Is(err, syncer.ErrNoDraftFiles),
		errors.Is(err, syncer.ErrNoDeployedFiles),
		errors.Is(err, syncer.ErrEmptyDriver),
		errors.Is(err, syncer.ErrDriverTooLarge),
		errors.Is(err, syncer.ErrNoDriverAuthor):
		s.writeError(w, http.StatusBadRequest, err.Error())

	case errors.As(err, &txnConflict):
		s.writeError(w, http.StatusConflict, err.Error())

	case errors.Is(err, syncer.ErrControllerOffline):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())

	default:
		s.logger.Error("internal error serving request", "error", err)
		s.writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}
