package httpadapter

import (
	"net/http"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

// First match wins; ErrBatchFailed wraps provider errors, so it sits after them.
var errorStatuses = []struct {
	kind   error
	status int
}{
	{domain.ErrInvalidInput, http.StatusBadRequest},
	{domain.ErrDocumentNotFound, http.StatusNotFound},
	{domain.ErrEmbeddingUnavailable, http.StatusServiceUnavailable},
	{domain.ErrTemporary, http.StatusServiceUnavailable},
	{domain.ErrBatchFailed, http.StatusBadGateway},
	{domain.ErrDimensionMismatch, http.StatusInternalServerError},
}

func mapErrorToHTTPStatus(err error) int {
	for _, entry := range errorStatuses {
		if domain.IsKind(err, entry.kind) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}
