// Package gateway accepts run requests over HTTP and queues them for workers.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/saltstep/internal/serverutil"
	"github.com/andrej220/saltstep/pkg/lg"
	datamodels "github.com/andrej220/saltstep/pkg/shared-models"
	"github.com/andrej220/saltstep/pkg/tokenizer"
)

const (
	Path           = "/runs"
	publishTimeout = 30 * time.Second
)

// Publisher queues a request; *producer.Producer[datamodels.RunRequest]
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, key []byte, req datamodels.RunRequest) error
}

type Accepted struct {
	RequestID uuid.UUID `json:"requestId"`
}

type handler struct {
	publisher Publisher
	logger    lg.Logger
}

// NewHandler returns the HTTP handler serving Path.
func NewHandler(p Publisher, logger lg.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, serverutil.NewValidationHandler[datamodels.RunRequest](&handler{publisher: p, logger: logger}))
	return mux
}

func (h *handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFromContext[datamodels.RunRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	if _, _, err := tokenizer.Split(req.Command); err != nil {
		http.Error(rw, "Invalid command: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.RequestID = uuid.New()

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()
	if err := h.publisher.Publish(ctx, req.RequestID[:], req); err != nil {
		h.logger.Error("cannot queue run request", lg.String("request", req.RequestID.String()), lg.Err(err))
		http.Error(rw, "Failed to queue request", http.StatusServiceUnavailable)
		return
	}
	h.logger.Info("run request queued", lg.String("request", req.RequestID.String()), lg.String("target", req.Target))

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(rw).Encode(Accepted{RequestID: req.RequestID}); err != nil {
		h.logger.Warn("cannot encode response", lg.Err(err))
	}
}
