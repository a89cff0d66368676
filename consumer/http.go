package consumer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/tryfix/log"
)

type httpErr struct {
	Err string `json:"error"`
}

type stateHandler struct {
	consumer *Consumer
	logger   log.Logger
}

// MakeStateEndpoints serves a JSON view of the live consumer state on host:
// the current assignment, per-partition positions and client metrics. Meant
// for debugging, runs until the consumer terminates.
func MakeStateEndpoints(host string, consumer *Consumer, logger log.Logger) {
	r := mux.NewRouter()
	h := &stateHandler{consumer: consumer, logger: logger}

	r.HandleFunc(`/assignment`, h.assignment)
	r.HandleFunc(`/positions`, h.positions)
	r.HandleFunc(`/metrics`, h.metrics)

	server := &http.Server{
		Addr:    host,
		Handler: handlers.CORS()(r),
	}

	go func() {
		<-consumer.group.Stopped()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn(err)
		}
	}()

	go func() {
		logger.Info(`Consumer state endpoints starting on ` + host)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err)
		}
	}()
}

func (h *stateHandler) assignment(w http.ResponseWriter, _ *http.Request) {
	tps, err := h.consumer.Assignment()
	if err != nil {
		h.encodeError(w, err)
		return
	}

	var list []string
	for _, tp := range tps {
		list = append(list, tp.String())
	}

	h.encode(w, list)
}

func (h *stateHandler) positions(w http.ResponseWriter, _ *http.Request) {
	tps, err := h.consumer.Assignment()
	if err != nil {
		h.encodeError(w, err)
		return
	}

	positions := map[string]int64{}
	for _, tp := range tps {
		position, err := h.consumer.Position(tp)
		if err != nil {
			h.logger.Warn(err)
			continue
		}
		positions[tp.String()] = position
	}

	h.encode(w, positions)
}

func (h *stateHandler) metrics(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.consumer.Metrics()
	if err != nil {
		h.encodeError(w, err)
		return
	}

	h.encode(w, stats)
}

func (h *stateHandler) encode(w http.ResponseWriter, v interface{}) {
	w.Header().Set(`Content-Type`, `application/json`)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error(err)
	}
}

func (h *stateHandler) encodeError(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusInternalServerError)
	if encErr := json.NewEncoder(w).Encode(httpErr{Err: err.Error()}); encErr != nil {
		h.logger.Error(encErr)
	}
}
