package httptransport

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const collectiveEndpoint = "/api/internal/collective/{kind}/{epoch}/{to}"

// createRouter builds the chi router that receives one rank's
// contribution to a collective call from a peer and hands it to the
// matching collector.
func (t *Transport) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Post(collectiveEndpoint, t.handleCollective)
	r.Get("/health", t.handleHealth)
	return r
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) handleCollective(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		http.Error(w, "bad epoch", http.StatusBadRequest)
		return
	}
	to, err := strconv.Atoi(chi.URLParam(r, "to"))
	if err != nil {
		http.Error(w, "bad destination rank", http.StatusBadRequest)
		return
	}
	if to != t.rank {
		// Misrouted delivery — the peer resolved the wrong address for
		// this rank. Not expected in a correctly configured group.
		http.Error(w, "wrong destination rank", http.StatusGone)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	fromRank, localBad, payload, err := decodeEnvelope(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := t.collectorFor(callKey{kind: kind, epoch: epoch}, collectorWant(kind, t.size))
	c.put(fromRank, localBad, payload)

	w.WriteHeader(http.StatusOK)
}

func (t *Transport) startHTTPServer() {
	t.httpServer = &http.Server{
		Addr:    t.listenAddr,
		Handler: t.createRouter(),
	}
	go func() {
		if err := t.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("collective transport server error", "error", err)
		}
	}()
}
