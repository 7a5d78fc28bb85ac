package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/khipu/wallet-service/internal/domain"
)

const streamHeartbeat = 15 * time.Second

type streamEvent struct {
	name string
	data interface{}
}

// StreamHandler pushes the session's balance and history as server-sent
// events: the current state first, then the full state after every change.
func (h *Handlers) StreamHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "internal", Error: "Streaming unsupported"})
		return
	}

	ctx := r.Context()
	events := make(chan streamEvent, 8)
	push := func(ev streamEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	userSub, err := h.service.SubscribeUser(ctx, session, func(user domain.User) {
		push(streamEvent{name: "user", data: user})
	})
	if err != nil {
		h.writeServiceError(w, r, "stream", err)
		return
	}
	defer userSub.Close()

	txSub, err := h.service.SubscribeTransactions(ctx, session, func(txs []domain.Transaction) {
		push(streamEvent{name: "transactions", data: transactionsResponse{Transactions: txs}})
	})
	if err != nil {
		h.writeServiceError(w, r, "stream", err)
		return
	}
	defer txSub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			payload, err := json.Marshal(ev.data)
			if err != nil {
				h.logger.WithError(err).WithField("event", ev.name).Error("failed to encode stream event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
