package mock

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler отдаёт сервер по HTTP в формате REST API v3 магазина.
// Пустые key/secret отключают проверку Basic Auth.
func (s *Server) Handler(key, secret string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /wp-json/wc/v3/orders", func(w http.ResponseWriter, r *http.Request) {
		var input domain.RemoteOrderInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "rest_invalid_json", err.Error())
			return
		}
		order, err := s.CreateOrder(r.Context(), input)
		respond(w, http.StatusCreated, order, err)
	})
	mux.HandleFunc("PUT /wp-json/wc/v3/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var input domain.RemoteOrderInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "rest_invalid_json", err.Error())
			return
		}
		order, err := s.UpdateOrder(r.Context(), id, input)
		respond(w, http.StatusOK, order, err)
	})
	mux.HandleFunc("GET /wp-json/wc/v3/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		order, err := s.GetOrder(r.Context(), id)
		respond(w, http.StatusOK, order, err)
	})
	mux.HandleFunc("GET /wp-json/wc/v3/orders", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := domain.RemoteOrderFilter{}
		if raw := q.Get("status"); raw != "" {
			filter.Statuses = strings.Split(raw, ",")
		}
		if raw := q.Get("modified_after"); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "rest_invalid_param", "modified_after")
				return
			}
			filter.ModifiedAfter = ts
		}
		filter.Search = q.Get("search")
		filter.Page, _ = strconv.Atoi(q.Get("page"))
		filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

		orders, err := s.ListOrders(r.Context(), filter)
		respond(w, http.StatusOK, orders, err)
	})

	if key == "" && secret == "" {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != key || pass != secret {
			writeError(w, http.StatusUnauthorized, "woocommerce_rest_cannot_view", "invalid credentials")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "rest_invalid_param", "id")
		return 0, false
	}
	return id, true
}

func respond(w http.ResponseWriter, status int, body any, err error) {
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "woocommerce_rest_shop_order_invalid_id", "Invalid ID.")
	case errors.Is(err, ErrUnknownLine):
		writeError(w, http.StatusBadRequest, "woocommerce_rest_invalid_line_item", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: message})
}
