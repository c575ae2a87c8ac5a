package mock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// Order is the fake backend's resource.
type Order struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
}

// Server is an in-process order backend for end-to-end tests: a login
// endpoint, an authenticated /orders collection and a few failure routes.
type Server struct {
	*httptest.Server

	Phone    string
	Password string
	Token    string

	mu     sync.Mutex
	orders map[int]*Order
	hits   map[string]int
}

// NewServer starts a backend with orders 1..n in status "pending".
func NewServer(n int) *Server {
	s := &Server{
		Phone:    "+15550100",
		Password: "secret",
		Token:    "test-token",
		orders:   make(map[int]*Order),
		hits:     make(map[string]int),
	}
	for i := 1; i <= n; i++ {
		s.orders[i] = &Order{ID: i, Status: "pending"}
	}

	r := mux.NewRouter()
	r.Use(s.count)
	r.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)
	r.HandleFunc("/boom", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
	})

	api := r.PathPrefix("/orders").Subrouter()
	api.Use(s.auth)
	api.HandleFunc("", s.listOrders).Methods(http.MethodGet)
	api.HandleFunc("/{id:[0-9]+}", s.getOrder).Methods(http.MethodGet)
	api.HandleFunc("/{id:[0-9]+}/status", s.updateStatus).Methods(http.MethodPut)

	s.Server = httptest.NewServer(r)
	return s
}

// Hits counts requests per "METHOD path".
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

// RevokeToken makes the current token invalid.
func (s *Server) RevokeToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Token = ""
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.Token
		s.mu.Unlock()
		if token == "" || r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid or expired token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone    string `json:"phone"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	if body.Phone != s.Phone || body.Password != s.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid phone number or password"})
		return
	}
	s.mu.Lock()
	token := s.Token
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"token": token}})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	s.mu.Lock()
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		if status == "" || strings.EqualFold(o.Status, status) {
			out = append(out, *o)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	s.mu.Lock()
	o, ok := s.orders[id]
	var out Order
	if ok {
		out = *o
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Order not found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "status is required"})
		return
	}

	s.mu.Lock()
	o, ok := s.orders[id]
	var out Order
	if ok {
		o.Status = body.Status
		out = *o
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Order not found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
