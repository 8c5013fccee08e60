// Package httpserver exposes the Broker's PUBLISH/NEXT/ACK/NACK/QUERY/VERIFY
// operations plus topic provisioning and health as plain JSON endpoints over
// a stdlib net/http mux wrapped in a CORS middleware, with a context-aware
// ListenAndServe/Close pair. Fragtale carries no gRPC surface, so every
// route here is the only transport into the Broker.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mydriatech/fragtale/internal/fragtaleerr"
	"github.com/mydriatech/fragtale/internal/ingest"
	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/query"
	"github.com/mydriatech/fragtale/internal/runtime"
	"github.com/mydriatech/fragtale/internal/topic"
	"github.com/mydriatech/fragtale/pkg/log"
)

// Server is the HTTP transport over a Runtime's Broker.
type Server struct {
	rt     *runtime.Runtime
	logger log.Logger
	srv    *http.Server
	lis    net.Listener
}

// New builds a Server with every route registered against rt's Broker.
func New(rt *runtime.Runtime, logger log.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{rt: rt, logger: logger, srv: &http.Server{Handler: cors(mux)}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/topics/provision", s.handleProvisionTopic)
	mux.HandleFunc("/v1/publish", s.handlePublish)
	mux.HandleFunc("/v1/consumers/claim", s.handleClaimConsumer)
	mux.HandleFunc("/v1/next", s.handleNext)
	mux.HandleFunc("/v1/ack", s.handleAck)
	mux.HandleFunc("/v1/nack", s.handleNack)
	mux.HandleFunc("/v1/query", s.handleQuery)
	mux.HandleFunc("/v1/verify", s.handleVerify)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	return s
}

// ListenAndServe binds addr and serves until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(cctx)
	case err := <-errCh:
		return err
	}
}

// Close releases the listener without waiting for in-flight requests.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fragtaleerr.ErrUnknownTopic), errors.Is(err, fragtaleerr.ErrEventNotFound), errors.Is(err, fragtaleerr.ErrProofUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, fragtaleerr.ErrSchemaViolation), errors.Is(err, fragtaleerr.ErrConsumerCursorConflict):
		status = http.StatusConflict
	case errors.Is(err, fragtaleerr.ErrClockOutOfTolerance), errors.Is(err, fragtaleerr.ErrStorageUnavailable), errors.Is(err, fragtaleerr.ErrBackendInconsistent):
		status = http.StatusServiceUnavailable
	}
	if s.logger != nil {
		s.logger.Warn("request failed", log.Err(err), log.Int("status", status))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type provisionTopicReq struct {
	Topic          string               `json:"topic"`
	Schema         *topic.Schema        `json:"schema,omitempty"`
	IndexConfig    []topic.IndexConfig  `json:"index_config,omitempty"`
	ShardDurations topic.ShardDurations `json:"shard_durations,omitempty"`
}

func (s *Server) handleProvisionTopic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req provisionTopicReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := s.rt.Broker().ProvisionTopic(r.Context(), req.Topic, topic.ProvisionOptions{
		Schema:         req.Schema,
		IndexConfig:    req.IndexConfig,
		ShardDurations: req.ShardDurations,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

type publishReq struct {
	Topic    string            `json:"topic"`
	Document json.RawMessage   `json:"document"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type publishResp struct {
	UniqueTimeHex string `json:"unique_time_hex"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ut, err := s.rt.Broker().Publish(r.Context(), req.Topic, req.Document, ingest.PublishOptions{Headers: req.Headers})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, publishResp{UniqueTimeHex: ut.String()})
}

type claimConsumerReq struct {
	Topic         string `json:"topic"`
	ConsumerID    string `json:"consumer_id"`
	OwnerIdentity string `json:"owner_identity"`
}

func (s *Server) handleClaimConsumer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req claimConsumerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.rt.Broker().ClaimConsumer(r.Context(), req.Topic, req.ConsumerID, req.OwnerIdentity); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageResp struct {
	UniqueTimeHex string            `json:"unique_time_hex"`
	Document      json.RawMessage   `json:"document"`
	Attempt       int               `json:"attempt"`
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	topicName := r.URL.Query().Get("topic")
	consumerID := r.URL.Query().Get("consumer_id")
	msg, err := s.rt.Broker().Next(r.Context(), topicName, consumerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResp{
		UniqueTimeHex: msg.UniqueTimeHex,
		Document:      msg.Document,
		Attempt:       msg.Attempt,
	})
}

type ackReq struct {
	Topic         string `json:"topic"`
	ConsumerID    string `json:"consumer_id"`
	UniqueTimeHex string `json:"unique_time_hex"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.rt.Broker().Ack(r.Context(), req.Topic, req.ConsumerID, req.UniqueTimeHex); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.rt.Broker().Nack(r.Context(), req.Topic, req.ConsumerID, req.UniqueTimeHex); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryResultResp struct {
	UniqueTimeHex string            `json:"unique_time_hex"`
	Document      json.RawMessage   `json:"document"`
	Headers       map[string]string `json:"headers,omitempty"`
	ReceivedAtMs  int64             `json:"received_at_ms"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	req := query.Request{
		Topic:      q.Get("topic"),
		IndexName:  q.Get("index_name"),
		IndexValue: q.Get("index_value"),
		Filter:     q.Get("filter"),
		FromMs:     parseInt64(q.Get("from_ms")),
		ToMs:       parseInt64(q.Get("to_ms")),
		Limit:      int(parseInt64(q.Get("limit"))),
		NowMs:      time.Now().UnixMilli(),
	}
	results, err := s.rt.Broker().Query(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := make([]queryResultResp, 0, len(results))
	for _, res := range results {
		resp = append(resp, queryResultResp{
			UniqueTimeHex: res.UniqueTimeHex,
			Document:      res.Document,
			Headers:       res.Headers,
			ReceivedAtMs:  res.ReceivedAtMs,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type verifyResp struct {
	Valid              bool                    `json:"valid"`
	HighestSealedLevel int                     `json:"highest_sealed_level"`
	Document           json.RawMessage         `json:"document,omitempty"`
	ReceivedAtMs       int64                   `json:"received_at_ms"`
	Proof              integrity.Proof         `json:"proof"`
	Roots              []integrity.SealedRoot  `json:"roots,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	topicName := r.URL.Query().Get("topic")
	uniqueTimeHex := r.URL.Query().Get("unique_time_hex")
	result, err := s.rt.Broker().Verify(r.Context(), topicName, uniqueTimeHex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, verifyResp{
		Valid:              result.Valid,
		HighestSealedLevel: result.HighestSealedLevel,
		Document:           result.Document,
		ReceivedAtMs:       result.ReceivedAtMs,
		Proof:              result.Proof,
		Roots:              result.Roots,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.rt.MetricsSnapshot()
	if !ok {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
