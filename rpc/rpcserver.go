package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/oen-network/oen/attestation"
	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/types"
)

var (
	requestsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oen",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
	latencyMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "oen",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"route"})
)

// Issuer is the attestation service behind the endpoint.
type Issuer interface {
	Issue(ctx context.Context, req attestation.Request) (*attestation.Attestation, error)
	Address() common.Address
	Config() attestation.Config
}

func DefaultConfig() Config {
	return Config{
		RateLimit:    5,
		RateBurst:    10,
		MaxBodyBytes: 64 << 10,
		MaxClients:   10_000,
	}
}

//nolint:lll
type Config struct {
	RateLimit    float64 `long:"rate-limit"     description:"Sustained /score requests per second allowed per client address (0 disables)"`
	RateBurst    int     `long:"rate-burst"     description:"Burst of /score requests allowed per client address"`
	MaxBodyBytes int64   `long:"max-body-bytes" description:"Largest accepted request body"`
	MaxClients   int     `long:"max-clients"    description:"Number of client rate limiters kept in memory"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddFloat64("rate-limit", c.RateLimit)
	enc.AddInt("rate-burst", c.RateBurst)
	enc.AddInt64("max-body-bytes", c.MaxBodyBytes)
	return nil
}

// rpcServer is the HTTP/JSON front end of the attestation issuer.
type rpcServer struct {
	issuer Issuer
	cfg    Config

	mu       sync.Mutex
	limiters *lru.Cache
}

// NewHandler returns the router serving POST /score, GET /v1/info and GET /metrics.
func NewHandler(ctx context.Context, issuer Issuer, cfg Config) (http.Handler, error) {
	limiters, err := lru.New(max(cfg.MaxClients, 1))
	if err != nil {
		return nil, err
	}
	s := &rpcServer{issuer: issuer, cfg: cfg, limiters: limiters}

	r := mux.NewRouter()
	r.Use(loggerMiddleware(logging.FromContext(ctx)))
	r.Handle("/score", s.rateLimited(http.HandlerFunc(s.score))).Methods(http.MethodPost)
	r.HandleFunc("/v1/info", s.info).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r, nil
}

func (s *rpcServer) score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body ScoreRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, attestation.ErrBadPayload.Error()+": "+err.Error())
		return
	}
	req, err := body.IntoAttestationRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.HW != nil {
		logging.FromContext(ctx).Debug("scoring hardware",
			zap.String("gpu", body.HW.GPU.Name),
			zap.String("driver", body.HW.GPU.Driver),
		)
	}

	att, err := s.issuer.Issue(ctx, req)
	switch {
	case errors.Is(err, types.ErrInputValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, types.ErrNonceMismatch):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		logging.FromContext(ctx).Error("issuing attestation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, FromAttestation(att))
}

func (s *rpcServer) info(w http.ResponseWriter, r *http.Request) {
	cfg := s.issuer.Config()
	writeJSON(w, http.StatusOK, &InfoResponse{
		Issuer:            s.issuer.Address().Hex(),
		ChainID:           cfg.ChainID,
		VerifyingContract: cfg.VerifyingContract.Address().Hex(),
		ValiditySeconds:   uint64(cfg.Validity / time.Second),
	})
}

// rateLimited applies a token bucket per client IP.
func (s *rpcServer) rateLimited(next http.Handler) http.Handler {
	if s.cfg.RateLimit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter(clientIP(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *rpcServer) limiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters.Get(ip); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), max(s.cfg.RateBurst, 1))
	s.limiters.Add(ip, l)
	return l
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, &ErrorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware attaches a request scoped logger named after the route
// and records request metrics.
func loggerMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			logger := logger.Named(route).With(zap.Stringer("request_id", uuid.New()))
			logger.Debug("new request", zap.String("from", r.RemoteAddr), zap.String("method", r.Method))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(logging.NewContext(r.Context(), logger)))

			latencyMetric.WithLabelValues(route).Observe(time.Since(start).Seconds())
			requestsMetric.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			if rec.status >= http.StatusBadRequest {
				logger.Info("FAILURE", zap.Int("status", rec.status))
			}
		})
	}
}
