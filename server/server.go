// Package server exposes an ADU208 dispatcher over HTTP: status, request
// endpoints, a websocket status stream and the dispatcher metrics.
package server

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/hubertat/adukit/drivers/adu208"
)

const TokenHeader = "adukit-token"
const httpTimeoutsMs = 3000
const defaultStreamInterval = time.Second

// Device is the part of the dispatcher the API drives.
type Device interface {
	Snapshot() adu208.Status
	RequestSetDigitalOutputs(mask int)
	RequestGetDigitalInputs()
	RequestGetEventCounter(channel int)
	RequestGetAndResetEventCounter(channel int)
	RequestSetEventCounterDebounce(channel int, debounce adu208.DebounceTime)
	Metrics() *expvar.Map
}

type Config struct {
	Addr  string
	Token string

	// StreamInterval is the period of websocket status messages, 1s if
	// empty.
	StreamInterval string
}

type Server struct {
	token    string
	interval time.Duration
	device   Device
	logger   *log.Logger
	server   *http.Server

	// closed on shutdown, ends websocket streams
	done chan struct{}
}

func New(cfg Config, device Device) (*Server, error) {
	interval := defaultStreamInterval
	if len(cfg.StreamInterval) > 0 {
		var err error
		interval, err = time.ParseDuration(cfg.StreamInterval)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse StreamInterval")
		}
		if interval <= 0 {
			return nil, errors.Errorf("StreamInterval must be positive, got %s", interval)
		}
	}

	s := &Server{
		token:    cfg.Token,
		interval: interval,
		device:   device,
		done:     make(chan struct{}),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "HttpServer: ",
			Level:  log.GetLevel(),
		}),
	}

	httpTimeout := httpTimeoutsMs * time.Millisecond
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	return s, nil
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/status", s.authorized(s.handleStatus))
	router.PUT("/outputs/:mask", s.authorized(s.handleOutputs))
	router.POST("/inputs/refresh", s.authorized(s.handleInputsRefresh))
	router.POST("/counters/:channel/read", s.authorized(s.handleCounter(false)))
	router.POST("/counters/:channel/reset", s.authorized(s.handleCounter(true)))
	router.PUT("/counters/:channel/debounce/:level", s.authorized(s.handleDebounce))
	router.GET("/ws", s.authorized(s.handleStream))
	router.GET("/debug/vars", s.authorized(s.handleVars))
	return router
}

// ListenAndServe serves the API until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.ListenAndServe()
	}()
	s.logger.Info("listening", "addr", s.server.Addr)

	select {
	case err := <-serverErr:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}
	close(s.done)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpTimeoutsMs*time.Millisecond)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	return nil
}

func (s *Server) authorized(handle httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if len(s.token) > 0 && r.Header.Get(TokenHeader) != s.token {
			http.Error(w, "token mismatch", http.StatusUnauthorized)
			return
		}
		handle(w, r, p)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func parseChannel(p httprouter.Params) (int, error) {
	channel, err := strconv.Atoi(p.ByName("channel"))
	if err != nil {
		return 0, errors.Wrap(err, "channel must be a number")
	}
	if channel < 0 || channel >= adu208.NumChannels {
		return 0, errors.Errorf("channel %d out of range", channel)
	}
	return channel, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	writeJSON(w, s.device.Snapshot())
}

// handleOutputs accepts the relay mask in any base strconv understands, so
// 5, 0b101 and 0x05 are the same request.
func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	mask, err := strconv.ParseInt(p.ByName("mask"), 0, 0)
	if err != nil || mask < 0 || mask >= 1<<adu208.NumChannels {
		http.Error(w, fmt.Sprintf("invalid output mask %q", p.ByName("mask")), http.StatusBadRequest)
		return
	}

	s.device.RequestSetDigitalOutputs(int(mask))
	s.logger.Debug("outputs requested", "mask", mask)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInputsRefresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.device.RequestGetDigitalInputs()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCounter(reset bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		channel, err := parseChannel(p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if reset {
			s.device.RequestGetAndResetEventCounter(channel)
		} else {
			s.device.RequestGetEventCounter(channel)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleDebounce(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	channel, err := parseChannel(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	debounce, err := adu208.ParseDebounceTime(p.ByName("level"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.device.RequestSetEventCounterDebounce(channel, debounce)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleVars(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "{%q: %s}\n", "adu208", s.device.Metrics().String())
}
