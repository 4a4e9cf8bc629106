package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/geoweaver/gwrelay/delivery"
	"github.com/geoweaver/gwrelay/history"
	"github.com/geoweaver/gwrelay/session"
	"github.com/geoweaver/gwrelay/stream"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	defaultMaxPollWait   = 30 * time.Second
	defaultHistoryLimit  = 20
	maxNotesBytes        = 64 << 10
	defaultListenAddress = "127.0.0.1:8080"
)

// Server relays process output to viewers over WebSocket or long polling, runs processes on
// request, and exposes their history records.
type Server struct {
	logger *zap.SugaredLogger

	listenAddr  string
	tlsConfig   *tls.Config
	maxPollWait time.Duration
	streamOpts  []stream.Option

	manager  *history.Manager
	sessions *session.Registry

	router     *httprouter.Router
	httpServer *http.Server

	runCtx     context.Context
	cancelRuns context.CancelFunc
	runs       errgroup.Group
	stopOnce   sync.Once

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("relay").Sugar()
	}
}

// WithTLSConfig serves HTTPS with the config, see ServerTLSConfig for mutual TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithSessions shares a session registry, e.g. with streamers started outside the server.
func WithSessions(r *session.Registry) Option {
	return func(s *Server) {
		s.sessions = r
	}
}

// WithMaxPollWait caps the wait a poll request may ask for.
func WithMaxPollWait(d time.Duration) Option {
	return func(s *Server) {
		s.maxPollWait = d
	}
}

// WithStreamOptions are applied to every streamer started by a run request.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(s *Server) {
		s.streamOpts = append(s.streamOpts, opts...)
	}
}

func NewServer(manager *history.Manager, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:      logger.Named("relay").Sugar(),
		listenAddr:  defaultListenAddress,
		maxPollWait: defaultMaxPollWait,
		manager:     manager,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sessions == nil {
		s.sessions = session.NewRegistry(session.WithRegistryLogger(s.logger))
	}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())

	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/ws/:token", s.attach)
	router.GET("/poll/:token", s.poll)
	router.POST("/run", s.run)
	router.GET("/history/:id", s.getHistory)
	router.DELETE("/history/:id", s.deleteHistory)
	router.PUT("/history/:id/notes", s.putNotes)
	router.POST("/history/:id/stop", s.stop)
	router.POST("/history/:id/skipped", s.skipped)
	router.GET("/hosts/:host/history", s.hostHistory)
	router.DELETE("/hosts/:host/history", s.deleteHostHistory)
	router.GET("/processes/:process/history", s.processHistory)
	router.DELETE("/processes/:process/history", s.deleteProcessHistory)
	s.router = router
	s.httpServer = &http.Server{Handler: router}

	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Sessions() *session.Registry { return s.sessions }

// Run serves HTTP and returns once the server has stopped.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	s.logger.Infow("serving", "Addr", listener.Addr().String())
	s.heartbeatMut.Lock()
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the HTTP server, stops every running process and waits for their streams to end.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.httpServer.Close()
		s.cancelRuns()
		if waitErr := s.runs.Wait(); waitErr != nil && err == nil {
			err = waitErr
		}
	})
	return err
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	_, err = w.Write(b)
	if err != nil {
		log.Debugf("error writing response: %s", err)
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()
	writeJSON(w, s.logger, HeartbeatResponse{
		LastHeartbeat:   lastHeartbeat.UTC().Format(time.RFC3339),
		DroppedMessages: s.sessions.Buffer().Dropped(),
	})
}

// attach binds a WebSocket connection to the token until the viewer goes away.
func (s *Server) attach(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	token := params.ByName("token")

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debugf("WebSocket accept error: %s", err)
		return
	}
	conn := session.NewWSConn(wsConn, s.logger)
	defer conn.Close()

	s.sessions.Add(token, conn)
	defer s.sessions.RemoveConn(token, conn)

	err = conn.Hold(r.Context())
	if err != nil {
		s.logger.Debugw("viewer connection ended", "Token", token, "Error", err)
	}
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	token := params.ByName("token")

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, fmt.Sprintf("invalid wait %q", v), http.StatusBadRequest)
			return
		}
		wait = min(d, s.maxPollWait)
	}

	msgs := s.sessions.Poll(r.Context(), token, wait)
	if msgs == nil {
		msgs = []string{}
	}
	writeJSON(w, s.logger, PollResponse{Messages: msgs})
}

// run starts a local process and streams its output to the request's session token.
func (s *Server) run(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req RunRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "request contained no command", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		http.Error(w, "request contained no session token", http.StatusBadRequest)
		return
	}

	id, err := s.Start(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, RunResponse{ID: id})
}

// Start launches the process of req and streams its output in the background.
// It returns the id of the new history record.
func (s *Server) Start(ctx context.Context, req RunRequest) (string, error) {
	id := uuid.NewString()
	log := s.logger.With("RecordID", id, "Token", req.Token)

	rec := s.manager.Init(id, req.ProcessRef, req.Input)
	rec.HostRef = req.HostRef
	rec.Status = history.StatusRunning
	err := s.manager.Save(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("creating record: %w", err)
	}

	cmd, err := stream.StartCommand(s.runCtx, stream.StartRequest{
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		WD:      req.WorkingDir,
	})
	if err != nil {
		rec.Status = history.StatusFailed
		rec.Output = err.Error()
		if saveErr := s.manager.Save(ctx, rec); saveErr != nil {
			log.Warnw("error saving failed record", "Error", saveErr)
		}
		return "", err
	}
	log.Infow("started process", "Command", req.Command, "PID", cmd.Pid())

	channel := delivery.NewChannel(req.Token, s.sessions, s.logger)
	opts := append([]stream.Option{stream.WithProcess(cmd), stream.WithLogger(s.logger)}, s.streamOpts...)
	streamer := stream.New(id, cmd.Output(), s.manager, channel, opts...)

	s.runs.Go(func() error {
		status, err := streamer.Run(s.runCtx)
		pushed, polled := channel.Counts()
		log.Infow("process stream ended", "Status", status, "Error", err, "Pushed", pushed, "Polled", polled,
			"DroppedPollMessages", s.sessions.Buffer().Dropped(), "Duration", cmd.Duration())
		return nil
	})
	return id, nil
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec, err := s.manager.Get(r.Context(), params.ByName("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec.Status == history.StatusUnset && rec.BeginTime.IsZero() {
		http.Error(w, history.ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, s.logger, rec)
}

func (s *Server) deleteHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := s.manager.DeleteByID(r.Context(), params.ByName("id"))
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putNotes(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxNotesBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.manager.UpdateNotes(r.Context(), params.ByName("id"), string(b))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := s.manager.Stop(r.Context(), params.ByName("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) skipped(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req SkippedRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.manager.SaveSkipped(r.Context(), params.ByName("id"), req.ProcessRef, req.HostRef)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) hostHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.manager.RecentByHost(r.Context(), params.ByName("host"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*history.Record{}
	}
	writeJSON(w, s.logger, recs)
}

// deleteHostHistory deletes the recent records of a host, or with ?keep=notes only those without notes.
func (s *Server) deleteHostHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	host := params.ByName("host")
	var (
		ids []string
		err error
	)
	switch keep := r.URL.Query().Get("keep"); keep {
	case "":
		ids, err = s.manager.DeleteAllByHost(r.Context(), host)
	case "notes":
		ids, err = s.manager.DeleteNoNotesByHost(r.Context(), host)
	default:
		http.Error(w, fmt.Sprintf("unsupported keep %q", keep), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, s.logger, DeleteResponse{Deleted: ids})
}

// processHistory lists the records of a process. With ?ignoreSkipped=true, Skipped and Unknown records are left out.
func (s *Server) processHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var ignoreSkipped bool
	if v := r.URL.Query().Get("ignoreSkipped"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid ignoreSkipped %q", v), http.StatusBadRequest)
			return
		}
		ignoreSkipped = b
	}
	recs, err := s.manager.ProcessHistory(r.Context(), params.ByName("process"), ignoreSkipped)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*history.Record{}
	}
	writeJSON(w, s.logger, recs)
}

// deleteProcessHistory deletes the records of a process with the status given by ?status=. Only Failed is supported.
func (s *Server) deleteProcessHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	status := history.Status(r.URL.Query().Get("status"))
	if status != history.StatusFailed {
		http.Error(w, fmt.Sprintf("unsupported status %q", status), http.StatusBadRequest)
		return
	}
	ids, err := s.manager.DeleteFailed(r.Context(), params.ByName("process"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, s.logger, DeleteResponse{Deleted: ids})
}
