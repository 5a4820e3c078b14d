package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/bestfix/internal/coordinator"
	"nuha.dev/bestfix/internal/fix"
	"nuha.dev/bestfix/internal/strategy"
	"nuha.dev/bestfix/internal/sublist"
)

const refreshTimeout = 30 * time.Second

// Control is the part of an acquisition strategy the API drives.
type Control interface {
	Start()
	Stop()
	BackgroundPermissionGranted()
	HandleLifecycle(ev coordinator.Event)
	RequestCurrentFix(ctx context.Context)
	LastKnown() (fix.Fix, bool)
	Status() strategy.Status
}

type Stream interface {
	Subscribe(sub sublist.Subscriber)
	Unsubscribe(sub sublist.Subscriber)
}

type ApiConfig struct {
	ListenAddr string
	// TokenHash is a bcrypt hash of the bearer token required on POST routes.
	TokenHash     string
	ProxyProtocol bool
	StreamBuffer  int
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    zerolog.Logger
	ctl    Control
	stream Stream
}

func NewApi(ctl Control, stream Stream, config *ApiConfig) *Api {
	api := &Api{config: config, ctl: ctl, stream: stream}
	api.log = log.With().Str("module", "api").Logger()
	if api.config.StreamBuffer <= 0 {
		api.config.StreamBuffer = 16
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/fix", api.lastFix)
	r.Get("/strategy", api.status)
	r.Get("/stream", api.serveStream)
	r.Group(func(r chi.Router) {
		r.Use(tokenVerify(config.TokenHash))
		r.Post("/fix/refresh", api.refresh)
		r.Post("/lifecycle/{event}", api.lifecycle)
		r.Post("/privilege/background-granted", api.backgroundGranted)
		r.Post("/start", api.start)
		r.Post("/stop", api.stop)
	})

	api.r = r
	api.s = &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Listen opens the API listener, accepting PROXY protocol headers when configured.
func (api *Api) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", api.config.ListenAddr)
	if err != nil {
		return nil, err
	}
	if api.config.ProxyProtocol {
		return &proxyproto.Listener{Listener: ln}, nil
	}
	return ln, nil
}

func (api *Api) Serve(ln net.Listener) error {
	api.log.Info().Str("addr", ln.Addr().String()).Msg("serving api")
	err := api.s.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (api *Api) Run() error {
	ln, err := api.Listen()
	if err != nil {
		return err
	}
	return api.Serve(ln)
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func (api *Api) lastFix(w http.ResponseWriter, r *http.Request) {
	f, ok := api.ctl.LastKnown()
	if !ok {
		errorWrite(w, http.StatusNotFound, "no fix yet")
		return
	}
	JsonWrite(w, f)
}

func (api *Api) status(w http.ResponseWriter, r *http.Request) {
	JsonWrite(w, api.ctl.Status())
}

func (api *Api) refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	go func() {
		defer cancel()
		api.ctl.RequestCurrentFix(ctx)
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (api *Api) lifecycle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "event")
	ev, ok := coordinator.ParseEvent(name)
	if !ok {
		errorWrite(w, http.StatusBadRequest, "unknown lifecycle event "+name)
		return
	}
	api.log.Debug().Str("lifecycle", ev.String()).Msg("lifecycle event received")
	api.ctl.HandleLifecycle(ev)
	JsonWrite(w, api.ctl.Status())
}

func (api *Api) backgroundGranted(w http.ResponseWriter, r *http.Request) {
	api.ctl.BackgroundPermissionGranted()
	JsonWrite(w, api.ctl.Status())
}

func (api *Api) start(w http.ResponseWriter, r *http.Request) {
	api.ctl.Start()
	JsonWrite(w, api.ctl.Status())
}

func (api *Api) stop(w http.ResponseWriter, r *http.Request) {
	api.ctl.Stop()
	JsonWrite(w, api.ctl.Status())
}
