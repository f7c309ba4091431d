// Package httpapi exposes the RPC families over HTTP: MessagePack
// command envelopes on /{anonymous,invited,authenticated,tos}/{org},
// the events stream on /authenticated/{org}/events, and the JSON
// administration endpoints.
package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/parsec-cloud/parsec-server/internal/logging"
	"github.com/parsec-cloud/parsec-server/internal/server/config"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/services"
)

const (
	contentTypeMsgpack = "application/msgpack"
	// maxRequestBody bounds command bodies; blocks dominate at 512 KiB
	// plus envelope overhead.
	maxRequestBody = 4 << 20
)

// supportedApiMajors is the set of accepted Api-Version majors.
var supportedApiMajors = map[int]struct{}{4: {}, 5: {}}

type Server struct {
	cfg     *config.Config
	log     logging.Logger
	bus     *events.Bus
	core    *services.Core
	orgs    *services.OrganizationService
	users   *services.UserService
	realms  *services.RealmService
	vlobs   *services.VlobService
	blocks  *services.BlockService
	invites *services.InviteService
}

func NewServer(cfg *config.Config, log logging.Logger, bus *events.Bus, core *services.Core) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		core:    core,
		orgs:    services.NewOrganizationService(core),
		users:   services.NewUserService(core),
		realms:  services.NewRealmService(core),
		vlobs:   services.NewVlobService(core),
		blocks:  services.NewBlockService(core),
		invites: services.NewInviteService(core),
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/anonymous/{organization}", s.handleAnonymous)
	r.Post("/invited/{organization}", s.handleInvited)
	r.Post("/authenticated/{organization}", s.handleAuthenticated)
	r.Post("/tos/{organization}", s.handleTos)
	r.Get("/authenticated/{organization}/events", s.handleEvents)

	r.Route("/administration", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/stats", s.adminServerStats)
		r.Post("/organizations", s.adminCreateOrganization)
		r.Route("/organizations/{organization}", func(r chi.Router) {
			r.Get("/", s.adminGetOrganization)
			r.Patch("/", s.adminUpdateOrganization)
			r.Delete("/", s.adminEraseOrganization)
			r.Get("/stats", s.adminOrganizationStats)
			r.Get("/users", s.adminListUsers)
			r.Post("/users/freeze", s.adminFreezeUser)
			r.Post("/sequester/services", s.adminCreateSequesterService)
			r.Patch("/sequester/services/{service}", s.adminUpdateSequesterService)
		})
	})
	return r
}

// checkApiVersion negotiates the Api-Version header; an absent or
// unsupported version yields 422.
func checkApiVersion(r *http.Request) bool {
	version := r.Header.Get("Api-Version")
	major, _, found := strings.Cut(version, ".")
	if !found {
		return false
	}
	n, err := strconv.Atoi(major)
	if err != nil {
		return false
	}
	_, ok := supportedApiMajors[n]
	return ok
}

// readCommand validates the transport envelope and returns the raw
// MessagePack body plus the command name.
func (s *Server) readCommand(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	if !checkApiVersion(r) {
		http.Error(w, "unsupported api version", http.StatusUnprocessableEntity)
		return nil, "", false
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, contentTypeMsgpack) {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return nil, "", false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return nil, "", false
	}
	var envelope struct {
		Cmd string `msgpack:"cmd"`
	}
	if err := msgpack.Unmarshal(body, &envelope); err != nil || envelope.Cmd == "" {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return nil, "", false
	}
	return body, envelope.Cmd, true
}

func orgParam(r *http.Request) models.OrganizationID {
	return models.OrganizationID(chi.URLParam(r, "organization"))
}

// writeRep serializes a successful rep: the fields map plus
// status=ok.
func (s *Server) writeRep(w http.ResponseWriter, fields map[string]any) {
	rep := map[string]any{"status": "ok"}
	for k, v := range fields {
		rep[k] = v
	}
	s.writeMsgpack(w, http.StatusOK, rep)
}

// writeErr sends either a transport status or a 200 carrying the
// domain error rep.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if status := httpStatusFor(err); status != 0 {
		http.Error(w, err.Error(), status)
		return
	}
	tag, fields := errRep(err)
	if tag == "internal_error" {
		s.log.Error(r.Context(), "rpc failed", "path", r.URL.Path, "error", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	rep := map[string]any{"status": tag}
	for k, v := range fields {
		rep[k] = v
	}
	s.writeMsgpack(w, http.StatusOK, rep)
}

func (s *Server) writeMsgpack(w http.ResponseWriter, status int, rep any) {
	payload, err := msgpack.Marshal(rep)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeMsgpack)
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
