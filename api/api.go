// Package api implements the HTTP surface of section 6: a thin façade
// translating REST calls into Controller intent-enqueue calls and read
// queries. Routing is github.com/go-chi/chi/v5; bodies are (de)serialized
// with goccy/go-json.
package api

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/cms-pdmv/gridpack-controller/archive"
	"github.com/cms-pdmv/gridpack-controller/config"
	"github.com/cms-pdmv/gridpack-controller/controller"
	"github.com/cms-pdmv/gridpack-controller/fragment"
	"github.com/cms-pdmv/gridpack-controller/gridpack"
	"github.com/cms-pdmv/gridpack-controller/scheduler"
	"github.com/cms-pdmv/gridpack-controller/store"
	"github.com/cms-pdmv/gridpack-controller/template"
)

// Logger is the minimal Printf-shaped sink this package writes request
// diagnostics to, matching the injected-Logger discipline used throughout
// this module.
type Logger interface {
	Printf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// Service bundles everything the HTTP handlers need: the Controller that
// owns every intent and the tick loop, the Scheduler whose Notify the
// /api/tick* endpoints call instead of ticking inline, and read-only access
// to the Document Store Gateway and Template Repository for the GET
// endpoints that don't go through the Controller.
//
// Per section 9's "redesign of a global singleton", the HTTP layer holds an
// explicit reference to this Service rather than reaching into a
// process-wide slot, and per-request user identity is threaded through
// handlers as a value read off the request, never from a package-level var.
type Service struct {
	Controller *controller.Controller
	Scheduler  *scheduler.Scheduler
	Store      store.Gateway
	Repo       template.Repository
	Config     *config.Config
	Logger     Logger
}

// NewRouter builds the chi router implementing section 6's HTTP surface.
func NewRouter(svc *Service) http.Handler {
	if svc.Logger == nil {
		svc.Logger = nopLogger{}
	}
	r := chi.NewRouter()
	r.Put("/api/create", svc.handleCreate)
	r.Put("/api/create_approve", svc.handleCreateApprove)
	r.Post("/api/approve", svc.requireAuthorized(svc.handleApprove))
	r.Post("/api/reset", svc.requireAuthorized(svc.handleReset))
	r.Post("/api/create_request", svc.requireAuthorized(svc.handleCreateRequest))
	r.Post("/api/mcm", svc.requireAuthorized(svc.handleForceRequest))
	r.Delete("/api/delete", svc.requireAuthorized(svc.handleDelete))
	r.Get("/api/get", svc.handleGet)
	r.Get("/api/get_fragment/{id}", svc.handleGetFragment)
	r.Get("/api/get_run_card/{id}", svc.handleGetRunCard)
	r.Get("/api/get_customize_card/{id}", svc.handleGetCustomizeCard)
	r.Get("/api/tick", svc.handleTick)
	r.Get("/api/tick_repository", svc.handleTickRepository)
	r.Get("/api/system_info", svc.handleSystemInfo)
	r.Get("/api/user", svc.handleUser)
	return r
}

// messageResponse is the "200 with body {message: …}" envelope of section
// 6, extended with an optional Results field for endpoints that return a
// value (e.g. the new document's id).
type messageResponse struct {
	Message string      `json:"message"`
	Results interface{} `json:"results,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, message string, results interface{}) {
	writeJSON(w, http.StatusOK, messageResponse{Message: message, Results: results})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Message: err.Error()})
}

// statusForError maps a Controller/Store/Repository error to the section 6
// error-code contract: 404 for a missing entity, 400 for everything else
// (validation failure or bad precondition). 403 is handled separately by
// requireAuthorized, before a handler ever sees the request.
func statusForError(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// currentUser and currentRoles implement section 3's identity-threading
// redesign at the HTTP boundary: the acting username and role set are read
// off request headers set by an upstream SSO proxy (the out-of-scope
// external collaborator named in section 1), never from a process-wide
// slot. A request with no such header is treated as anonymous/unauthorized,
// matching the "no session parsing in this module" scope boundary.
func currentUser(r *http.Request) string {
	if u := r.Header.Get("X-Remote-User"); u != "" {
		return u
	}
	return "anonymous"
}

func currentRoles(r *http.Request) []string {
	raw := r.Header.Get("X-Remote-Roles")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// requireAuthorized wraps a handler so it is only reached when the request
// carries at least one role from the AUTHORIZED set (section 6). Missing
// authorization is a 403, per the error-code contract.
func (s *Service) requireAuthorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roles := currentRoles(r)
		for _, role := range roles {
			for _, allowed := range s.Config.Authorized {
				if strings.TrimSpace(role) == allowed {
					next(w, r)
					return
				}
			}
		}
		writeError(w, http.StatusForbidden, errors.New("caller is not authorized to perform this action"))
	}
}

// createRequestBody is the JSON body of PUT /api/create and /api/create_approve.
type createRequestBody struct {
	Campaign       string `json:"campaign"`
	Generator      string `json:"generator"`
	Process        string `json:"process"`
	Dataset        string `json:"dataset"`
	Tune           string `json:"tune"`
	Events         int    `json:"events"`
	Genproductions string `json:"genproductions"`
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.Controller.Create(controller.CreateInput{
		Campaign:       body.Campaign,
		Generator:      body.Generator,
		Process:        body.Process,
		Dataset:        body.Dataset,
		Tune:           body.Tune,
		Events:         body.Events,
		Genproductions: body.Genproductions,
		User:           currentUser(r),
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeMessage(w, "gridpack created", id)
}

func (s *Service) handleCreateApprove(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user := currentUser(r)
	id, err := s.Controller.Create(controller.CreateInput{
		Campaign:       body.Campaign,
		Generator:      body.Generator,
		Process:        body.Process,
		Dataset:        body.Dataset,
		Tune:           body.Tune,
		Events:         body.Events,
		Genproductions: body.Genproductions,
		User:           user,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if err := s.Controller.Approve(id, user); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeMessage(w, "gridpack created and approved", id)
}

func (s *Service) gridpackIDFromQuery(r *http.Request) string {
	return r.URL.Query().Get("gridpack_id")
}

func (s *Service) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := s.gridpackIDFromQuery(r)
	if err := s.Controller.Approve(id, currentUser(r)); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeMessage(w, "gridpack queued for approval", nil)
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	id := s.gridpackIDFromQuery(r)
	if err := s.Controller.Reset(id, currentUser(r)); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeMessage(w, "gridpack queued for reset", nil)
}

func (s *Service) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	id := s.gridpackIDFromQuery(r)
	if err := s.Controller.CreateRequest(id, currentUser(r)); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeMessage(w, "request creation queued", nil)
}

func (s *Service) handleForceRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("gridpack_id")
	if err := s.Controller.ForceRequest(id, currentUser(r)); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeMessage(w, "forced request creation queued", nil)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := s.gridpackIDFromQuery(r)
	if err := s.Controller.Delete(id, currentUser(r)); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeMessage(w, "gridpack queued for deletion", nil)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id := s.gridpackIDFromQuery(r)
	if id == "" {
		docs, err := s.Store.ByStatuses(
			gridpack.StatusNew, gridpack.StatusApproved, gridpack.StatusSubmitted,
			gridpack.StatusRunning, gridpack.StatusFinishing, gridpack.StatusDone,
			gridpack.StatusFailed, gridpack.StatusReused,
		)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, docs)
		return
	}
	g, err := s.Store.ByID(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// loadDescriptors loads the document, its dataset card, and its campaign
// descriptor needed to build a fragment or a card, shared by the three GET
// endpoints below.
func (s *Service) loadDescriptors(id string) (*gridpack.Gridpack, template.DatasetCard, template.CampaignDescriptor, error) {
	g, err := s.Store.ByID(id)
	if err != nil {
		return nil, template.DatasetCard{}, template.CampaignDescriptor{}, err
	}
	dataset, err := s.Repo.Dataset(g.Process, g.Dataset)
	if err != nil {
		return nil, template.DatasetCard{}, template.CampaignDescriptor{}, err
	}
	campaign, err := s.Repo.Campaign(g.Campaign)
	if err != nil {
		return nil, template.DatasetCard{}, template.CampaignDescriptor{}, err
	}
	return g, dataset, campaign, nil
}

func (s *Service) handleGetFragment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, dataset, campaign, err := s.loadDescriptors(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	text, err := fragment.Build(fragment.Inputs{
		Gridpack: g,
		Dataset:  dataset,
		Campaign: campaign,
		Repo:     s.Repo,
		Lookup:   s.Store,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// buildCards runs the document's Archive Builder into a scratch directory
// and returns the rendered run-card and customize-card contents without
// persisting anything, so the two GET endpoints below can serve generated
// card text without a batch submission ever happening.
func (s *Service) buildCards(id string) (runCard, customizeCard string, err error) {
	g, dataset, campaign, err := s.loadDescriptors(id)
	if err != nil {
		return "", "", err
	}
	builder, err := archive.New(archive.Inputs{Gridpack: g, Dataset: dataset, Campaign: campaign, Repo: s.Repo})
	if err != nil {
		return "", "", err
	}
	scratch, err := os.MkdirTemp("", "gridpack-card-")
	if err != nil {
		return "", "", err
	}
	defer os.RemoveAll(scratch)

	if err := builder.Build(scratch); err != nil {
		return "", "", err
	}

	runCardName := g.Dataset + "_run_card.dat"
	customizeCardName := g.Dataset + "_customizecards.dat"
	if g.Generator == gridpack.GeneratorPowheg {
		runCardName = "powheg.input"
		customizeCardName = "process.dat"
	}

	runCardBytes, err := os.ReadFile(scratch + "/input_files/" + runCardName)
	if err != nil {
		return "", "", err
	}
	customizeCardBytes, err := os.ReadFile(scratch + "/input_files/" + customizeCardName)
	if err != nil {
		return "", "", err
	}
	return string(runCardBytes), string(customizeCardBytes), nil
}

func (s *Service) handleGetRunCard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runCard, _, err := s.buildCards(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(runCard))
}

func (s *Service) handleGetCustomizeCard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, customizeCard, err := s.buildCards(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(customizeCard))
}

// handleTick and handleTickRepository implement section 6's "call
// Scheduler.Notify() for their respective job rather than running the job
// inline on the request goroutine, so the HTTP handler returns promptly
// regardless of tick duration."
func (s *Service) handleTick(w http.ResponseWriter, r *http.Request) {
	s.Scheduler.Notify("tick")
	writeMessage(w, "tick scheduled", nil)
}

func (s *Service) handleTickRepository(w http.ResponseWriter, r *http.Request) {
	s.Scheduler.Notify("repository")
	writeMessage(w, "repository refresh scheduled", nil)
}

func (s *Service) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	report := s.Controller.Metrics.GenerateReport(s.Controller.QueueDepths())
	count, err := s.Store.Count()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Report          interface{} `json:"report"`
		DocumentCount   int         `json:"documentCount"`
		Production      bool        `json:"production"`
		Debug           bool        `json:"debug"`
	}{Report: report, DocumentCount: count, Production: s.Config.Production, Debug: s.Config.Debug})
}

func (s *Service) handleUser(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	roles := currentRoles(r)
	authorized := false
	for _, role := range roles {
		for _, allowed := range s.Config.Authorized {
			if strings.TrimSpace(role) == allowed {
				authorized = true
			}
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Username   string   `json:"username"`
		Roles      []string `json:"roles"`
		Authorized bool     `json:"authorized"`
	}{Username: user, Roles: roles, Authorized: authorized})
}
