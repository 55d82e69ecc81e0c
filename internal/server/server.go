// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/diamondops/custody/pkg/custody"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/httpx"
	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/model"
)

const shutdownTimeout = 10 * time.Second

// Server serves the HTTP API for one engine.
type Server struct {
	eng *custody.Engine
	log *logging.Logger
}

// New returns a server for eng.
func New(eng *custody.Engine) *Server {
	return &Server{eng: eng, log: eng.Logger().With("component", "server")}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", s.eng.Metrics().Handler())

	r.Route("/items", func(api chi.Router) {
		api.Get("/", s.listItems)
		api.Post("/", s.registerItem)
		api.Route("/{item_id}", func(item chi.Router) {
			item.Get("/", s.getItem)
			item.Post("/lock", s.lockItem)
			item.Post("/unlock", s.unlockItem)
			item.Get("/events", s.itemEvents)
			item.Post("/transitions", s.propose)
			item.Get("/artifacts", s.listArtifacts)
			item.Post("/artifacts", s.ingestArtifact)
			item.Post("/packets", s.buildPacket)
			item.Get("/notifications", s.itemNotifications)
		})
	})
	r.Route("/transitions/{transition_id}", func(tr chi.Router) {
		tr.Get("/", s.getTransition)
		tr.Post("/acknowledge", s.acknowledge)
		tr.Post("/contest", s.contest)
		tr.Post("/attest", s.attest)
		tr.Post("/confirm", s.confirm)
		tr.Post("/revoke", s.revoke)
	})
	r.Route("/artifacts/{artifact_id}", func(art chi.Router) {
		art.Post("/rescore", s.rescore)
		art.Get("/scores", s.scores)
	})
	r.Get("/packets/{packet_id}", s.getPacket)
	r.Post("/sweep", s.sweep)
	r.Get("/verify", s.verify)
	r.Get("/doctor", s.doctor)
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", map[string]any{"addr": addr})
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errclass.HTTPStatus(err) >= http.StatusInternalServerError {
		s.log.ErrorErr("request failed", err, map[string]any{"method": r.Method, "path": r.URL.Path})
	}
	httpx.WriteErr(w, err)
}

func badJSON(w http.ResponseWriter, err error) {
	httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
}

func ok(w http.ResponseWriter, status int, key string, v any) {
	httpx.WriteJSON(w, status, map[string]any{"request_id": httpx.NewRequestID(), key: v})
}

type actorBody struct {
	Actor string `json:"actor"`
}

func (s *Server) registerItem(w http.ResponseWriter, r *http.Request) {
	var req custody.RegisterRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.eng.RegisterItem(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "result", res)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.eng.Items(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []string{}
	}
	ok(w, http.StatusOK, "items", items)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	proj, err := s.eng.GetItem(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "item", proj)
}

func (s *Server) lockItem(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.eng.LockItem(r.Context(), chi.URLParam(r, "item_id"), body.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "result", res)
}

func (s *Server) unlockItem(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.eng.UnlockItem(r.Context(), chi.URLParam(r, "item_id"), body.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "result", res)
}

func (s *Server) itemEvents(w http.ResponseWriter, r *http.Request) {
	var from int64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "BAD_QUERY", "from must be a non-negative integer", nil)
			return
		}
		from = n
	}
	events, err := s.eng.History(r.Context(), chi.URLParam(r, "item_id"), from)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "events", events)
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Initiator            string `json:"initiator"`
		ProposedNewCustodian string `json:"proposed_new_custodian"`
		Location             string `json:"location,omitempty"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.eng.ProposeTransition(r.Context(), custody.ProposeRequest{
		ItemID:               chi.URLParam(r, "item_id"),
		Initiator:            req.Initiator,
		ProposedNewCustodian: req.ProposedNewCustodian,
		Location:             req.Location,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "result", res)
}

func (s *Server) getTransition(w http.ResponseWriter, r *http.Request) {
	t, err := s.eng.GetTransition(r.Context(), chi.URLParam(r, "transition_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "transition", t)
}

func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.eng.AcknowledgeTransition(r.Context(), chi.URLParam(r, "transition_id"), body.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "result", res)
}

func (s *Server) contest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason,omitempty"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.eng.ContestTransition(r.Context(), chi.URLParam(r, "transition_id"), body.Actor, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "result", res)
}

func (s *Server) attest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Attester      string         `json:"attester"`
		RuleComponent model.RuleName `json:"rule_component,omitempty"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.eng.AttestTransition(r.Context(), chi.URLParam(r, "transition_id"), body.Attester, body.RuleComponent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "result", res)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor        string              `json:"actor"`
		Rule         model.RuleName      `json:"rule,omitempty"`
		Attestations []model.Attestation `json:"attestations,omitempty"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.eng.ConfirmTransition(r.Context(), custody.ConfirmRequest{
		TransitionID: chi.URLParam(r, "transition_id"),
		Actor:        body.Actor,
		Rule:         body.Rule,
		Attestations: body.Attestations,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "result", res)
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.eng.RevokeTransition(r.Context(), chi.URLParam(r, "transition_id"), body.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "result", res)
}

func (s *Server) ingestArtifact(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category   model.Category    `json:"category"`
		PayloadRef string            `json:"payload_ref"`
		Metadata   map[string]string `json:"metadata,omitempty"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		badJSON(w, err)
		return
	}
	art, score, err := s.eng.IngestArtifact(r.Context(), custody.IngestRequest{
		ItemID:     chi.URLParam(r, "item_id"),
		Category:   body.Category,
		PayloadRef: body.PayloadRef,
		Metadata:   body.Metadata,
	})
	var unscored *custody.UnscoredError
	if errors.As(err, &unscored) {
		s.log.ErrorErr("initial score failed", err)
		httpx.WriteError(w, errclass.HTTPStatus(err), codeOf(err), err.Error(), map[string]any{"artifact_id": unscored.ArtifactID})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id": httpx.NewRequestID(),
		"artifact":   art,
		"score":      score,
	})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.eng.Artifacts(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if arts == nil {
		arts = []model.EvidenceArtifact{}
	}
	ok(w, http.StatusOK, "artifacts", arts)
}

func (s *Server) rescore(w http.ResponseWriter, r *http.Request) {
	score, err := s.eng.RecomputeScore(r.Context(), chi.URLParam(r, "artifact_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "score", score)
}

func (s *Server) scores(w http.ResponseWriter, r *http.Request) {
	history, err := s.eng.Scores(r.Context(), chi.URLParam(r, "artifact_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "scores", history)
}

func (s *Server) buildPacket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level              model.EscalationLevel `json:"level"`
		Assert             []string              `json:"assert,omitempty"`
		IncludeNonAsserted bool                  `json:"include_non_asserted,omitempty"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		badJSON(w, err)
		return
	}
	p, err := s.eng.BuildEscalationPacket(r.Context(), chi.URLParam(r, "item_id"), body.Level, custody.PacketOptions{
		Assert:             body.Assert,
		IncludeNonAsserted: body.IncludeNonAsserted,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "packet", p)
}

func (s *Server) getPacket(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.GetPacket(r.Context(), chi.URLParam(r, "packet_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "packet", p)
}

func (s *Server) itemNotifications(w http.ResponseWriter, r *http.Request) {
	records, err := s.eng.Notifications(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []model.NotificationRecord{}
	}
	ok(w, http.StatusOK, "notifications", records)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	plan, report, err := s.eng.Sweep(r.Context(), dryRun)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"plan":       plan,
		"report":     report,
	})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	results, err := s.eng.Verify(r.Context(), r.URL.Query().Get("item"))
	if err != nil && !errors.Is(err, errclass.ErrAuditChainBroken) {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusConflict
	}
	httpx.WriteJSON(w, status, map[string]any{
		"request_id": httpx.NewRequestID(),
		"valid":      err == nil,
		"results":    results,
	})
}

func (s *Server) doctor(w http.ResponseWriter, r *http.Request) {
	result, err := s.eng.Doctor(r.Context(), r.URL.Query().Get("strict") == "true")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "doctor", result)
}

func codeOf(err error) string {
	if code := errclass.Code(err); code != "" {
		return code
	}
	return "INTERNAL"
}
