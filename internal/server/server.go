package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"signalbox/internal/domain"
	"signalbox/internal/engine"
	"signalbox/internal/engine/auth"
	"signalbox/internal/hub"
	"signalbox/internal/occupancy"
	"signalbox/internal/store"
)

const ModelName = "rule-based-v1"

// Config for the HTTP API handler.
type Config struct {
	Engine *engine.Engine
	Hub    *hub.Hub
	// Store is optional; without it audit and ticket history come from the
	// in-memory workflow.
	Store    *store.Store
	Policy   auth.Policy
	Bands    occupancy.Bands
	BasePath string
	Auth     AuthConfig
	WS       hub.WSConfig
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"ticket 1b2f: cannot approve from pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type apiServer struct {
	cfg    Config
	engine *engine.Engine
	logger *log.Logger
}

// New returns an HTTP handler exposing the signalbox API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("server: hub is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Bands == (occupancy.Bands{}) {
		cfg.Bands = occupancy.DefaultBands
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Signalbox API", cfg.Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := &apiServer{cfg: cfg, engine: cfg.Engine, logger: cfg.Auth.logger()}
	registerDocs(router, basePath)
	registerHealth(group, a)
	registerState(group, a)
	registerRecommendations(group, a)
	registerApprovals(group, a)
	registerTickets(group, a)
	registerAudit(group, a)
	registerControl(group, a)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, a)
	}
	registerWS(router, basePath, a)
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"ticket_id": te.TicketID,
			"status":    string(te.From),
		})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "upstream_unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

// errorCode is handleError's code, reused for websocket command replies.
func errorCode(err error) string {
	if ae, ok := handleError(err).(*apiError); ok {
		return ae.Body.Code
	}
	return "internal_error"
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Signalbox API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: a.health(time.Now())}, nil
	})
}

// health reports "lagging" once the last good tick is more than three
// intervals old.
func (a *apiServer) health(now time.Time) HealthResponse {
	st := a.engine.Status()
	if st.LastTick.IsZero() {
		return HealthResponse{Status: "starting"}
	}
	lag := now.Sub(st.LastTick)
	out := HealthResponse{Status: "ok", LastTick: st.LastTick, TickLag: lag.Round(time.Millisecond).String()}
	interval, err := time.ParseDuration(st.TickInterval)
	switch {
	case st.Stale:
		out.Status = "stale"
	case err == nil && interval > 0 && lag > 3*interval:
		out.Status = "lagging"
	}
	return out
}

// snapshot is the latest published world state. Before the first tick it
// is an empty snapshot rather than an error.
func (a *apiServer) snapshot() domain.Snapshot {
	s, ok := a.engine.Snapshot()
	if !ok {
		return domain.Snapshot{
			Positions:       []domain.Train{},
			Tracks:          []domain.Track{},
			Conflicts:       []domain.Conflict{},
			Recommendations: []domain.Recommendation{},
		}
	}
	return s
}

func registerState(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "get-kpis",
		Method:      http.MethodGet,
		Path:        "/kpis",
		Summary:     "KPIs derived from the latest tick",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.KPIs `json:"body"`
	}, error) {
		return &struct {
			Body domain.KPIs `json:"body"`
		}{Body: a.snapshot().KPIs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-trains",
		Method:      http.MethodGet,
		Path:        "/trains",
		Summary:     "Train positions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Train `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Train `json:"body"`
		}{Body: a.snapshot().Positions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tracks",
		Method:      http.MethodGet,
		Path:        "/tracks",
		Summary:     "Track blocks with occupancy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Track `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Track `json:"body"`
		}{Body: a.snapshot().Tracks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/conflicts",
		Summary:     "Conflicts of the latest tick",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Conflict `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Conflict `json:"body"`
		}{Body: a.snapshot().Conflicts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "system-status",
		Method:      http.MethodGet,
		Path:        "/system/status",
		Summary:     "Engine status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Status `json:"body"`
	}, error) {
		return &struct {
			Body engine.Status `json:"body"`
		}{Body: a.engine.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "model-version",
		Method:      http.MethodGet,
		Path:        "/model/version",
		Summary:     "Advisory model in use",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ModelVersionResponse `json:"body"`
	}, error) {
		return &struct {
			Body ModelVersionResponse `json:"body"`
		}{Body: ModelVersionResponse{
			Name:        ModelName,
			Version:     a.cfg.Version,
			Description: "distance-band occupancy with priority-ordered hold advice",
			NearRadius:  a.cfg.Bands.Near,
			Approach:    a.cfg.Bands.Approach,
		}}, nil
	})
}

func registerRecommendations(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-recommendations",
		Method:      http.MethodGet,
		Path:        "/recommendations",
		Summary:     "Recommendations of the latest tick",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Recommendation `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Recommendation `json:"body"`
		}{Body: a.snapshot().Recommendations}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-recommendation",
		Method:      http.MethodGet,
		Path:        "/recommendations/active",
		Summary:     "Highest-priority recommendation of the latest tick",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ActiveRecommendationResponse `json:"body"`
	}, error) {
		var out ActiveRecommendationResponse
		if rec, ok := a.engine.ActiveRecommendation(); ok {
			out.Recommendation = &rec
			if t, err := a.engine.Workflow().ByRecommendation(rec.ID); err == nil {
				out.Ticket = &t
			}
		}
		return &struct {
			Body ActiveRecommendationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-recommendation",
		Method:      http.MethodPost,
		Path:        "/recommendations/{id}/accept",
		Summary:     "Operator accepts a recommendation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, a.cfg.Policy, auth.PermRecommendationAccept)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := a.engine.Accept(input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-supervisor",
		Method:      http.MethodPost,
		Path:        "/recommendations/{id}/request-supervisor",
		Summary:     "Escalate a recommendation to a supervisor",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, a.cfg.Policy, auth.PermRecommendationEscalate)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := a.engine.RequestSupervisor(input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})
}

func registerApprovals(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals/pending",
		Summary:     "Tickets awaiting a decision",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Ticket `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Ticket `json:"body"`
		}{Body: a.engine.Workflow().Pending()}, nil
	})

	type reviewInput struct {
		TicketID string         `path:"ticket_id"`
		Body     *ReviewRequest `json:"body" required:"false"`
	}
	review := func(perm string, do func(id, actor, comment string) (domain.Ticket, error)) func(context.Context, *reviewInput) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		return func(ctx context.Context, input *reviewInput) (*struct {
			Body domain.Ticket `json:"body"`
		}, error) {
			p, err := requirePermission(ctx, a.cfg.Policy, perm)
			if err != nil {
				return nil, handleError(err)
			}
			comment := ""
			if input.Body != nil {
				comment = strings.TrimSpace(input.Body.Comment)
			}
			t, err := do(input.TicketID, p.ActorID, comment)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Ticket `json:"body"`
			}{Body: t}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-ticket",
		Method:      http.MethodPost,
		Path:        "/approvals/{ticket_id}/approve",
		Summary:     "Supervisor approves an escalated ticket",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, review(auth.PermTicketApprove, a.engine.Approve))

	huma.Register(api, huma.Operation{
		OperationID: "reject-ticket",
		Method:      http.MethodPost,
		Path:        "/approvals/{ticket_id}/reject",
		Summary:     "Supervisor rejects an escalated ticket",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, review(auth.PermTicketReject, a.engine.Reject))
}

func registerTickets(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "Tickets, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Comma-separated statuses"`
		Limit  int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.Ticket `json:"body"`
	}, error) {
		statuses, err := parseStatuses(input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		var items []domain.Ticket
		if a.cfg.Store != nil {
			items, err = a.cfg.Store.ListTickets(ctx, normalizeLimit(input.Limit, 100), statuses...)
			if err != nil {
				return nil, handleError(err)
			}
		} else {
			items = a.engine.Workflow().List(statuses...)
			if limit := normalizeLimit(input.Limit, 100); len(items) > limit {
				items = items[len(items)-limit:]
			}
		}
		if items == nil {
			items = []domain.Ticket{}
		}
		return &struct {
			Body []domain.Ticket `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}",
		Summary:     "One ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := a.engine.Workflow().Get(input.TicketID)
		if errors.Is(err, domain.ErrNotFound) && a.cfg.Store != nil {
			t, err = a.cfg.Store.GetTicket(ctx, input.TicketID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})
}

func registerAudit(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit trail, oldest first",
	}, func(ctx context.Context, input *struct {
		Limit int   `query:"limit" minimum:"0" maximum:"1000" doc:"Default 50"`
		After int64 `query:"after" minimum:"0" doc:"Only entries with a greater seq"`
	}) (*struct {
		Body AuditPage `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit, 50)
		var (
			items []domain.AuditEntry
			err   error
		)
		switch {
		case a.cfg.Store != nil && input.After > 0:
			items, err = a.cfg.Store.AuditAfter(ctx, input.After, limit)
		case a.cfg.Store != nil:
			items, err = a.cfg.Store.LatestAudit(ctx, limit)
		case input.After > 0:
			items, err = WorkflowAudit{W: a.engine.Workflow()}.AuditAfter(ctx, input.After, limit)
		default:
			items = a.engine.Workflow().Audit(limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		page := AuditPage{Items: items, Cursor: input.After}
		if page.Items == nil {
			page.Items = []domain.AuditEntry{}
		}
		if n := len(page.Items); n > 0 {
			page.Cursor = page.Items[n-1].Seq
		}
		return &struct {
			Body AuditPage `json:"body"`
		}{Body: page}, nil
	})
}

func registerControl(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID:   "control-train",
		Method:        http.MethodPost,
		Path:          "/trains/{train_id}/control",
		Summary:       "Queue a control command for the next tick",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TrainID string         `path:"train_id"`
		Body    ControlRequest `json:"body"`
	}) (*struct {
		Body QueuedResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, a.cfg.Policy, auth.PermTrainControl)
		if err != nil {
			return nil, handleError(err)
		}
		err = a.engine.Control(p.ActorID, engine.ControlCommand{
			TrainID: input.TrainID,
			Action:  engine.ControlAction(input.Body.Action),
			Value:   input.Body.Value,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueuedResponse `json:"body"`
		}{Body: QueuedResponse{Status: "queued"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "inject-event",
		Method:        http.MethodPost,
		Path:          "/simulation/events",
		Summary:       "Inject a simulation event",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SimulationEventRequest `json:"body"`
	}) (*struct {
		Body QueuedResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, a.cfg.Policy, auth.PermSimulationInject)
		if err != nil {
			return nil, handleError(err)
		}
		ev := engine.SimEvent{Type: engine.EventType(input.Body.Type), TrainID: input.Body.TrainID}
		if d := input.Body.Data; d != nil {
			ev.Train = &engine.NewTrain{
				ID:       d.ID,
				Name:     d.Name,
				Priority: domain.Priority(d.Priority),
				Speed:    d.Speed,
				MaxSpeed: d.MaxSpeed,
				Route:    toPoints(d.Route),
				Loop:     d.Loop,
			}
		}
		if err := a.engine.Inject(p.ActorID, ev); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueuedResponse `json:"body"`
		}{Body: QueuedResponse{Status: "queued"}}, nil
	})
}

func registerDevAuth(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" || len(input.Body.Roles) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and roles are required", nil)
		}
		for _, role := range input.Body.Roles {
			if !a.cfg.Policy.Known(role) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+role, map[string]any{"roles": a.cfg.Policy.Roles()})
			}
		}
		token, exp, err := IssueToken(a.cfg.Auth, actor, input.Body.Roles, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		a.logger.Printf("auth: dev token issued for %s roles=%v", actor, input.Body.Roles)
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: exp}}, nil
	})
}

func registerWS(r chi.Router, basePath string, a *apiServer) {
	r.Get(path.Join(basePath, "ws"), func(w http.ResponseWriter, req *http.Request) {
		p, _ := principalFromContext(req.Context())
		cfg := a.cfg.WS
		cfg.Commands = a.wsCommands(p)
		cfg.ErrorCode = errorCode
		if cfg.Logger == nil {
			cfg.Logger = a.logger
		}
		a.cfg.Hub.ServeWS(w, req, cfg)
	})
}

type wsTicketPayload struct {
	ID      string `json:"id"`
	Comment string `json:"comment,omitempty"`
}

// wsCommands runs ticket actions sent over the socket with the permissions
// of the principal that opened it.
func (a *apiServer) wsCommands(p Principal) hub.CommandFunc {
	return func(ctx context.Context, in hub.Inbound) (any, error) {
		var body wsTicketPayload
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &body); err != nil {
				return nil, domain.ValidationError{Field: "payload", Message: err.Error()}
			}
		}
		if strings.TrimSpace(body.ID) == "" {
			return nil, domain.ValidationError{Field: "payload.id", Message: "required"}
		}
		ctx = withPrincipal(ctx, p)
		var (
			perm string
			do   func() (domain.Ticket, error)
		)
		switch in.Type {
		case hub.MsgAccept:
			perm = auth.PermRecommendationAccept
			do = func() (domain.Ticket, error) { return a.engine.Accept(body.ID, p.ActorID) }
		case hub.MsgRequestSupervisor:
			perm = auth.PermRecommendationEscalate
			do = func() (domain.Ticket, error) { return a.engine.RequestSupervisor(body.ID, p.ActorID) }
		case hub.MsgApprove:
			perm = auth.PermTicketApprove
			do = func() (domain.Ticket, error) { return a.engine.Approve(body.ID, p.ActorID, body.Comment) }
		case hub.MsgReject:
			perm = auth.PermTicketReject
			do = func() (domain.Ticket, error) { return a.engine.Reject(body.ID, p.ActorID, body.Comment) }
		default:
			return nil, domain.ValidationError{Field: "type", Message: "unknown message type " + in.Type}
		}
		if _, err := requirePermission(ctx, a.cfg.Policy, perm); err != nil {
			return nil, err
		}
		return do()
	}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in, def int) int {
	if in <= 0 {
		return def
	}
	if in > 1000 {
		return 1000
	}
	return in
}

func parseStatuses(raw string) ([]domain.TicketStatus, error) {
	var out []domain.TicketStatus
	for _, part := range strings.Split(raw, ",") {
		s := domain.TicketStatus(strings.TrimSpace(part))
		switch s {
		case "":
			continue
		case domain.TicketPending, domain.TicketOperatorAccepted, domain.TicketAwaitingSupervisor,
			domain.TicketApproved, domain.TicketRejected, domain.TicketExpired:
			out = append(out, s)
		default:
			return nil, domain.ValidationError{Field: "status", Message: "unknown ticket status " + string(s)}
		}
	}
	return out, nil
}
