package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/repo"
)

// Config for the HTTP API handler. Context, when set, stops background
// workers such as the webhook dispatcher on cancellation.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Context  context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_finalized"`
	Message string         `json:"message" example:"challenge 0 is completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bountyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Bountyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerChallenges(group, cfg.Engine)
	registerSolutions(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	dispatchCtx := cfg.Context
	if dispatchCtx == nil {
		dispatchCtx = context.Background()
	}
	startWebhookDispatcher(dispatchCtx, cfg.Engine)

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

// handleError maps the engine's typed error kinds onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case errors.Is(err, engine.ErrAlreadyFinalized):
		return newAPIError(http.StatusConflict, "already_finalized", msg, nil)
	case errors.Is(err, engine.ErrDeadlinePassed):
		return newAPIError(http.StatusUnprocessableEntity, "deadline_passed", msg, nil)
	case errors.Is(err, engine.ErrDeadlineNotReached):
		return newAPIError(http.StatusUnprocessableEntity, "deadline_not_reached", msg, nil)
	case errors.Is(err, engine.ErrInsufficientFunds):
		return newAPIError(http.StatusPaymentRequired, "insufficient_funds", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "already_finalized"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusPaymentRequired:
		return "insufficient_funds"
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Bountyline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerChallenges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-challenge",
		Method:        http.MethodPost,
		Path:          "/challenges",
		Summary:       "Post a challenge with an escrowed reward",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateChallengeRequest `json:"body"`
	}) (*struct {
		Body ChallengeResponse `json:"body"`
	}, error) {
		creator, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateChallenge(ctx, engine.ChallengeCreateOptions{
			Creator:         creator,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			Category:        input.Body.Category,
			DurationSeconds: input.Body.DurationSeconds,
			Reward:          input.Body.Reward,
			Attached:        input.Body.Attached,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChallengeResponse `json:"body"`
		}{Body: challengeResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-challenges",
		Method:      http.MethodGet,
		Path:        "/challenges",
		Summary:     "List challenges",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		Creator string `query:"creator"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  int64  `query:"cursor"`
	}) (*struct {
		Body paginatedChallenges `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		// query/path params must be value types; 0 means no cursor
		var cursor *int64
		if input.Cursor > 0 {
			cursor = &input.Cursor
		}
		items, err := e.Repo.ListChallenges(ctx, repo.ChallengeFilters{
			Status:   input.Status,
			Creator:  input.Creator,
			Limit:    limit + 1,
			CursorID: cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedChallenges{Items: []ChallengeResponse{}}
		if len(items) > limit {
			items = items[:limit]
			next := items[len(items)-1].ID
			resp.NextCursor = &next
		}
		resp.Items = mapChallenges(items)
		return &struct {
			Body paginatedChallenges `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-challenges",
		Method:      http.MethodGet,
		Path:        "/challenges/open",
		Summary:     "Ids of challenges that are open and before deadline",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			IDs []int64 `json:"ids"`
		} `json:"body"`
	}, error) {
		ids, err := e.GetOpenChallenges(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if ids == nil {
			ids = []int64{}
		}
		out := &struct {
			Body struct {
				IDs []int64 `json:"ids"`
			} `json:"body"`
		}{}
		out.Body.IDs = ids
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "challenge-count",
		Method:      http.MethodGet,
		Path:        "/challenges/count",
		Summary:     "Total challenges ever created",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Count int64 `json:"count"`
		} `json:"body"`
	}, error) {
		count, err := e.ChallengeCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Count int64 `json:"count"`
			} `json:"body"`
		}{}
		out.Body.Count = count
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-challenge",
		Method:      http.MethodGet,
		Path:        "/challenges/{challenge_id}",
		Summary:     "Get challenge",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChallengeID int64 `path:"challenge_id"`
	}) (*struct {
		Body ChallengeResponse `json:"body"`
	}, error) {
		c, err := e.GetChallenge(ctx, input.ChallengeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChallengeResponse `json:"body"`
		}{Body: challengeResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-challenge-escrow",
		Method:      http.MethodGet,
		Path:        "/challenges/{challenge_id}/escrow",
		Summary:     "Escrow entry and payout for a challenge",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChallengeID int64 `path:"challenge_id"`
	}) (*struct {
		Body EscrowResponse `json:"body"`
	}, error) {
		entry, err := e.Repo.GetEscrow(ctx, input.ChallengeID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EscrowResponse{
			ChallengeID: entry.ChallengeID,
			Amount:      entry.Amount,
			Released:    entry.Released,
		}
		if !entry.Released {
			resp.Balance = entry.Amount
		}
		if payout, err := e.Repo.GetPayout(ctx, input.ChallengeID); err == nil {
			resp.Payout = &payout
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSolutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-solution",
		Method:        http.MethodPost,
		Path:          "/challenges/{challenge_id}/solutions",
		Summary:       "Submit a solution to an open challenge",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ChallengeID int64                 `path:"challenge_id"`
		Body        SubmitSolutionRequest `json:"body"`
	}) (*struct {
		Body SolutionResponse `json:"body"`
	}, error) {
		solver, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SubmitSolution(ctx, input.ChallengeID, solver, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SolutionResponse `json:"body"`
		}{Body: solutionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-solutions",
		Method:      http.MethodGet,
		Path:        "/challenges/{challenge_id}/solutions",
		Summary:     "All solutions for a challenge in submission order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChallengeID int64 `path:"challenge_id"`
	}) (*struct {
		Body []SolutionResponse `json:"body"`
	}, error) {
		items, err := e.GetAllSolutions(ctx, input.ChallengeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SolutionResponse `json:"body"`
		}{Body: mapSolutions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-solution",
		Method:      http.MethodGet,
		Path:        "/challenges/{challenge_id}/solutions/{solution_id}",
		Summary:     "Get a single solution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChallengeID int64 `path:"challenge_id"`
		SolutionID  int64 `path:"solution_id"`
	}) (*struct {
		Body SolutionResponse `json:"body"`
	}, error) {
		s, err := e.GetSolution(ctx, input.ChallengeID, input.SolutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SolutionResponse `json:"body"`
		}{Body: solutionResponse(s)}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "select-winner",
		Method:      http.MethodPost,
		Path:        "/challenges/{challenge_id}/winner",
		Summary:     "Select the winning solution and release the escrow",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ChallengeID int64               `path:"challenge_id"`
		Body        SelectWinnerRequest `json:"body"`
	}) (*struct {
		Body ChallengeResponse `json:"body"`
	}, error) {
		caller, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SelectWinner(ctx, input.ChallengeID, input.Body.SolutionID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChallengeResponse `json:"body"`
		}{Body: challengeResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-challenge",
		Method:      http.MethodPost,
		Path:        "/challenges/{challenge_id}/expire",
		Summary:     "Expire a past-deadline challenge and refund the creator",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ChallengeID int64 `path:"challenge_id"`
	}) (*struct {
		Body ChallengeResponse `json:"body"`
	}, error) {
		caller, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ExpireChallenge(ctx, input.ChallengeID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChallengeResponse `json:"body"`
		}{Body: challengeResponse(c)}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-agent-stats",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/stats",
		Summary:     "Reputation and participation counters for an agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentStatsResponse `json:"body"`
	}, error) {
		s, err := e.GetAgentStats(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentStatsResponse `json:"body"`
		}{Body: statsResponse(s)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent ledger events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit       int    `query:"limit" default:"50"`
		Cursor      int64  `query:"cursor"`
		Type        string `query:"type"`
		ChallengeID int64  `query:"challenge_id" default:"-1"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		// challenge ids start at 0, so -1 marks the filter as unset
		var challengeID *int64
		if input.ChallengeID >= 0 {
			challengeID = &input.ChallengeID
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.Cursor, input.Type, challengeID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key for an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		rawKey := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			AgentID: input.Body.AgentID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(rawKey),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:      key.ID,
			AgentID: key.AgentID,
			Name:    key.Name,
			Key:     rawKey,
		}}, nil
	})
}
