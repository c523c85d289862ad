package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pulse/internal/domain"
	"pulse/internal/engine"
	"pulse/internal/ingest"
	"pulse/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	GitHub   *ingest.GitHub
	Linear   *ingest.Linear
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"at least one ingest source is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pulse API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(raw))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Pulse API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerIngest(group, cfg)
	registerAnalyze(group, cfg.Engine)
	registerPriority(group, cfg.Engine)
	registerJourney(group, cfg.Engine)
	registerReport(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	switch {
	case errors.Is(err, ingest.ErrMissingCredentials),
		errors.Is(err, ingest.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return newAPIError(http.StatusGatewayTimeout, "upstream_timeout",
			"upstream request timed out", map[string]any{"error": err.Error()})
	}
	var oe *net.OpError
	if errors.As(err, &oe) || errors.Is(err, syscall.ECONNREFUSED) {
		return newAPIError(http.StatusServiceUnavailable, "upstream_unavailable",
			"upstream source unreachable", map[string]any{"error": err.Error()})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "upstream_unavailable"
	case http.StatusGatewayTimeout:
		return "upstream_timeout"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	raw, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return raw
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pulse API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		database := "connected"
		if err := e.DB.PingContext(ctx); err != nil {
			database = "error"
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok", "database": database}}, nil
	})
}

func registerIngest(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "ingest-run",
		Method:      http.MethodPost,
		Path:        "/ingest/run",
		Summary:     "Pull events from the configured sources",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DryRun bool          `query:"dryRun" doc:"Preview Linear events without storing them"`
		Body   IngestRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if input.Body.GitHub == nil && !input.Body.Linear {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at least one ingest source is required", nil)
		}

		var out IngestResponse
		if gh := input.Body.GitHub; gh != nil {
			if gh.Owner == "" || gh.Repo == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "github owner and repo are required", nil)
			}
			res, err := cfg.GitHub.Run(ctx, e.Repo, gh.Owner, gh.Repo, gh.SinceISO)
			if err != nil {
				return nil, handleError(err)
			}
			out.GitHub = &res
		}
		if input.Body.Linear {
			res, err := cfg.Linear.Run(ctx, e.Repo, input.DryRun)
			if err != nil {
				return nil, handleError(err)
			}
			out.Linear = &res
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAnalyze(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/analyze",
		Summary:     "Compute 48h metrics and recent events",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AnalyzeResponse `json:"body"`
	}, error) {
		m, events, err := e.Analyze(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnalyzeResponse `json:"body"`
		}{Body: AnalyzeResponse{Metrics: m, Events: events}}, nil
	})
}

func registerPriority(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-priority",
		Method:      http.MethodPost,
		Path:        "/priority/generate",
		Summary:     "Generate the next best action recommendation",
	}, func(ctx context.Context, input *struct {
		JourneyID string `query:"journey_id" doc:"Journey to align with; the active journey when omitted"`
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		// Always answers 200 with a recommendation, degrading internally.
		rec := e.GenerateRecommendation(ctx, input.JourneyID)
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "priority-feedback",
		Method:      http.MethodPost,
		Path:        "/priority/feedback",
		Summary:     "Record feedback for a generated recommendation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body FeedbackRequest `json:"body"`
	}) (*struct {
		Body FeedbackResponse `json:"body"`
	}, error) {
		if input.Body.RecommendationID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "recommendation_id is required", nil)
		}
		id, err := e.RecordFeedback(ctx, engine.FeedbackInput{
			RecommendationID:      input.Body.RecommendationID,
			ActionTaken:           input.Body.ActionTaken,
			Outcome:               input.Body.Outcome,
			FeedbackScore:         input.Body.FeedbackScore,
			TimeToCompleteMinutes: input.Body.TimeToCompleteMinutes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FeedbackResponse `json:"body"`
		}{Body: FeedbackResponse{Status: "recorded", ID: id}}, nil
	})
}

func registerJourney(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-journey",
		Method:      http.MethodGet,
		Path:        "/journey/state",
		Summary:     "Get the stored journey state",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		JourneyID string `query:"journey_id" doc:"Journey id; the active journey when omitted"`
	}) (*struct {
		Body domain.Journey `json:"body"`
	}, error) {
		j, err := e.JourneyState(ctx, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Journey `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-journey",
		Method:      http.MethodPut,
		Path:        "/journey/state",
		Summary:     "Create or replace the journey state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body JourneyUpsertRequest `json:"body"`
	}) (*struct {
		Body domain.Journey `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.DesiredState.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "desired_state.role is required", nil)
		}

		now := e.Now().UTC().Format(time.RFC3339)
		j := domain.Journey{
			ID:           input.Body.ID,
			DesiredState: input.Body.DesiredState,
			CurrentState: input.Body.CurrentState,
			Preferences:  input.Body.Preferences,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if input.Body.IsActive != nil {
			j.IsActive = *input.Body.IsActive
		}
		if j.ID == "" {
			j.ID = uuid.NewString()
		} else if existing, err := e.Repo.GetJourney(ctx, j.ID); err == nil {
			j.CreatedAt = existing.CreatedAt
		}
		if err := e.Repo.UpsertJourney(ctx, j); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Journey `json:"body"`
		}{Body: j}, nil
	})
}

func registerReport(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "public-report",
		Method:      http.MethodGet,
		Path:        "/report/public",
		Summary:     "Public activity report",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.PublicReport `json:"body"`
	}, error) {
		report := e.BuildPublicReport(ctx)
		return &struct {
			Body engine.PublicReport `json:"body"`
		}{Body: report}, nil
	})
}
