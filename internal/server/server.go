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

	"pvlab/internal/domain"
	"pvlab/internal/engine"
	"pvlab/internal/fieldval"
	"pvlab/internal/protocol"
	"pvlab/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"incomplete_step"`
	Message string         `json:"message" example:"step characterization missing required fields"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the lab API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("PVLab API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProtocols(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerMeasurements(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var ste engine.StateTransitionError
	if errors.As(err, &ste) {
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), map[string]any{
			"run_id": ste.RunID, "from": ste.From, "to": ste.To,
		})
	}
	var ise engine.IncompleteStepError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_step", err.Error(), map[string]any{
			"step_id": ise.StepID, "missing": ise.Missing,
		})
	}
	var fe *fieldval.FieldError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusBadRequest, "invalid_field_value", err.Error(), map[string]any{
			"field_id": fe.FieldID, "reason": fe.Reason,
		})
	}
	var se *protocol.SchemaError
	if errors.As(err, &se) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_protocol", "protocol document invalid", map[string]any{
			"violations": se.Violations,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already imported"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>PVLab API Docs</title>
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

func registerProtocols(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-protocol",
		Method:        http.MethodPost,
		Path:          "/protocols",
		Summary:       "Import protocol document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body ProtocolResponse `json:"body"`
	}, error) {
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ImportProtocol(ctx, input.RawBody, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProtocolResponse `json:"body"`
		}{Body: protocolResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-protocols",
		Method:      http.MethodGet,
		Path:        "/protocols",
		Summary:     "List protocols",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
	}) (*struct {
		Body []ProtocolResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProtocols(ctx, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProtocolResponse `json:"body"`
		}{Body: mapProtocols(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-protocol",
		Method:      http.MethodGet,
		Path:        "/protocols/{id}/{version}",
		Summary:     "Get protocol document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Version string `path:"version"`
	}) (*struct {
		Body json.RawMessage `json:"body"`
	}, error) {
		p, err := e.Repo.GetProtocol(ctx, input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body json.RawMessage `json:"body"`
		}{Body: json.RawMessage(p.Document)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Create test run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		operator := input.Body.Operator
		if operator == "" {
			operator = actorID
		}
		run, err := e.CreateRun(ctx, engine.RunCreateOptions{
			ProtocolID:      input.Body.ProtocolID,
			ProtocolVersion: input.Body.ProtocolVersion,
			SampleID:        input.Body.SampleID,
			Operator:        operator,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{TestRun: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List test runs",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		SampleID string `query:"sample_id"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRuns(ctx, input.Status, input.SampleID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RunResponse, 0, len(items))
		for _, r := range items {
			out = append(out, RunResponse{TestRun: r})
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Run snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		snap, err := e.Snapshot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: SnapshotResponse{RunSnapshot: snap}}, nil
	})

	type runAction func(ctx context.Context, runID, actorID string) (any, error)
	register := func(opID, pathSuffix, summary string, action runAction) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/runs/{id}/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body any `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			out, err := action(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body any `json:"body"`
			}{Body: out}, nil
		})
	}

	register("start-run", "start", "Start run", func(ctx context.Context, runID, actorID string) (any, error) {
		return e.StartRun(ctx, runID, actorID)
	})
	register("pause-run", "pause", "Pause run", func(ctx context.Context, runID, actorID string) (any, error) {
		return e.PauseRun(ctx, runID, actorID)
	})
	register("resume-run", "resume", "Resume run", func(ctx context.Context, runID, actorID string) (any, error) {
		return e.ResumeRun(ctx, runID, actorID)
	})
	register("advance-step", "advance", "Advance run step", func(ctx context.Context, runID, actorID string) (any, error) {
		return e.AdvanceStep(ctx, runID, actorID)
	})
	register("checkpoint-run", "checkpoint", "Checkpoint run", func(ctx context.Context, runID, actorID string) (any, error) {
		return e.Checkpoint(ctx, runID)
	})
	register("restore-run", "restore", "Restore run from checkpoint", func(ctx context.Context, runID, actorID string) (any, error) {
		return e.ResumeFromCheckpoint(ctx, runID, actorID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/abort",
		Summary:     "Abort run",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body AbortRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		run, err := e.AbortRun(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{TestRun: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/complete",
		Summary:     "Complete run and compute verdict",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CompleteRunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, verdict, err := e.CompleteRun(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteRunResponse `json:"body"`
		}{Body: CompleteRunResponse{Run: run, Verdict: *verdict}}, nil
	})
}

func registerMeasurements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-measurement",
		Method:        http.MethodPost,
		Path:          "/runs/{id}/measurements",
		Summary:       "Submit measurement",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body SubmitMeasurementRequest `json:"body"`
	}) (*struct {
		Body SubmitMeasurementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.FieldID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "field_id is required", nil)
		}
		m, qcEvents, err := e.SubmitMeasurement(ctx, engine.MeasurementInput{
			RunID:      input.ID,
			FieldID:    input.Body.FieldID,
			Value:      input.Body.Value,
			LocationID: input.Body.LocationID,
			Cycle:      input.Body.Cycle,
			TS:         input.Body.TS,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		run, err := e.Repo.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if qcEvents == nil {
			qcEvents = []domain.QCEvent{}
		}
		return &struct {
			Body SubmitMeasurementResponse `json:"body"`
		}{Body: SubmitMeasurementResponse{
			Measurement: m,
			QCEvents:    qcEvents,
			RunStatus:   run.Status,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "discard-measurement",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/measurements/{seq}/discard",
		Summary:     "Discard measurement",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Seq  int64                     `path:"seq"`
		Body DiscardMeasurementRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		if err := e.DiscardMeasurement(ctx, input.ID, input.Seq, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/events",
		Summary:     "Run audit events",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.ID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
