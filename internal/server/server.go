package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"docqr/internal/domain"
	"docqr/internal/engine"
	"docqr/internal/locator"
	"docqr/internal/repo"
	"docqr/internal/signature"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// Verifier checks payloads on the /r route. Without one the route
	// answers 503.
	Verifier    *signature.Verifier
	CORSOrigins []string
	Log         *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"revision B of 3D-00001234 is not registered"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}

const scanBase = "http://localhost"

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the document status API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("server")

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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Document Status API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerRevisions(group, cfg.Engine, log)
	registerEvents(group, cfg.Engine)
	registerScan(api, cfg.Engine, cfg.Verifier, log)
	registerOpenAPI(router, api, basePath)

	if len(cfg.CORSOrigins) == 0 {
		return router, nil
	}
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor-Id"},
	})
	return c.Handler(router), nil
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

// handleError maps typed domain errors onto the envelope; the error kind
// becomes the code.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case domain.KindInvalidFormat:
			return newAPIError(http.StatusBadRequest, string(de.Kind), de.Error(), nil)
		case domain.KindInvalidSignature, domain.KindExpired:
			return newAPIError(http.StatusForbidden, string(de.Kind), de.Error(), nil)
		case domain.KindNotFound:
			return newAPIError(http.StatusNotFound, string(de.Kind), de.Error(), nil)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := fmt.Sprintf(docsPage, path.Join("/", basePath, "openapi.json"))
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

// registerOpenAPI serves the document built on first request, with the
// error envelope attached to every operation.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	errSchema := &huma.Schema{Ref: "#/components/schemas/ApiError"}
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
						Schema: errSchema,
					},
				},
			}
		}
	}
}

const docsPage = `<!doctype html>
<html>
<head>
  <title>docqr status API</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <script src="https://unpkg.com/@stoplight/elements/web-components.min.js"></script>
  <link rel="stylesheet" href="https://unpkg.com/@stoplight/elements/styles.min.css">
</head>
<body style="height: 100vh;">
  <elements-api apiDescriptionUrl="%s" router="hash" layout="sidebar"></elements-api>
</body>
</html>`

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

type statusOutput struct {
	Status int
	Body   domain.DocumentStatus
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "page-status",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_uid}/revisions/{revision}/status",
		Summary:     "Status of one page of a document revision",
		Description: "Answers 200 for the actual revision and 410 with the same body when a newer revision superseded it.",
		Errors:      []int{http.StatusNotFound, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		DocUID   string `path:"doc_uid"`
		Revision string `path:"revision"`
		Page     int    `query:"page" default:"1"`
	}) (*statusOutput, error) {
		st, code, err := e.Status(ctx, input.DocUID, input.Revision, input.Page)
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Status: code, Body: st}, nil
	})
}

func registerRevisions(api huma.API, e engine.Engine, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "put-revision",
		Method:      http.MethodPut,
		Path:        "/documents/{doc_uid}/revisions/{revision}",
		Summary:     "Register or update a revision",
		Description: "A revision registered for the first time supersedes the previous actual revision of the document.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DocUID   string `path:"doc_uid"`
		Revision string `path:"revision"`
		ActorID  string `header:"X-Actor-Id"`
		Body     RevisionRequest
	}) (*struct {
		Status int
		Body   RegisterResponse
	}, error) {
		res, err := e.RegisterRevision(ctx, engine.RevisionInput{
			DocUID:         input.DocUID,
			Revision:       input.Revision,
			Pages:          input.Body.Pages,
			BusinessStatus: input.Body.BusinessStatus,
			EnoviaState:    input.Body.EnoviaState,
			ReleasedAt:     input.Body.ReleasedAt,
			DocumentURL:    input.Body.DocumentURL,
			ActorID:        input.ActorID,
		})
		if err != nil {
			log.Warn("register revision failed", zap.String("doc_uid", input.DocUID), zap.String("revision", input.Revision), zap.Error(err))
			return nil, handleError(err)
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   RegisterResponse
		}{Status: status, Body: registerResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-revision",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_uid}/revisions/{revision}",
		Summary:     "Get a revision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocUID   string `path:"doc_uid"`
		Revision string `path:"revision"`
	}) (*struct {
		Body RevisionResponse `json:"body"`
	}, error) {
		rev, err := e.Revision(ctx, input.DocUID, input.Revision)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RevisionResponse `json:"body"`
		}{Body: revisionResponse(rev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-revisions",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_uid}/revisions",
		Summary:     "List the revisions of a document",
	}, func(ctx context.Context, input *struct {
		DocUID string `path:"doc_uid"`
	}) (*struct {
		Body []RevisionResponse `json:"body"`
	}, error) {
		items, err := e.Revisions(ctx, input.DocUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RevisionResponse `json:"body"`
		}{Body: mapRevisions(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_uid}/events",
		Summary:     "List recent registry events of a document",
	}, func(ctx context.Context, input *struct {
		DocUID string `path:"doc_uid"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.History(ctx, input.DocUID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

// registerScan serves the URL printed in the QR code itself, so a plain
// camera app that opens the link gets a verified status back.
func registerScan(api huma.API, e engine.Engine, v *signature.Verifier, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "scan-payload",
		Method:      http.MethodGet,
		Path:        "/" + locator.PathMarker + "/{doc_uid}/{revision}/{page}",
		Summary:     "Verify a scanned payload and return the page status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		DocUID    string `path:"doc_uid"`
		Revision  string `path:"revision"`
		Page      string `path:"page"`
		Timestamp string `query:"ts"`
		Signature string `query:"t"`
	}) (*struct {
		Status int
		Body   ScanResponse
	}, error) {
		if v == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "payload verification is not configured", nil)
		}
		req, ok := ctx.Value(requestKey{}).(*http.Request)
		if !ok || req == nil {
			return nil, newAPIError(http.StatusInternalServerError, "", "request unavailable", nil)
		}
		// only the path and query are signed, so the host is irrelevant
		loc, err := locator.Parse(scanBase + req.URL.RequestURI())
		if err != nil {
			return nil, handleError(err)
		}
		verified, err := v.Verify(loc)
		if err != nil {
			log.Info("scanned payload rejected",
				zap.String("doc_uid", loc.DocUID),
				zap.String("kind", string(domain.KindOf(err))))
			return nil, handleError(err)
		}
		l := verified.Locator()
		st, code, err := e.Status(ctx, l.DocUID, l.Revision, l.Page)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Status int
			Body   ScanResponse
		}{Status: code, Body: ScanResponse{Locator: l, Status: st}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
