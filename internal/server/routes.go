package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"sqs/internal/domain"
	"sqs/internal/engine"
	"sqs/internal/engine/auth"
	"sqs/internal/layers"
	"sqs/internal/prefill"
	"sqs/internal/repo"
)

type queryOutput struct {
	RequestLogID string `header:"X-Request-Log-Id"`
	Cache        string `header:"X-Cache"`
	Body         any
}

func (h handlers) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Queue and layer status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		counts, err := h.engine.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		queue, err := h.engine.Queue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		active, err := h.layers.List(ctx, true)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			System:     h.engine.Config.Query.System,
			Queued:     len(queue),
			TaskCounts: counts,
			Layers:     len(active),
		}}, nil
	})
}

func (h handlers) registerQueries(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "spatial-query",
		Method:      http.MethodPost,
		Path:        "/das/spatial_query",
		Summary:     "Prefill a proposal synchronously (FULL or PARTIAL)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusFailedDependency,
		},
	}, func(ctx context.Context, _ *struct{}) (*queryOutput, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermQueryRun); err != nil {
			return nil, handleError(err)
		}
		payload, bodyErr := requestBody(ctx)
		if bodyErr != nil {
			return nil, bodyErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.SpatialQuery(ctx, payload, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &queryOutput{RequestLogID: strconv.FormatInt(res.RequestLogID, 10), Cache: "MISS", Body: res.Response}
		if res.Cached {
			out.Cache = "HIT"
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/das/task_queue",
		Summary:       "Queue a FULL prefill for a proposal",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Priority int `query:"priority" doc:"1 high, 2 normal (default), 3 low"`
	}) (*struct {
		Body engine.EnqueueResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermTaskEnqueue); err != nil {
			return nil, handleError(err)
		}
		payload, bodyErr := requestBody(ctx)
		if bodyErr != nil {
			return nil, bodyErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.Enqueue(ctx, engine.EnqueueOptions{
			Payload:   payload,
			Priority:  input.Priority,
			Requester: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EnqueueResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "single-query",
		Method:      http.MethodPost,
		Path:        "/das/single_query",
		Summary:     "Evaluate one question against ad-hoc masterlist entries",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body prefill.SingleResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermQueryRun); err != nil {
			return nil, handleError(err)
		}
		payload, bodyErr := requestBody(ctx)
		if bodyErr != nil {
			return nil, bodyErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.SingleQuery(ctx, payload, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body prefill.SingleResponse `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List the live queue, or tasks matching filters",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"created,running,completed,failed,cancelled,error,max_queue_time,max_retries"`
		AppID  int64  `query:"app_id"`
		System string `query:"system"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		resp := TaskListResponse{Items: []engine.TaskView{}}
		if input.Status == "" && input.AppID == 0 && input.System == "" {
			queue, err := h.engine.Queue(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			for i, t := range queue {
				pos := i
				resp.Items = append(resp.Items, engine.TaskView{Task: t, Position: &pos})
			}
			return &struct {
				Body TaskListResponse `json:"body"`
			}{Body: resp}, nil
		}
		items, err := h.engine.ListTasks(ctx, repo.TaskFilters{
			System: input.System,
			AppID:  input.AppID,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		for _, t := range items {
			v := engine.TaskView{Task: t, TimeTaken: t.TimeTaken()}
			pos, err := h.engine.Position(ctx, t)
			if err != nil {
				return nil, handleError(err)
			}
			if pos >= 0 {
				v.Position = &pos
			}
			resp.Items = append(resp.Items, v)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task with its queue position",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		v, err := h.engine.TaskDetails(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel a queued task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermTaskCancel); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.engine.CancelTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func (h handlers) registerLayers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-layers",
		Method:      http.MethodGet,
		Path:        "/layers",
		Summary:     "List stored layers",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"only active layers"`
	}) (*struct {
		Body LayerListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLayerRead); err != nil {
			return nil, handleError(err)
		}
		items, err := h.layers.List(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Layer{}
		}
		return &struct {
			Body LayerListResponse `json:"body"`
		}{Body: LayerListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-layer",
		Method:      http.MethodGet,
		Path:        "/layers/check",
		Summary:     "Check that a stored layer parses",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LayerName string `query:"layer_name" required:"true"`
	}) (*struct {
		Body layers.CheckResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLayerRead); err != nil {
			return nil, handleError(err)
		}
		res, err := h.layers.Check(ctx, input.LayerName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body layers.CheckResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "load-layer",
		Method:        http.MethodPost,
		Path:          "/layers",
		Summary:       "Load a layer from a URL or inline GeoJSON",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusRequestEntityTooLarge,
			http.StatusFailedDependency,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateLayerRequest `json:"body"`
	}) (*struct {
		Body layers.LoadResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLayerWrite); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := strings.TrimSpace(input.Body.LayerName)
		if name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "layer_name is required", map[string]any{"field": "layer_name"})
		}
		opts := layers.LoadOptions{Name: name, URL: input.Body.URL, ActorID: actorID}
		if input.Body.GeoJSON != nil {
			data, err := json.Marshal(input.Body.GeoJSON)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid geojson", map[string]any{"error": err.Error()})
			}
			opts.Source = layers.Source{Data: data}
		} else if input.Body.URL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "url or geojson is required", nil)
		}
		res, err := h.layers.Load(ctx, opts)
		if err != nil {
			if input.Body.URL != "" && input.Body.GeoJSON == nil && !errors.Is(err, layers.ErrTooLarge) {
				err = prefill.LayerUnavailableError{Layer: name, URL: input.Body.URL, Err: err}
			}
			return nil, handleError(err)
		}
		res.Layer.GeoJSON = ""
		return &struct {
			Body layers.LoadResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "layer-versions",
		Method:      http.MethodGet,
		Path:        "/layers/{name}/versions",
		Summary:     "List the content versions of a layer",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body LayerVersionsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLayerRead); err != nil {
			return nil, handleError(err)
		}
		items, err := h.layers.Versions(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.LayerVersion{}
		}
		return &struct {
			Body LayerVersionsResponse `json:"body"`
		}{Body: LayerVersionsResponse{Layer: input.Name, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-layer-active",
		Method:      http.MethodPost,
		Path:        "/layers/{name}/active",
		Summary:     "Activate or deactivate a stored layer",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string                `path:"name"`
		Body SetLayerActiveRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLayerWrite); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.layers.SetActive(ctx, input.Name, input.Body.Active, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"layer_name": input.Name, "active": input.Body.Active}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "point-query",
		Method:      http.MethodPost,
		Path:        "/layers/point_query",
		Summary:     "Attributes of the layer feature under a point",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body layers.PointQuery `json:"body"`
	}) (*struct {
		Body layers.PointResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLayerRead); err != nil {
			return nil, handleError(err)
		}
		res, err := h.layers.PointQuery(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body layers.PointResult `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerLogs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "Latest request logs without payloads",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Records     int    `query:"records" default:"10"`
		AppID       int64  `query:"app_id"`
		RequestType string `query:"request_type" enum:"FULL,PARTIAL,SINGLE"`
		System      string `query:"system"`
	}) (*struct {
		Body RequestLogListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLogRead); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.Repo.ListRequestLogs(ctx, repo.RequestLogFilters{
			System:      input.System,
			AppID:       input.AppID,
			RequestType: input.RequestType,
			Limit:       normalizeLimit(input.Records),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := RequestLogListResponse{Items: []RequestLogResponse{}}
		for _, l := range items {
			resp.Items = append(resp.Items, requestLogResponse(l))
		}
		return &struct {
			Body RequestLogListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-log",
		Method:      http.MethodGet,
		Path:        "/logs/{id}",
		Summary:     "One request log with the layers it references",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID          int64  `path:"id"`
		RequestType string `query:"request_type" enum:"FULL,PARTIAL,SINGLE"`
	}) (*struct {
		Body RequestDetailsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLogRead); err != nil {
			return nil, handleError(err)
		}
		details, err := h.engine.RequestDetails(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.RequestType != "" && details.Log.RequestType != input.RequestType {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body RequestDetailsResponse `json:"body"`
		}{Body: RequestDetailsResponse{
			Log:           requestLogResponse(details.Log),
			Layers:        nonNilSlice(details.Layers),
			MissingLayers: nonNilSlice(details.MissingLayers),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-log",
		Method:      http.MethodGet,
		Path:        "/logs/app/{app_id}/latest",
		Summary:     "Latest request log for a proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AppID       int64  `path:"app_id"`
		RequestType string `query:"request_type" enum:"FULL,PARTIAL,SINGLE"`
		System      string `query:"system"`
		When        bool   `query:"when" doc:"return the timestamp only"`
	}) (*struct {
		Body RequestLogResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLogRead); err != nil {
			return nil, handleError(err)
		}
		l, err := h.engine.LatestLog(ctx, input.System, input.AppID, input.RequestType, input.When)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestLogResponse `json:"body"`
		}{Body: requestLogResponse(l)}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,layer,request_log,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermLogRead); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermAPIKeyAdmin); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := h.engine.CreateAPIKey(ctx, engine.APIKeyOptions{
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			Role:      input.Body.Role,
			CreatedBy: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = secret
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body APIKeyListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermAPIKeyAdmin); err != nil {
			return nil, handleError(err)
		}
		keys, err := h.engine.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := APIKeyListResponse{Items: []APIKeyResponse{}}
		for _, k := range keys {
			resp.Items = append(resp.Items, apiKeyResponse(k))
		}
		return &struct {
			Body APIKeyListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, h.rbac, auth.PermAPIKeyAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := h.engine.RevokeAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(effectivePermissions(principal, h.rbac)),
		}}, nil
	})
}
