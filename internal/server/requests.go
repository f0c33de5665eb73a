package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"procureline/internal/domain"
	"procureline/internal/engine"
	"procureline/internal/repo"
)

type PublicIDPath struct {
	PublicID string `path:"public_id" example:"JP-0001"`
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create purchase request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest
	}) (*out[engine.CreateResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := itemInputs(input.Body.Items)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		res, err := e.CreateRequest(ctx, engine.CreateRequestOptions{
			RequesterID: actorID,
			ProviderID:  input.Body.ProviderID,
			RequestDate: input.Body.RequestDate,
			Type:        input.Body.Type,
			Notes:       input.Body.Notes,
			Items:       items,
			Draft:       input.Body.Draft,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List purchase requests",
		Description: "Administrators see every request; other users see their own.",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*out[[]domain.PurchaseRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListRequests(ctx, actorID, domain.RequestStatus(strings.ToUpper(input.Status)), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{public_id}",
		Summary:     "Get purchase request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *PublicIDPath) (*out[engine.RequestView], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.GetRequest(ctx, input.PublicID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-request",
		Method:      http.MethodPatch,
		Path:        "/requests/{public_id}",
		Summary:     "Edit purchase request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PublicIDPath
		Body UpdateRequestRequest
	}) (*out[domain.PurchaseRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := itemInputs(input.Body.Items)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		req, err := e.UpdateRequest(ctx, engine.UpdateRequestOptions{
			PublicID:    input.PublicID,
			ActorID:     actorID,
			Version:     input.Body.Version,
			ProviderID:  input.Body.ProviderID,
			RequestDate: input.Body.RequestDate,
			Type:        input.Body.Type,
			Notes:       input.Body.Notes,
			Items:       items,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-request",
		Method:        http.MethodDelete,
		Path:          "/requests/{public_id}",
		Summary:       "Delete purchase request",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *PublicIDPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteRequest(ctx, input.PublicID, actorID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-request",
		Method:      http.MethodPost,
		Path:        "/requests/{public_id}/submit",
		Summary:     "Submit a draft or resubmit a rejected request",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *PublicIDPath) (*out[engine.CreateResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Submit(ctx, input.PublicID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-task",
		Method:      http.MethodPost,
		Path:        "/requests/{public_id}/tasks/{task_id}/decision",
		Summary:     "Approve or reject an approval task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PublicIDPath
		TaskID string `path:"task_id"`
		Body   DecisionRequest
	}) (*out[engine.DecideResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Decide(ctx, engine.DecideOptions{
			PublicID: input.PublicID,
			TaskID:   input.TaskID,
			ActorID:  actorID,
			Decision: input.Body.Decision,
			Comment:  input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-status",
		Method:      http.MethodPost,
		Path:        "/requests/{public_id}/status",
		Summary:     "Administrative status override",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PublicIDPath
		Body StatusOverrideRequest
	}) (*out[domain.PurchaseRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.OverrideStatus(ctx, input.PublicID, actorID, domain.RequestStatus(input.Body.Status), input.Body.Comment)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-request",
		Method:      http.MethodPost,
		Path:        "/requests/{public_id}/close",
		Summary:     "Close purchase request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PublicIDPath
		Body *CloseRequestRequest `required:"false"`
	}) (*out[domain.PurchaseRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		comment := ""
		if input.Body != nil {
			comment = input.Body.Comment
		}
		req, err := e.CloseRequest(ctx, input.PublicID, actorID, comment)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(req), nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals/pending",
		Summary:     "Approval tasks the caller can decide now",
	}, func(ctx context.Context, _ *struct{}) (*out[[]repo.ActionableTask], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := e.PendingApprovals(ctx, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(tasks)), nil
	})
}
