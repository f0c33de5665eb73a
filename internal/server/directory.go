package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"procureline/internal/domain"
	"procureline/internal/engine"
	"procureline/internal/identity"
)

const devTokenTTL = 12 * time.Hour

func registerDirectory(api huma.API, e engine.Engine, admin identity.Admin) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}",
		Summary:     "Create or update a user",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Body   UserRequest
	}) (*out[domain.User], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := admin.UpsertUser(ctx, actorID, domain.User{
			ID:            input.UserID,
			DisplayName:   input.Body.DisplayName,
			Role:          domain.Role(input.Body.Role),
			DepartmentID:  input.Body.DepartmentID,
			CoordinatorID: input.Body.CoordinatorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"requester,approver,administrator"`
	}) (*out[[]domain.User], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.Repo.ListUsers(ctx, nil, domain.Role(input.Role))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(users)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-department",
		Method:      http.MethodPut,
		Path:        "/departments/{department_id}",
		Summary:     "Create or rename a department",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DepartmentID string `path:"department_id"`
		Body         DepartmentRequest
	}) (*out[domain.Department], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := admin.UpsertDepartment(ctx, actorID, domain.Department{ID: input.DepartmentID, Name: input.Body.Name})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-department-approvers",
		Method:      http.MethodPut,
		Path:        "/departments/{department_id}/approvers",
		Summary:     "Replace the approvers of a department",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DepartmentID string `path:"department_id"`
		Body         ApproversRequest
	}) (*out[[]domain.User], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := admin.SetDepartmentApprovers(ctx, actorID, input.DepartmentID, input.Body.Approvers); err != nil {
			return nil, handleError(ctx, err)
		}
		approvers, err := e.Repo.DepartmentApprovers(ctx, nil, input.DepartmentID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(approvers)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-provider",
		Method:      http.MethodPut,
		Path:        "/providers/{provider_id}",
		Summary:     "Create or update a provider",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProviderID string `path:"provider_id"`
		Body       ProviderRequest
	}) (*out[domain.Provider], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := admin.UpsertProvider(ctx, actorID, domain.Provider{ID: input.ProviderID, Name: input.Body.Name, TaxID: input.Body.TaxID})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		Description:   "The secret is returned once.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*out[CreateAPIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := admin.CreateAPIKey(ctx, actorID, strings.TrimSpace(input.Body.UserID), input.Body.Name)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(CreateAPIKeyResponse{Key: key, Secret: secret}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*out[[]domain.APIKey], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := admin.ListAPIKeys(ctx, actorID, input.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(keys)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := admin.RevokeAPIKey(ctx, actorID, input.KeyID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*out[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		u, err := e.Repo.GetUser(ctx, nil, p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(WhoAmIResponse{User: u, Source: p.Source}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "show-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Effective workspace configuration",
	}, func(ctx context.Context, _ *struct{}) (*out[ConfigResponse], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return reply(configResponse(e.Config)), nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev-login",
		Summary:     "DEV ONLY: mint a JWT for an existing user",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*out[DevLoginResponse], error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", map[string]any{"field": "user_id"})
		}
		if _, err := e.Repo.GetUser(ctx, nil, userID); err != nil {
			return nil, handleError(ctx, err)
		}
		token, err := SignToken(authCfg.JWTSecret, userID, devTokenTTL, time.Now())
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}
