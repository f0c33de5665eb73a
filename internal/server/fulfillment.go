package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"procureline/internal/domain"
	"procureline/internal/engine"
)

func registerFulfillment(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-reception",
		Method:        http.MethodPost,
		Path:          "/items/{item_id}/receptions",
		Summary:       "Record a delivery against a request item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   ReceptionRequest
	}) (*out[engine.ReceptionResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		price, err := parseDecimal("actual_unit_price", input.Body.ActualUnitPrice)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		res, err := e.RecordReception(ctx, engine.ReceptionOptions{
			ItemID:          input.ItemID,
			ActorID:         actorID,
			Quantity:        input.Body.Quantity,
			Date:            input.Body.Date,
			InvoicePrefix:   input.Body.InvoicePrefix,
			InvoiceNumber:   input.Body.InvoiceNumber,
			ActualUnitPrice: price,
			Comment:         input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-reception-invoice",
		Method:      http.MethodPatch,
		Path:        "/receptions/{reception_id}/invoice",
		Summary:     "Attach an invoice to a reception recorded without one",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ReceptionID string `path:"reception_id"`
		Body        LinkInvoiceRequest
	}) (*out[domain.Reception], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		price, err := parseDecimal("actual_unit_price", input.Body.ActualUnitPrice)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		rc, err := e.LinkReceptionInvoice(ctx, engine.LinkInvoiceOptions{
			ReceptionID:     input.ReceptionID,
			ActorID:         actorID,
			InvoicePrefix:   input.Body.InvoicePrefix,
			InvoiceNumber:   input.Body.InvoiceNumber,
			ActualUnitPrice: price,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(rc), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-invoice",
		Method:        http.MethodPost,
		Path:          "/invoices",
		Summary:       "Register a supplier invoice",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateInvoiceRequest
	}) (*out[domain.Invoice], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lines, err := invoiceLines(input.Body.Lines)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		inv, err := e.CreateInvoice(ctx, engine.InvoiceOptions{
			ActorID:    actorID,
			ProviderID: input.Body.ProviderID,
			Prefix:     input.Body.Prefix,
			Number:     input.Body.Number,
			IssueDate:  input.Body.IssueDate,
			Lines:      lines,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invoice",
		Method:      http.MethodGet,
		Path:        "/invoices/{invoice_id}",
		Summary:     "Get invoice with lines",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InvoiceID string `path:"invoice_id"`
	}) (*out[domain.Invoice], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		inv, err := e.GetInvoice(ctx, input.InvoiceID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(inv), nil
	})
}

func registerAnalysis(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-traceability",
		Method:      http.MethodGet,
		Path:        "/requests/{public_id}/traceability",
		Summary:     "Invoice traceability and price variance of a request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *PublicIDPath) (*out[engine.Traceability], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tr, err := e.GetTraceability(ctx, input.PublicID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(tr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kraljic-matrix",
		Method:      http.MethodGet,
		Path:        "/analysis/kraljic",
		Summary:     "Kraljic classification of received spend",
		Description: "Defaults to the twelve months ending today.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Start string `query:"start" example:"2025-01-01"`
		End   string `query:"end" example:"2025-12-31"`
	}) (*out[engine.KraljicMatrix], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.GetKraljicMatrix(ctx, actorID, input.Start, input.End)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(m), nil
	})
}
