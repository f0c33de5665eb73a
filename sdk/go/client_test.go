package procurelinesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"procureline/internal/app"
	"procureline/internal/domain"
	"procureline/internal/server"
)

func newTestAPI(t *testing.T) (*httptest.Server, *app.Runtime) {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	rt, err := app.Open(ctx, app.Options{Workspace: t.TempDir(), Now: now})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })

	ops := "ops"
	if _, err := rt.Admin.UpsertUser(ctx, "", domain.User{ID: "admin", DisplayName: "Ana Admin", Role: domain.RoleAdministrator}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if _, err := rt.Admin.UpsertDepartment(ctx, "admin", domain.Department{ID: ops, Name: "Operations"}); err != nil {
		t.Fatalf("seed department: %v", err)
	}
	for _, u := range []domain.User{
		{ID: "boss", DisplayName: "Bruno Boss", Role: domain.RoleApprover, DepartmentID: &ops},
		{ID: "rita", DisplayName: "Rita Requester", Role: domain.RoleRequester, DepartmentID: &ops},
	} {
		if _, err := rt.Admin.UpsertUser(ctx, "admin", u); err != nil {
			t.Fatalf("seed %s: %v", u.ID, err)
		}
	}
	if err := rt.Admin.SetDepartmentApprovers(ctx, "admin", ops, []string{"boss"}); err != nil {
		t.Fatalf("seed approvers: %v", err)
	}
	if _, err := rt.Admin.UpsertProvider(ctx, "admin", domain.Provider{ID: "acme", Name: "Acme SAS"}); err != nil {
		t.Fatalf("seed provider: %v", err)
	}

	handler, err := server.New(server.Config{
		Engine:   rt.Engine,
		Admin:    rt.Admin,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: "sdk-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, rt
}

func clientAs(ts *httptest.Server, actor string) *Client {
	c := New(ts.URL)
	c.ActorID = actor
	return c
}

func TestClientRequestLifecycle(t *testing.T) {
	ts, _ := newTestAPI(t)
	ctx := context.Background()
	rita := clientAs(ts, "rita")
	boss := clientAs(ts, "boss")
	admin := clientAs(ts, "admin")

	price := decimal.RequireFromString("1200.50")
	created, err := rita.CreateRequest(ctx, "acme", "", []Item{{Description: "Laptop", Quantity: 2, EstimatedUnitPrice: &price}}, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Request.PublicID != "RR-0001" || len(created.Tasks) != 2 {
		t.Fatalf("created = %+v", created)
	}

	pending, err := boss.PendingApprovals(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Task.ID != created.Tasks[0].ID {
		t.Fatalf("pending = %+v", pending)
	}
	if _, err := boss.Decide(ctx, "RR-0001", created.Tasks[0].ID, "approve", ""); err != nil {
		t.Fatalf("boss decide: %v", err)
	}
	res, err := admin.Decide(ctx, "RR-0001", created.Tasks[1].ID, "approve", "")
	if err != nil {
		t.Fatalf("admin decide: %v", err)
	}
	if res.NewStatus != "APROBADA" {
		t.Fatalf("status = %s", res.NewStatus)
	}

	if _, err := admin.CreateInvoice(ctx, "acme", "FE", "981", []InvoiceLine{{
		Description: "Laptop",
		Quantity:    decimal.NewFromInt(2),
		UnitPrice:   decimal.RequireFromString("1250"),
	}}); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	view, err := rita.GetRequest(ctx, "RR-0001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !view.Capabilities["can_receive"] {
		t.Fatalf("capabilities = %+v", view.Capabilities)
	}
	rec, err := rita.RecordReception(ctx, view.Request.Items[0].ID, ReceptionInput{Quantity: 2, InvoicePrefix: "FE", InvoiceNumber: "981"})
	if err != nil {
		t.Fatalf("reception: %v", err)
	}
	if rec.Status != "CERRADA" || rec.RequestPercent != 100 {
		t.Fatalf("reception = %+v", rec)
	}
	if rec.Reception.ActualUnitPrice == nil || !rec.Reception.ActualUnitPrice.Equal(decimal.NewFromInt(1250)) {
		t.Fatalf("actual price = %v", rec.Reception.ActualUnitPrice)
	}

	tr, err := rita.Traceability(ctx, "RR-0001")
	if err != nil {
		t.Fatalf("traceability: %v", err)
	}
	if tr.ItemsTraceable != 1 || tr.PercentTraceable != 100 || len(tr.Variances) != 1 {
		t.Fatalf("traceability = %+v", tr)
	}
	if v := tr.Variances[0].VariancePercent; v == nil || *v <= 0 {
		t.Fatalf("variance = %v", v)
	}

	page, err := admin.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("events page = %+v", page)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	ts, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := clientAs(ts, "rita").GetRequest(ctx, "ZZ-0404")
	if !IsCode(err, "not_found") {
		t.Fatalf("err = %v", err)
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %#v", err)
	}

	_, err = clientAs(ts, "rita").Kraljic(ctx, "2025-01-01", "2025-12-31")
	if !IsCode(err, "forbidden") {
		t.Fatalf("kraljic as requester: %v", err)
	}

	_, err = New(ts.URL).ListRequests(ctx, "", 0)
	if !IsCode(err, "unauthorized") {
		t.Fatalf("anonymous: %v", err)
	}
}

func TestClientBearerToken(t *testing.T) {
	ts, _ := newTestAPI(t)
	token, err := server.SignToken("sdk-secret", "admin", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c := New(ts.URL)
	c.BearerToken = token
	m, err := c.Kraljic(context.Background(), "2025-01-01", "2025-12-31")
	if err != nil {
		t.Fatalf("kraljic: %v", err)
	}
	if m.Start != "2025-01-01" || len(m.Strategic)+len(m.Leverage)+len(m.Bottleneck)+len(m.NonCritical) != 0 {
		t.Fatalf("matrix = %+v", m)
	}
}
