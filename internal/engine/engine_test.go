package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"procureline/internal/config"
	"procureline/internal/db"
	"procureline/internal/domain"
	"procureline/internal/engine"
	"procureline/internal/engine/auth"
	"procureline/internal/identity"
	"procureline/internal/migrate"
	"procureline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Admin  identity.Admin
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = now
	env := testEnv{
		Engine: eng,
		Admin:  identity.Admin{DB: conn, Repo: eng.Repo, Now: now},
		Ctx:    context.Background(),
	}
	env.seed(t)
	return env
}

func strPtr(s string) *string { return &s }

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// seed creates an administrator, an ops department approved by boss, and a
// requester in ops without a coordinator.
func (env testEnv) seed(t *testing.T) {
	t.Helper()
	if _, err := env.Admin.UpsertUser(env.Ctx, "", domain.User{ID: "admin", DisplayName: "Ana Admin", Role: domain.RoleAdministrator}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if _, err := env.Admin.UpsertDepartment(env.Ctx, "admin", domain.Department{ID: "ops", Name: "Operations"}); err != nil {
		t.Fatalf("seed department: %v", err)
	}
	env.user(t, domain.User{ID: "boss", DisplayName: "Bruno Boss", Role: domain.RoleApprover, DepartmentID: strPtr("ops")})
	env.user(t, domain.User{ID: "req", DisplayName: "Rita Requester", Role: domain.RoleRequester, DepartmentID: strPtr("ops")})
	if err := env.Admin.SetDepartmentApprovers(env.Ctx, "admin", "ops", []string{"boss"}); err != nil {
		t.Fatalf("seed approvers: %v", err)
	}
	if _, err := env.Admin.UpsertProvider(env.Ctx, "admin", domain.Provider{ID: "acme", Name: "Acme SAS"}); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
}

func (env testEnv) user(t *testing.T, u domain.User) {
	t.Helper()
	if _, err := env.Admin.UpsertUser(env.Ctx, "admin", u); err != nil {
		t.Fatalf("seed user %s: %v", u.ID, err)
	}
}

func (env testEnv) create(t *testing.T, requester string, items ...engine.ItemInput) engine.CreateResult {
	t.Helper()
	res, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{RequesterID: requester, Items: items})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return res
}

func taskFor(t *testing.T, tasks []domain.ApprovalTask, approverID string) domain.ApprovalTask {
	t.Helper()
	for _, task := range tasks {
		if task.ApproverID == approverID {
			return task
		}
	}
	t.Fatalf("no task for %s in %+v", approverID, tasks)
	return domain.ApprovalTask{}
}

func TestCreateFallsBackToAdministrator(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "req", engine.ItemInput{Description: "Paper", Quantity: 5})

	if res.Request.PublicID != "RR-0001" {
		t.Fatalf("public id = %s", res.Request.PublicID)
	}
	if res.Status != domain.StatusPendingApproval || res.InitialStatus != domain.StatusPendingApproval {
		t.Fatalf("status = %s/%s", res.InitialStatus, res.Status)
	}
	if len(res.Chain) != 2 {
		t.Fatalf("chain = %+v", res.Chain)
	}
	if c := res.Chain[0]; c.ApproverID != "boss" || c.Order != 1 || c.AutoApproved {
		t.Fatalf("first slot = %+v", c)
	}
	if c := res.Chain[1]; c.ApproverID != "admin" || c.Order != 2 || c.Reason != engine.ReasonFallbackAdmin {
		t.Fatalf("second slot = %+v", c)
	}

	second := env.create(t, "req", engine.ItemInput{Description: "Toner", Quantity: 1})
	if second.Request.PublicID != "RR-0002" {
		t.Fatalf("second public id = %s", second.Request.PublicID)
	}
}

func TestSelfApprovalForDepartmentApprover(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "boss", engine.ItemInput{Description: "Chairs", Quantity: 4})

	if len(res.Chain) != 2 {
		t.Fatalf("chain = %+v", res.Chain)
	}
	self := taskFor(t, res.Tasks, "boss")
	if self.Status != domain.TaskApproved || self.Order != 1 {
		t.Fatalf("self task = %+v", self)
	}
	if res.Status != domain.StatusPendingApproval {
		t.Fatalf("status = %s", res.Status)
	}
	view, err := env.Engine.GetRequest(env.Ctx, res.Request.PublicID, "admin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(view.Actionable) != 1 || view.Actionable[0].ApproverID != "admin" {
		t.Fatalf("actionable = %+v", view.Actionable)
	}
}

func TestAdministratorRequestIsApproved(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "admin", engine.ItemInput{Description: "Server", Quantity: 1})
	if res.InitialStatus != domain.StatusPendingApproval || res.Status != domain.StatusApproved {
		t.Fatalf("status = %s/%s", res.InitialStatus, res.Status)
	}
}

func TestApprovalOrderAndCompletion(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "req", engine.ItemInput{Description: "Paper", Quantity: 5})
	id := res.Request.PublicID
	bossTask := taskFor(t, res.Tasks, "boss")
	adminTask := taskFor(t, res.Tasks, "admin")

	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: id, TaskID: adminTask.ID, ActorID: "admin", Decision: "approve"})
	var na engine.NotActionableError
	if !errors.As(err, &na) {
		t.Fatalf("expected not actionable for later order, got %v", err)
	}
	_, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: id, TaskID: bossTask.ID, ActorID: "req", Decision: "approve"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for requester, got %v", err)
	}

	pending, err := env.Engine.PendingApprovals(env.Ctx, "boss")
	if err != nil || len(pending) != 1 || pending[0].Task.ID != bossTask.ID {
		t.Fatalf("pending approvals = %+v, %v", pending, err)
	}

	first, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: id, TaskID: bossTask.ID, ActorID: "boss", Decision: "approve"})
	if err != nil {
		t.Fatalf("boss approve: %v", err)
	}
	if first.NewStatus != domain.StatusPendingApproval || len(first.Actionable) != 1 || first.Actionable[0].ID != adminTask.ID {
		t.Fatalf("after first approval = %+v", first)
	}
	last, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: id, TaskID: adminTask.ID, ActorID: "admin", Decision: "approve"})
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if last.NewStatus != domain.StatusApproved {
		t.Fatalf("final status = %s", last.NewStatus)
	}
}

func TestRejectOmitsRemainingTasks(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "req", engine.ItemInput{Description: "Paper", Quantity: 5})
	id := res.Request.PublicID

	out, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		PublicID: id, TaskID: taskFor(t, res.Tasks, "boss").ID, ActorID: "boss", Decision: "reject", Comment: "too expensive",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.NewStatus != domain.StatusRejected || out.Omitted != 1 {
		t.Fatalf("reject result = %+v", out)
	}
	view, err := env.Engine.GetRequest(env.Ctx, id, "req")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Request.RejectionComment == nil || *view.Request.RejectionComment != "too expensive" {
		t.Fatalf("rejection comment = %v", view.Request.RejectionComment)
	}
	if task := taskFor(t, view.Tasks, "admin"); task.Status != domain.TaskOmitted {
		t.Fatalf("admin task = %s", task.Status)
	}
	_, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: id, TaskID: taskFor(t, view.Tasks, "admin").ID, ActorID: "admin", Decision: "approve"})
	var na engine.NotActionableError
	if !errors.As(err, &na) {
		t.Fatalf("expected not actionable after rejection, got %v", err)
	}

	again, err := env.Engine.Submit(env.Ctx, id, "req")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.Status != domain.StatusPendingApproval || len(again.Tasks) != 2 || again.Request.RejectionComment != nil {
		t.Fatalf("resubmit = %+v", again)
	}
	for _, task := range again.Tasks {
		if task.Status != domain.TaskPending {
			t.Fatalf("fresh task %s is %s", task.ID, task.Status)
		}
	}
}

func TestParallelPeersAreOmitted(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, domain.User{ID: "boss2", DisplayName: "Berta Boss", Role: domain.RoleApprover, DepartmentID: strPtr("ops")})
	if err := env.Admin.SetDepartmentApprovers(env.Ctx, "admin", "ops", []string{"boss", "boss2"}); err != nil {
		t.Fatalf("approvers: %v", err)
	}
	res := env.create(t, "req", engine.ItemInput{Description: "Desk", Quantity: 1})
	if len(res.Tasks) != 3 {
		t.Fatalf("tasks = %+v", res.Tasks)
	}
	out, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: res.Request.PublicID, TaskID: taskFor(t, res.Tasks, "boss").ID, ActorID: "boss", Decision: "approve"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.Omitted != 1 || out.NewStatus != domain.StatusPendingApproval {
		t.Fatalf("result = %+v", out)
	}
	_, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: res.Request.PublicID, TaskID: taskFor(t, res.Tasks, "boss2").ID, ActorID: "boss2", Decision: "reject"})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for omitted peer, got %v", err)
	}
}

func TestConcurrentDecisionsOnOneTask(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "req", engine.ItemInput{Description: "Chair", Quantity: 2})
	task := taskFor(t, res.Tasks, "boss")

	comments := []string{"first", "second"}
	errs := make([]error, len(comments))
	var wg sync.WaitGroup
	for i, c := range comments {
		wg.Add(1)
		go func(i int, comment string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Decide(env.Ctx, engine.DecideOptions{
				PublicID: res.Request.PublicID, TaskID: task.ID, ActorID: "boss", Decision: "approve", Comment: comment,
			})
		}(i, c)
	}
	wg.Wait()

	winner := -1
	var conflict engine.ConflictError
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != -1 {
				t.Fatalf("both decisions succeeded")
			}
			winner = i
		case !errors.As(err, &conflict):
			t.Fatalf("loser error = %v", err)
		}
	}
	if winner == -1 {
		t.Fatalf("no decision succeeded: %v", errs)
	}

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, nil, res.Request.PublicID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	got := taskFor(t, tasks, "boss")
	if got.Status != domain.TaskApproved || got.Comment == nil || *got.Comment != comments[winner] {
		t.Fatalf("boss task = %+v, want comment %q", got, comments[winner])
	}
	if admin := taskFor(t, tasks, "admin"); admin.Status != domain.TaskPending {
		t.Fatalf("admin task = %+v", admin)
	}

	// A writer that read the task before the decision landed finds it stale.
	err = env.Engine.Repo.DecideTask(env.Ctx, nil, task.ID, domain.TaskRejected, "2025-03-10T12:00:00Z", nil)
	if !errors.Is(err, repo.ErrStale) {
		t.Fatalf("stale decide: %v", err)
	}
	tasks, _ = env.Engine.Repo.ListTasks(env.Ctx, nil, res.Request.PublicID)
	if got := taskFor(t, tasks, "boss"); got.Status != domain.TaskApproved || *got.Comment != comments[winner] {
		t.Fatalf("stale write changed task: %+v", got)
	}
}

func TestUnknownActorAndTask(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "req", engine.ItemInput{Description: "Paper", Quantity: 5})
	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: res.Request.PublicID, TaskID: "missing", ActorID: "boss", Decision: "approve"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: res.Request.PublicID, TaskID: res.Tasks[0].ID, ActorID: "ghost", Decision: "approve"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "actor_id" {
		t.Fatalf("expected actor validation error, got %v", err)
	}
	_, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: res.Request.PublicID, TaskID: res.Tasks[0].ID, ActorID: "boss", Decision: "maybe"})
	if !errors.As(err, &ve) || ve.Field != "decision" {
		t.Fatalf("expected decision validation error, got %v", err)
	}
}

func TestCreateValidatesItems(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		items []engine.ItemInput
		field string
	}{
		{"no items", nil, "items"},
		{"zero quantity", []engine.ItemInput{{Description: "Paper"}}, "items[0].quantity"},
		{"blank description", []engine.ItemInput{{Description: "  ", Quantity: 1}}, "items[0].description"},
		{"bad priority", []engine.ItemInput{{Description: "Paper", Quantity: 1, Priority: "asap"}}, "items[0].priority"},
	}
	for _, tc := range cases {
		_, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{RequesterID: "req", Items: tc.items})
		var ve engine.ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("%s: got %v", tc.name, err)
		}
	}
	res := env.create(t, "req", engine.ItemInput{Description: "Paper", Quantity: 1, Priority: "urgent"})
	if !res.Request.Urgent {
		t.Fatalf("urgent item should flag the request")
	}
}

func TestDraftEditAndSubmit(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		RequesterID: "req", Draft: true, Items: []engine.ItemInput{{Description: "Paper", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if res.Status != domain.StatusDraft || len(res.Tasks) != 0 {
		t.Fatalf("draft = %+v", res)
	}
	id := res.Request.PublicID

	stale := 99
	_, err = env.Engine.UpdateRequest(env.Ctx, engine.UpdateRequestOptions{PublicID: id, ActorID: "req", Version: &stale, Notes: strPtr("x")})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
	updated, err := env.Engine.UpdateRequest(env.Ctx, engine.UpdateRequestOptions{
		PublicID: id, ActorID: "req", ProviderID: strPtr("acme"),
		Items: []engine.ItemInput{{Description: "Paper", Quantity: 3}, {Description: "Pens", Quantity: 10}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.Items) != 2 || updated.Version != 2 {
		t.Fatalf("updated = %+v", updated)
	}
	_, err = env.Engine.UpdateRequest(env.Ctx, engine.UpdateRequestOptions{PublicID: id, ActorID: "req", ProviderID: strPtr("nobody")})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "provider_id" {
		t.Fatalf("expected provider validation, got %v", err)
	}

	sub, err := env.Engine.Submit(env.Ctx, id, "req")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Status != domain.StatusPendingApproval || len(sub.Tasks) != 2 {
		t.Fatalf("submit = %+v", sub)
	}
	_, err = env.Engine.UpdateRequest(env.Ctx, engine.UpdateRequestOptions{PublicID: id, ActorID: "req", Notes: strPtr("late")})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden edit while pending, got %v", err)
	}
	if _, err := env.Engine.UpdateRequest(env.Ctx, engine.UpdateRequestOptions{PublicID: id, ActorID: "boss", Notes: strPtr("checked")}); err != nil {
		t.Fatalf("actionable approver edit: %v", err)
	}
}

func TestDeleteRules(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "req", engine.ItemInput{Description: "Paper", Quantity: 5})
	id := res.Request.PublicID

	var forbidden auth.ForbiddenError
	if err := env.Engine.DeleteRequest(env.Ctx, id, "req"); !errors.As(err, &forbidden) {
		t.Fatalf("requester delete while pending: %v", err)
	}
	var na engine.NotActionableError
	if err := env.Engine.DeleteRequest(env.Ctx, id, "admin"); !errors.As(err, &na) {
		t.Fatalf("admin delete while pending: %v", err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{PublicID: id, TaskID: taskFor(t, res.Tasks, "boss").ID, ActorID: "boss", Decision: "reject"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := env.Engine.DeleteRequest(env.Ctx, id, "req"); err != nil {
		t.Fatalf("delete rejected: %v", err)
	}
	if _, err := env.Engine.GetRequest(env.Ctx, id, "admin"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected deleted request to be gone, got %v", err)
	}

	approved := env.create(t, "admin", engine.ItemInput{Description: "Server", Quantity: 2})
	if _, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: approved.Request.Items[0].ID, ActorID: "admin", Quantity: 1}); err != nil {
		t.Fatalf("reception: %v", err)
	}
	if err := env.Engine.DeleteRequest(env.Ctx, approved.Request.PublicID, "admin"); !errors.As(err, &na) {
		t.Fatalf("delete with receptions: %v", err)
	}
}

func TestOverrideAndClose(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "req", engine.ItemInput{Description: "Paper", Quantity: 5})
	id := res.Request.PublicID

	var forbidden auth.ForbiddenError
	if _, err := env.Engine.OverrideStatus(env.Ctx, id, "req", domain.StatusInProgress, ""); !errors.As(err, &forbidden) {
		t.Fatalf("requester override: %v", err)
	}
	var ve engine.ValidationError
	if _, err := env.Engine.OverrideStatus(env.Ctx, id, "admin", domain.StatusApproved, ""); !errors.As(err, &ve) {
		t.Fatalf("override to approved: %v", err)
	}
	req, err := env.Engine.OverrideStatus(env.Ctx, id, "admin", domain.StatusInProgress, "urgent purchase")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if req.Status != domain.StatusInProgress {
		t.Fatalf("status = %s", req.Status)
	}
	if _, err := env.Engine.CloseRequest(env.Ctx, id, "req", ""); !errors.As(err, &forbidden) {
		t.Fatalf("requester close: %v", err)
	}
	closed, err := env.Engine.CloseRequest(env.Ctx, id, "admin", "cancelled by supplier")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.StatusClosed {
		t.Fatalf("status = %s", closed.Status)
	}
	var na engine.NotActionableError
	if _, err := env.Engine.CloseRequest(env.Ctx, id, "admin", ""); !errors.As(err, &na) {
		t.Fatalf("close twice: %v", err)
	}
}

func TestReceptionsDriveFulfillment(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "admin", engine.ItemInput{Description: "Paper", Quantity: 10})
	itemID := res.Request.Items[0].ID

	first, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: itemID, ActorID: "admin", Quantity: 4})
	if err != nil {
		t.Fatalf("first reception: %v", err)
	}
	if first.ItemPercent != 40 || first.RequestPercent != 40 || first.Status != domain.StatusInProgress {
		t.Fatalf("first = %+v", first)
	}
	second, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: itemID, ActorID: "admin", Quantity: 6, Date: "2025-03-11"})
	if err != nil {
		t.Fatalf("second reception: %v", err)
	}
	if second.Received != 10 || second.ItemPercent != 100 || second.Status != domain.StatusClosed || second.OverReceived {
		t.Fatalf("second = %+v", second)
	}
	var na engine.NotActionableError
	if _, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: itemID, ActorID: "admin", Quantity: 1}); !errors.As(err, &na) {
		t.Fatalf("reception on closed request: %v", err)
	}
}

func TestReceptionGuards(t *testing.T) {
	env := newTestEnv(t)
	pending := env.create(t, "req", engine.ItemInput{Description: "Paper", Quantity: 10})
	var na engine.NotActionableError
	if _, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: pending.Request.Items[0].ID, ActorID: "req", Quantity: 1}); !errors.As(err, &na) {
		t.Fatalf("reception while pending: %v", err)
	}

	res := env.create(t, "admin", engine.ItemInput{Description: "Cable", Quantity: 10})
	itemID := res.Request.Items[0].ID
	var ve engine.ValidationError
	if _, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: itemID, ActorID: "admin", Quantity: 0}); !errors.As(err, &ve) {
		t.Fatalf("zero quantity: %v", err)
	}
	if _, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: itemID, ActorID: "admin", Quantity: 1, InvoiceNumber: "404"}); !errors.As(err, &ve) || ve.Field != "invoice" {
		t.Fatalf("unknown invoice: %v", err)
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: itemID, ActorID: "boss", Quantity: 1}); !errors.As(err, &forbidden) {
		t.Fatalf("stranger reception: %v", err)
	}
	over, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: itemID, ActorID: "admin", Quantity: 12})
	if err != nil {
		t.Fatalf("over reception: %v", err)
	}
	if !over.OverReceived || over.ItemPercent != 120 || over.Status != domain.StatusClosed {
		t.Fatalf("over = %+v", over)
	}
}

func TestOverReceiptDoesNotCloseOtherItems(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "admin",
		engine.ItemInput{Description: "Paper", Quantity: 10},
		engine.ItemInput{Description: "Toner", Quantity: 10},
	)
	paper, toner := res.Request.Items[0].ID, res.Request.Items[1].ID

	over, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: paper, ActorID: "admin", Quantity: 20})
	if err != nil {
		t.Fatalf("paper reception: %v", err)
	}
	if over.RequestPercent != 100 || !over.OverReceived || over.Status != domain.StatusInProgress {
		t.Fatalf("paper = %+v", over)
	}
	rest, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: toner, ActorID: "admin", Quantity: 10})
	if err != nil {
		t.Fatalf("toner reception: %v", err)
	}
	if rest.ItemPercent != 100 || rest.Status != domain.StatusClosed {
		t.Fatalf("toner = %+v", rest)
	}
}

func TestDuplicateGuardBlocksAfterGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Settings.GracePeriodEndDate = "2025-03-09"
	first := env.create(t, "req", engine.ItemInput{Description: "Laptop", Specifications: "16GB", Quantity: 1})

	_, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		RequesterID: "req", Items: []engine.ItemInput{{Description: " laptop ", Specifications: "16gb", Quantity: 1}},
	})
	var blocked engine.DuplicateBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected duplicate block, got %v", err)
	}
	if len(blocked.Matches) != 1 || blocked.Matches[0].MatchedPublicID != first.Request.PublicID {
		t.Fatalf("matches = %+v", blocked.Matches)
	}
	other := env.create(t, "boss", engine.ItemInput{Description: "Laptop", Specifications: "16GB", Quantity: 1})
	if len(other.DuplicateWarnings) != 0 {
		t.Fatalf("other requester should not match: %+v", other.DuplicateWarnings)
	}
}

func TestDuplicateGuardWarnsDuringGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Settings.GracePeriodEndDate = "2025-03-11"
	env.create(t, "req", engine.ItemInput{Description: "Laptop", Quantity: 1})
	res := env.create(t, "req", engine.ItemInput{Description: "Laptop", Quantity: 1}, engine.ItemInput{Description: "Mouse", Quantity: 1})
	if len(res.DuplicateWarnings) != 1 || res.DuplicateWarnings[0].ItemIndex != 0 {
		t.Fatalf("warnings = %+v", res.DuplicateWarnings)
	}

	env.Engine.Config.Settings.EnableDuplicateCheck = false
	env.Engine.Config.Settings.GracePeriodEndDate = ""
	again := env.create(t, "req", engine.ItemInput{Description: "Laptop", Quantity: 1})
	if len(again.DuplicateWarnings) != 0 {
		t.Fatalf("disabled guard warned: %+v", again.DuplicateWarnings)
	}
}

func TestInvoiceTraceabilityAndVariance(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "admin",
		engine.ItemInput{Description: "Monitor", Quantity: 2, EstimatedUnitPrice: dec("100")},
		engine.ItemInput{Description: "Cable", Quantity: 10, EstimatedUnitPrice: dec("1")},
	)
	inv, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceOptions{
		ActorID: "admin", ProviderID: "acme", Prefix: "FE", Number: "100",
		Lines: []engine.InvoiceLineInput{{Description: "monitor", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(130)}},
	})
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if !inv.Subtotal.Equal(decimal.NewFromInt(260)) || !inv.Tax.Equal(decimal.RequireFromString("49.4")) || !inv.Total.Equal(decimal.RequireFromString("309.4")) {
		t.Fatalf("invoice totals = %s %s %s", inv.Subtotal, inv.Tax, inv.Total)
	}
	var conflict engine.ConflictError
	if _, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceOptions{
		ActorID: "admin", ProviderID: "acme", Prefix: "FE", Number: "100",
		Lines: []engine.InvoiceLineInput{{Description: "x", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(1)}},
	}); !errors.As(err, &conflict) {
		t.Fatalf("duplicate invoice: %v", err)
	}

	monitor, cable := res.Request.Items[0], res.Request.Items[1]
	if _, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: monitor.ID, ActorID: "admin", Quantity: 2, InvoicePrefix: "FE", InvoiceNumber: "100"}); err != nil {
		t.Fatalf("monitor reception: %v", err)
	}
	rc, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: cable.ID, ActorID: "admin", Quantity: 5})
	if err != nil {
		t.Fatalf("cable reception: %v", err)
	}

	trace, err := env.Engine.GetTraceability(env.Ctx, res.Request.PublicID, "admin")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if trace.ItemsReceived != 2 || trace.ItemsTraceable != 1 || trace.PercentTraceable != 50 {
		t.Fatalf("trace = %+v", trace)
	}
	if len(trace.Variances) != 1 || trace.Variances[0].VariancePercent == nil || *trace.Variances[0].VariancePercent != 30 {
		t.Fatalf("variances = %+v", trace.Variances)
	}

	linked, err := env.Engine.LinkReceptionInvoice(env.Ctx, engine.LinkInvoiceOptions{
		ReceptionID: rc.Reception.ID, ActorID: "admin", InvoicePrefix: "FE", InvoiceNumber: "100", ActualUnitPrice: dec("1.5"),
	})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !linked.HasInvoice() || !linked.ActualUnitPrice.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("linked = %+v", linked)
	}
	var na engine.NotActionableError
	if _, err := env.Engine.LinkReceptionInvoice(env.Ctx, engine.LinkInvoiceOptions{ReceptionID: rc.Reception.ID, ActorID: "admin", InvoicePrefix: "FE", InvoiceNumber: "100"}); !errors.As(err, &na) {
		t.Fatalf("link twice: %v", err)
	}
	trace, err = env.Engine.GetTraceability(env.Ctx, res.Request.PublicID, "admin")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if trace.PercentTraceable != 100 {
		t.Fatalf("percent traceable = %v", trace.PercentTraceable)
	}
}

func TestKraljicMatrix(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "admin",
		engine.ItemInput{Description: "Monitor", Quantity: 2, EstimatedUnitPrice: dec("100")},
		engine.ItemInput{Description: "Cable", Quantity: 10, EstimatedUnitPrice: dec("1")},
	)
	if _, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceOptions{
		ActorID: "admin", ProviderID: "acme", Number: "7",
		Lines: []engine.InvoiceLineInput{{Description: "Monitor", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(130)}},
	}); err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if _, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: res.Request.Items[0].ID, ActorID: "admin", Quantity: 2, InvoiceNumber: "7"}); err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if _, err := env.Engine.RecordReception(env.Ctx, engine.ReceptionOptions{ItemID: res.Request.Items[1].ID, ActorID: "admin", Quantity: 10}); err != nil {
		t.Fatalf("cable: %v", err)
	}

	var forbidden auth.ForbiddenError
	if _, err := env.Engine.GetKraljicMatrix(env.Ctx, "req", "2025-01-01", "2025-12-31"); !errors.As(err, &forbidden) {
		t.Fatalf("requester matrix: %v", err)
	}
	m, err := env.Engine.GetKraljicMatrix(env.Ctx, "admin", "2025-01-01", "2025-12-31")
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	if len(m.Strategic) != 1 || m.Strategic[0].Product != "Monitor" || !m.Strategic[0].Impact.Equal(decimal.NewFromInt(260)) {
		t.Fatalf("strategic = %+v", m.Strategic)
	}
	if len(m.Bottleneck) != 1 || m.Bottleneck[0].Product != "Cable" {
		t.Fatalf("bottleneck = %+v", m.Bottleneck)
	}
	empty, err := env.Engine.GetKraljicMatrix(env.Ctx, "admin", "2024-01-01", "2024-12-31")
	if err != nil {
		t.Fatalf("empty window: %v", err)
	}
	if len(empty.Strategic)+len(empty.Leverage)+len(empty.Bottleneck)+len(empty.NonCritical) != 0 {
		t.Fatalf("expected empty matrix, got %+v", empty)
	}
	var ve engine.ValidationError
	if _, err := env.Engine.GetKraljicMatrix(env.Ctx, "admin", "2025-12-31", "2025-01-01"); !errors.As(err, &ve) {
		t.Fatalf("inverted window: %v", err)
	}
}

func TestViewRestrictedToParticipants(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, domain.User{ID: "other", DisplayName: "Otto Other", Role: domain.RoleRequester})
	res := env.create(t, "req", engine.ItemInput{Description: "Paper", Quantity: 5})

	var forbidden auth.ForbiddenError
	if _, err := env.Engine.GetRequest(env.Ctx, res.Request.PublicID, "other"); !errors.As(err, &forbidden) {
		t.Fatalf("stranger view: %v", err)
	}
	view, err := env.Engine.GetRequest(env.Ctx, res.Request.PublicID, "boss")
	if err != nil {
		t.Fatalf("approver view: %v", err)
	}
	if !view.Capabilities.CanDecide || view.Capabilities.CanDelete {
		t.Fatalf("approver caps = %+v", view.Capabilities)
	}
	mine, err := env.Engine.ListRequests(env.Ctx, "other", "", 0)
	if err != nil || len(mine) != 0 {
		t.Fatalf("other list = %+v, %v", mine, err)
	}
	all, err := env.Engine.ListRequests(env.Ctx, "admin", domain.StatusPendingApproval, 0)
	if err != nil || len(all) != 1 {
		t.Fatalf("admin list = %+v, %v", all, err)
	}
}
