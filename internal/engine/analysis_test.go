package engine

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"procureline/internal/config"
	"procureline/internal/domain"
	"procureline/internal/repo"
)

func d(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestProgress(t *testing.T) {
	item := domain.RequestItem{ID: "i1", Quantity: 3}
	p := ProgressOf(item, []domain.Reception{{Quantity: 1}})
	if p.Percent != 33 || p.OverReceived {
		t.Fatalf("one of three = %+v", p)
	}
	p = ProgressOf(item, []domain.Reception{{Quantity: 2}, {Quantity: 2}})
	if p.Percent != 133 || !p.OverReceived {
		t.Fatalf("over receipt = %+v", p)
	}
	if got := ProgressOf(domain.RequestItem{ID: "i2"}, nil).Percent; got != 100 {
		t.Fatalf("zero quantity percent = %d", got)
	}
	all := []ItemProgress{{Requested: 10, Received: 4}, {Requested: 10, Received: 10}}
	if got := RequestProgress(all); got != 70 {
		t.Fatalf("request progress = %d", got)
	}
	if got := RequestProgress(nil); got != 100 {
		t.Fatalf("empty request progress = %d", got)
	}
}

func TestBlocksAt(t *testing.T) {
	asOf := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	cases := []struct {
		grace string
		want  bool
	}{
		{"", true},
		{"2025-03-09", true},
		{"2025-03-10", true},
		{"2025-03-11", false},
	}
	for _, tc := range cases {
		s := config.Settings{GracePeriodEndDate: tc.grace}
		if got := blocksAt(s, asOf); got != tc.want {
			t.Fatalf("grace %q: blocks = %v", tc.grace, got)
		}
	}
}

func TestMatchItems(t *testing.T) {
	items := []domain.RequestItem{
		{Description: "Laptop", Specifications: "16GB"},
		{Description: "Laptop", Specifications: "32GB"},
		{Description: "Mouse"},
	}
	recent := []repo.RecentItem{
		{PublicID: "AB-0001", Description: "LAPTOP ", Specifications: "16gb"},
		{PublicID: "AB-0002", Description: "mouse"},
	}
	got := matchItems(items, recent)
	if len(got) != 2 {
		t.Fatalf("matches = %+v", got)
	}
	if got[0].ItemIndex != 0 || got[0].MatchedPublicID != "AB-0001" || got[1].ItemIndex != 2 || got[1].MatchedPublicID != "AB-0002" {
		t.Fatalf("matches = %+v", got)
	}
}

func TestTraceWeightsActualPrice(t *testing.T) {
	fe := "FE"
	n1, n2 := "1", "2"
	items := []domain.RequestItem{
		{ID: "a", Description: "Paper", EstimatedUnitPrice: d("10")},
		{ID: "b", Description: "Pens"},
		{ID: "c", Description: "Not received", EstimatedUnitPrice: d("5")},
	}
	receptions := map[string][]domain.Reception{
		"a": {
			{Quantity: 1, InvoicePrefix: &fe, InvoiceNumber: &n1, ActualUnitPrice: d("9")},
			{Quantity: 3, InvoicePrefix: &fe, InvoiceNumber: &n2, ActualUnitPrice: d("13")},
		},
		"b": {{Quantity: 2, InvoiceNumber: &n1, ActualUnitPrice: d("4")}},
	}
	tr := Trace("XX-0001", items, receptions)
	if tr.ItemsReceived != 2 || tr.ItemsTraceable != 2 || tr.PercentTraceable != 100 {
		t.Fatalf("trace = %+v", tr)
	}
	paper := tr.Variances[0]
	if !paper.ActualUnitPrice.Equal(decimal.NewFromInt(12)) || paper.VariancePercent == nil || *paper.VariancePercent != 20 {
		t.Fatalf("paper = %+v", paper)
	}
	if len(paper.Invoices) != 2 || paper.Invoices[0] != "FE-1" {
		t.Fatalf("invoices = %v", paper.Invoices)
	}
	if tr.Variances[1].VariancePercent != nil {
		t.Fatalf("variance without estimate should be nil")
	}
}

type fixedRisk float64

func (r fixedRisk) SupplyRisk(ProductSpend) float64 { return float64(r) }

func TestClassify(t *testing.T) {
	lines := []repo.SpendLine{
		{Description: "Steel", Quantity: 10, ActualUnitPrice: d("100"), ProviderID: "p1"},
		{Description: "steel ", Quantity: 5, ActualUnitPrice: d("120"), ProviderID: "p1"},
		{Description: "Bolts", Quantity: 100, EstimatedUnitPrice: d("1"), ProviderID: "p1"},
		{Description: "Bolts", Quantity: 100, ActualUnitPrice: d("1"), ProviderID: "p2"},
		{Description: "Paint", Quantity: 50, ActualUnitPrice: d("30"), ProviderID: "p1"},
		{Description: "Paint", Quantity: 1, ActualUnitPrice: d("30"), ProviderID: "p2"},
		{Description: "Chip", Quantity: 1, ActualUnitPrice: d("5"), ProviderID: "p3"},
	}
	products := AggregateSpend(lines)
	if len(products) != 4 || products[0].Label != "Steel" || !products[0].Impact.Equal(decimal.NewFromInt(1600)) {
		t.Fatalf("products = %+v", products)
	}
	m := Classify(products, SupplierCountRisk{})
	// impacts 1600, 200, 1530, 5: mean 833.75; risks 1, .5, .5, 1: mean .75
	if len(m.Strategic) != 1 || m.Strategic[0].Product != "Steel" {
		t.Fatalf("strategic = %+v", m.Strategic)
	}
	if len(m.Leverage) != 1 || m.Leverage[0].Product != "Paint" {
		t.Fatalf("leverage = %+v", m.Leverage)
	}
	if len(m.Bottleneck) != 1 || m.Bottleneck[0].Product != "Chip" {
		t.Fatalf("bottleneck = %+v", m.Bottleneck)
	}
	if len(m.NonCritical) != 1 || m.NonCritical[0].Product != "Bolts" {
		t.Fatalf("non critical = %+v", m.NonCritical)
	}

	tied := Classify([]ProductSpend{{Label: "A", Impact: decimal.NewFromInt(5)}, {Label: "B", Impact: decimal.NewFromInt(5)}}, SupplierCountRisk{})
	if len(tied.Strategic) != 2 {
		t.Fatalf("ties should be strategic: %+v", tied)
	}
	tenths := []ProductSpend{
		{Label: "A", Impact: decimal.NewFromInt(10)},
		{Label: "B", Impact: decimal.NewFromInt(10)},
		{Label: "C", Impact: decimal.NewFromInt(10)},
	}
	if m := Classify(tenths, fixedRisk(0.1)); len(m.Strategic) != 3 {
		t.Fatalf("equal 0.1 risks should all be strategic: %+v", m)
	}
	thirds := []ProductSpend{
		{Label: "A", Impact: decimal.NewFromInt(1)},
		{Label: "B", Impact: decimal.NewFromInt(1)},
		{Label: "C", Impact: decimal.NewFromInt(1)},
	}
	if m := Classify(thirds, fixedRisk(0.7)); len(m.Strategic) != 3 {
		t.Fatalf("equal impacts of 1/3 mean should all be strategic: %+v", m)
	}
	if empty := Classify(nil, nil); empty.Strategic == nil || len(empty.Strategic) != 0 {
		t.Fatalf("empty matrix = %+v", empty)
	}
}

func TestPriceVolatilityRisk(t *testing.T) {
	p := ProductSpend{UnitPrices: []decimal.Decimal{decimal.NewFromInt(8), decimal.NewFromInt(12)}}
	if got := (PriceVolatilityRisk{}).SupplyRisk(p); math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("volatility = %v", got)
	}
	if got := (PriceVolatilityRisk{}).SupplyRisk(ProductSpend{}); got != 0 {
		t.Fatalf("no prices = %v", got)
	}
	if _, ok := RiskSourceFor(config.Analysis{KraljicRisk: config.RiskVolatility}).(PriceVolatilityRisk); !ok {
		t.Fatalf("volatility source not selected")
	}
	if _, ok := RiskSourceFor(config.Analysis{}).(SupplierCountRisk); !ok {
		t.Fatalf("default source should count suppliers")
	}
}
