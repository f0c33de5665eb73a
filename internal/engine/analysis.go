package engine

import (
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"procureline/internal/config"
	"procureline/internal/domain"
	"procureline/internal/repo"
)

var hundred = decimal.NewFromInt(100)

type ItemVariance struct {
	ItemID             string           `json:"item_id"`
	Description        string           `json:"description"`
	EstimatedUnitPrice *decimal.Decimal `json:"estimated_unit_price,omitempty"`
	ActualUnitPrice    *decimal.Decimal `json:"actual_unit_price,omitempty"`
	// VariancePercent is nil when the estimate is missing or zero.
	VariancePercent *float64 `json:"variance_percent"`
	Invoices        []string `json:"invoices"`
}

type Traceability struct {
	PublicID         string         `json:"public_id"`
	ItemsReceived    int            `json:"items_received"`
	ItemsTraceable   int            `json:"items_traceable"`
	PercentTraceable float64        `json:"percent_traceable"`
	Variances        []ItemVariance `json:"variances"`
}

// Trace computes invoice traceability and price variance for one request.
func Trace(publicID string, items []domain.RequestItem, receptions map[string][]domain.Reception) Traceability {
	t := Traceability{PublicID: publicID, Variances: []ItemVariance{}}
	for _, it := range items {
		recs := receptions[it.ID]
		if len(recs) == 0 {
			continue
		}
		t.ItemsReceived++
		var linked []domain.Reception
		for _, rc := range recs {
			if rc.HasInvoice() {
				linked = append(linked, rc)
			}
		}
		if len(linked) == 0 {
			continue
		}
		t.ItemsTraceable++
		v := ItemVariance{
			ItemID:             it.ID,
			Description:        it.Description,
			EstimatedUnitPrice: it.EstimatedUnitPrice,
			ActualUnitPrice:    weightedPrice(linked),
			Invoices:           invoiceRefs(linked),
		}
		v.VariancePercent = variance(v.EstimatedUnitPrice, v.ActualUnitPrice)
		t.Variances = append(t.Variances, v)
	}
	if t.ItemsReceived > 0 {
		pct, _ := decimal.NewFromInt(int64(t.ItemsTraceable)).Mul(hundred).
			Div(decimal.NewFromInt(int64(t.ItemsReceived))).Round(2).Float64()
		t.PercentTraceable = pct
	}
	return t
}

// weightedPrice is the quantity weighted actual price over priced receptions.
func weightedPrice(recs []domain.Reception) *decimal.Decimal {
	var qty, amount decimal.Decimal
	for _, rc := range recs {
		if rc.ActualUnitPrice == nil {
			continue
		}
		q := decimal.NewFromFloat(rc.Quantity)
		qty = qty.Add(q)
		amount = amount.Add(q.Mul(*rc.ActualUnitPrice))
	}
	if qty.IsZero() {
		return nil
	}
	p := amount.Div(qty).Round(4)
	return &p
}

func variance(estimated, actual *decimal.Decimal) *float64 {
	if estimated == nil || actual == nil || estimated.IsZero() {
		return nil
	}
	v, _ := actual.Sub(*estimated).Div(*estimated).Mul(hundred).Round(2).Float64()
	return &v
}

func invoiceRefs(recs []domain.Reception) []string {
	seen := map[string]bool{}
	var out []string
	for _, rc := range recs {
		ref := invoiceRef(rc.InvoicePrefix, rc.InvoiceNumber)
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

func invoiceRef(prefix, number *string) string {
	var p, n string
	if prefix != nil {
		p = *prefix
	}
	if number != nil {
		n = *number
	}
	if p == "" {
		return n
	}
	return p + "-" + n
}

// ProductSpend aggregates received spend for one product in a window.
type ProductSpend struct {
	Product    string
	Label      string
	Quantity   float64
	Impact     decimal.Decimal
	Suppliers  map[string]bool
	UnitPrices []decimal.Decimal
}

// RiskSource supplies the supply-risk axis of the Kraljic matrix.
type RiskSource interface {
	SupplyRisk(p ProductSpend) float64
}

// SupplierCountRisk scores risk as the inverse of distinct suppliers: a
// single-source product is the riskiest.
type SupplierCountRisk struct{}

func (SupplierCountRisk) SupplyRisk(p ProductSpend) float64 {
	n := len(p.Suppliers)
	if n == 0 {
		return 1
	}
	return 1 / float64(n)
}

// PriceVolatilityRisk scores risk as the coefficient of variation of unit prices.
type PriceVolatilityRisk struct{}

func (PriceVolatilityRisk) SupplyRisk(p ProductSpend) float64 {
	if len(p.UnitPrices) < 2 {
		return 0
	}
	n := decimal.NewFromInt(int64(len(p.UnitPrices)))
	sum := decimal.Zero
	for _, v := range p.UnitPrices {
		sum = sum.Add(v)
	}
	mean := sum.Div(n)
	if mean.IsZero() {
		return 0
	}
	sq := decimal.Zero
	for _, v := range p.UnitPrices {
		d := v.Sub(mean)
		sq = sq.Add(d.Mul(d))
	}
	variance, _ := sq.Div(n).Float64()
	m, _ := mean.Float64()
	return math.Sqrt(variance) / m
}

// RiskSourceFor picks the configured risk metric.
func RiskSourceFor(a config.Analysis) RiskSource {
	if a.KraljicRisk == config.RiskVolatility {
		return PriceVolatilityRisk{}
	}
	return SupplierCountRisk{}
}

const (
	QuadrantStrategic   = "strategic"
	QuadrantLeverage    = "leverage"
	QuadrantBottleneck  = "bottleneck"
	QuadrantNonCritical = "non_critical"
)

type KraljicEntry struct {
	Product  string          `json:"product"`
	Quantity float64         `json:"quantity"`
	Impact   decimal.Decimal `json:"impact"`
	Risk     float64         `json:"risk"`
	Quadrant string          `json:"quadrant"`
}

type KraljicMatrix struct {
	Start       string          `json:"start"`
	End         string          `json:"end"`
	MeanImpact  decimal.Decimal `json:"mean_impact"`
	MeanRisk    float64         `json:"mean_risk"`
	Strategic   []KraljicEntry  `json:"strategic"`
	Leverage    []KraljicEntry  `json:"leverage"`
	Bottleneck  []KraljicEntry  `json:"bottleneck"`
	NonCritical []KraljicEntry  `json:"non_critical"`
}

// AggregateSpend groups spend lines by normalized description. The price of
// a line is its actual unit price, else the item's estimate.
func AggregateSpend(lines []repo.SpendLine) []ProductSpend {
	byKey := map[string]*ProductSpend{}
	var order []string
	for _, l := range lines {
		key := strings.ToLower(strings.TrimSpace(l.Description))
		p, ok := byKey[key]
		if !ok {
			p = &ProductSpend{Product: key, Label: strings.TrimSpace(l.Description), Suppliers: map[string]bool{}}
			byKey[key] = p
			order = append(order, key)
		}
		p.Quantity += l.Quantity
		price := l.ActualUnitPrice
		if price == nil {
			price = l.EstimatedUnitPrice
		}
		if price != nil {
			p.Impact = p.Impact.Add(decimal.NewFromFloat(l.Quantity).Mul(*price))
			p.UnitPrices = append(p.UnitPrices, *price)
		}
		if l.ProviderID != "" {
			p.Suppliers[l.ProviderID] = true
		}
	}
	out := make([]ProductSpend, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

// Classify places products against the cohort means. Ties go to the high side.
func Classify(products []ProductSpend, risk RiskSource) KraljicMatrix {
	m := KraljicMatrix{
		Strategic:   []KraljicEntry{},
		Leverage:    []KraljicEntry{},
		Bottleneck:  []KraljicEntry{},
		NonCritical: []KraljicEntry{},
	}
	if len(products) == 0 {
		return m
	}
	if risk == nil {
		risk = SupplierCountRisk{}
	}
	entries := make([]KraljicEntry, 0, len(products))
	totalImpact := decimal.Zero
	totalRisk := decimal.Zero
	for _, p := range products {
		r := risk.SupplyRisk(p)
		if math.IsNaN(r) || math.IsInf(r, 0) {
			r = 0
		}
		e := KraljicEntry{Product: p.Label, Quantity: p.Quantity, Impact: p.Impact, Risk: r}
		totalImpact = totalImpact.Add(e.Impact)
		totalRisk = totalRisk.Add(decimal.NewFromFloat(e.Risk))
		entries = append(entries, e)
	}
	n := decimal.NewFromInt(int64(len(entries)))
	m.MeanImpact = totalImpact.Div(n)
	m.MeanRisk = totalRisk.Div(n).InexactFloat64()
	// Inclusive on both axes: value*n >= total.
	for _, e := range entries {
		highImpact := e.Impact.Mul(n).GreaterThanOrEqual(totalImpact)
		highRisk := decimal.NewFromFloat(e.Risk).Mul(n).GreaterThanOrEqual(totalRisk)
		switch {
		case highImpact && highRisk:
			e.Quadrant = QuadrantStrategic
			m.Strategic = append(m.Strategic, e)
		case highImpact:
			e.Quadrant = QuadrantLeverage
			m.Leverage = append(m.Leverage, e)
		case highRisk:
			e.Quadrant = QuadrantBottleneck
			m.Bottleneck = append(m.Bottleneck, e)
		default:
			e.Quadrant = QuadrantNonCritical
			m.NonCritical = append(m.NonCritical, e)
		}
	}
	for _, q := range [][]KraljicEntry{m.Strategic, m.Leverage, m.Bottleneck, m.NonCritical} {
		sort.SliceStable(q, func(i, j int) bool { return q[i].Impact.GreaterThan(q[j].Impact) })
	}
	return m
}
