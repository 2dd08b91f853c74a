package reporting

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/payment"
)

// Entry is one journaled attempt transition.
type Entry struct {
	Timestamp         time.Time             `json:"timestamp"`
	SessionID         string                `json:"sessionId"`
	OrderID           string                `json:"orderId"`
	AttemptID         string                `json:"attemptId"`
	Gateway           gateway.Kind          `json:"gateway"`
	Status            payment.Status        `json:"status"`
	Amount            decimal.Decimal       `json:"amount"`
	Currency          string                `json:"currency"`
	DeclineReason     gateway.DeclineReason `json:"declineReason,omitempty"`
	ReconciliationGap bool                  `json:"reconciliationGap,omitempty"`
}

// EntryFromAttempt builds a journal entry from the attempt's current state.
func EntryFromAttempt(sessionID string, a payment.Attempt, at time.Time) Entry {
	return Entry{
		Timestamp:         at,
		SessionID:         sessionID,
		OrderID:           a.OrderID,
		AttemptID:         a.ID,
		Gateway:           a.Gateway,
		Status:            a.Status,
		Amount:            a.Amount,
		Currency:          a.Currency,
		DeclineReason:     a.DeclineReason,
		ReconciliationGap: a.ReconciliationGap,
	}
}

// Journal is an append-only, in-process record of attempt transitions.
type Journal struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewJournal() *Journal {
	return &Journal{}
}

// Record appends e.
func (j *Journal) Record(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

// Entries returns a copy of the journal, optionally limited to one session.
func (j *Journal) Entries(sessionID string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		if sessionID == "" || e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// RetrospectiveReport summarizes attempts. Every attempt is counted once, in
// the status of its latest journal entry.
type RetrospectiveReport struct {
	TotalEvents        int                           `json:"totalEvents"`
	TotalAttempts      int                           `json:"totalAttempts"`
	Succeeded          int                           `json:"succeeded"`
	Declined           int                           `json:"declined"`
	TimedOut           int                           `json:"timedOut"`
	Cancelled          int                           `json:"cancelled"`
	Pending            int                           `json:"pending"`
	ReconciliationGaps int                           `json:"reconciliationGaps"`
	AmountByCurrency   map[string]decimal.Decimal    `json:"amountByCurrency"` // succeeded attempts only
	DeclineBreakdown   map[gateway.DeclineReason]int `json:"declineBreakdown"`
	GatewayUsage       map[gateway.Kind]int          `json:"gatewayUsage"`
	DateFrom           time.Time                     `json:"dateFrom"`
	DateTo             time.Time                     `json:"dateTo"`
	ProcessingDuration time.Duration                 `json:"processingDuration"`
}

// RetrospectiveReporter generates retrospective reports from journal entries.
type RetrospectiveReporter struct{}

// NewRetrospectiveReporter creates a new RetrospectiveReporter.
func NewRetrospectiveReporter() *RetrospectiveReporter {
	return &RetrospectiveReporter{}
}

// GenerateRetrospective analyzes entries and produces a RetrospectiveReport.
func (rr *RetrospectiveReporter) GenerateRetrospective(entries []Entry) *RetrospectiveReport {
	report := &RetrospectiveReport{
		TotalEvents:      len(entries),
		AmountByCurrency: make(map[string]decimal.Decimal),
		DeclineBreakdown: make(map[gateway.DeclineReason]int),
		GatewayUsage:     make(map[gateway.Kind]int),
	}
	if len(entries) == 0 {
		return report
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	report.DateFrom = sorted[0].Timestamp
	report.DateTo = sorted[len(sorted)-1].Timestamp
	report.ProcessingDuration = report.DateTo.Sub(report.DateFrom)

	latest := make(map[string]Entry)
	gaps := make(map[string]bool)
	var order []string
	for _, e := range sorted {
		if _, seen := latest[e.AttemptID]; !seen {
			order = append(order, e.AttemptID)
		}
		latest[e.AttemptID] = e
		if e.ReconciliationGap {
			gaps[e.AttemptID] = true
		}
	}

	for _, id := range order {
		e := latest[id]
		report.TotalAttempts++
		report.GatewayUsage[e.Gateway]++
		switch e.Status {
		case payment.StatusSucceeded:
			report.Succeeded++
			report.AmountByCurrency[e.Currency] = report.AmountByCurrency[e.Currency].Add(e.Amount)
		case payment.StatusDeclined:
			report.Declined++
			report.DeclineBreakdown[e.DeclineReason]++
		case payment.StatusTimedOut:
			report.TimedOut++
		case payment.StatusCancelled:
			report.Cancelled++
		default:
			report.Pending++
		}
	}
	report.ReconciliationGaps = len(gaps)
	return report
}
