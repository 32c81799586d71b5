package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/gateway"
	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/store"
)

// memoryStore mirrors the compare-and-set semantics of store.TransactionStore.
type memoryStore struct {
	mu        sync.Mutex
	byID      map[string]*models.Transaction
	createErr []error
	creates   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{byID: map[string]*models.Transaction{}}
}

func cloneTx(tx *models.Transaction) *models.Transaction {
	c := *tx
	c.Metadata = models.Metadata{}
	for k, v := range tx.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func (s *memoryStore) Create(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if len(s.createErr) > 0 {
		err := s.createErr[0]
		s.createErr = s.createErr[1:]
		if err != nil {
			return err
		}
	}
	for _, existing := range s.byID {
		if existing.Reference == tx.Reference {
			return store.ErrDuplicateReference
		}
	}
	tx.CreatedAt = time.Now()
	tx.UpdatedAt = tx.CreatedAt
	s.byID[tx.ID] = cloneTx(tx)
	return nil
}

func (s *memoryStore) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.byID {
		if tx.Reference == reference {
			return cloneTx(tx), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memoryStore) GetByCheckoutRequestID(ctx context.Context, checkoutID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.byID {
		if tx.Metadata.String(models.MetaCheckoutRequestID) == checkoutID {
			return cloneTx(tx), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memoryStore) MergeMetadata(ctx context.Context, id string, patch models.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range patch {
		tx.Metadata[k] = v
	}
	return nil
}

func (s *memoryStore) Transition(ctx context.Context, id string, to models.TransactionStatus, patch models.Metadata) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok || !tx.Status.CanTransitionTo(to) {
		return nil, store.ErrNotPending
	}
	tx.Status = to
	for k, v := range patch {
		tx.Metadata[k] = v
	}
	tx.UpdatedAt = time.Now()
	return cloneTx(tx), nil
}

func (s *memoryStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, tx := range s.byID {
		if tx.Status == models.TransactionStatusPending && tx.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *cloneTx(tx))
		}
	}
	return out, nil
}

// put stores tx as-is, bypassing Create.
func (s *memoryStore) put(tx *models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.Metadata == nil {
		tx.Metadata = models.Metadata{}
	}
	s.byID[tx.ID] = cloneTx(tx)
}

func (s *memoryStore) get(id string) *models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTx(s.byID[id])
}

type fakeGateway struct {
	mu        sync.Mutex
	pushErr   error
	pushes    []gateway.PushRequest
	query     map[string]*gateway.QueryResult
	queryErr  error
	checkouts int
}

func (g *fakeGateway) PushPayment(ctx context.Context, req gateway.PushRequest) (*gateway.PushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, req)
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	g.checkouts++
	return &gateway.PushResult{
		Accepted:          true,
		CheckoutRequestID: "ws_CO_" + req.Reference,
		MerchantRequestID: "29115-34620561-1",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*gateway.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	if res, ok := g.query[checkoutRequestID]; ok {
		return res, nil
	}
	return nil, errors.New("no result")
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *fakeAuditor) Record(ctx context.Context, entry models.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAuditor) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Event)
	}
	return out
}

type fakeCatalog map[string]*models.DataPackage

func (c fakeCatalog) Get(ctx context.Context, id string) (*models.DataPackage, error) {
	if p, ok := c[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

type notification struct {
	event string
	data  any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(ctx context.Context, event string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{event: event, data: data})
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.PaymentEvent
}

func (p *fakePublisher) PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}
