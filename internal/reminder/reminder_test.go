package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-lending-backend/config"
	"lab-lending-backend/internal/model"
	"lab-lending-backend/internal/notification"
	"lab-lending-backend/internal/store"
)

// mockStore overrides ListTransactions; any other call panics on the nil embedded Store.
type mockStore struct {
	store.Store
	ListTransactionsFunc func(ctx context.Context, filter store.TransactionFilter) ([]model.Transaction, error)
}

func (m *mockStore) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]model.Transaction, error) {
	return m.ListTransactionsFunc(ctx, filter)
}

type mockDispatcher struct {
	mu   sync.Mutex
	jobs []notification.Job
}

func (d *mockDispatcher) Dispatch(job notification.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
}

func (d *mockDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func TestService_SweepOnce(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	overdue := []model.Transaction{
		{ID: "tx-1", RequesterID: "alice", State: model.StateBorrowed},
		{ID: "tx-2", RequesterID: "bob", State: model.StateBorrowed},
	}

	var gotFilter store.TransactionFilter
	ms := &mockStore{ListTransactionsFunc: func(ctx context.Context, filter store.TransactionFilter) ([]model.Transaction, error) {
		gotFilter = filter
		return overdue, nil
	}}
	d := &mockDispatcher{}
	svc := NewService(config.ReminderConfig{Enabled: true, RepeatAfter: time.Hour}, ms, d, nil)
	svc.now = func() time.Time { return now }

	assert.Equal(t, 2, svc.SweepOnce(context.Background()))
	assert.Equal(t, model.StateBorrowed, gotFilter.State)
	require.NotNil(t, gotFilter.DueBefore)
	assert.True(t, gotFilter.DueBefore.Equal(now))
	assert.Equal(t, []notification.Job{
		{TransactionID: "tx-1", RequesterID: "alice", State: model.StateBorrowed, Overdue: true},
		{TransactionID: "tx-2", RequesterID: "bob", State: model.StateBorrowed, Overdue: true},
	}, d.jobs)

	// A second sweep within RepeatAfter stays quiet, except for newly overdue transactions.
	overdue = append(overdue, model.Transaction{ID: "tx-3", RequesterID: "dave", State: model.StateBorrowed})
	assert.Equal(t, 1, svc.SweepOnce(context.Background()))
	assert.Equal(t, "tx-3", d.jobs[2].TransactionID)
}

func TestService_SweepOnceStoreError(t *testing.T) {
	ms := &mockStore{ListTransactionsFunc: func(ctx context.Context, filter store.TransactionFilter) ([]model.Transaction, error) {
		return nil, errors.New("database is down")
	}}
	d := &mockDispatcher{}
	svc := NewService(config.ReminderConfig{Enabled: true}, ms, d, nil)

	assert.Equal(t, 0, svc.SweepOnce(context.Background()))
	assert.Zero(t, d.count())
}

func TestService_RunDisabled(t *testing.T) {
	ms := &mockStore{ListTransactionsFunc: func(ctx context.Context, filter store.TransactionFilter) ([]model.Transaction, error) {
		t.Fatal("disabled service must not sweep")
		return nil, nil
	}}
	svc := NewService(config.ReminderConfig{}, ms, &mockDispatcher{}, nil)

	done := make(chan struct{})
	go func() {
		svc.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when disabled")
	}
}

func TestService_RunSweepsUntilCancelled(t *testing.T) {
	ms := &mockStore{ListTransactionsFunc: func(ctx context.Context, filter store.TransactionFilter) ([]model.Transaction, error) {
		return []model.Transaction{{ID: "tx-1", RequesterID: "alice", State: model.StateBorrowed}}, nil
	}}
	d := &mockDispatcher{}
	svc := NewService(config.ReminderConfig{Enabled: true, Interval: 10 * time.Millisecond}, ms, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	// The same transaction is reminded at most once per RepeatAfter.
	assert.Equal(t, 1, d.count())
}
