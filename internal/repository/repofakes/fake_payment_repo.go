package repofakes

import (
	"context"
	"sort"
	"time"

	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
)

type FakePaymentEventRepo struct {
	store *Store
}

func (r *FakePaymentEventRepo) FindByReference(ctx context.Context, reference string) (*model.PaymentEvent, error) {
	r.store.lock.RLock()
	defer r.store.lock.RUnlock()

	event, ok := r.store.payments[reference]
	if !ok {
		return nil, nil
	}
	cp := *event
	return &cp, nil
}

func (r *FakePaymentEventRepo) FindByStatus(ctx context.Context, status model.PaymentStatus, limit, offset int) ([]model.PaymentEvent, error) {
	r.store.lock.RLock()
	defer r.store.lock.RUnlock()

	var out []model.PaymentEvent
	for _, event := range r.store.payments {
		if event.Status == status {
			out = append(out, *event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *FakePaymentEventRepo) Create(ctx context.Context, params model.CreatePaymentEventParams) (*model.PaymentEvent, error) {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	if _, ok := r.store.payments[params.Reference]; ok {
		return nil, repository.ErrDuplicateKey
	}
	if _, ok := r.store.accounts[params.AccountID]; !ok {
		return nil, repository.ErrAccountNotFound
	}
	now := time.Now()
	event := &model.PaymentEvent{
		Reference:      params.Reference,
		AccountID:      params.AccountID,
		CreditsGranted: params.CreditsGranted,
		Status:         model.PaymentStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.store.payments[params.Reference] = event
	cp := *event
	return &cp, nil
}

func (r *FakePaymentEventRepo) MarkApplied(ctx context.Context, reference, payloadHash string) (bool, error) {
	return r.transition(reference, func(event *model.PaymentEvent, now time.Time) {
		event.Status = model.PaymentStatusApplied
		event.RawPayloadHash = &payloadHash
		event.AppliedAt = &now
	})
}

func (r *FakePaymentEventRepo) MarkRejected(ctx context.Context, reference, payloadHash, reason string) (bool, error) {
	return r.transition(reference, func(event *model.PaymentEvent, now time.Time) {
		event.Status = model.PaymentStatusRejected
		event.RawPayloadHash = &payloadHash
		event.RejectReason = &reason
	})
}

func (r *FakePaymentEventRepo) transition(reference string, apply func(*model.PaymentEvent, time.Time)) (bool, error) {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	event, ok := r.store.payments[reference]
	if !ok || event.Status != model.PaymentStatusPending {
		return false, nil
	}
	now := time.Now()
	apply(event, now)
	event.UpdatedAt = now
	return true, nil
}
