package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/metrics"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository/repofakes"
	"github.com/tutorly/session-broker/internal/util"
)

const testWebhookSecret = "whsec-test-0123456789abcdef0123456789"

type mockPaymentRepo struct {
	mock.Mock
}

func (m *mockPaymentRepo) FindByReference(ctx context.Context, reference string) (*model.PaymentEvent, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PaymentEvent), args.Error(1)
}

func (m *mockPaymentRepo) FindByStatus(ctx context.Context, status model.PaymentStatus, limit, offset int) ([]model.PaymentEvent, error) {
	args := m.Called(ctx, status, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PaymentEvent), args.Error(1)
}

func (m *mockPaymentRepo) Create(ctx context.Context, params model.CreatePaymentEventParams) (*model.PaymentEvent, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PaymentEvent), args.Error(1)
}

func (m *mockPaymentRepo) MarkApplied(ctx context.Context, reference, payloadHash string) (bool, error) {
	args := m.Called(ctx, reference, payloadHash)
	return args.Bool(0), args.Error(1)
}

func (m *mockPaymentRepo) MarkRejected(ctx context.Context, reference, payloadHash, reason string) (bool, error) {
	args := m.Called(ctx, reference, payloadHash, reason)
	return args.Bool(0), args.Error(1)
}

type paymentFixture struct {
	store    *repofakes.Store
	ledger   *LedgerService
	payments *PaymentService
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	store := repofakes.NewStore()
	ledger := NewLedgerService(store.Accounts(), store.Ledger(), metrics.Nop{})
	return &paymentFixture{
		store:    store,
		ledger:   ledger,
		payments: NewPaymentService(store.Payments(), store.Accounts(), ledger, testWebhookSecret, metrics.Nop{}),
	}
}

func webhookBody(event, reference string) []byte {
	return []byte(fmt.Sprintf(`{"event":%q,"data":{"reference":%q,"amount":999999}}`, event, reference))
}

func sign(body []byte) string {
	return util.HmacSHA256(testWebhookSecret, body)
}

func TestPaymentService_DuplicateDeliveryCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("acc-1", 0)
	_, err := f.payments.Initiate(ctx, "acc-1", 100, "ref-123")
	require.NoError(t, err)

	body := webhookBody(PaymentEventChargeSuccess, "ref-123")

	first, err := f.payments.HandleWebhook(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusApplied, first.Status)

	second, err := f.payments.HandleWebhook(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusAlreadyApplied, second.Status)

	balance, err := f.ledger.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	entries := f.store.Entries("acc-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "ref-123", entries[0].IdempotencyKey)
	assert.Equal(t, model.LedgerReasonTopup, entries[0].Reason)

	event, err := f.payments.Get(ctx, "ref-123")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusApplied, event.Status)
	require.NotNil(t, event.RawPayloadHash)
	assert.Equal(t, util.SHA256Hex(body), *event.RawPayloadHash)
}

func TestPaymentService_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("acc-1", 0)
	_, err := f.payments.Initiate(ctx, "acc-1", 100, "ref-123")
	require.NoError(t, err)
	body := webhookBody(PaymentEventChargeSuccess, "ref-123")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.payments.HandleWebhook(ctx, body, sign(body))
			assert.NoError(t, err)
			assert.Contains(t, []string{WebhookStatusApplied, WebhookStatusAlreadyApplied}, res.Status)
		}()
	}
	wg.Wait()

	balance, err := f.ledger.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	assert.Len(t, f.store.Entries("acc-1"), 1)
}

func TestPaymentService_RetryAfterCrashBetweenCreditAndMark(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("acc-1", 0)
	_, err := f.payments.Initiate(ctx, "acc-1", 100, "ref-7")
	require.NoError(t, err)

	// The credit landed but the event was never marked.
	_, err = f.ledger.Credit(ctx, "acc-1", 100, "ref-7")
	require.NoError(t, err)

	body := webhookBody(PaymentEventChargeSuccess, "ref-7")
	res, err := f.payments.HandleWebhook(ctx, body, sign(body))

	require.NoError(t, err)
	assert.Equal(t, WebhookStatusApplied, res.Status)
	balance, _ := f.ledger.Balance(ctx, "acc-1")
	assert.Equal(t, int64(100), balance)
	assert.Len(t, f.store.Entries("acc-1"), 1)
}

func TestPaymentService_InvalidSignature(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("acc-1", 0)
	_, err := f.payments.Initiate(ctx, "acc-1", 100, "ref-1")
	require.NoError(t, err)
	body := webhookBody(PaymentEventChargeSuccess, "ref-1")

	tests := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong secret", util.HmacSHA256("another-secret", body)},
		{"tampered body", sign(webhookBody(PaymentEventChargeSuccess, "ref-2"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.payments.HandleWebhook(ctx, body, tt.signature)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidSignature))
		})
	}

	event, err := f.payments.Get(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, event.Status)
	assert.Empty(t, f.store.Entries("acc-1"))
}

func TestPaymentService_SignatureIsCaseInsensitiveHex(t *testing.T) {
	f := newPaymentFixture(t)
	body := []byte(`{"event":"charge.success"}`)
	upper := ""
	for _, r := range sign(body) {
		if r >= 'a' && r <= 'f' {
			r -= 'a' - 'A'
		}
		upper += string(r)
	}
	assert.True(t, f.payments.VerifySignature(body, upper))
}

func TestPaymentService_UnknownReference(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("acc-1", 0)
	body := webhookBody(PaymentEventChargeSuccess, "ref-unsolicited")

	_, err := f.payments.HandleWebhook(ctx, body, sign(body))

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownReference))
	assert.Empty(t, f.store.Entries("acc-1"))
}

func TestPaymentService_MalformedPayload(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)

	body := []byte(`not json`)
	_, err := f.payments.HandleWebhook(ctx, body, sign(body))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	body = []byte(`{"event":"charge.success","data":{}}`)
	_, err = f.payments.HandleWebhook(ctx, body, sign(body))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingRequired))
}

func TestPaymentService_DisabledAccountRejectsEvent(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("acc-1", 0)
	_, err := f.payments.Initiate(ctx, "acc-1", 100, "ref-9")
	require.NoError(t, err)
	_, err = f.store.Accounts().Disable(ctx, "acc-1")
	require.NoError(t, err)
	body := webhookBody(PaymentEventChargeSuccess, "ref-9")

	res, err := f.payments.HandleWebhook(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusRejected, res.Status)

	event, err := f.payments.Get(ctx, "ref-9")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusRejected, event.Status)
	require.NotNil(t, event.RejectReason)
	assert.Equal(t, "Account is disabled", *event.RejectReason)

	rejected, err := f.payments.ListByStatus(ctx, model.PaymentStatusRejected, 10, 0)
	require.NoError(t, err)
	assert.Len(t, rejected, 1)

	again, err := f.payments.HandleWebhook(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusIgnored, again.Status)
	assert.Empty(t, f.store.Entries("acc-1"))
}

func TestPaymentService_ChargeFailed(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("acc-1", 0)
	_, err := f.payments.Initiate(ctx, "acc-1", 50, "ref-f")
	require.NoError(t, err)
	body := webhookBody(PaymentEventChargeFailed, "ref-f")

	res, err := f.payments.HandleWebhook(ctx, body, sign(body))

	require.NoError(t, err)
	assert.Equal(t, WebhookStatusRejected, res.Status)
	event, _ := f.payments.Get(ctx, "ref-f")
	assert.Equal(t, model.PaymentStatusRejected, event.Status)

	// A late success for a failed charge must not credit.
	late := webhookBody(PaymentEventChargeSuccess, "ref-f")
	res, err = f.payments.HandleWebhook(ctx, late, sign(late))
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusIgnored, res.Status)
	assert.Empty(t, f.store.Entries("acc-1"))
}

func TestPaymentService_Initiate(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("acc-1", 0)

	t.Run("generates reference", func(t *testing.T) {
		event, err := f.payments.Initiate(ctx, "acc-1", 10, "")
		require.NoError(t, err)
		assert.NotEmpty(t, event.Reference)
		assert.Equal(t, model.PaymentStatusPending, event.Status)
	})

	t.Run("rejects duplicate reference", func(t *testing.T) {
		_, err := f.payments.Initiate(ctx, "acc-1", 10, "ref-dup")
		require.NoError(t, err)
		_, err = f.payments.Initiate(ctx, "acc-1", 10, "ref-dup")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyExists))
	})

	t.Run("rejects non-positive credits", func(t *testing.T) {
		_, err := f.payments.Initiate(ctx, "acc-1", 0, "")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("rejects unknown account", func(t *testing.T) {
		_, err := f.payments.Initiate(ctx, "ghost", 10, "")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})
}

func TestPaymentService_StorageErrorAsksForRedelivery(t *testing.T) {
	ctx := context.Background()
	repo := new(mockPaymentRepo)
	store := repofakes.NewStore()
	ledger := NewLedgerService(store.Accounts(), store.Ledger(), nil)
	payments := NewPaymentService(repo, store.Accounts(), ledger, testWebhookSecret, nil)
	body := webhookBody(PaymentEventChargeSuccess, "ref-1")

	repo.On("FindByReference", ctx, "ref-1").Return(nil, errors.New("db down"))

	_, err := payments.HandleWebhook(ctx, body, sign(body))

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
	repo.AssertNotCalled(t, "MarkApplied", mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentService_ReferenceCannotClaimOperatorOrTurnKeys(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("payer", 0)
	admin := NewAdminService(f.store.Accounts(), f.ledger, f.payments, nil)
	_, err := admin.CreateAccount(ctx, "acct-b", 10)
	require.NoError(t, err)

	for _, reference := range []string{"grant:acct-b", "adjust:support-1", "3f2504e0-4f89-41d3-9a0c-0305e82c3301:1:user"} {
		_, err := f.payments.Initiate(ctx, "payer", 100, reference)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput), reference)
	}
	assert.Empty(t, f.store.Entries("payer"))
}

func TestPaymentService_KeyCollisionRejectsInsteadOfApplying(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t)
	f.store.SeedAccount("payer", 0)
	f.store.SeedAccount("other", 50)
	_, err := f.payments.Initiate(ctx, "payer", 100, "ref-taken")
	require.NoError(t, err)

	// Some other ledger write already holds the key.
	_, err = f.ledger.Consume(ctx, "other", 5, "ref-taken")
	require.NoError(t, err)

	body := webhookBody(PaymentEventChargeSuccess, "ref-taken")
	res, err := f.payments.HandleWebhook(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusRejected, res.Status)

	event, err := f.payments.Get(ctx, "ref-taken")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusRejected, event.Status)

	balance, err := f.ledger.Balance(ctx, "payer")
	require.NoError(t, err)
	assert.Zero(t, balance)
}
