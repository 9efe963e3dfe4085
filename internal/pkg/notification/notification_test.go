package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []sentMail
	block chan struct{}
}

func (f *fakeMailer) SendMail(to, subject, body string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

func TestExpiryReminderContent(t *testing.T) {
	m := &fakeMailer{}
	d := NewMailDispatcher(m)

	err := d.SendExpiryReminder(context.Background(), ExpiryReminder{
		Recipient:     Recipient{CompanyID: 1, CompanyName: "Acme <Fleet>", Email: "ops@acme.test"},
		PlanType:      "PRO",
		EndDate:       time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC),
		DaysRemaining: 4,
		RenewalAmount: 250000,
		AutoRenew:     true,
	})
	require.NoError(t, err)
	require.Len(t, m.sent, 1)
	assert.Equal(t, "ops@acme.test", m.sent[0].to)
	assert.Equal(t, "Your PRO subscription expires in 4 day(s)", m.sent[0].subject)
	assert.Contains(t, m.sent[0].body, "2024-06-11")
	assert.Contains(t, m.sent[0].body, "2500.00")
	assert.Contains(t, m.sent[0].body, "renews automatically")
	assert.Contains(t, m.sent[0].body, "Acme &lt;Fleet&gt;")
}

func TestPaymentConfirmationPartial(t *testing.T) {
	m := &fakeMailer{}
	d := NewMailDispatcher(m)

	require.NoError(t, d.SendPaymentConfirmation(context.Background(), PaymentConfirmation{
		Recipient:     Recipient{Email: "ops@acme.test"},
		InvoiceNumber: "INV-202406-abcd1234",
		PaymentID:     "pay_1",
		AmountPaid:    10000,
		Remaining:     5000,
	}))
	assert.Contains(t, m.sent[0].body, "Remaining balance: 50.00.")
}

func TestSendRequiresRecipient(t *testing.T) {
	d := NewMailDispatcher(&fakeMailer{})
	err := d.SendSuspensionNotice(context.Background(), SuspensionNotice{InvoiceNumber: "INV-1"})
	assert.Error(t, err)
}

func TestSendIsBoundedByContext(t *testing.T) {
	m := &fakeMailer{block: make(chan struct{})}
	defer close(m.block)
	d := NewMailDispatcher(m)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.SendGracePeriodWarning(ctx, GracePeriodWarning{Recipient: Recipient{Email: "x@y"}, GraceDaysRemaining: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
