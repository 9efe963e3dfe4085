package notification

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/ommanoj88/SEV-sub002/app/models"
)

// Dispatcher delivers billing notices to a company's billing contact.
type Dispatcher interface {
	SendExpiryReminder(ctx context.Context, n ExpiryReminder) error
	SendGracePeriodWarning(ctx context.Context, n GracePeriodWarning) error
	SendSuspensionNotice(ctx context.Context, n SuspensionNotice) error
	SendRenewalInvoiceNotification(ctx context.Context, n RenewalInvoice) error
	SendPaymentConfirmation(ctx context.Context, n PaymentConfirmation) error
}

// Recipient identifies who a notice goes to.
type Recipient struct {
	CompanyID   uint
	CompanyName string
	Email       string
}

type ExpiryReminder struct {
	Recipient
	SubscriptionID uint
	PlanType       string
	EndDate        time.Time
	DaysRemaining  int
	RenewalAmount  int64
	AutoRenew      bool
}

type GracePeriodWarning struct {
	Recipient
	SubscriptionID      uint
	EndDate             time.Time
	GraceDaysRemaining  int
	OutstandingInvoices int
}

type SuspensionNotice struct {
	Recipient
	SubscriptionID uint
	InvoiceNumber  string
	AmountDue      int64
}

type RenewalInvoice struct {
	Recipient
	SubscriptionID uint
	InvoiceNumber  string
	Amount         int64
	DueDate        time.Time
}

type PaymentConfirmation struct {
	Recipient
	InvoiceNumber string
	PaymentID     string
	AmountPaid    int64
	Remaining     int64
	FullyPaid     bool
}

// Mailer is satisfied by mail.SMTPMailer and by the job queue's e-mail enqueuer.
type Mailer interface {
	SendMail(to string, subject string, body string) error
}

// MailDispatcher renders notices as HTML mail.
type MailDispatcher struct {
	mailer Mailer
}

func NewMailDispatcher(mailer Mailer) *MailDispatcher {
	return &MailDispatcher{mailer: mailer}
}

func (d *MailDispatcher) SendExpiryReminder(ctx context.Context, n ExpiryReminder) error {
	renewal := "Please renew before the end date to keep your fleet tracking active."
	if n.AutoRenew {
		renewal = "Your plan renews automatically and a renewal invoice will be issued."
	}
	subject := fmt.Sprintf("Your %s subscription expires in %d day(s)", n.PlanType, n.DaysRemaining)
	body := paragraphs(
		fmt.Sprintf("Hello %s,", n.CompanyName),
		fmt.Sprintf("your %s subscription ends on %s (%d day(s) left).", n.PlanType, day(n.EndDate), n.DaysRemaining),
		fmt.Sprintf("Renewal amount: %s.", models.FormatMajorUnits(n.RenewalAmount)),
		renewal,
	)
	return d.send(ctx, n.Email, subject, body)
}

func (d *MailDispatcher) SendGracePeriodWarning(ctx context.Context, n GracePeriodWarning) error {
	subject := fmt.Sprintf("Action required: %d grace day(s) left", n.GraceDaysRemaining)
	body := paragraphs(
		fmt.Sprintf("Hello %s,", n.CompanyName),
		fmt.Sprintf("your subscription expired on %s. Service continues for %d more day(s).", day(n.EndDate), n.GraceDaysRemaining),
		fmt.Sprintf("Outstanding invoices: %d. Settle them to avoid suspension.", n.OutstandingInvoices),
	)
	return d.send(ctx, n.Email, subject, body)
}

func (d *MailDispatcher) SendSuspensionNotice(ctx context.Context, n SuspensionNotice) error {
	subject := "Your fleet subscription has been suspended"
	body := paragraphs(
		fmt.Sprintf("Hello %s,", n.CompanyName),
		fmt.Sprintf("invoice %s (%s due) was not paid within the grace period.", n.InvoiceNumber, models.FormatMajorUnits(n.AmountDue)),
		"Your subscription is now inactive. Pay the invoice to reactivate it.",
	)
	return d.send(ctx, n.Email, subject, body)
}

func (d *MailDispatcher) SendRenewalInvoiceNotification(ctx context.Context, n RenewalInvoice) error {
	subject := fmt.Sprintf("Renewal invoice %s", n.InvoiceNumber)
	body := paragraphs(
		fmt.Sprintf("Hello %s,", n.CompanyName),
		fmt.Sprintf("invoice %s over %s has been issued for your subscription renewal.", n.InvoiceNumber, models.FormatMajorUnits(n.Amount)),
		fmt.Sprintf("It is due on %s.", day(n.DueDate)),
	)
	return d.send(ctx, n.Email, subject, body)
}

func (d *MailDispatcher) SendPaymentConfirmation(ctx context.Context, n PaymentConfirmation) error {
	subject := fmt.Sprintf("Payment received for invoice %s", n.InvoiceNumber)
	status := fmt.Sprintf("Remaining balance: %s.", models.FormatMajorUnits(n.Remaining))
	if n.FullyPaid {
		status = "The invoice is now fully paid."
	}
	body := paragraphs(
		fmt.Sprintf("Hello %s,", n.CompanyName),
		fmt.Sprintf("we received %s (payment %s).", models.FormatMajorUnits(n.AmountPaid), n.PaymentID),
		status,
	)
	return d.send(ctx, n.Email, subject, body)
}

// send bounds the blocking SMTP call by ctx.
func (d *MailDispatcher) send(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("no recipient for %q", subject)
	}
	done := make(chan error, 1)
	go func() { done <- d.mailer.SendMail(to, subject, body) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Warnf("[Notification] mail %q to %s abandoned: %v", subject, to, ctx.Err())
		return ctx.Err()
	}
}

func paragraphs(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(l))
		b.WriteString("</p>\n")
	}
	return b.String()
}

func day(t time.Time) string {
	return t.Format("2006-01-02")
}
