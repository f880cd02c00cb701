package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"strconv"

	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
	"github.com/eduzayn/bursar/pkg/money"
)

// EmailService handles email notifications. Notification failures are logged,
// never retried; the ledger does not depend on them.
type EmailService struct {
	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	fromEmail    string
	fromName     string
	opsEmail     string
	logger       logging.Logger
}

// EmailData represents data for email templates
type EmailData struct {
	RecipientName string
	BatchID       string
	ChargeID      string
	Amount        string
	Currency      string
	PaidDate      string
	ProofRef      string
	DaysPastDue   int
	ErrorMessage  string
	PortalURL     string
}

// NewEmailService creates a new email service instance
func NewEmailService(logger logging.Logger) *EmailService {
	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if port == 0 {
		port = 587 // Default SMTP port
	}

	return &EmailService{
		smtpHost:     os.Getenv("SMTP_HOST"),
		smtpPort:     port,
		smtpUser:     os.Getenv("SMTP_USER"),
		smtpPassword: os.Getenv("SMTP_PASSWORD"),
		fromEmail:    os.Getenv("FROM_EMAIL"),
		fromName:     os.Getenv("FROM_NAME"),
		opsEmail:     os.Getenv("OPS_EMAIL"),
		logger:       logger,
	}
}

// IsConfigured checks if email service is properly configured
func (es *EmailService) IsConfigured() bool {
	return es.smtpHost != "" && es.smtpUser != "" && es.smtpPassword != "" && es.fromEmail != ""
}

// SendPayoutConfirmed notifies the operations inbox that a batch was paid.
func (es *EmailService) SendPayoutConfirmed(batch *models.PayoutBatch) error {
	if !es.IsConfigured() || es.opsEmail == "" {
		es.logger.Warn("Email service not configured, skipping payout confirmation email")
		return nil
	}

	paidDate := ""
	if batch.PaidDate != nil {
		paidDate = batch.PaidDate.Format("January 2, 2006")
	}
	proofRef := ""
	if batch.ProofRef != nil {
		proofRef = *batch.ProofRef
	}

	data := EmailData{
		RecipientName: "Operations",
		BatchID:       batch.ID,
		Amount:        money.Format(batch.TotalValueCents),
		Currency:      money.DefaultCurrency(),
		PaidDate:      paidDate,
		ProofRef:      proofRef,
		PortalURL:     os.Getenv("BASE_URL") + "/payouts/" + batch.ID,
	}

	body, err := es.renderTemplate("payout_confirmed", data)
	if err != nil {
		return fmt.Errorf("failed to render payout confirmed template: %w", err)
	}

	subject := fmt.Sprintf("Payout batch %s paid", batch.ID)
	return es.sendEmail(es.opsEmail, subject, body)
}

// SendReconciliationAlert warns the operations inbox that a batch keeps
// failing reconciliation and needs a human.
func (es *EmailService) SendReconciliationAlert(batchID, errorMessage string) error {
	if !es.IsConfigured() || es.opsEmail == "" {
		es.logger.Warn("Email service not configured, skipping reconciliation alert")
		return nil
	}

	data := EmailData{
		RecipientName: "Operations",
		BatchID:       batchID,
		ErrorMessage:  errorMessage,
		PortalURL:     os.Getenv("BASE_URL") + "/payouts/" + batchID,
	}

	body, err := es.renderTemplate("reconciliation_alert", data)
	if err != nil {
		return fmt.Errorf("failed to render reconciliation alert template: %w", err)
	}

	subject := fmt.Sprintf("Payout batch %s needs reconciliation", batchID)
	return es.sendEmail(es.opsEmail, subject, body)
}

// SendOverdueNotice reminds a payer about an overdue charge.
func (es *EmailService) SendOverdueNotice(recipientEmail, recipientName string, charge *models.Charge, daysPastDue int) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping overdue notice")
		return nil
	}

	data := EmailData{
		RecipientName: recipientName,
		ChargeID:      charge.ID,
		Amount:        money.Format(charge.AmountDueCents - charge.AmountPaidCents),
		Currency:      charge.Currency,
		DaysPastDue:   daysPastDue,
		PortalURL:     os.Getenv("BASE_URL") + "/charges/" + charge.ID,
	}

	body, err := es.renderTemplate("overdue_notice", data)
	if err != nil {
		return fmt.Errorf("failed to render overdue notice template: %w", err)
	}

	subject := fmt.Sprintf("Payment reminder - charge %s", charge.ID)
	return es.sendEmail(recipientEmail, subject, body)
}

// sendEmail sends an email via SMTP
func (es *EmailService) sendEmail(to, subject, body string) error {
	auth := smtp.PlainAuth("", es.smtpUser, es.smtpPassword, es.smtpHost)

	fromHeader := es.fromEmail
	if es.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", es.fromName, es.fromEmail)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		fromHeader, to, subject, body)

	addr := fmt.Sprintf("%s:%d", es.smtpHost, es.smtpPort)
	err := smtp.SendMail(addr, auth, es.fromEmail, []string{to}, []byte(msg))

	if err != nil {
		es.logger.WithFields(logging.Fields{
			"error":   err.Error(),
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}

	es.logger.WithFields(logging.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Email sent successfully")

	return nil
}

// renderTemplate renders an email template with data
func (es *EmailService) renderTemplate(templateName string, data EmailData) (string, error) {
	templates := map[string]string{
		"payout_confirmed": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payout Confirmed</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #27ae60;">Payout Confirmed</h2>

        <p>Hello {{.RecipientName}},</p>

        <p>A payout batch has been disbursed:</p>

        <div style="background-color: #d4edda; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #27ae60;">
            <p><strong>Batch:</strong> {{.BatchID}}</p>
            <p><strong>Total:</strong> {{.Amount}} {{.Currency}}</p>
            <p><strong>Paid on:</strong> {{.PaidDate}}</p>
            <p><strong>Proof:</strong> {{.ProofRef}}</p>
        </div>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.PortalURL}}" style="background-color: #27ae60; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">View Batch</a>
        </p>
    </div>
</body>
</html>`,

		"reconciliation_alert": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reconciliation Needed</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #e74c3c;">Payout Batch Needs Reconciliation</h2>

        <p>Hello {{.RecipientName}},</p>

        <p>The background sweep could not finish reconciling the following batch:</p>

        <div style="background-color: #f8d7da; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #e74c3c;">
            <p><strong>Batch:</strong> {{.BatchID}}</p>
            <p><strong>Last error:</strong> {{.ErrorMessage}}</p>
        </div>

        <p>Its commissions may not reflect the batch status yet. Please investigate.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.PortalURL}}" style="background-color: #e74c3c; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">Open Batch</a>
        </p>
    </div>
</body>
</html>`,

		"overdue_notice": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment Reminder</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #f39c12;">Payment Reminder</h2>

        <p>Hello {{.RecipientName}},</p>

        <p>This is a friendly reminder that the following charge is overdue:</p>

        <div style="background-color: #fff3cd; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #f39c12;">
            <p><strong>Charge:</strong> {{.ChargeID}}</p>
            <p><strong>Open amount:</strong> {{.Amount}} {{.Currency}}</p>
            <p><strong>Days overdue:</strong> {{.DaysPastDue}} days</p>
        </div>

        <p>Please make payment as soon as possible.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.PortalURL}}" style="background-color: #f39c12; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">Pay Now</a>
        </p>
    </div>
</body>
</html>`,
	}

	tmplContent, exists := templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	tmpl, err := template.New(templateName).Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}
