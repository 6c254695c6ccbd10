package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/vbmedia/packline/internal/config"
	"github.com/vbmedia/packline/internal/mailer"
	"github.com/vbmedia/packline/internal/model"
	"github.com/vbmedia/packline/internal/template"
)

// vinSolutionsTemplate renders the XML lead payload for the CRM import.
const vinSolutionsTemplate = "vinsolutions"

// Sender submits a built message to the relay.
type Sender interface {
	Send(ctx context.Context, msg *mailer.Message) error
}

// Emailer builds and sends the package's email messages: the customer
// delivery, the SMS confirmation notice, CRM leads and operator
// notifications.
type Emailer struct {
	sender    Sender
	templates *template.Storage
	engine    *template.Engine

	// outboundHost is the domain company mail is sent from.
	outboundHost string
	supportFrom  string
	deliveryBcc  []string
	leadBcc      []string

	logger *slog.Logger
}

func NewEmailer(sender Sender, templates *template.Storage, cfg config.SMTPConfig, logger *slog.Logger) *Emailer {
	return &Emailer{
		sender:       sender,
		templates:    templates,
		engine:       template.NewEngine(),
		outboundHost: domainOf(cfg.From),
		supportFrom:  cfg.From,
		deliveryBcc:  cfg.DeliveryBcc,
		leadBcc:      cfg.LeadBcc,
		logger:       logger,
	}
}

func domainOf(address string) string {
	if parsed, err := mail.ParseAddress(address); err == nil {
		address = parsed.Address
	}
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return address[i+1:]
	}
	return address
}

// TemplateData is the render context shared by every delivery template.
func TemplateData(pkg *model.Package, campaign *model.Campaign, company *model.Company, contact *model.Contact) map[string]interface{} {
	return map[string]interface{}{
		"Package":    pkg,
		"Campaign":   campaign,
		"Company":    company,
		"Contact":    contact,
		"LandingURL": pkg.LandingPageURL,
	}
}

// companyFrom is the sender identity dealership mail goes out under.
func (e *Emailer) companyFrom(company *model.Company) string {
	name := company.DefaultDisplayName
	if name == "" {
		name = company.Name
	}
	return mailer.FormatAddress(name, company.Slug+"@"+e.outboundHost)
}

func (e *Emailer) render(templateName string, data map[string]interface{}) (*template.RenderResult, error) {
	tmpl, err := e.templates.Get(templateName)
	if err != nil {
		return nil, err
	}
	rendered, err := e.engine.Render(tmpl, data)
	if err != nil {
		return nil, fmt.Errorf("cannot render email template %s: %w", templateName, err)
	}
	return rendered, nil
}

// CustomerEmail sends the finished package to the recipient. Subject falls
// back from the campaign override to the template to the stock line.
func (e *Emailer) CustomerEmail(ctx context.Context, pkg *model.Package, campaign *model.Campaign, company *model.Company, contact *model.Contact) error {
	rendered, err := e.render(campaign.EmailTemplate, TemplateData(pkg, campaign, company, contact))
	if err != nil {
		return err
	}

	subject := campaign.DefaultSubject
	if subject == "" {
		subject = rendered.Subject
	}
	if subject == "" {
		subject = fmt.Sprintf("Your photos from %s", company.Name)
	}

	bcc := append([]string{}, e.deliveryBcc...)
	if company.ForwardToContacts && contact != nil && contact.Email != "" {
		bcc = append(bcc, contact.Email)
	}
	bcc = append(bcc, mailer.ValidateEmailList(campaign.EmailManagers)...)

	msg := &mailer.Message{
		From:    e.companyFrom(company),
		To:      []string{mailer.FormatAddress(pkg.RecipientName, pkg.RecipientEmail)},
		Bcc:     bcc,
		Subject: subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}
	if err := e.sender.Send(ctx, msg); err != nil {
		return err
	}

	e.logger.Info("email sent out",
		"package_id", pkg.ID,
		"recipient", pkg.RecipientEmail,
	)
	return nil
}

// SMSText renders the text message body for the recipient phone.
func (e *Emailer) SMSText(pkg *model.Package, campaign *model.Campaign, company *model.Company, contact *model.Contact) (string, error) {
	rendered, err := e.render(campaign.SMSTemplate, TemplateData(pkg, campaign, company, contact))
	if err != nil {
		return "", err
	}
	return rendered.Body(), nil
}

// SMSInfoEmail notifies the dealership staff that a text delivery went out.
// Staff recipients are the contact, when forwarding is on, plus the campaign
// managers; with neither configured nothing is sent.
func (e *Emailer) SMSInfoEmail(ctx context.Context, pkg *model.Package, campaign *model.Campaign, company *model.Company, contact *model.Contact) error {
	var to []string
	if company.ForwardToContacts && contact != nil && contact.Email != "" {
		to = append(to, contact.Email)
	}
	to = append(to, mailer.ValidateEmailList(campaign.EmailManagers)...)
	if len(to) == 0 {
		return nil
	}

	rendered, err := e.render(campaign.EmailTemplate, TemplateData(pkg, campaign, company, contact))
	if err != nil {
		return err
	}

	msg := &mailer.Message{
		From:    e.companyFrom(company),
		To:      to,
		Bcc:     append([]string{}, e.deliveryBcc...),
		Subject: fmt.Sprintf("[SMS] Photos from %s for %s", company.Name, pkg.RecipientPhone),
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}
	return e.sender.Send(ctx, msg)
}

// VinSolutionsLead forwards the package as an XML lead to the campaign's CRM
// import address.
func (e *Emailer) VinSolutionsLead(ctx context.Context, pkg *model.Package, campaign *model.Campaign, company *model.Company, contact *model.Contact) error {
	rendered, err := e.render(vinSolutionsTemplate, TemplateData(pkg, campaign, company, contact))
	if err != nil {
		return err
	}

	msg := &mailer.Message{
		From:    e.companyFrom(company),
		To:      []string{campaign.VinSolutionsEmail},
		Bcc:     append([]string{}, e.leadBcc...),
		Subject: "VIN solutions Lead",
		Text:    rendered.Body(),
	}
	if err := e.sender.Send(ctx, msg); err != nil {
		return err
	}

	e.logger.Info("lead email sent out",
		"package_id", pkg.ID,
		"recipient", campaign.VinSolutionsEmail,
	)
	return nil
}

// NotificationEmail tells the campaign's notification address that a package
// arrived for review.
func (e *Emailer) NotificationEmail(ctx context.Context, pkg *model.Package, campaign *model.Campaign, company *model.Company, contact *model.Contact) error {
	to := mailer.ValidateEmailList(campaign.NotificationEmail)
	if len(to) == 0 || campaign.NotificationTemplate == "" {
		return nil
	}

	rendered, err := e.render(campaign.NotificationTemplate, TemplateData(pkg, campaign, company, contact))
	if err != nil {
		return err
	}

	contactName := pkg.RecipientName
	if contact != nil {
		contactName = contact.Name
	}

	msg := &mailer.Message{
		From:    e.supportFrom,
		To:      to,
		Subject: fmt.Sprintf("%s: %s - %s", campaign.Name, contactName, company.Name),
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}
	return e.sender.Send(ctx, msg)
}
