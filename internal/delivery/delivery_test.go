package delivery

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vbmedia/packline/internal/config"
	"github.com/vbmedia/packline/internal/mailer"
	"github.com/vbmedia/packline/internal/model"
	"github.com/vbmedia/packline/internal/template"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	messages []*mailer.Message
	err      error
}

func (f *fakeSender) Send(ctx context.Context, msg *mailer.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestEmailer(t *testing.T) (*Emailer, *fakeSender) {
	t.Helper()
	dir := t.TempDir()

	writeTemplate(t, dir, "photos-email", `
subject: ""
html: "<p>Your photos are ready: {{.LandingURL}}</p>"
text: "Your photos are ready: {{.LandingURL}}"
`)
	writeTemplate(t, dir, "photos-sms", `
text: "Here are your photos! {{.LandingURL}}"
`)
	writeTemplate(t, dir, "vinsolutions", `
text: "<lead><customer>{{.Package.RecipientName}}</customer><url>{{.LandingURL}}</url></lead>"
`)
	writeTemplate(t, dir, "package-notification", `
html: "<p>New package from {{.Contact.Name}}</p>"
`)

	sender := &fakeSender{}
	emailer := NewEmailer(sender, template.NewStorage(dir), config.SMTPConfig{
		Addr:        "smtp.example.com:587",
		From:        "Vboost Support <support@vbresp.com>",
		DeliveryBcc: []string{"archive@vbresp.com"},
		LeadBcc:     []string{"leads@vbresp.com"},
	}, testLogger())
	return emailer, sender
}

func fixtures() (*model.Package, *model.Campaign, *model.Company, *model.Contact) {
	pkg := &model.Package{
		ID:             7,
		RecipientName:  "Pat Jones",
		RecipientEmail: "pat@example.com",
		RecipientPhone: "714-555-0101",
		LandingPageURL: "https://live.example.com/sunrise/anaheim/sedans/ab3xk9q/",
	}
	campaign := &model.Campaign{
		Name:              "Summer Photos",
		EmailTemplate:     "photos-email",
		SMSTemplate:       "photos-sms",
		EmailManagers:     "manager@sunrise.example.com",
		VinSolutionsEmail: "import@crm.example.com",
	}
	company := &model.Company{
		Name:               "Sunrise Motors",
		Slug:               "sunrise",
		DefaultDisplayName: "Sunrise Motors of Anaheim",
		ForwardToContacts:  true,
	}
	contact := &model.Contact{Name: "Alex Kim", Email: "alex@sunrise.example.com"}
	return pkg, campaign, company, contact
}

func TestCustomerEmail(t *testing.T) {
	emailer, sender := newTestEmailer(t)
	pkg, campaign, company, contact := fixtures()

	if err := emailer.CustomerEmail(context.Background(), pkg, campaign, company, contact); err != nil {
		t.Fatalf("CustomerEmail() error = %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.messages))
	}
	msg := sender.messages[0]

	if msg.From != `"Sunrise Motors of Anaheim" <sunrise@vbresp.com>` {
		t.Errorf("From = %q", msg.From)
	}
	if len(msg.To) != 1 || !strings.Contains(msg.To[0], "pat@example.com") {
		t.Errorf("To = %v", msg.To)
	}
	if !strings.Contains(msg.To[0], "Pat Jones") {
		t.Errorf("To = %v, want the recipient name included", msg.To)
	}
	if msg.Subject != "Your photos from Sunrise Motors" {
		t.Errorf("Subject = %q", msg.Subject)
	}

	wantBcc := []string{"archive@vbresp.com", "alex@sunrise.example.com", "manager@sunrise.example.com"}
	if len(msg.Bcc) != len(wantBcc) {
		t.Fatalf("Bcc = %v, want %v", msg.Bcc, wantBcc)
	}
	for i, want := range wantBcc {
		if msg.Bcc[i] != want {
			t.Errorf("Bcc[%d] = %q, want %q", i, msg.Bcc[i], want)
		}
	}

	if !strings.Contains(msg.HTML, pkg.LandingPageURL) {
		t.Errorf("HTML body does not carry the landing URL: %q", msg.HTML)
	}
}

func TestCustomerEmailSubjectOverride(t *testing.T) {
	emailer, sender := newTestEmailer(t)
	pkg, campaign, company, contact := fixtures()
	campaign.DefaultSubject = "Thanks for visiting!"

	if err := emailer.CustomerEmail(context.Background(), pkg, campaign, company, contact); err != nil {
		t.Fatalf("CustomerEmail() error = %v", err)
	}
	if got := sender.messages[0].Subject; got != "Thanks for visiting!" {
		t.Errorf("Subject = %q, want the campaign override", got)
	}
}

func TestCustomerEmailNoForwarding(t *testing.T) {
	emailer, sender := newTestEmailer(t)
	pkg, campaign, company, contact := fixtures()
	company.ForwardToContacts = false

	if err := emailer.CustomerEmail(context.Background(), pkg, campaign, company, contact); err != nil {
		t.Fatalf("CustomerEmail() error = %v", err)
	}
	for _, bcc := range sender.messages[0].Bcc {
		if bcc == contact.Email {
			t.Errorf("contact %q BCC'd although forwarding is off", contact.Email)
		}
	}
}

func TestSMSText(t *testing.T) {
	emailer, _ := newTestEmailer(t)
	pkg, campaign, company, contact := fixtures()

	text, err := emailer.SMSText(pkg, campaign, company, contact)
	if err != nil {
		t.Fatalf("SMSText() error = %v", err)
	}
	want := "Here are your photos! " + pkg.LandingPageURL
	if text != want {
		t.Errorf("SMSText() = %q, want %q", text, want)
	}
}

func TestSMSInfoEmail(t *testing.T) {
	emailer, sender := newTestEmailer(t)
	pkg, campaign, company, contact := fixtures()

	if err := emailer.SMSInfoEmail(context.Background(), pkg, campaign, company, contact); err != nil {
		t.Fatalf("SMSInfoEmail() error = %v", err)
	}
	msg := sender.messages[0]

	if msg.Subject != "[SMS] Photos from Sunrise Motors for 714-555-0101" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if len(msg.To) != 2 || msg.To[0] != contact.Email || msg.To[1] != "manager@sunrise.example.com" {
		t.Errorf("To = %v, want the contact and the manager", msg.To)
	}
}

func TestSMSInfoEmailNoRecipients(t *testing.T) {
	emailer, sender := newTestEmailer(t)
	pkg, campaign, company, _ := fixtures()
	campaign.EmailManagers = ""
	company.ForwardToContacts = false

	if err := emailer.SMSInfoEmail(context.Background(), pkg, campaign, company, nil); err != nil {
		t.Fatalf("SMSInfoEmail() error = %v", err)
	}
	if len(sender.messages) != 0 {
		t.Errorf("sent %d messages, want none without staff recipients", len(sender.messages))
	}
}

func TestVinSolutionsLead(t *testing.T) {
	emailer, sender := newTestEmailer(t)
	pkg, campaign, company, contact := fixtures()

	if err := emailer.VinSolutionsLead(context.Background(), pkg, campaign, company, contact); err != nil {
		t.Fatalf("VinSolutionsLead() error = %v", err)
	}
	msg := sender.messages[0]

	if msg.Subject != "VIN solutions Lead" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if len(msg.To) != 1 || msg.To[0] != "import@crm.example.com" {
		t.Errorf("To = %v", msg.To)
	}
	if len(msg.Bcc) != 1 || msg.Bcc[0] != "leads@vbresp.com" {
		t.Errorf("Bcc = %v", msg.Bcc)
	}
	if !strings.Contains(msg.Text, "<customer>Pat Jones</customer>") {
		t.Errorf("lead body = %q, want the customer element", msg.Text)
	}
}

func TestNotificationEmail(t *testing.T) {
	emailer, sender := newTestEmailer(t)
	pkg, campaign, company, contact := fixtures()
	campaign.NotificationEmail = "reviews@sunrise.example.com"
	campaign.NotificationTemplate = "package-notification"

	if err := emailer.NotificationEmail(context.Background(), pkg, campaign, company, contact); err != nil {
		t.Fatalf("NotificationEmail() error = %v", err)
	}
	msg := sender.messages[0]

	if msg.Subject != "Summer Photos: Alex Kim - Sunrise Motors" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.From != "Vboost Support <support@vbresp.com>" {
		t.Errorf("From = %q, want the support sender", msg.From)
	}
}

func TestNotificationEmailSkipsWhenUnconfigured(t *testing.T) {
	emailer, sender := newTestEmailer(t)
	pkg, campaign, company, contact := fixtures()

	if err := emailer.NotificationEmail(context.Background(), pkg, campaign, company, contact); err != nil {
		t.Fatalf("NotificationEmail() error = %v", err)
	}
	if len(sender.messages) != 0 {
		t.Errorf("sent %d messages, want none without a notification address", len(sender.messages))
	}
}

func newSMSServer(t *testing.T, handler http.HandlerFunc) *SMSClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSMSClient(config.SMSConfig{
		BaseURL:     srv.URL,
		Token:       "sms-token",
		FromNumbers: []string{"19495550100"},
	}, testLogger())
}

func TestSMSSend(t *testing.T) {
	var got smsSendRequest
	client := newSMSServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Message/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sms-token" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(smsSendResponse{MessageUUID: []string{"uuid-123"}})
	})

	uuid, err := client.Send(context.Background(), "714-555-0101", "Here are your photos!")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if uuid != "uuid-123" {
		t.Errorf("uuid = %q", uuid)
	}
	if got.Dst != "17145550101" {
		t.Errorf("dst = %q, want the normalized number", got.Dst)
	}
	if got.Src != "19495550100" {
		t.Errorf("src = %q, want a pool number", got.Src)
	}
	if got.Type != "sms" {
		t.Errorf("type = %q", got.Type)
	}
}

func TestSMSSendRejected(t *testing.T) {
	client := newSMSServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(smsSendResponse{Error: "invalid destination"})
	})

	_, err := client.Send(context.Background(), "714-555-0101", "hi")
	if err == nil || !strings.Contains(err.Error(), "invalid destination") {
		t.Errorf("Send() error = %v, want the provider error", err)
	}
}

func TestSMSSendUnknownStatus(t *testing.T) {
	client := newSMSServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("{}"))
	})

	_, err := client.Send(context.Background(), "714-555-0101", "hi")
	if err == nil || !strings.Contains(err.Error(), "unknown status code 418") {
		t.Errorf("Send() error = %v", err)
	}
}

func TestSMSMessageState(t *testing.T) {
	client := newSMSServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Message/uuid-123/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(smsStatusResponse{MessageState: SMSStateDelivered})
	})

	state, err := client.MessageState(context.Background(), "uuid-123")
	if err != nil {
		t.Fatalf("MessageState() error = %v", err)
	}
	if state != SMSStateDelivered {
		t.Errorf("state = %q, want delivered", state)
	}
}

func TestNormalizePhone(t *testing.T) {
	if got := NormalizePhone("714-555-0101"); got != "17145550101" {
		t.Errorf("NormalizePhone() = %q", got)
	}
}
