package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vbmedia/packline/internal/compositor"
	"github.com/vbmedia/packline/internal/config"
	"github.com/vbmedia/packline/internal/delivery"
	"github.com/vbmedia/packline/internal/landing"
	"github.com/vbmedia/packline/internal/metrics"
	"github.com/vbmedia/packline/internal/model"
	"github.com/vbmedia/packline/internal/queue"
	"github.com/vbmedia/packline/internal/store"
	"github.com/vbmedia/packline/internal/template"
	"github.com/vbmedia/packline/internal/videobackend"
)

// Task types the pipeline schedules.
const (
	TaskProduction = "production"
	TaskStorage    = "storage"
	TaskPublish    = "publish"
	TaskDeliver    = "deliver"
	TaskTextCheck  = "text_delivery_check"
)

// Stage delays and retry ceilings, inherited from the production system.
const (
	// storagePollDelay is how long after submitting an async render job the
	// first poll runs.
	storagePollDelay = 120 * time.Second
	// publishSettleDelay and deliverSettleDelay let writes settle between
	// stages.
	publishSettleDelay = 10 * time.Second
	deliverSettleDelay = 10 * time.Second

	// productionRestartDelay cools the package down before a full re-render.
	productionRestartDelay = 10 * time.Minute
	// storageRestartDelay spaces re-runs of the storage stage when publishing
	// gives up on a hosted video.
	storageRestartDelay = 5 * time.Minute

	publishMaxRetries  = 6
	downloadMaxRetries = 10
)

// Options wires the pipeline's collaborators together.
type Options struct {
	Store     *store.Store
	Runner    *queue.Runner
	Backends  map[model.VideoBackendKind]videobackend.Backend
	Templates *template.Storage

	Compositor *compositor.Compositor
	Landing    *landing.Generator
	Emailer    *delivery.Emailer
	SMS        *delivery.SMSClient
	SMSConfig  config.SMSConfig

	// HostingBaseURL enables the streaming provider; empty disables it.
	HostingBaseURL string

	MediaRoot    string
	MediaBaseURL string

	Logger *slog.Logger
}

// Pipeline owns the package state machine and the task handlers.
type Pipeline struct {
	store     *store.Store
	runner    *queue.Runner
	backends  map[model.VideoBackendKind]videobackend.Backend
	templates *template.Storage
	engine    *template.Engine

	comp    *compositor.Compositor
	landing *landing.Generator
	emailer *delivery.Emailer
	sms     *delivery.SMSClient
	smsCfg  config.SMSConfig

	hostingBaseURL string

	mediaRoot    string
	mediaBaseURL string

	download *http.Client
	logger   *slog.Logger
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		store:          opts.Store,
		runner:         opts.Runner,
		backends:       opts.Backends,
		templates:      opts.Templates,
		engine:         template.NewEngine(),
		comp:           opts.Compositor,
		landing:        opts.Landing,
		emailer:        opts.Emailer,
		sms:            opts.SMS,
		smsCfg:         opts.SMSConfig,
		hostingBaseURL: opts.HostingBaseURL,
		mediaRoot:      opts.MediaRoot,
		mediaBaseURL:   opts.MediaBaseURL,
		download:       &http.Client{Timeout: 5 * time.Minute},
		logger:         opts.Logger,
	}
}

// Register installs the task handlers and the failure hook on the runner.
func (p *Pipeline) Register() {
	p.runner.Register(TaskProduction, p.handleProduction)
	p.runner.Register(TaskStorage, p.handleStorage)
	p.runner.Register(TaskPublish, p.handlePublish)
	p.runner.Register(TaskDeliver, p.handleDeliver)
	p.runner.Register(TaskTextCheck, p.handleTextCheck)

	p.runner.OnExhausted(func(ctx context.Context, task *queue.Task, err error) {
		p.fail(ctx, task.PackageID, err)
	})
}

// Advance runs the state machine for the package until it is quiescent.
// previous is the status the package held before the change that triggered
// the call; pass the current status for a periodic re-check.
func (p *Pipeline) Advance(ctx context.Context, packageID uint64, previous model.Status) error {
	for {
		snapshot, err := p.snapshot(packageID, previous)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}

		effects := Plan(*snapshot)
		if len(effects) == 0 {
			return nil
		}

		for _, effect := range effects {
			if err := p.apply(ctx, packageID, effect); err != nil {
				return err
			}
		}
		previous = snapshot.Status
	}
}

func (p *Pipeline) snapshot(packageID uint64, previous model.Status) (*Snapshot, error) {
	pkg, err := p.store.GetPackage(packageID)
	if err != nil {
		return nil, err
	}

	campaign, err := p.store.GetCampaign(pkg.CampaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s not found", pkg.CampaignID)
	}

	images, err := p.store.Images(packageID)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Status:         pkg.Status,
		Previous:       previous,
		CampaignActive: campaign.IsActive,
	}
	for _, img := range images {
		if img.IsThumbnail {
			s.HasThumbnail = true
		}
		if s.EligibleImageID == 0 && !img.IsSkipped && !img.FromCampaign {
			s.EligibleImageID = img.ID
		}
	}

	s.NotificationConfigured = campaign.NotificationEmail != "" && campaign.NotificationTemplate != ""
	if s.NotificationConfigured {
		sent, err := p.store.HasEmail(packageID, model.EmailTypeNotification)
		if err != nil {
			return nil, err
		}
		s.NotificationSent = sent
	}

	return s, nil
}

func (p *Pipeline) apply(ctx context.Context, packageID uint64, effect Effect) error {
	switch e := effect.(type) {
	case SetStatus:
		if _, err := p.store.SetStatus(packageID, e.Status); err != nil {
			return err
		}
		metrics.IncTransition(string(e.Status))
		p.logger.Info("package status changed",
			"package_id", packageID,
			"status", e.Status,
		)

	case SetThumbnail:
		if err := p.store.SetThumbnail(packageID, e.ImageID); err != nil {
			return err
		}

	case RecordEvent:
		return p.store.AppendEvent(&model.Event{
			PackageID:   packageID,
			Type:        e.Type,
			Description: e.Message,
			Time:        time.Now(),
		})

	case Enqueue:
		if _, err := p.runner.Submit(ctx, e.Task, packageID, "", e.Delay); err != nil {
			return err
		}

	case Notify:
		return p.sendNotification(ctx, packageID)
	}
	return nil
}

// sendNotification emails the campaign's review address about the new
// package, recording an email row so retries cannot send it twice.
func (p *Pipeline) sendNotification(ctx context.Context, packageID uint64) error {
	pkg, campaign, company, contact, err := p.packageContext(packageID)
	if err != nil {
		return err
	}

	sent, err := p.store.HasEmail(packageID, model.EmailTypeNotification)
	if err != nil || sent {
		return err
	}

	if err := p.emailer.NotificationEmail(ctx, pkg, campaign, company, contact); err != nil {
		return err
	}

	return p.store.CreateEmail(&model.EmailRecord{
		PackageID: packageID,
		Type:      model.EmailTypeNotification,
		To:        campaign.NotificationEmail,
		CreatedAt: time.Now(),
	})
}

// packageContext loads the package and its catalog entities. contact may be
// nil.
func (p *Pipeline) packageContext(packageID uint64) (*model.Package, *model.Campaign, *model.Company, *model.Contact, error) {
	pkg, err := p.store.GetPackage(packageID)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	campaign, err := p.store.GetCampaign(pkg.CampaignID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if campaign == nil {
		return nil, nil, nil, nil, fmt.Errorf("campaign %s not found", pkg.CampaignID)
	}

	company, err := p.store.GetCompany(pkg.CompanyID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if company == nil {
		return nil, nil, nil, nil, fmt.Errorf("company %s not found", pkg.CompanyID)
	}

	var contact *model.Contact
	if pkg.ContactID != "" {
		contact, err = p.store.GetContact(pkg.ContactID)
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}

	return pkg, campaign, company, contact, nil
}

// ResolveContact keeps a package's contact consistent with its company: the
// campaign's default contact wins, and a contact belonging to another
// company is replaced by a same-named contact of the package's company.
func (p *Pipeline) ResolveContact(pkg *model.Package, campaign *model.Campaign) error {
	if campaign.DefaultContactID != "" {
		pkg.ContactID = campaign.DefaultContactID
		return nil
	}
	if pkg.ContactID == "" {
		return nil
	}

	contact, err := p.store.GetContact(pkg.ContactID)
	if err != nil {
		return err
	}
	if contact == nil {
		pkg.ContactID = ""
		return nil
	}

	if contact.CompanyID != pkg.CompanyID {
		replacement, err := p.store.GetOrCreateContact(pkg.CompanyID, contact.Name)
		if err != nil {
			return err
		}
		pkg.ContactID = replacement.ID
	}
	return nil
}

// Recover re-drives a failed package from production under a fresh chain.
// Only erroneus packages qualify: delivered or suppressed packages would
// otherwise be re-sent to the customer.
func (p *Pipeline) Recover(ctx context.Context, packageID uint64) error {
	pkg, err := p.store.GetPackage(packageID)
	if err != nil {
		return err
	}
	if pkg.Status != model.StatusErroneus {
		return fmt.Errorf("package %d is in status %s and cannot be re-produced", packageID, pkg.Status)
	}

	if _, err := p.store.UpdatePackage(packageID, func(x *model.Package) error {
		x.Status = model.StatusStarting
		x.Session = ""
		x.QueuedUntil = nil
		return nil
	}); err != nil {
		return err
	}
	metrics.IncTransition(string(model.StatusStarting))

	_, err = p.runner.Submit(ctx, TaskProduction, packageID, "", 0)
	return err
}

// fail is the single escalation path: the package is parked in erroneus, its
// session cleared and the cause recorded for operators.
func (p *Pipeline) fail(ctx context.Context, packageID uint64, cause error) {
	if _, err := p.store.UpdatePackage(packageID, func(x *model.Package) error {
		x.Status = model.StatusErroneus
		x.Session = ""
		x.QueuedUntil = nil
		return nil
	}); err != nil {
		p.logger.Error("failed to park package in erroneus",
			"package_id", packageID,
			"error", err,
		)
		return
	}

	if err := p.store.AppendEvent(&model.Event{
		PackageID:   packageID,
		Type:        model.EventError,
		Description: cause.Error(),
		Time:        time.Now(),
	}); err != nil {
		p.logger.Error("failed to record error event",
			"package_id", packageID,
			"error", err,
		)
	}

	metrics.IncTransition(string(model.StatusErroneus))

	// Deliberate interruptions are expected operator-visible outcomes; only
	// unclassified failures page.
	if model.IsInterrupt(cause) {
		p.logger.Warn("package processing interrupted",
			"package_id", packageID,
			"reason", cause.Error(),
		)
	} else {
		p.logger.Error("package processing failed",
			"package_id", packageID,
			"error", cause,
		)
	}
}
