package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vbmedia/packline/internal/delivery"
	"github.com/vbmedia/packline/internal/hosting"
	"github.com/vbmedia/packline/internal/metrics"
	"github.com/vbmedia/packline/internal/model"
	"github.com/vbmedia/packline/internal/queue"
	"github.com/vbmedia/packline/internal/store"
	"github.com/vbmedia/packline/internal/videobackend"
)

const metaMessageUUID = "message_uuid"

// handleProduction claims the package and submits the render job. Async
// backends leave a key to poll; the storage stage is scheduled either way.
func (p *Pipeline) handleProduction(ctx context.Context, t *queue.Task) error {
	pkg, campaign, company, contact, err := p.packageContext(t.PackageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	session, err := p.store.ClaimSession(pkg.ID, t.Session)
	if err != nil {
		return err
	}
	if session == "" {
		p.logger.Info("production skipped, package owned by another chain",
			"package_id", pkg.ID,
		)
		return nil
	}

	backend := p.backends[campaign.VideoBackend]
	if backend == nil {
		p.fail(ctx, pkg.ID, fmt.Errorf("no %s video backend configured", campaign.VideoBackend))
		return nil
	}

	if _, err := p.store.SetStatus(pkg.ID, model.StatusProduction); err != nil {
		return err
	}
	metrics.IncTransition(string(model.StatusProduction))

	req, err := p.buildRenderRequest(pkg, campaign, company, contact)
	if err != nil {
		p.fail(ctx, pkg.ID, err)
		return nil
	}

	result, err := backend.Push(ctx, req)
	if err != nil {
		metrics.IncRenderJob(string(campaign.VideoBackend), "error")
		return err
	}
	metrics.IncRenderJob(string(campaign.VideoBackend), "submitted")

	if result.AssetURL != "" {
		// Synchronous backend: the video URL is final, mint a local key for
		// the on-disk path and go straight to storage.
		key := newRenderKey()
		if _, err := p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
			x.RenderKey = key
			x.Asset = result.AssetURL
			return nil
		}); err != nil {
			return err
		}
		_, err = p.runner.Submit(ctx, TaskStorage, pkg.ID, session, 0)
		return err
	}

	if _, err := p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
		x.RenderKey = result.Key
		x.Asset = ""
		return nil
	}); err != nil {
		return err
	}
	_, err = p.runner.Submit(ctx, TaskStorage, pkg.ID, session, storagePollDelay)
	return err
}

// handleStorage pulls the finished render, downloads the video to the media
// root, pushes it to the streaming provider when the campaign asks for it,
// and schedules publishing.
func (p *Pipeline) handleStorage(ctx context.Context, t *queue.Task) error {
	pkg, campaign, company, _, err := p.packageContext(t.PackageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	session, err := p.store.ClaimSession(pkg.ID, t.Session)
	if err != nil {
		return err
	}
	if session == "" {
		return nil
	}

	if pkg.Asset == "" {
		backend := p.backends[campaign.VideoBackend]
		if backend == nil {
			p.fail(ctx, pkg.ID, fmt.Errorf("no %s video backend configured", campaign.VideoBackend))
			return nil
		}

		asset, err := backend.Pull(ctx, pkg.RenderKey)
		switch {
		case model.IsWait(err):
			return queue.RetryAfterReason(time.Duration(t.Attempt)*time.Minute, "render not finished")
		case model.IsRestart(err):
			p.logger.Warn("render failed, restarting production",
				"package_id", pkg.ID,
				"reason", err.Error(),
			)
			_, err = p.runner.Submit(ctx, TaskProduction, pkg.ID, session, productionRestartDelay)
			return err
		case model.IsInterrupt(err):
			p.fail(ctx, pkg.ID, err)
			return nil
		case err != nil:
			return err
		}

		if pkg, err = p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
			x.Asset = asset
			return nil
		}); err != nil {
			return err
		}
	}

	videoPath := pkg.VideoPath(p.mediaRoot)
	if videoPath == "" {
		p.fail(ctx, pkg.ID, fmt.Errorf("package %d has no usable render key", pkg.ID))
		return nil
	}
	if err := p.downloadVideo(ctx, pkg.Asset, videoPath); err != nil {
		if t.Attempt <= downloadMaxRetries {
			return queue.RetryAfterReason(time.Duration(t.Attempt+1)*5*time.Second, err.Error())
		}
		p.fail(ctx, pkg.ID, fmt.Errorf("max retries exceeded downloading video: %w", err))
		return nil
	}

	streamingKey := ""
	if campaign.StreamingEnabled && p.hostingBaseURL != "" {
		upload := &hosting.UploadRequest{
			Title: hosting.VideoTitle(
				company.Name,
				pkg.RecipientName,
				pkg.RecipientEmail,
				pkg.CreatedAt.Format("2006-01-02"),
			),
			Link:        pkg.LandingPageURL,
			Author:      company.Name,
			DownloadURL: pkg.Asset,
		}
		thumb, err := p.store.Thumbnail(pkg.ID)
		if err != nil {
			return err
		}
		if thumb != nil {
			upload.ThumbnailPath = thumb.AbsolutePath(p.mediaRoot)
		}

		client := p.hostingClient(campaign)
		key, err := client.Upload(ctx, upload)
		if model.IsInterrupt(err) {
			p.fail(ctx, pkg.ID, err)
			return nil
		}
		if err != nil {
			return err
		}
		streamingKey = key
	}

	if _, err := p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
		if streamingKey != "" {
			x.StreamingKey = streamingKey
		}
		x.Status = model.StatusStorage
		return nil
	}); err != nil {
		return err
	}
	metrics.IncTransition(string(model.StatusStorage))

	_, err = p.runner.Submit(ctx, TaskPublish, pkg.ID, session, publishSettleDelay)
	return err
}

// handlePublish waits for the hosted video to finish converting, produces
// the thumbnails and the landing page address, and hands the package to
// delivery.
func (p *Pipeline) handlePublish(ctx context.Context, t *queue.Task) error {
	pkg, campaign, company, _, err := p.packageContext(t.PackageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	session, err := p.store.ClaimSession(pkg.ID, t.Session)
	if err != nil {
		return err
	}
	if session == "" {
		// Duplicates publish without fencing. Historical behavior, kept as is:
		// a duplicate's chain may overlap the original's.
		dup, err := p.store.IsDuplicate(pkg)
		if err != nil {
			return err
		}
		if !dup {
			return nil
		}
	}

	if pkg.StreamingKey != "" && p.hostingBaseURL != "" {
		client := p.hostingClient(campaign)
		ready, err := client.IsReady(ctx, pkg.StreamingKey)
		switch {
		case model.IsInterrupt(err):
			p.fail(ctx, pkg.ID, err)
			return nil
		case model.IsRestart(err):
			_, err = p.runner.Submit(ctx, TaskStorage, pkg.ID, session, storageRestartDelay)
			return err
		case err != nil:
			return err
		}

		if !ready {
			if t.Attempt > publishMaxRetries {
				p.logger.Warn("hosted video never became ready, re-running storage",
					"package_id", pkg.ID,
					"attempts", t.Attempt,
				)
				_, err = p.runner.Submit(ctx, TaskStorage, pkg.ID, session, storageRestartDelay)
				return err
			}
			delay := publishBackoff(t.Attempt)
			until := time.Now().Add(delay)
			if _, err := p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
				x.QueuedUntil = &until
				return nil
			}); err != nil {
				return err
			}
			return queue.RetryAfterReason(delay, "hosted video not ready")
		}
	}

	images, err := p.store.Images(pkg.ID)
	if err != nil {
		return err
	}
	thumb, err := p.store.Thumbnail(pkg.ID)
	if err != nil {
		return err
	}
	if err := p.comp.MakeThumbnails(pkg, campaign, thumb, images, func(img *model.PackageImage) error {
		return p.store.UpdateImage(img)
	}); err != nil {
		return err
	}

	if pkg.LandingPageKey == "" || pkg.LandingPageURL == "" {
		page, err := p.landing.Generate(
			company.Slug, company.ProductKeywords, company.GeoKeywords,
			func(key string) (bool, error) {
				return p.store.ReserveLandingKey(key, pkg.ID)
			},
		)
		if err != nil {
			p.fail(ctx, pkg.ID, err)
			return nil
		}
		if pkg, err = p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
			x.LandingPageKey = page.Key
			x.LandingPageURL = page.URL
			x.ProductKeywords = page.ProductKeywords
			x.GeoKeywords = page.GeoKeywords
			return nil
		}); err != nil {
			return err
		}
	}

	if pkg, err = p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
		x.Status = model.StatusProduced
		x.Session = ""
		x.QueuedUntil = nil
		return nil
	}); err != nil {
		return err
	}
	metrics.IncTransition(string(model.StatusProduced))

	if err := p.store.AppendEvent(&model.Event{
		PackageID:   pkg.ID,
		Type:        model.EventPublish,
		Description: "Package produced and published.",
		Time:        time.Now(),
	}); err != nil {
		return err
	}

	if _, err := p.runner.Submit(ctx, TaskDeliver, pkg.ID, session, 0); err != nil {
		return err
	}

	// Prefetch the landing page so the first customer click is warm.
	p.landing.Warm(ctx, pkg.LandingPageURL)

	return nil
}

// handleDeliver sends the finished package to the recipient over their
// channel, and forwards the CRM lead when the campaign has one configured.
func (p *Pipeline) handleDeliver(ctx context.Context, t *queue.Task) error {
	pkg, campaign, company, contact, err := p.packageContext(t.PackageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	session, err := p.store.ClaimSession(pkg.ID, t.Session)
	if err != nil {
		return err
	}
	if session == "" {
		return nil
	}

	switch {
	case pkg.RecipientEmail != "":
		unsubscribed, err := p.store.IsUnsubscribed(pkg.CompanyID, pkg.RecipientEmail)
		if err != nil {
			return err
		}
		if unsubscribed {
			msg := fmt.Sprintf(
				"Email is not sent to %s because this address has unsubscribed from %s communications.",
				pkg.RecipientEmail, company.Name,
			)
			if err := p.store.AppendEvent(&model.Event{
				PackageID:   pkg.ID,
				Type:        model.EventSuppressEmail,
				Description: msg,
				Time:        time.Now(),
			}); err != nil {
				return err
			}
			if _, err := p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
				x.Status = model.StatusSuppressed
				x.Session = ""
				return nil
			}); err != nil {
				return err
			}
			metrics.IncTransition(string(model.StatusSuppressed))
			metrics.IncDelivery("email", "suppressed")
			p.logger.Info(msg, "package_id", pkg.ID)
			return nil
		}

		if err := p.emailer.CustomerEmail(ctx, pkg, campaign, company, contact); err != nil {
			metrics.IncDelivery("email", "error")
			return err
		}
		if err := p.store.AppendEvent(&model.Event{
			PackageID:   pkg.ID,
			Type:        model.EventEmail,
			Description: fmt.Sprintf("Email is sent out to %s.", pkg.RecipientEmail),
			Time:        time.Now(),
		}); err != nil {
			return err
		}

		now := time.Now()
		if _, err := p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
			x.Status = model.StatusSent
			x.LastMailed = &now
			x.Session = ""
			return nil
		}); err != nil {
			return err
		}
		metrics.IncTransition(string(model.StatusSent))
		metrics.IncDelivery("email", "sent")

	case pkg.RecipientPhone != "":
		if p.sms == nil {
			p.fail(ctx, pkg.ID, fmt.Errorf("package %d has a phone recipient but SMS delivery is not configured", pkg.ID))
			return nil
		}

		text, err := p.emailer.SMSText(pkg, campaign, company, contact)
		if err != nil {
			p.fail(ctx, pkg.ID, err)
			return nil
		}

		messageUUID, err := p.sms.Send(ctx, pkg.RecipientPhone, text)
		if err != nil {
			metrics.IncDelivery("sms", "error")
			return err
		}
		if err := p.store.AppendEvent(&model.Event{
			PackageID:   pkg.ID,
			Type:        model.EventText,
			Description: fmt.Sprintf("Text message is sent out to %s. message_uuid: %s", pkg.RecipientPhone, messageUUID),
			Time:        time.Now(),
		}); err != nil {
			return err
		}
		metrics.IncDelivery("sms", "sent")

		if _, err := p.runner.SubmitMeta(ctx, TaskTextCheck, pkg.ID, session, p.smsCfg.FirstCheckDelay,
			map[string]string{metaMessageUUID: messageUUID}); err != nil {
			return err
		}
	}

	if campaign.VinSolutionsEmail != "" {
		if err := p.emailer.VinSolutionsLead(ctx, pkg, campaign, company, contact); err != nil {
			return err
		}
		if err := p.store.AppendEvent(&model.Event{
			PackageID:   pkg.ID,
			Type:        model.EventVinSolutions,
			Description: fmt.Sprintf("VIN Solutions Email is sent out to %s.", campaign.VinSolutionsEmail),
			Time:        time.Now(),
		}); err != nil {
			return err
		}
	}

	return nil
}

// handleTextCheck polls the SMS provider until the message reaches a
// terminal state, then settles the package as sent or bounced.
func (p *Pipeline) handleTextCheck(ctx context.Context, t *queue.Task) error {
	messageUUID := t.Meta[metaMessageUUID]
	if messageUUID == "" {
		p.fail(ctx, t.PackageID, errors.New("text delivery check has no message UUID"))
		return nil
	}
	if t.Attempt > p.smsCfg.CheckBudget {
		p.fail(ctx, t.PackageID, errors.New("text delivery status check budget exhausted"))
		return nil
	}

	state, err := p.sms.MessageState(ctx, messageUUID)
	if err != nil {
		return err
	}

	var delivered bool
	switch state {
	case delivery.SMSStateQueued:
		return queue.RetryAfterReason(p.smsCfg.RecheckDelay, "message still queued")
	case delivery.SMSStateFailed:
		metrics.IncDelivery("sms", "failed")
		p.fail(ctx, t.PackageID, errors.New("failed to deliver a text message"))
		return nil
	case delivery.SMSStateSent, delivery.SMSStateDelivered:
		delivered = true
	case delivery.SMSStateUndelivered:
		delivered = false
	default:
		p.fail(ctx, t.PackageID, fmt.Errorf("sms provider returned an unrecognized state %q", state))
		return nil
	}

	pkg, campaign, company, contact, err := p.packageContext(t.PackageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if delivered {
		if err := p.emailer.SMSInfoEmail(ctx, pkg, campaign, company, contact); err != nil {
			return err
		}
	}

	status := model.StatusSent
	result := "delivered"
	if !delivered {
		status = model.StatusBounced
		result = "bounced"
	}

	now := time.Now()
	if _, err := p.store.UpdatePackage(pkg.ID, func(x *model.Package) error {
		x.Status = status
		x.LastMailed = &now
		x.Session = ""
		return nil
	}); err != nil {
		return err
	}
	metrics.IncTransition(string(status))
	metrics.IncDelivery("sms", result)
	return nil
}

// publishBackoff doubles from one minute per publish attempt.
func publishBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Minute * time.Duration(1<<(attempt-1))
}

// newRenderKey mints a local video key for backends that return the asset
// directly.
func newRenderKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (p *Pipeline) hostingClient(campaign *model.Campaign) *hosting.Client {
	return hosting.NewClient(p.hostingBaseURL, campaign.StreamingKey, campaign.StreamingSecret, p.logger)
}

// mediaURL converts a media-root-relative path to its public address.
func (p *Pipeline) mediaURL(path string) string {
	return p.mediaBaseURL + "/" + strings.TrimLeft(filepath.ToSlash(path), "/")
}

// buildRenderRequest assembles the backend request from the package and its
// catalog entities. The renderfarm definition is the campaign's video
// template rendered with the package context.
func (p *Pipeline) buildRenderRequest(pkg *model.Package, campaign *model.Campaign, company *model.Company, contact *model.Contact) (*videobackend.Request, error) {
	images, err := p.store.Images(pkg.ID)
	if err != nil {
		return nil, err
	}

	req := &videobackend.Request{
		PackageID:      pkg.ID,
		StoryboardName: campaign.StoryboardName,
		CompanyName:    company.Name,
		CustomerName:   pkg.RecipientName,
		IntroDuration:  campaign.IntroVideoDuration,
		FinalDuration:  campaign.FinalVideoDuration,
		Welcome:        campaign.WelcomeText,
		Slogan:         campaign.SloganText,
	}
	if contact != nil {
		req.ContactName = contact.Name
	}
	if campaign.IntroVideoPath != "" {
		req.IntroVideoURL = p.mediaURL(campaign.IntroVideoPath)
	}
	if campaign.FinalVideoPath != "" {
		req.FinalVideoURL = p.mediaURL(campaign.FinalVideoPath)
	}
	if campaign.SoundtrackPath != "" {
		req.SoundtrackURL = p.mediaURL(campaign.SoundtrackPath)
	}

	for _, img := range images {
		if img.IsSkipped {
			continue
		}
		url := p.mediaURL(img.Path)
		if img.FromCampaign {
			if req.CampaignImageURL == "" {
				req.CampaignImageURL = url
			}
			continue
		}
		req.ImageURLs = append(req.ImageURLs, url)
	}
	if len(req.ImageURLs) == 0 {
		return nil, fmt.Errorf("package %d has no renderable images", pkg.ID)
	}

	if campaign.VideoBackend == model.BackendRenderfarm {
		if campaign.VideoTemplate == "" {
			return nil, fmt.Errorf("campaign %s has no video template", campaign.ID)
		}
		tmpl, err := p.templates.Get(campaign.VideoTemplate)
		if err != nil {
			return nil, err
		}
		rendered, err := p.engine.Render(tmpl, map[string]interface{}{
			"Package":  pkg,
			"Campaign": campaign,
			"Company":  company,
			"Contact":  contact,
			"Images":   req.ImageURLs,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot render video definition: %w", err)
		}
		req.Definition = rendered.Body()
	}

	return req, nil
}

// downloadVideo fetches the rendered asset to its sharded location under the
// media root.
func (p *Pipeline) downloadVideo(ctx context.Context, assetURL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return err
	}

	resp, err := p.download.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("video download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to save video: %w", err)
	}
	return nil
}
