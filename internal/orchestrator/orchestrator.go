// Package orchestrator drives the end-to-end per-ticket processing job:
// fetch, snapshot, render, optionally sign and timestamp, persist
// atomically, update tags and notes, with transient/permanent failure
// classification. An interface-held client and a single entry point fan
// into per-step calls with uniform log.Printf("[orchestrator] ...")
// failure handling, one job at a time.
package orchestrator

import (
	"context"
	"fmt"
	"html"
	"log"
	"time"

	"github.com/ticketarc/ticketarc/internal/audit"
	"github.com/ticketarc/ticketarc/internal/classify"
	"github.com/ticketarc/ticketarc/internal/idempotency"
	"github.com/ticketarc/ticketarc/internal/pathpolicy"
	"github.com/ticketarc/ticketarc/internal/redact"
	"github.com/ticketarc/ticketarc/internal/renderer"
	"github.com/ticketarc/ticketarc/internal/snapshot"
	"github.com/ticketarc/ticketarc/internal/storage"
	"github.com/ticketarc/ticketarc/internal/tagstate"
	"github.com/ticketarc/ticketarc/internal/tms"
)

// TMSClient is the subset of internal/tms.Client operations the
// orchestrator needs, narrowed to an interface so tests can substitute a
// fake without standing up an HTTP server for every case.
type TMSClient interface {
	GetTicket(ctx context.Context, id int64) (tms.RawTicketPayload, error)
	ListTags(ctx context.Context, id int64) ([]string, error)
	ListArticles(ctx context.Context, id int64) ([]tms.RawArticlePayload, error)
	AddTag(ctx context.Context, id int64, name string) error
	RemoveTag(ctx context.Context, id int64, name string) error
	CreateInternalNote(ctx context.Context, id int64, bodyHTML string) error
}

// Signer is the narrow interface the orchestrator needs from internal/signer.
type Signer interface {
	Sign(pdfBytes []byte) (signed []byte, certFingerprint string, err error)
	TSAConfigured() bool
}

// Job is one unit of work: a ticket to (re)process.
type Job struct {
	TicketID   int64
	RequestID  string
	DeliveryID string
	// SkipDeliveryDedup bypasses delivery-id dedup, for /retry requests.
	SkipDeliveryDedup bool
}

// Config bundles everything Process needs beyond its collaborators.
type Config struct {
	ServiceName    string
	ServiceVersion string
	RuntimeVersion string

	TagNames          tagstate.Names
	RequireTriggerTag bool
	DeliveryTTL       time.Duration

	// ArchivePathField, ArchiveUserModeField, and ArchiveUserField are the
	// configurable custom-field names the archive path is read from.
	ArchivePathField     string
	ArchiveUserModeField string
	ArchiveUserField     string

	TemplateVariant string
	SigningEnabled  bool

	PathPolicy     pathpolicy.Policy
	StorageRoot    string
	StorageOptions storage.Options
	SnapshotPolicy snapshot.Policy
}

// Orchestrator holds the collaborators and configuration for one process's
// worth of job execution. It is safe for concurrent use by multiple jobs;
// the idempotency store and in-flight set are the only shared mutable
// state and are themselves internally synchronised.
type Orchestrator struct {
	cfg Config

	tms      TMSClient
	renderer renderer.Renderer
	signer   Signer // nil when signing is disabled

	idem     idempotency.Store
	inflight *idempotency.InFlight

	// now is a seam for deterministic tests; defaults to time.Now.
	now func() time.Time
}

// New builds an Orchestrator. signer may be nil when cfg.SigningEnabled is
// false; passing a non-nil signer with SigningEnabled false is allowed
// (the signer is simply not invoked).
func New(cfg Config, tmsClient TMSClient, r renderer.Renderer, s Signer, idem idempotency.Store, inflight *idempotency.InFlight) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		tms:      tmsClient,
		renderer: r,
		signer:   s,
		idem:     idem,
		inflight: inflight,
		now:      time.Now,
	}
}

// Process runs the full per-ticket pipeline after acknowledgement
// (ticket-id validation and acknowledgement are the ingress layer's job,
// done before Process is ever called). A nil return means the job either
// completed successfully or was legitimately skipped (in-flight busy,
// duplicate delivery, or not eligible); a non-nil return is the raised
// failure after cleanup has already run.
func (o *Orchestrator) Process(ctx context.Context, job Job) error {
	release, acquired := o.inflight.TryAcquire(job.TicketID)
	if !acquired {
		log.Printf("[orchestrator] skip_ticket_in_flight ticket_id=%d", job.TicketID)
		return nil
	}
	defer release()

	tags, err := o.tms.ListTags(ctx, job.TicketID)
	if err != nil {
		return o.fail(ctx, job, err)
	}
	if !tagstate.ShouldProcess(tags, tagstate.Config{Names: o.cfg.TagNames, RequireTriggerTag: o.cfg.RequireTriggerTag}) {
		log.Printf("[orchestrator] skip_not_eligible ticket_id=%d", job.TicketID)
		return nil
	}

	if job.DeliveryID != "" && !job.SkipDeliveryDedup {
		result, err := o.idem.Claim(job.DeliveryID, o.now(), o.cfg.DeliveryTTL)
		if err != nil {
			return o.fail(ctx, job, classify.WrapTransient(classify.CodeStorage, "delivery claim store failed", err))
		}
		if result == idempotency.Duplicate {
			log.Printf("[orchestrator] skip_delivery_id_seen ticket_id=%d delivery_id=%s", job.TicketID, job.DeliveryID)
			return nil
		}
	}

	if err := o.applyTransition(ctx, job.TicketID, tagstate.ApplyProcessing(o.cfg.TagNames)); err != nil {
		return o.fail(ctx, job, err)
	}

	snap, err := o.buildSnapshot(ctx, job.TicketID)
	if err != nil {
		return o.fail(ctx, job, err)
	}

	pdfBytes, err := o.renderer.Render(ctx, snap, o.cfg.TemplateVariant)
	if err != nil {
		return o.fail(ctx, job, classify.WrapPermanent(classify.CodeRender, "PDF rendering failed", err))
	}

	signingInfo := audit.Signing{Enabled: o.cfg.SigningEnabled}
	if o.cfg.SigningEnabled {
		if o.signer == nil {
			return o.fail(ctx, job, classify.NewPermanent(classify.CodeSigningMaterial, "signing is enabled but no signer is configured"))
		}
		signed, fingerprint, err := o.signer.Sign(pdfBytes)
		if err != nil {
			return o.fail(ctx, job, err)
		}
		pdfBytes = signed
		signingInfo.TSAUsed = o.signer.TSAConfigured()
		signingInfo.CertFingerprint = fingerprint
	}

	resolved, err := o.resolveArchivePath(snap)
	if err != nil {
		return o.fail(ctx, job, err)
	}

	writtenPath, err := storage.WriteAtomic(o.cfg.StorageRoot, resolved.RelPath, pdfBytes, o.cfg.StorageOptions)
	if err != nil {
		return o.fail(ctx, job, err)
	}

	record := audit.Build(audit.Input{
		TicketID:     snap.ID,
		TicketNumber: snap.Number,
		Title:        snap.Title,
		CreatedAt:    snap.CreatedAt,
		StoragePath:  writtenPath,
		PDFBytes:     pdfBytes,
		Signing:      signingInfo,
		Service: audit.Service{
			Name:           o.cfg.ServiceName,
			Version:        o.cfg.ServiceVersion,
			RuntimeVersion: o.cfg.RuntimeVersion,
		},
		Warning: snap.Warning,
	})
	sidecarBytes, err := audit.Marshal(record)
	if err != nil {
		return o.fail(ctx, job, classify.WrapPermanent(classify.CodeStorage, "failed to marshal audit sidecar", err))
	}
	if _, err := storage.WriteAtomic(o.cfg.StorageRoot, resolved.RelPath+".json", sidecarBytes, o.cfg.StorageOptions); err != nil {
		return o.fail(ctx, job, err)
	}

	if err := o.postSuccessNote(ctx, job, record, len(pdfBytes)); err != nil {
		return o.fail(ctx, job, err)
	}

	if err := o.applyTransition(ctx, job.TicketID, tagstate.ApplyDone(o.cfg.TagNames)); err != nil {
		o.repairProcessingTagBestEffort(ctx, job.TicketID)
		log.Printf("[orchestrator] final_transition_failed ticket_id=%d err=%v", job.TicketID, err)
		return err
	}

	return nil
}

func (o *Orchestrator) buildSnapshot(ctx context.Context, ticketID int64) (snapshot.Snapshot, error) {
	rawTicket, err := o.tms.GetTicket(ctx, ticketID)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	tags, err := o.tms.ListTags(ctx, ticketID)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	rawArticles, err := o.tms.ListArticles(ctx, ticketID)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	articles := make([]snapshot.RawArticle, 0, len(rawArticles))
	for _, a := range rawArticles {
		articles = append(articles, snapshot.RawArticle{
			ID:        a.ID,
			CreatedAt: a.CreatedAt,
			Internal:  a.Internal,
			Sender:    a.Sender,
			Subject:   a.Subject,
			BodyHTML:  a.BodyHTML,
			BodyText:  a.BodyText,
		})
	}

	return snapshot.Build(snapshot.RawTicket{
		ID:           rawTicket.ID,
		Number:       rawTicket.Number,
		Title:        rawTicket.Title,
		CreatedAt:    rawTicket.CreatedAt,
		UpdatedAt:    rawTicket.UpdatedAt,
		Customer:     rawTicket.Customer,
		Owner:        rawTicket.Owner,
		CustomFields: rawTicket.CustomFields,
	}, tags, articles, o.cfg.SnapshotPolicy)
}

func (o *Orchestrator) applyTransition(ctx context.Context, ticketID int64, t tagstate.Transition) error {
	for _, name := range t.Add {
		if err := o.tms.AddTag(ctx, ticketID, name); err != nil {
			return err
		}
	}
	for _, name := range t.Remove {
		if err := o.tms.RemoveTag(ctx, ticketID, name); err != nil {
			return err
		}
	}
	return nil
}

// repairProcessingTagBestEffort runs when the final-state transition
// itself fails: it attempts to remove the processing tag so the ticket
// isn't left flagged as in-progress forever, and never swallows a
// failure silently.
func (o *Orchestrator) repairProcessingTagBestEffort(ctx context.Context, ticketID int64) {
	if err := o.tms.RemoveTag(ctx, ticketID, o.cfg.TagNames.Processing); err != nil {
		log.Printf("[orchestrator] processing_tag_repair_failed ticket_id=%d err=%v", ticketID, err)
	}
}

func (o *Orchestrator) resolveArchivePath(snap snapshot.Snapshot) (pathpolicy.Resolved, error) {
	rawPath, ok := snap.CustomFields[o.cfg.ArchivePathField]
	if !ok {
		return pathpolicy.Resolved{}, classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("ticket is missing the %q custom field", o.cfg.ArchivePathField))
	}
	pathSegments, err := toSegments(rawPath)
	if err != nil {
		return pathpolicy.Resolved{}, err
	}

	modeRaw := snap.CustomFields[o.cfg.ArchiveUserModeField]
	mode, _ := modeRaw.(string)

	userSegment, err := o.resolveUserSegment(pathpolicy.UserMode(mode), snap)
	if err != nil {
		return pathpolicy.Resolved{}, err
	}

	segments := append([]string{userSegment}, pathSegments...)
	return pathpolicy.Resolve(o.cfg.PathPolicy, segments, snap.Number, o.now())
}

// resolveUserSegment implements the user-mode selector for the archive
// path's user segment. "owner" uses the ticket's own owner login.
// "current_agent" and "fixed" both resolve from the configurable
// archive_user custom field: the distinction between "whoever is
// currently assigned" and "an operator-set constant" is a TMS-side
// convention this layer doesn't need to know about, since both arrive as
// the same field by the time the snapshot is built.
func (o *Orchestrator) resolveUserSegment(mode pathpolicy.UserMode, snap snapshot.Snapshot) (string, error) {
	switch mode {
	case pathpolicy.UserModeOwner:
		if snap.Owner == "" {
			return "", classify.NewPermanent(classify.CodePathPolicy, "archive_user_mode is owner but the ticket has no owner")
		}
		return snap.Owner, nil
	case pathpolicy.UserModeCurrentAgent, pathpolicy.UserModeFixed:
		v, _ := snap.CustomFields[o.cfg.ArchiveUserField].(string)
		if v == "" {
			return "", classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("archive_user_mode is %q but the %q custom field is empty", mode, o.cfg.ArchiveUserField))
		}
		return v, nil
	default:
		return "", classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("unknown archive_user_mode %q", mode))
	}
}

func toSegments(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return pathpolicy.ParseSegments(v), nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, classify.NewPermanent(classify.CodePathPolicy, "archive_path contains a non-string segment")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, classify.NewPermanent(classify.CodePathPolicy, "archive_path has an unsupported type")
	}
}

func (o *Orchestrator) postSuccessNote(ctx context.Context, job Job, record audit.Record, sizeBytes int) error {
	body := fmt.Sprintf(
		"<p>Archived to <code>%s</code></p><ul>"+
			"<li>sidecar: <code>%s</code></li>"+
			"<li>size: %d bytes</li>"+
			"<li>sha256: %s</li>"+
			"<li>request id: %s</li>"+
			"<li>delivery id: %s</li>"+
			"<li>timestamp: %s</li></ul>",
		html.EscapeString(record.StoragePath),
		html.EscapeString(record.StoragePath+".json"),
		sizeBytes,
		html.EscapeString(record.SHA256),
		html.EscapeString(job.RequestID),
		html.EscapeString(job.DeliveryID),
		html.EscapeString(o.now().UTC().Format(time.RFC3339)),
	)
	return o.tms.CreateInternalNote(ctx, job.TicketID, body)
}

// redactError scrubs a failure's message through the same secret redactor
// used by the logger, before it can reach a ticket note.
func redactError(err error) string {
	if err == nil {
		return ""
	}
	return redact.String(err.Error())
}

// fail is the single funnel for raised failures: classify once, post
// exactly one error note, transition to ERROR with keep_trigger decided by
// the classification, and release the lock (via the caller's defer).
// Cancellation re-propagates after the same cleanup runs.
func (o *Orchestrator) fail(ctx context.Context, job Job, err error) error {
	if classify.IsCancelled(err) {
		o.cleanupOnFailure(context.Background(), job, err, true)
		return err
	}

	classification, _, ok := classify.Classify(err)
	if !ok {
		o.cleanupOnFailure(context.Background(), job, err, true)
		return err
	}

	keepTrigger := classification == classify.Transient
	o.cleanupOnFailure(ctx, job, err, keepTrigger)
	return err
}

func (o *Orchestrator) cleanupOnFailure(ctx context.Context, job Job, cause error, keepTrigger bool) {
	_, code, _ := classify.Classify(cause)
	if classify.IsCancelled(cause) {
		code = classify.CodeCancelled
	}
	classification := classify.Permanent
	if keepTrigger {
		classification = classify.Transient
	}

	noteErr := o.postErrorNote(ctx, job, code, classification, cause)
	if noteErr != nil {
		log.Printf("[orchestrator] error_note_failed ticket_id=%d err=%v", job.TicketID, noteErr)
	}

	transition := tagstate.ApplyError(o.cfg.TagNames, keepTrigger)
	if err := o.applyTransition(ctx, job.TicketID, transition); err != nil {
		o.repairProcessingTagBestEffort(ctx, job.TicketID)
		log.Printf("[orchestrator] error_transition_failed ticket_id=%d err=%v", job.TicketID, err)
	}
}

func (o *Orchestrator) postErrorNote(ctx context.Context, job Job, code classify.Code, classification classify.Classification, cause error) error {
	scrubbed := redactError(cause)
	body := fmt.Sprintf(
		"<p>Archival failed</p><ul>"+
			"<li>code: %s</li>"+
			"<li>classification: %s</li>"+
			"<li>message: %s</li>"+
			"<li>hint: %s</li>"+
			"<li>request id: %s</li>"+
			"<li>delivery id: %s</li>"+
			"<li>timestamp: %s</li></ul>",
		html.EscapeString(string(code)),
		html.EscapeString(classification.String()),
		html.EscapeString(scrubbed),
		html.EscapeString(classify.Hint(code)),
		html.EscapeString(job.RequestID),
		html.EscapeString(job.DeliveryID),
		html.EscapeString(o.now().UTC().Format(time.RFC3339)),
	)
	return o.tms.CreateInternalNote(ctx, job.TicketID, body)
}
