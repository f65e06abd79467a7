// Package access issues, extends and resolves anonymous viewing access to
// statements: a capability token, a signed link carrying it, and the QR code
// and PDF artifacts handed to the patient.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/blob"
	"github.com/org/soaportal/internal/capability"
	"github.com/org/soaportal/internal/crypto"
	"github.com/org/soaportal/internal/render"
	"github.com/org/soaportal/internal/signedlink"
	"github.com/org/soaportal/internal/storage"
	"github.com/org/soaportal/internal/validation"
	"github.com/org/soaportal/pkg/models"
)

const (
	// ViewRoute is the path signed links point at.
	ViewRoute = "/api/statements/view"
	// TokenParam is the query parameter carrying the capability token.
	TokenParam = "token"

	DefaultIssueDays = 7
	MaxIssueDays     = 30
	MaxExtendDays    = 365
)

// ArtifactStore is the statement persistence access needs.
type ArtifactStore interface {
	GetStatement(ctx context.Context, id int64) (*models.Statement, error)
	SetStatementArtifacts(ctx context.Context, id int64, a models.Artifacts) (*models.Artifacts, error)
}

// PDFRenderer renders a statement document.
type PDFRenderer interface {
	Render(doc render.StatementDocument) ([]byte, error)
}

// QRRenderer encodes text as a PNG QR code.
type QRRenderer interface {
	Render(content string) ([]byte, error)
}

// Grant is the result of issuing or extending access.
type Grant struct {
	StatementID int64     `json:"statement_id"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	SignedURL   string    `json:"signed_url"`
	QRURL       string    `json:"qr_url"`
	PDFURL      *string   `json:"pdf_url"`
}

// Status is the current access state of a statement.
type Status struct {
	StatementID int64                   `json:"statement_id"`
	Status      models.CapabilityStatus `json:"status"`
	ExpiresAt   *time.Time              `json:"expires_at,omitempty"`
	SignedURL   string                  `json:"signed_url,omitempty"`
	QRURL       string                  `json:"qr_url,omitempty"`
	PDFURL      string                  `json:"pdf_url,omitempty"`
}

// Service wires the capability store, link issuer, renderers and blob store.
type Service struct {
	caps     *capability.Store
	links    *signedlink.Issuer
	store    ArtifactStore
	blobs    blob.Store
	pdf      PDFRenderer
	qr       QRRenderer
	facility render.Facility
	resolver *Resolver
}

// Config carries the collaborators of a Service.
type Config struct {
	Capabilities *capability.Store
	Links        *signedlink.Issuer
	Store        ArtifactStore
	Blobs        blob.Store
	PDF          PDFRenderer
	QR           QRRenderer
	Facility     render.Facility
}

// NewService creates a Service. Nil renderers select the defaults.
func NewService(cfg Config) *Service {
	if cfg.PDF == nil {
		cfg.PDF = render.NewPDFRenderer()
	}
	if cfg.QR == nil {
		cfg.QR = render.NewQRRenderer()
	}
	if cfg.Facility.Name == "" {
		cfg.Facility = render.DefaultFacility
	}
	return &Service{
		caps:     cfg.Capabilities,
		links:    cfg.Links,
		store:    cfg.Store,
		blobs:    cfg.Blobs,
		pdf:      cfg.PDF,
		qr:       cfg.QR,
		facility: cfg.Facility,
		resolver: NewResolver(cfg.Links, cfg.Capabilities),
	}
}

func checkDays(days, maxDays int) error {
	if days < 1 || days > maxDays {
		return validation.Field("expiry_days", "The expiry days must be between 1 and %d.", maxDays)
	}
	return nil
}

func ttl(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// mapCapErr turns capability store errors into errors the API reports.
func mapCapErr(err error) error {
	if errors.Is(err, capability.ErrInvalidTTL) {
		return validation.Field("expiry_days", "%s", err.Error())
	}
	return err
}

// Issue creates a new capability for the statement, replacing any previous
// one, and generates its link, QR code and PDF. A nil days selects
// DefaultIssueDays. A PDF failure is logged and reported as a nil PDFURL.
func (s *Service) Issue(ctx context.Context, statementID int64, days *int) (*Grant, error) {
	d := DefaultIssueDays
	if days != nil {
		d = *days
	}
	if err := checkDays(d, MaxIssueDays); err != nil {
		return nil, err
	}

	c, err := s.caps.Issue(ctx, statementID, ttl(d))
	if err != nil {
		return nil, mapCapErr(err)
	}
	log.Info().Int64("statement_id", statementID).Time("expires_at", c.ExpiresAt).Msg("statement access issued")

	return s.publish(ctx, c)
}

// Extend moves the expiry of the statement's current token and re-mints the
// link, QR code and PDF so every artifact carries the new expiry.
func (s *Service) Extend(ctx context.Context, statementID int64, days int) (*Grant, error) {
	if err := checkDays(days, MaxExtendDays); err != nil {
		return nil, err
	}
	c, err := s.caps.Extend(ctx, statementID, ttl(days))
	if err != nil {
		return nil, mapCapErr(err)
	}
	log.Info().Int64("statement_id", statementID).Time("expires_at", c.ExpiresAt).Msg("statement access extended")

	return s.publish(ctx, c)
}

// SignedURL mints the viewing link for a capability. The link expiry always
// equals the capability expiry.
func (s *Service) SignedURL(c *models.Capability) (string, error) {
	return s.links.Issue(ViewRoute, url.Values{TokenParam: {c.Token}}, c.ExpiresAt)
}

// publish builds the link and artifacts for c and records their keys against
// c. If c was replaced in the meantime by a concurrent issue or extend, its
// artifacts are discarded and the grant carries no artifact URLs. Artifacts
// of the capability c replaces are deleted.
func (s *Service) publish(ctx context.Context, c *models.Capability) (*Grant, error) {
	link, err := s.SignedURL(c)
	if err != nil {
		return nil, fmt.Errorf("signing link: %w", err)
	}
	grant := &Grant{
		StatementID: c.StatementID,
		Token:       c.Token,
		ExpiresAt:   c.ExpiresAt,
		SignedURL:   link,
	}

	now := s.caps.Now()
	qrPNG, err := s.qr.Render(link)
	if err != nil {
		return nil, fmt.Errorf("rendering qr code: %w", err)
	}
	qrKey := blob.ArtifactKey(blob.KindQRCode, c.StatementID, now, ".png")
	qrURL, err := s.blobs.Put(ctx, qrKey, blob.ContentTypePNG, qrPNG)
	if err != nil {
		return nil, fmt.Errorf("storing qr code: %w", err)
	}

	var pdfKey string
	var pdfURL *string
	if key, u, err := s.storePDF(ctx, c.StatementID, qrPNG, now); err != nil {
		log.Error().Err(err).Int64("statement_id", c.StatementID).Msg("pdf generation failed")
	} else {
		pdfKey, pdfURL = key, &u
	}

	prev, err := s.store.SetStatementArtifacts(ctx, c.StatementID, models.Artifacts{
		TokenHash: crypto.HashToken(c.Token),
		ExpiresAt: c.ExpiresAt,
		QRKey:     qrKey,
		PDFKey:    pdfKey,
	})
	if errors.Is(err, storage.ErrCapabilityChanged) {
		log.Info().Int64("statement_id", c.StatementID).Msg("access changed concurrently, discarding artifacts")
		s.discard(ctx, qrKey, pdfKey)
		return grant, nil
	}
	if err != nil {
		s.discard(ctx, qrKey, pdfKey)
		return nil, fmt.Errorf("recording artifacts: %w", err)
	}
	s.discard(ctx, prev.QRKey, prev.PDFKey)

	grant.QRURL, grant.PDFURL = qrURL, pdfURL
	return grant, nil
}

// discard deletes artifacts that no current capability refers to.
func (s *Service) discard(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("deleting stale artifact")
		}
	}
}

func (s *Service) storePDF(ctx context.Context, statementID int64, qrPNG []byte, now time.Time) (string, string, error) {
	st, err := s.store.GetStatement(ctx, statementID)
	if err != nil {
		return "", "", err
	}
	pdf, err := s.pdf.Render(render.StatementDocument{Facility: s.facility, Statement: st, QRCode: qrPNG})
	if err != nil {
		return "", "", err
	}
	key := blob.ArtifactKey(blob.KindStatement, statementID, now, ".pdf")
	u, err := s.blobs.Put(ctx, key, blob.ContentTypePDF, pdf)
	if err != nil {
		return "", "", err
	}
	return key, u, nil
}

// Status reports the statement's access state. While access is active the
// signed link is re-minted, which yields the same URL that was issued.
func (s *Service) Status(ctx context.Context, statementID int64) (*Status, error) {
	status, exp, err := s.caps.Status(ctx, statementID)
	if err != nil {
		return nil, err
	}
	out := &Status{StatementID: statementID, Status: status, ExpiresAt: exp}
	if status != models.CapabilityActive {
		return out, nil
	}

	c, err := s.caps.Current(ctx, statementID)
	if err != nil {
		return nil, err
	}
	if out.SignedURL, err = s.SignedURL(c); err != nil {
		return nil, fmt.Errorf("signing link: %w", err)
	}
	st, err := s.store.GetStatement(ctx, statementID)
	if err != nil {
		return nil, fmt.Errorf("loading statement: %w", err)
	}
	if st.QRBlobKey != "" {
		out.QRURL = s.blobs.URL(st.QRBlobKey)
	}
	if st.PDFBlobKey != "" {
		out.PDFURL = s.blobs.URL(st.PDFBlobKey)
	}
	return out, nil
}

// View resolves an anonymous request URL and renders the statement PDF.
func (s *Service) View(ctx context.Context, u *url.URL) (*models.Statement, []byte, error) {
	st, err := s.resolver.Resolve(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	pdf, err := s.pdf.Render(render.StatementDocument{Facility: s.facility, Statement: st})
	if err != nil {
		return nil, nil, fmt.Errorf("rendering statement: %w", err)
	}
	return st, pdf, nil
}
