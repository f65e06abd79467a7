// Package render turns statements into the artifacts handed to patients: a
// printable PDF and a QR code image of the signed viewing link.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/skip2/go-qrcode"

	"github.com/org/soaportal/pkg/models"
)

// QRSize is the edge length in pixels of generated QR codes.
const QRSize = 300

// Facility is the issuing provider printed in the statement header.
type Facility struct {
	Name                string `yaml:"name"`
	Address             string `yaml:"address"`
	Contact             string `yaml:"contact"`
	PaymentInstructions string `yaml:"payment_instructions"`
}

// DefaultFacility is used when none is configured.
var DefaultFacility = Facility{
	Name:                "Medical Center Hospital",
	Address:             "123 Health Avenue, Medical District",
	Contact:             "+1 (555) 123-4567",
	PaymentInstructions: "Please make payment before the due date. For questions, contact our billing department at billing@medicalcenter.com.",
}

// StatementDocument is everything printed on a statement PDF.
type StatementDocument struct {
	Facility  Facility
	Statement *models.Statement
	// Optional PNG embedded next to the header.
	QRCode []byte
}

// PDFRenderer renders statements as A4 portrait PDFs.
type PDFRenderer struct{}

// NewPDFRenderer returns a PDFRenderer.
func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{}
}

const dateLayout = "January 02, 2006"

// Render produces the PDF bytes for doc.
func (r *PDFRenderer) Render(doc StatementDocument) ([]byte, error) {
	st := doc.Statement
	if st == nil {
		return nil, errors.New("render: nil statement")
	}
	fac := doc.Facility
	if fac.Name == "" {
		fac = DefaultFacility
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Statement of Account "+st.StatementNumber, true)
	pdf.SetCreator(fac.Name, true)
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(120, 8, tr(fac.Name), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(120, 5, tr(fac.Address), "", 1, "L", false, 0, "")
	pdf.CellFormat(120, 5, tr(fac.Contact), "", 1, "L", false, 0, "")

	if len(doc.QRCode) > 0 {
		opts := fpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader("qr", opts, bytes.NewReader(doc.QRCode))
		pdf.ImageOptions("qr", 160, 12, 35, 35, false, opts, 0, "")
	}

	pdf.SetY(50)
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, "STATEMENT OF ACCOUNT", "B", 1, "C", false, 0, "")
	pdf.Ln(3)

	pdf.SetFont("Helvetica", "", 10)
	patientName, patientEmail := "", ""
	if st.Patient != nil {
		patientName, patientEmail = st.Patient.Name, st.Patient.Email
	}
	row := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(40, 6, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 6, tr(value), "", 1, "L", false, 0, "")
	}
	row("Statement No.", st.StatementNumber)
	row("Patient", patientName)
	row("Email", patientEmail)
	row("Date Issued", formatDate(st.IssueDate))
	row("Due Date", formatDate(st.DueDate))
	row("Status", string(st.Status))
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(35, 7, "Date", "1", 0, "L", true, 0, "")
	pdf.CellFormat(110, 7, "Description", "1", 0, "L", true, 0, "")
	pdf.CellFormat(35, 7, "Amount", "1", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	for _, svc := range st.Services {
		pdf.CellFormat(35, 7, svc.ServiceDate.Format("2006-01-02"), "1", 0, "L", false, 0, "")
		pdf.CellFormat(110, 7, tr(truncate(svc.Description, 70)), "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 7, svc.Amount.String(), "1", 1, "R", false, 0, "")
	}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(145, 8, "Total Amount Due", "1", 0, "R", false, 0, "")
	pdf.CellFormat(35, 8, st.TotalAmount.String(), "1", 1, "R", false, 0, "")

	pdf.Ln(8)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, tr(fac.PaymentInstructions), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("rendering pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(dateLayout)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// QRRenderer encodes text as a PNG QR code.
type QRRenderer struct {
	Size int
}

// NewQRRenderer returns a QRRenderer producing QRSize pixel images.
func NewQRRenderer() *QRRenderer {
	return &QRRenderer{Size: QRSize}
}

// Render encodes content with high error correction.
func (r *QRRenderer) Render(content string) ([]byte, error) {
	if content == "" {
		return nil, errors.New("render: empty qr content")
	}
	png, err := qrcode.Encode(content, qrcode.High, r.Size)
	if err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}
	return png, nil
}
