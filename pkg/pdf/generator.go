package pdf

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// CertificateData carries the fields printed on a retirement certificate.
type CertificateData struct {
	CertificateNumber string
	CreditUnitID      string
	MRVReportID       string
	Methodology       string
	Vintage           int
	Quantity          float64
	Reason            string
	RetiredBy         string
	RetiredAt         time.Time
}

// Generator renders retirement certificates.
type Generator struct {
	issuerName string
}

// NewGenerator creates a certificate generator stamped with the issuer name.
func NewGenerator(issuerName string) *Generator {
	if issuerName == "" {
		issuerName = "AgriCarbon Credit Marketplace"
	}
	return &Generator{issuerName: issuerName}
}

// GenerateCertificate renders a one-page retirement certificate PDF.
func (g *Generator) GenerateCertificate(data CertificateData) (io.Reader, error) {
	doc := gofpdf.New("P", "mm", "A4", "")
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 22)
	doc.CellFormat(0, 14, "Certificate of Carbon Credit Retirement", "", 1, "C", false, 0, "")

	doc.SetFont("Helvetica", "", 11)
	doc.CellFormat(0, 8, g.issuerName, "", 1, "C", false, 0, "")
	doc.Ln(8)

	doc.SetFont("Helvetica", "B", 14)
	doc.CellFormat(0, 10, fmt.Sprintf("Certificate No. %s", data.CertificateNumber), "", 1, "C", false, 0, "")
	doc.Ln(6)

	doc.SetFont("Helvetica", "", 12)
	doc.MultiCell(0, 7, fmt.Sprintf(
		"This certifies that %.4f tons CO2e of verified carbon credits have been permanently retired from circulation by %s.",
		data.Quantity, data.RetiredBy), "", "C", false)
	doc.Ln(8)

	rows := [][2]string{
		{"Credit Unit", data.CreditUnitID},
		{"MRV Report", data.MRVReportID},
		{"Methodology", data.Methodology},
		{"Vintage", fmt.Sprintf("%d", data.Vintage)},
		{"Quantity Retired", fmt.Sprintf("%.4f tCO2e", data.Quantity)},
		{"Retirement Reason", data.Reason},
		{"Retired At", data.RetiredAt.UTC().Format("2006-01-02 15:04:05 MST")},
	}
	doc.SetFont("Helvetica", "", 11)
	for _, row := range rows {
		doc.SetFont("Helvetica", "B", 11)
		doc.CellFormat(55, 8, row[0], "1", 0, "L", false, 0, "")
		doc.SetFont("Helvetica", "", 11)
		doc.CellFormat(0, 8, row[1], "1", 1, "L", false, 0, "")
	}

	doc.Ln(12)
	doc.SetFont("Helvetica", "I", 9)
	doc.MultiCell(0, 5,
		"Retired credits are permanently removed from circulation and can never be listed, sold or transferred again. "+
			"This certificate is backed by the marketplace's append-only retirement ledger.", "", "C", false)

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return &buf, nil
}
