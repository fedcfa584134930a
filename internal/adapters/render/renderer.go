// Package render produces the signed subsidy resolution PDF and stores it.
package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"subsidy/internal/ports"
)

// Renderer writes a one-page PDF summarizing the process snapshot. The page carries
// the digest of the canonical JSON snapshot, so the artifact is bound to exactly the
// state that was signed.
type Renderer struct {
	blobs ports.BlobStorage
}

func New(blobs ports.BlobStorage) *Renderer {
	return &Renderer{blobs: blobs}
}

func (r *Renderer) Render(ctx context.Context, snap ports.Snapshot) (ports.Artifact, error) {
	digest, err := SnapshotDigest(snap)
	if err != nil {
		return ports.Artifact{}, err
	}
	pdf := buildPDF(summaryLines(snap, digest))
	name := fmt.Sprintf("%s-v%d.pdf", snap.Process.Code, snap.Version)
	ref, err := r.blobs.Store(ctx, name, pdf)
	if err != nil {
		return ports.Artifact{}, fmt.Errorf("store rendered pdf: %w", err)
	}
	return ports.Artifact{Ref: ref.Ref, Hash: ref.Hash}, nil
}

// SnapshotDigest is the hex SHA-256 of the RFC 8785 canonical form of snap.
func SnapshotDigest(snap ports.Snapshot) (string, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func summaryLines(snap ports.Snapshot, digest string) []string {
	p := snap.Process
	lines := []string{
		"Resolucion de subsidio de arriendo",
		"",
		"Proceso: " + p.Code,
		"Beneficiario: " + p.BeneficiaryID.String(),
	}
	if p.LandlordID != nil {
		lines = append(lines, "Arrendador: "+p.LandlordID.String())
	}
	lines = append(lines,
		fmt.Sprintf("Version PDF: %d", snap.Version),
		"",
		"Documentos aprobados:",
	)
	for _, d := range snap.Documents {
		lines = append(lines, fmt.Sprintf("  %s v%d %s", d.Type, d.Version, d.Hash))
	}
	lines = append(lines, "", "Decisiones:")
	for _, d := range snap.Decisions {
		lines = append(lines, fmt.Sprintf("  %s %s -> %s (%s)",
			d.DecidedAt.UTC().Format("2006-01-02 15:04"), d.FromState, d.ToState, d.ActorRole))
	}
	lines = append(lines, "", "Huella: "+digest)
	return lines
}

func buildPDF(lines []string) []byte {
	var content strings.Builder
	content.WriteString("BT /F1 11 Tf 14 TL 50 750 Td\n")
	for _, l := range lines {
		content.WriteString("(" + escapePDF(l) + ") Tj T*\n")
	}
	content.WriteString("ET")
	stream := content.String()

	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj("<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>")
	obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// escapePDF keeps printable ASCII and escapes string delimiters.
func escapePDF(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}
