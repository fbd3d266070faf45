package convert

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/austinkregel/codemd/internal/apperr"
)

// Mode names a conversion
type Mode string

const (
	ModePNGToJPG    Mode = "PNG to JPG"
	ModeJPGToPNG    Mode = "JPG to PNG"
	ModePNGToICO    Mode = "PNG to ICO"
	ModeImageToWebP Mode = "Image to WebP"
	ModeWebPToPNG   Mode = "WebP to PNG"
	ModePDFToJPGs   Mode = "PDF to JPGs"
	ModeJPGsToPDF   Mode = "JPGs to PDF"
)

// Modes lists every supported conversion
var Modes = []Mode{
	ModePNGToJPG,
	ModeJPGToPNG,
	ModePNGToICO,
	ModeImageToWebP,
	ModeWebPToPNG,
	ModePDFToJPGs,
	ModeJPGsToPDF,
}

func normalizeMode(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "_", " "))
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "jpeg", "jpg")
}

// ParseMode matches a mode name case-insensitively. Underscores may stand in
// for spaces, so "png_to_jpg" selects ModePNGToJPG.
func ParseMode(s string) (Mode, error) {
	want := normalizeMode(s)
	for _, m := range Modes {
		if normalizeMode(string(m)) == want {
			return m, nil
		}
	}
	names := lo.Map(Modes, func(m Mode, _ int) string { return fmt.Sprintf("%q", m) })
	return "", apperr.Validation("mode", fmt.Sprintf("unsupported conversion %q, expected one of %s", s, strings.Join(names, ", ")))
}
