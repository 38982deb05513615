// Package normalizer validates and normalizes raw plate reads coming from
// ANPR cameras. Everything here is pure: no I/O, no shared state, safe for
// concurrent use.
package normalizer

import (
	"fmt"
	"regexp"
	"strings"
)

// Vehicle class tags derived from the plate shape.
const (
	ClassCar           = "car"
	ClassMotorcycleNew = "motorcycle_new"
	ClassMotorcycleOld = "motorcycle_old"
	ClassMotocarro     = "motocarro"
)

// domesticCountryCodes are the ISO 3166-1 numeric variants cameras report for
// Colombia. An empty or missing country is treated as domestic: firmware often
// omits the field entirely.
var domesticCountryCodes = map[string]bool{
	"170": true,
	"210": true,
	"":    true,
}

// ocrConfusions is the bidirectional letter/digit confusion table applied
// during positional correction.
var ocrConfusions = map[byte]byte{
	'O': '0', '0': 'O',
	'I': '1', '1': 'I',
	'Z': '2', '2': 'Z',
	'S': '5', '5': 'S',
	'B': '8', '8': 'B',
	'G': '6', '6': 'G',
}

// Domestic plate shapes, in match priority order.
var (
	reCar           = regexp.MustCompile(`^[A-Z]{3}[0-9]{3}$`)
	reMotorcycleNew = regexp.MustCompile(`^[A-Z]{3}[0-9]{2}[A-Z]$`)
	reMotorcycleOld = regexp.MustCompile(`^[A-Z]{3}[0-9]{2}$`)
	reMotocarro     = regexp.MustCompile(`^[0-9]{3}[A-Z]{3}$`)
)

// Policy holds the tunables consumed by Normalize.
type Policy struct {
	MinConfidencePercent float64
	RejectForeign        bool
	MaxCorrections       int
}

// Result of normalizing one raw plate read.
// Invariant: IsValid iff RejectionReason is empty, and IsValid implies
// NormalizedPlate is non-empty.
type Result struct {
	NormalizedPlate string
	VehicleClass    string
	IsValid         bool
	IsDomestic      bool
	Confidence      float64 // normalized fraction in [0,1]
	OCRCorrections  int
	RejectionReason string
}

// classify returns the vehicle class for a cleaned plate, or "" when the text
// matches no domestic shape. First match wins.
func classify(plate string) string {
	switch {
	case reCar.MatchString(plate):
		return ClassCar
	case reMotorcycleNew.MatchString(plate):
		return ClassMotorcycleNew
	case reMotorcycleOld.MatchString(plate):
		return ClassMotorcycleOld
	case reMotocarro.MatchString(plate):
		return ClassMotocarro
	default:
		return ""
	}
}

func isLetter(b byte) bool { return b >= 'A' && b <= 'Z' }
func isDigit(b byte) bool  { return b >= '0' && b <= '9' }

// correctLettersFirst applies the letters-first template: positions 0-2 must
// be letters, 3-4 digits, and position 5 a letter when the plate has 6
// characters (new motorcycle shape).
func correctLettersFirst(plate string, budget int) (string, int) {
	corrected := []byte(plate)
	applied := 0

	for i := 0; i < len(plate) && i < 3; i++ {
		if isDigit(plate[i]) {
			if sub, ok := ocrConfusions[plate[i]]; ok && applied < budget {
				corrected[i] = sub
				applied++
			}
		}
	}
	for i := 3; i < len(plate) && i < 6; i++ {
		if i == 5 && len(plate) == 6 {
			if isDigit(plate[i]) {
				if sub, ok := ocrConfusions[plate[i]]; ok && applied < budget {
					corrected[i] = sub
					applied++
				}
			}
			continue
		}
		if isLetter(plate[i]) {
			if sub, ok := ocrConfusions[plate[i]]; ok && applied < budget {
				corrected[i] = sub
				applied++
			}
		}
	}
	return string(corrected), applied
}

// correctDigitsFirst applies the digits-first template (motocarro shape):
// positions 0-2 numeric, 3-5 letters. Only meaningful for 6-character input.
func correctDigitsFirst(plate string, budget int) (string, int) {
	corrected := []byte(plate)
	applied := 0

	for i := 0; i < 3; i++ {
		if isLetter(plate[i]) {
			if sub, ok := ocrConfusions[plate[i]]; ok && applied < budget {
				corrected[i] = sub
				applied++
			}
		}
	}
	for i := 3; i < 6; i++ {
		if isDigit(plate[i]) {
			if sub, ok := ocrConfusions[plate[i]]; ok && applied < budget {
				corrected[i] = sub
				applied++
			}
		}
	}
	return string(corrected), applied
}

// applyOCRCorrection tries the letters-first template, then digits-first for
// 6-character plates. The first template that yields a valid domestic shape
// wins; otherwise the plate comes back unchanged with zero corrections.
// Plates shorter than 5 characters are never corrected.
func applyOCRCorrection(plate string, maxCorrections int) (string, int) {
	if len(plate) < 5 {
		return plate, 0
	}

	corrected, applied := correctLettersFirst(plate, maxCorrections)
	if classify(corrected) != "" {
		return corrected, applied
	}

	if len(plate) == 6 {
		corrected, applied = correctDigitsFirst(plate, maxCorrections)
		if classify(corrected) != "" {
			return corrected, applied
		}
	}

	return plate, 0
}

// Normalize validates a raw plate read against the domestic plate formats.
//
// Format evidence takes precedence over the reported country code: a plate
// matching a domestic shape is accepted even when the camera tags it with a
// foreign country, because the country field is far less reliable than the
// read itself.
func Normalize(rawText string, confidencePercent float64, reportedCountry, declaredVehicleType string, policy Policy) Result {
	confidence := confidencePercent
	if confidence > 1.0 {
		confidence = confidence / 100.0
	}
	confidence = min(max(confidence, 0.0), 1.0)

	res := Result{
		VehicleClass: declaredVehicleType,
		Confidence:   confidence,
	}

	lowered := strings.ToLower(strings.TrimSpace(rawText))
	if lowered == "" || lowered == "unknown" || lowered == "none" {
		res.RejectionReason = "empty or unknown plate"
		return res
	}

	cleaned := strings.ToUpper(strings.TrimSpace(rawText))
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")

	minConfidence := policy.MinConfidencePercent / 100.0
	if confidence < minConfidence {
		res.NormalizedPlate = cleaned
		res.RejectionReason = fmt.Sprintf("insufficient confidence (%.2f%% < %.2f%%)", confidence*100, minConfidence*100)
		return res
	}

	if class := classify(cleaned); class != "" {
		res.NormalizedPlate = cleaned
		res.VehicleClass = class
		res.IsValid = true
		res.IsDomestic = true
		return res
	}

	corrected, applied := applyOCRCorrection(cleaned, policy.MaxCorrections)
	if applied > 0 {
		if class := classify(corrected); class != "" {
			res.NormalizedPlate = corrected
			res.VehicleClass = class
			res.IsValid = true
			res.IsDomestic = true
			res.OCRCorrections = applied
			return res
		}
	}

	if policy.RejectForeign && !domesticCountryCodes[reportedCountry] {
		res.NormalizedPlate = cleaned
		res.RejectionReason = fmt.Sprintf("foreign plate (country code: %s)", reportedCountry)
		return res
	}

	res.NormalizedPlate = cleaned
	res.RejectionReason = fmt.Sprintf("invalid plate format: %s", cleaned)
	return res
}
