package archive

import "strings"

// ProbeResult is the outcome of sampling one patient's series metadata.
type ProbeResult int

const (
	// ProbeNo means the full sample was examined and no marker matched.
	ProbeNo ProbeResult = iota
	// ProbeYes means a report marker was found.
	ProbeYes
	// ProbeInconclusive means the sample was exhausted without signal but
	// the patient has more series than were sampled.
	ProbeInconclusive
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeYes:
		return "yes"
	case ProbeInconclusive:
		return "inconclusive"
	default:
		return "no"
	}
}

// Probe is the result of one report probe.
type Probe struct {
	Result ProbeResult
	// ReportType names the matched marker: the modality ("SR", "DOC",
	// "RTSTRUCT") or "keyword" for a description match. Empty unless
	// Result is ProbeYes.
	ReportType    string
	SeriesSampled int
}

// reportModalities are series modalities that directly indicate a textual or
// structured report.
var reportModalities = map[string]struct{}{
	"SR":       {},
	"DOC":      {},
	"RTSTRUCT": {},
}

// reportKeywords are series-description fragments that indicate report
// content, matched case-insensitively.
var reportKeywords = []string{
	"report",
	"findings",
	"impression",
	"diagnosis",
	"annotation",
	"segmentation",
	"measurement",
}

// reportMarker returns the marker a series matched, or "" for none.
func reportMarker(s Series) string {
	modality := strings.ToUpper(strings.TrimSpace(s.Modality))
	if _, ok := reportModalities[modality]; ok {
		return modality
	}
	description := strings.ToLower(s.SeriesDescription)
	for _, kw := range reportKeywords {
		if strings.Contains(description, kw) {
			return "keyword"
		}
	}
	return ""
}
