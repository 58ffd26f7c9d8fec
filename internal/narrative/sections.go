package narrative

import (
	"regexp"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var sectionHeaders = []struct {
	key string
	re  *regexp.Regexp
}{
	{domain.SectionSummary, regexp.MustCompile(`(?i)I\.\s*SUMMARY\s*OF\s*SUSPICIOUS\s*ACTIVITY`)},
	{domain.SectionAccount, regexp.MustCompile(`(?i)II\.\s*ACCOUNT\s*AND\s*CUSTOMER\s*INFORMATION`)},
	{domain.SectionDescription, regexp.MustCompile(`(?i)III\.\s*DESCRIPTION\s*OF\s*SUSPICIOUS\s*ACTIVITY`)},
	{domain.SectionExplanation, regexp.MustCompile(`(?i)IV\.\s*EXPLANATION\s*OF\s*SUSPICION`)},
	{domain.SectionConclusion, regexp.MustCompile(`(?i)V\.\s*CONCLUSION`)},
}

// ParseSections splits narrative text on the five report headers.
// A section runs from its header to the next header in report order, or to
// the end of the text. Text without any header is returned whole as section I.
func ParseSections(text string) domain.NarrativeSections {
	sections := make(domain.NarrativeSections)

	for i, h := range sectionHeaders {
		loc := h.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		start := loc[1]
		end := len(text)
		if i+1 < len(sectionHeaders) {
			if next := sectionHeaders[i+1].re.FindStringIndex(text[start:]); next != nil {
				end = start + next[0]
			}
		}
		sections[h.key] = strings.TrimSpace(text[start:end])
	}

	if len(sections) == 0 {
		sections[domain.SectionSummary] = strings.TrimSpace(text)
	}
	return sections
}
