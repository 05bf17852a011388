package documents

import (
	"regexp"
	"strings"
)

// Parser turns extracted text into structured medical data. A document with
// nothing recognisable yields empty data, not an error.
type Parser interface {
	Parse(text string) (*MedicalData, error)
}

// RuleParser recognises common prescription and report layouts line by
// line: labelled medication lines ("Tab. Metformin 500 mg 1-0-1 x 30 days"),
// unlabelled lines carrying a strength, "Diagnosis:" style lines, lab values
// ("Hemoglobin: 10.2 g/dL (12.0-15.5) L") and advice lines.
type RuleParser struct{}

func NewRuleParser() *RuleParser { return &RuleParser{} }

var (
	instructionRe = regexp.MustCompile(`(?i)^(?:advice|advised|instructions?|note)\s*[:\-]\s*(.+)$`)
	takeRe        = regexp.MustCompile(`(?i)^take\s+\S`)
	diagnosisRe   = regexp.MustCompile(`(?i)^(?:provisional\s+)?(?:diagnosis|dx|impression|assessment)\s*[:\-]\s*(.+)$`)
	medPrefixRe   = regexp.MustCompile(`(?i)^(rx|tab(?:let)?s?|cap(?:sule)?s?|syr(?:up)?|syp|inj(?:ection)?|susp(?:ension)?|drops?|oint(?:ment)?)\b\.?\s*[:\-]?\s*(.+)$`)
	strengthRe    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(mg|mcg|g|ml|iu|units?)\b`)
	bareMedRe     = regexp.MustCompile(`(?i)^[a-z][a-z\-]+(?:\s+[a-z][a-z\-]+)*\s+\d+(?:\.\d+)?\s*(?:mg|mcg|g|ml|iu|units?)\b`)
	frequencyRe   = regexp.MustCompile(`(?i)\b(od|bd|bid|tds|tid|qid|qds|hs|sos|prn|stat|once daily|twice daily|thrice daily|once a day|twice a day|three times (?:a|per) day|every \d+ hours?|\d-\d-\d)\b`)
	durationRe    = regexp.MustCompile(`(?i)\b(?:x|for)\s*(\d+\s*(?:days?|weeks?|months?))\b`)
	labRe         = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9 ()/\-.,]*?)\s*[:=]\s*([<>]?\d+(?:\.\d+)?)\s*([A-Za-z%][A-Za-z0-9%/^.]*)?\s*(?:[\[(]\s*(?:[Rr]ef(?:erence)?(?:\s+range)?\s*:?\s*)?(\d+(?:\.\d+)?\s*-\s*\d+(?:\.\d+)?)\s*[\])])?\s*([HL])?$`)
)

var formByPrefix = map[string]string{
	"tab": "tablet",
	"cap": "capsule",
	"syr": "syrup",
	"syp": "syrup",
	"inj": "injection",
	"sus": "suspension",
	"dro": "drops",
	"oin": "ointment",
}

// Header fields that look like "label: number" but are not lab values.
var ignoredLabels = map[string]bool{
	"age": true, "date": true, "phone": true, "tel": true, "mobile": true,
	"id": true, "mrn": true, "uhid": true, "reg no": true, "bill no": true,
}

func (p *RuleParser) Parse(text string) (*MedicalData, error) {
	data := &MedicalData{Entities: []Entity{}}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.Join(strings.Fields(raw), " ")
		line = strings.TrimLeft(line, "-*•0123456789.) ")
		if line == "" {
			continue
		}
		data.Entities = append(data.Entities, parseLine(line)...)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return data, nil
}

func parseLine(line string) []Entity {
	if m := instructionRe.FindStringSubmatch(line); m != nil {
		return []Entity{InstructionEntity(Instruction{Text: strings.TrimSpace(m[1])})}
	}
	if takeRe.MatchString(line) {
		return []Entity{InstructionEntity(Instruction{Text: line})}
	}
	if m := diagnosisRe.FindStringSubmatch(line); m != nil {
		var out []Entity
		for _, d := range strings.Split(m[1], ";") {
			if d = strings.TrimSpace(d); d != "" {
				out = append(out, DiagnosisEntity(Diagnosis{Description: d}))
			}
		}
		return out
	}
	if m := medPrefixRe.FindStringSubmatch(line); m != nil {
		prefix := strings.ToLower(m[1])
		if len(prefix) > 3 {
			prefix = prefix[:3]
		}
		if med, ok := parseMedication(m[2], formByPrefix[prefix]); ok {
			return []Entity{MedicationEntity(med)}
		}
		return nil
	}
	if lab, ok := parseLab(line); ok {
		return []Entity{LabEntity(lab)}
	}
	if bareMedRe.MatchString(line) {
		if med, ok := parseMedication(line, ""); ok {
			return []Entity{MedicationEntity(med)}
		}
	}
	return nil
}

func parseMedication(rest, form string) (MedicationMention, bool) {
	med := MedicationMention{Form: form}
	tail := rest
	if loc := strengthRe.FindStringSubmatchIndex(rest); loc != nil {
		med.Name = rest[:loc[0]]
		med.Strength = rest[loc[2]:loc[3]] + " " + strings.ToLower(rest[loc[4]:loc[5]])
		tail = rest[loc[1]:]
	} else {
		// Without a strength the name runs up to the first frequency or
		// duration token.
		med.Name = rest
		for _, re := range []*regexp.Regexp{frequencyRe, durationRe} {
			if loc := re.FindStringIndex(med.Name); loc != nil {
				med.Name = med.Name[:loc[0]]
			}
		}
	}
	med.Name = strings.Trim(med.Name, " -,:;.")
	if med.Name == "" {
		return MedicationMention{}, false
	}
	if m := frequencyRe.FindStringSubmatch(tail); m != nil {
		med.Frequency = m[1]
	}
	if m := durationRe.FindStringSubmatch(tail); m != nil {
		med.Duration = strings.Join(strings.Fields(m[1]), " ")
	}
	return med, true
}

func parseLab(line string) (LabResult, bool) {
	m := labRe.FindStringSubmatch(line)
	if m == nil {
		return LabResult{}, false
	}
	test := strings.TrimSpace(m[1])
	if ignoredLabels[strings.ToLower(test)] {
		return LabResult{}, false
	}
	return LabResult{
		Test:      test,
		Value:     m[2],
		Unit:      m[3],
		Reference: strings.ReplaceAll(m[4], " ", ""),
		Flag:      m[5],
	}, true
}
