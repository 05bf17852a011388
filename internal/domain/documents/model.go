package documents

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthvault/healthvault/internal/domain/interaction"
	"github.com/healthvault/healthvault/internal/platform/errcode"
)

// DocumentRun is one pass of an uploaded document through the pipeline.
// ExtractedText and Data are PHI and are encrypted at rest.
type DocumentRun struct {
	ID             uuid.UUID           `json:"id"`
	UserID         uuid.UUID           `json:"user_id"`
	State          State               `json:"state"`
	SourceRef      string              `json:"source_ref,omitempty"`
	FileName       string              `json:"file_name"`
	ContentType    string              `json:"content_type"`
	SizeBytes      int64               `json:"size_bytes"`
	ContentHash    string              `json:"content_hash"`
	IdempotencyKey *string             `json:"idempotency_key,omitempty"`
	ExtractedText  *string             `json:"-"`
	Confidence     *float64            `json:"confidence,omitempty"`
	Data           *MedicalData        `json:"-"`
	Interactions   *InteractionSummary `json:"interactions,omitempty"`
	ErrorCode      *errcode.Code       `json:"error_code,omitempty"`
	ErrorDetail    *string             `json:"error_detail,omitempty"`
	Version        int                 `json:"version"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Clone returns a copy that can be mutated without touching r.
func (r *DocumentRun) Clone() *DocumentRun {
	cp := *r
	return &cp
}

// fail records a failure code and user-facing detail on the run.
func (r *DocumentRun) fail(code errcode.Code, detail string) {
	r.ErrorCode = &code
	r.ErrorDetail = &detail
}

// EntityKind tags the payload carried by an Entity.
type EntityKind string

const (
	KindMedication  EntityKind = "medication"
	KindDiagnosis   EntityKind = "diagnosis"
	KindLabResult   EntityKind = "lab_result"
	KindInstruction EntityKind = "instruction"
)

type MedicationMention struct {
	Name      string `json:"name"`
	Strength  string `json:"strength,omitempty"`
	Form      string `json:"form,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

type Diagnosis struct {
	Description string `json:"description"`
}

type LabResult struct {
	Test      string `json:"test"`
	Value     string `json:"value"`
	Unit      string `json:"unit,omitempty"`
	Reference string `json:"reference_range,omitempty"`
	// Flag is "H" or "L" when the report marked the value.
	Flag string `json:"flag,omitempty"`
}

type Instruction struct {
	Text string `json:"text"`
}

// Entity is one recognised item. Exactly one payload is set and it matches
// Kind; build entities with the constructors below.
type Entity struct {
	Kind        EntityKind         `json:"kind"`
	Medication  *MedicationMention `json:"medication,omitempty"`
	Diagnosis   *Diagnosis         `json:"diagnosis,omitempty"`
	Lab         *LabResult         `json:"lab,omitempty"`
	Instruction *Instruction       `json:"instruction,omitempty"`
}

func MedicationEntity(m MedicationMention) Entity {
	return Entity{Kind: KindMedication, Medication: &m}
}

func DiagnosisEntity(d Diagnosis) Entity {
	return Entity{Kind: KindDiagnosis, Diagnosis: &d}
}

func LabEntity(l LabResult) Entity {
	return Entity{Kind: KindLabResult, Lab: &l}
}

func InstructionEntity(i Instruction) Entity {
	return Entity{Kind: KindInstruction, Instruction: &i}
}

// Validate checks that exactly one payload is set and that it matches Kind.
func (e Entity) Validate() error {
	set := 0
	for _, present := range []bool{e.Medication != nil, e.Diagnosis != nil, e.Lab != nil, e.Instruction != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("entity %q carries %d payloads, want 1", e.Kind, set)
	}
	var ok bool
	switch e.Kind {
	case KindMedication:
		ok = e.Medication != nil && e.Medication.Name != ""
	case KindDiagnosis:
		ok = e.Diagnosis != nil && e.Diagnosis.Description != ""
	case KindLabResult:
		ok = e.Lab != nil && e.Lab.Test != "" && e.Lab.Value != ""
	case KindInstruction:
		ok = e.Instruction != nil && e.Instruction.Text != ""
	default:
		return fmt.Errorf("unknown entity kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("entity %q payload is missing or empty", e.Kind)
	}
	return nil
}

// MedicalData is the structured result of parsing, in document order.
type MedicalData struct {
	Entities []Entity `json:"entities"`
}

func (d *MedicalData) Validate() error {
	for i, e := range d.Entities {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
	}
	return nil
}

// Medications returns the medication mentions in document order.
func (d *MedicalData) Medications() []MedicationMention {
	var out []MedicationMention
	for _, e := range d.Entities {
		if e.Kind == KindMedication && e.Medication != nil {
			out = append(out, *e.Medication)
		}
	}
	return out
}

// Counts returns the number of entities per kind.
func (d *MedicalData) Counts() map[EntityKind]int {
	out := make(map[EntityKind]int)
	for _, e := range d.Entities {
		out[e.Kind]++
	}
	return out
}

// InteractionSummary is the safety check outcome attached to a run.
type InteractionSummary struct {
	Warnings        []interaction.Warning        `json:"warnings"`
	Unresolved      []interaction.UnresolvedPair `json:"unresolved,omitempty"`
	Incomplete      bool                         `json:"incomplete"`
	MaxSeverity     interaction.Severity         `json:"max_severity"`
	ConsultProvider bool                         `json:"consult_provider"`
	Recommendation  string                       `json:"recommendation,omitempty"`
}

func summarize(res *interaction.CheckResult) *InteractionSummary {
	return &InteractionSummary{
		Warnings:        res.Warnings,
		Unresolved:      res.Unresolved,
		Incomplete:      res.Incomplete,
		MaxSeverity:     interaction.MaxSeverity(res.Warnings),
		ConsultProvider: res.ConsultProvider,
		Recommendation:  res.Recommendation,
	}
}

// Upload is a document handed to the coordinator.
type Upload struct {
	FileName       string
	ContentType    string
	Body           []byte
	IdempotencyKey string
}

// CommitUnit is written to the committed store as a whole. Both payloads
// are sealed before they cross the store boundary.
type CommitUnit struct {
	DocumentID         uuid.UUID
	UserID             uuid.UUID
	EncryptedSourceRef []byte
	EncryptedData      []byte
}

// CommittedRecord is the plaintext of CommitUnit.EncryptedData.
type CommittedRecord struct {
	Data         *MedicalData        `json:"data"`
	Interactions *InteractionSummary `json:"interactions,omitempty"`
}

// CommittedDocument is what a user reads back after commit.
type CommittedDocument struct {
	DocumentID   uuid.UUID           `json:"document_id"`
	SourceRef    string              `json:"source_ref"`
	Data         *MedicalData        `json:"data"`
	Interactions *InteractionSummary `json:"interactions,omitempty"`
	CommittedAt  time.Time           `json:"committed_at"`
}
