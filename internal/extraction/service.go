package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrExtraction = errors.New("extraction failed")

// ValidationError means the model answered, but not with a conforming result.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "extraction output invalid: " + e.Reason
	}
	return fmt.Sprintf("extraction output invalid: %s: %v", e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrExtraction
}

// Model is a generative backend that answers with JSON text.
type Model interface {
	Generate(ctx context.Context, prompt string, schema map[string]any, image []byte, mimeType string) (string, error)
}

type Request struct {
	Image    []byte
	MIMEType string
	Schema   Schema
	Prompt   string
}

type Result struct {
	Data map[string]any
	Raw  json.RawMessage
}

// Service turns a document image into schema-conforming data.
type Service struct {
	model   Model
	timeout time.Duration

	mu         sync.Mutex
	validators map[string]*Validator
}

func NewService(model Model, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Service{
		model:      model,
		timeout:    timeout,
		validators: map[string]*Validator{},
	}
}

const defaultInstructions = "Extract the requested fields from this scanned document. " +
	"Answer with a single JSON object and nothing else. Use null for values that are not present. " +
	"Dates use the YYYY-MM-DD format and amounts are plain numbers without currency symbols."

// Extract never returns an empty result on failure; every failure is an error.
func (s *Service) Extract(ctx context.Context, req Request) (Result, error) {
	if s.model == nil {
		return Result{}, fmt.Errorf("%w: no model configured", ErrExtraction)
	}
	if len(req.Image) == 0 {
		return Result{}, fmt.Errorf("%w: empty document image", ErrExtraction)
	}
	validator, err := s.validator(req.Schema)
	if err != nil {
		return Result{}, err
	}
	prompt := buildPrompt(req.Prompt, validator.Document())

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	text, err := s.model.Generate(ctx, prompt, validator.Document(), req.Image, req.MIMEType)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	raw := []byte(stripCodeFence(text))
	data, err := validator.Validate(raw)
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, Raw: json.RawMessage(raw)}, nil
}

func (s *Service) validator(schema Schema) (*Validator, error) {
	key, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.validators[string(key)]; ok {
		return v, nil
	}
	v, err := schema.Compile()
	if err != nil {
		return nil, err
	}
	s.validators[string(key)] = v
	return v, nil
}

func buildPrompt(instructions string, schema map[string]any) string {
	var b strings.Builder
	b.WriteString(defaultInstructions)
	if extra := strings.TrimSpace(instructions); extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	if encoded, err := json.MarshalIndent(schema, "", "  "); err == nil {
		b.WriteString("\n\nThe JSON object must conform to this JSON Schema:\n")
		b.Write(encoded)
	}
	return b.String()
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
