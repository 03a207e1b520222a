package extraction

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

const systemInstruction = "You read scanned receipts and invoices and return structured data as JSON."

// VertexModel answers extraction prompts with a Gemini model on Vertex AI.
type VertexModel struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewVertexModel(ctx context.Context, projectID, region, modelName string) (*VertexModel, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(region) == "" {
		return nil, fmt.Errorf("vertex model: project id and region are required")
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = "gemini-1.5-pro"
	}
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	return &VertexModel{client: client, model: model}, nil
}

func (m *VertexModel) Generate(ctx context.Context, prompt string, _ map[string]any, image []byte, mimeType string) (string, error) {
	if strings.TrimSpace(mimeType) == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(image)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	resp, err := m.model.GenerateContent(ctx, genai.Blob{MIMEType: mimeType, Data: image}, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("model returned no candidates")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("model returned an empty response")
	}
	return b.String(), nil
}

func (m *VertexModel) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
