package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Extractor interface using Google Gemini. It reads
// cards client-side, so it never raises a duplicate signal; server-side
// hash checks at registration still catch duplicates.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Extractor instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// Extract analyzes the card images and returns structured fields.
func (g *Gemini) Extract(tenant string, front Image, back *Image) (*Fields, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	frontData, _, err := Normalize(front.Data, front.ContentType)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects just the format suffix, and Normalize
	// always yields PNG.
	parts := []genai.Part{genai.ImageData("png", frontData)}
	if back != nil {
		backData, _, err := Normalize(back.Data, back.ContentType)
		if err != nil {
			return nil, err
		}
		parts = append(parts, genai.ImageData("png", backData))
	}
	parts = append(parts, genai.Text(cardExtractPrompt))

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	fields, err := parseFieldsJSON(responseText.String())
	if err != nil {
		return nil, fmt.Errorf("parsing card fields: %w", err)
	}
	return fields, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
