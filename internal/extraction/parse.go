package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// cardExtractPrompt is the shared prompt used by vision models to read an
// intake card.
const cardExtractPrompt = `You are analyzing a photograph of a handwritten or printed member intake card. Carefully read all text on the card (front side first, back side if provided) and extract the following information:

1. **Name**: The member's first and last name, usually at the top of the card.
2. **Contact details**: Email address and phone number.
3. **Birth date**: Convert to ISO 8601 format (YYYY-MM-DD). Common formats: MM/DD/YYYY, DD/MM/YYYY, or written dates.
4. **Address**: Street address, city, and postal code.
5. **Emergency contact**: Name and phone number, often on the back side.
6. **Notes**: Any free-form remarks, medical notes, or preferences written on the card.

Return ONLY valid JSON in this exact format:
{
  "first_name": "",
  "last_name": "",
  "email": "",
  "phone": "",
  "birth_date": "YYYY-MM-DD",
  "address": "",
  "city": "",
  "postal_code": "",
  "emergency_name": "",
  "emergency_phone": "",
  "notes": ""
}

Important:
- The birth_date must be in YYYY-MM-DD format
- Use an empty string for any field you cannot read
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// parseFieldsJSON parses a vision model's response into Fields, tolerating
// markdown fences and surrounding prose the way models tend to answer.
func parseFieldsJSON(text string) (*Fields, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var fields Fields
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	normalizeFields(&fields)
	return &fields, nil
}

// normalizeFields trims text fields and coerces the birth date into
// YYYY-MM-DD across the formats cards are typically filled in with.
func normalizeFields(fields *Fields) {
	fields.FirstName = strings.TrimSpace(fields.FirstName)
	fields.LastName = strings.TrimSpace(fields.LastName)
	fields.Email = strings.ToLower(strings.TrimSpace(fields.Email))
	fields.Phone = strings.TrimSpace(fields.Phone)
	fields.Address = strings.TrimSpace(fields.Address)
	fields.City = strings.TrimSpace(fields.City)
	fields.PostalCode = strings.TrimSpace(fields.PostalCode)
	fields.EmergencyName = strings.TrimSpace(fields.EmergencyName)
	fields.EmergencyPhone = strings.TrimSpace(fields.EmergencyPhone)
	fields.Notes = strings.TrimSpace(fields.Notes)

	date := strings.TrimSpace(fields.BirthDate)
	if date == "" {
		fields.BirthDate = ""
		return
	}
	if parsed, err := time.Parse("2006-01-02", date); err == nil {
		fields.BirthDate = parsed.Format("2006-01-02")
		return
	}
	formats := []string{
		"2006/01/02",
		"01/02/2006",
		"02-01-2006",
		"January 2, 2006",
		"2 January 2006",
	}
	for _, format := range formats {
		if parsed, err := time.Parse(format, date); err == nil {
			fields.BirthDate = parsed.Format("2006-01-02")
			return
		}
	}
	// Keep the raw value; a barely-legible date is still worth surfacing.
	fields.BirthDate = date
}
