package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrExtractionFailed is returned when the extraction service reported a failure
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrMalformedExtraction is returned when the payload cannot be shaped into a result
	ErrMalformedExtraction = errors.New("malformed extraction payload")
)

// dateFormats are the layouts tried when normalizing a receipt date
var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"02-01-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02 Jan 2006",
}

type extractionBody struct {
	StatusCode *int            `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	Error      json.RawMessage `json:"error"`
	Body       json.RawMessage `json:"body"`
}

type extractedReceipt struct {
	StoreName     string          `json:"store_name"`
	Date          string          `json:"date"`
	Total         json.RawMessage `json:"total"`
	Tax           json.RawMessage `json:"tax"`
	Subtotal      json.RawMessage `json:"subtotal"`
	PaymentMethod string          `json:"payment_method"`
	Items         []extractedItem `json:"items"`
}

type extractedItem struct {
	ItemName string          `json:"item_name"`
	Price    json.RawMessage `json:"price"`
}

// ShapeExtraction turns a raw extraction body into an ExtractionResult
func ShapeExtraction(fileID string, payload json.RawMessage) (*ExtractionResult, error) {
	var body extractionBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling body: %v", ErrMalformedExtraction, err)
	}

	if body.StatusCode != nil && *body.StatusCode != 200 {
		return nil, fmt.Errorf("%w (status %d): %s", ErrExtractionFailed, *body.StatusCode, errorMessage(body))
	}

	docs, err := decodeDocuments(body.Data)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no receipt data found", ErrExtractionFailed)
	}
	if len(docs) > 1 {
		slog.Warn("Extraction returned several documents, using the first", "file_id", fileID, "documents", len(docs))
	}
	doc := docs[0]

	total, err := parseAmount(doc.Total)
	if err != nil {
		return nil, fmt.Errorf("%w: total: %v", ErrMalformedExtraction, err)
	}

	result := &ExtractionResult{
		FileID:        fileID,
		Merchant:      strings.TrimSpace(doc.StoreName),
		Date:          normalizeDate(doc.Date),
		Total:         total,
		PaymentMethod: strings.TrimSpace(doc.PaymentMethod),
		Items:         make([]LineItem, 0, len(doc.Items)),
	}
	if tax, err := optionalAmount(doc.Tax); err == nil {
		result.Tax = tax
	}
	if subtotal, err := optionalAmount(doc.Subtotal); err == nil {
		result.Subtotal = subtotal
	}

	for _, item := range doc.Items {
		name := strings.TrimSpace(item.ItemName)
		price, err := parseAmount(item.Price)
		if name == "" || err != nil {
			slog.Info("Skipping invalid line item", "file_id", fileID, "item", name, "error", err)
			continue
		}
		result.Items = append(result.Items, LineItem{Name: name, Price: price})
	}

	return result, nil
}

// decodeDocuments accepts either a list of receipts or a single receipt object
func decodeDocuments(data json.RawMessage) ([]extractedReceipt, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var doc extractedReceipt
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: unmarshaling receipt: %v", ErrMalformedExtraction, err)
		}
		return []extractedReceipt{doc}, nil
	}
	var docs []extractedReceipt
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling receipts: %v", ErrMalformedExtraction, err)
	}
	return docs, nil
}

// errorMessage digs the human readable error out of a failed body
func errorMessage(body extractionBody) string {
	for _, raw := range []json.RawMessage{body.Error, body.Body} {
		if len(raw) == 0 {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil && text != "" {
			return text
		}
		var obj struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			if obj.Message != "" {
				return obj.Message
			}
			if obj.Error != "" {
				return obj.Error
			}
		}
	}
	return "unknown error"
}

func optionalAmount(raw json.RawMessage) (*int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("missing")
	}
	cents, err := parseAmount(raw)
	if err != nil {
		return nil, err
	}
	return &cents, nil
}

// parseAmount converts a JSON number or a money string like "$1,234.56" to cents
func parseAmount(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing amount")
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return int(math.Round(number * 100)), nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("amount is neither number nor string: %s", string(raw))
	}
	return parseMoney(text)
}

func parseMoney(text string) (int, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			return r
		default:
			return -1
		}
	}, text)
	if cleaned == "" {
		return 0, fmt.Errorf("no digits in amount %q", text)
	}

	switch {
	case strings.Contains(cleaned, ".") && strings.Contains(cleaned, ","):
		// the last separator is the decimal mark: 1,234.56 or 1.234,56
		if strings.LastIndex(cleaned, ",") > strings.LastIndex(cleaned, ".") {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case strings.Contains(cleaned, ","):
		idx := strings.LastIndex(cleaned, ",")
		if len(cleaned)-idx-1 == 2 {
			// 12,34
			cleaned = cleaned[:idx] + "." + cleaned[idx+1:]
		}
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", text, err)
	}
	return int(math.Round(value * 100)), nil
}

// normalizeDate returns an ISO 8601 date when the text parses, otherwise the trimmed text
func normalizeDate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	for _, format := range dateFormats {
		if d, err := time.Parse(format, text); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return text
}
