package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"merch-service/internal/models"
)

// Stripe metadata limits
const (
	MaxMetadataKeys     = 50
	MaxMetadataValueLen = 500

	intentPartsKey  = "intent_parts"
	intentKeyPrefix = "intent_"
	customerKey     = "customer_email"

	// room left for intent_parts and customer_email
	maxIntentChunks = MaxMetadataKeys - 2
)

var (
	// ErrIntentTooLarge is returned when the serialized intent cannot fit in session metadata
	ErrIntentTooLarge = errors.New("order intent exceeds payment session metadata capacity")
	// ErrIntentMissing is returned when session metadata carries no intent
	ErrIntentMissing = errors.New("order intent missing from session metadata")
	// ErrIntentCorrupt is returned when intent chunks are incomplete or undecodable
	ErrIntentCorrupt = errors.New("order intent metadata is corrupt")
)

// EncodeIntent serializes the intent into ordered metadata chunks
func EncodeIntent(intent *models.OrderIntent) (map[string]string, error) {
	blob, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order intent: %w", err)
	}

	chunks := splitChunks(string(blob), MaxMetadataValueLen)
	if len(chunks) > maxIntentChunks {
		return nil, fmt.Errorf("%w: %d bytes", ErrIntentTooLarge, len(blob))
	}

	metadata := make(map[string]string, len(chunks)+2)
	for i, chunk := range chunks {
		metadata[intentKeyPrefix+strconv.Itoa(i)] = chunk
	}
	metadata[intentPartsKey] = strconv.Itoa(len(chunks))
	if email := intent.Customer.Email; email != "" && len(email) <= MaxMetadataValueLen {
		metadata[customerKey] = email
	}
	return metadata, nil
}

// DecodeIntent reassembles the intent from session metadata
func DecodeIntent(metadata map[string]string) (*models.OrderIntent, error) {
	raw, ok := metadata[intentPartsKey]
	if !ok {
		return nil, ErrIntentMissing
	}

	parts, err := strconv.Atoi(raw)
	if err != nil || parts <= 0 || parts > maxIntentChunks {
		return nil, fmt.Errorf("%w: bad part count %q", ErrIntentCorrupt, raw)
	}

	var blob []byte
	for i := 0; i < parts; i++ {
		chunk, ok := metadata[intentKeyPrefix+strconv.Itoa(i)]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d missing", ErrIntentCorrupt, i)
		}
		blob = append(blob, chunk...)
	}

	var intent models.OrderIntent
	if err := json.Unmarshal(blob, &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntentCorrupt, err)
	}
	return &intent, nil
}

// splitChunks cuts s into pieces of at most size bytes without splitting a rune
func splitChunks(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
