package parser

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"vehicle-telemetry-server/internal/models"
)

var (
	// ErrMalformed reports a wire payload that does not parse into the
	// expected shape. The record is dropped and never persisted.
	ErrMalformed = errors.New("malformed telemetry payload")

	// ErrUnauthorized reports a pull request that failed key validation.
	// It is rejected before any record is constructed.
	ErrUnauthorized = errors.New("unauthorized telemetry request")
)

// Parser normalizes the two accepted wire encodings into canonical records.
type Parser struct {
	authKey string
}

// New creates a parser. authKey is the shared secret pull-transport senders
// must present; an empty authKey disables the check.
func New(authKey string) *Parser {
	return &Parser{authKey: authKey}
}

// ParseBusMessage parses a positional-delimited bus payload of the form
// "<version>_<v1>*<v2>*...*<vN>". Fields map to the canonical schema by
// position. Missing trailing fields stay absent; extra fields are ignored.
// A message without a version prefix is parsed with the default schema.
func (p *Parser) ParseBusMessage(raw string) (*models.Record, error) {
	msg := strings.TrimSpace(raw)
	if msg == "" {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	version := models.DefaultSchemaVersion
	data := msg
	if i := strings.Index(msg, "_"); i >= 0 {
		version = msg[:i]
		data = msg[i+1:]
	}

	order, ok := models.SchemaVersions[version]
	if !ok {
		return nil, fmt.Errorf("%w: unknown schema version %q", ErrMalformed, version)
	}

	values := map[string]string{}
	for i, v := range strings.Split(data, "*") {
		if i >= len(order) {
			break
		}
		values[order[i]] = v
	}
	return models.NewRecord(values), nil
}

// Authorize checks the auth key parameter without constructing a record.
// The pull endpoint calls this before answering the vehicle; normalization
// happens later, detached from the request.
func (p *Parser) Authorize(q url.Values) error {
	if p.authKey != "" && q.Get("key") != p.authKey {
		return ErrUnauthorized
	}
	return nil
}

// ParseQuery parses the key/value encoding used by the pull transport.
// The auth key is validated before any field is read; on mismatch or
// absence no record is constructed. Recognized keys map directly to the
// canonical schema, unrecognized keys are ignored, and absent or empty
// parameters stay absent.
func (p *Parser) ParseQuery(q url.Values) (*models.Record, error) {
	if p.authKey != "" && q.Get("key") != p.authKey {
		return nil, ErrUnauthorized
	}

	values := map[string]string{}
	for _, field := range models.FieldOrder {
		if v := q.Get(field); v != "" {
			values[field] = v
		}
	}

	rec := models.NewRecord(values)
	rec.VehicleID = q.Get("id")
	rec.UpstreamCounter = q.Get("c")
	return rec, nil
}
