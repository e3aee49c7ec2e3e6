package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/phone-enrich/internal/model"
)

const recordColumns = `id, phone_raw, phone_e164, kind, status, failure_reason, lookup_attempts,
	attributes, enrichments, phone_fingerprint, name_fingerprint, email_fingerprint,
	is_duplicate, duplicate_of, completeness_score, sms_delivered, sms_failed, created_at, updated_at`

const webhookColumns = `id, source, event_type, external_id, idempotency_key, payload, status,
	retry_count, last_error, record_id, created_at, processed_at`

const taskColumns = `id, type, record_id, webhook_id, attempt, status, run_at, last_error, created_at`

const deadTaskColumns = `id, type, record_id, webhook_id, last_error, error_type, attempt, max_retries, created_at, updated_at`

const callColumns = `id, record_id, provider, operation, cost_usd, latency_ms, outcome, error_class, request, response, created_at`

func encodeRecordJSON(r *model.Record) (attrs, enr []byte, err error) {
	attrs, err = json.Marshal(r.Attributes)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal attributes")
	}
	if r.Enrichments == nil {
		r.Enrichments = make(map[model.Domain]model.EnrichmentState)
	}
	enr, err = json.Marshal(r.Enrichments)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal enrichments")
	}
	return attrs, enr, nil
}

func decodeRecordJSON(r *model.Record, attrs, enr []byte) error {
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return eris.Wrapf(err, "store: unmarshal attributes for %s", r.ID)
		}
	}
	r.Enrichments = make(map[model.Domain]model.EnrichmentState)
	if len(enr) > 0 {
		if err := json.Unmarshal(enr, &r.Enrichments); err != nil {
			return eris.Wrapf(err, "store: unmarshal enrichments for %s", r.ID)
		}
	}
	return nil
}

// nullJSON keeps empty payloads as SQL NULL.
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func mergeFieldsJSON(m model.MergeEntry) ([]byte, error) {
	fields := m.FieldsCopied
	if fields == nil {
		fields = []string{}
	}
	b, err := json.Marshal(fields)
	return b, eris.Wrap(err, "store: marshal merge fields")
}

func decodeMergeFields(m *model.MergeEntry, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(b, &m.FieldsCopied), "store: unmarshal merge fields for %s", m.ID)
}
